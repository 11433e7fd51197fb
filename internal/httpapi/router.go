package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
)

type RouterConfig struct {
	// JWT Authentication. The control API is open when empty.
	JWTSecret string

	// Upper bound for the link handshake started by POST /api/session.
	ConnectTimeout time.Duration

	// How long GET /api/session/recording waits for the artifact.
	RecordingWait time.Duration
}

// SessionFactory builds a fresh idle session wired to the device, the
// transcription service and the persistence layer.
type SessionFactory func() *session.Session

type Router struct {
	cfg        RouterConfig
	logger     *log.Logger
	registry   *session.Registry
	newSession SessionFactory
	store      *store.Store
	metrics    *metrics.Metrics
	mux        *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, registry *session.Registry, newSession SessionFactory, s *store.Store, m *metrics.Metrics) http.Handler {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.RecordingWait <= 0 {
		cfg.RecordingWait = 10 * time.Second
	}

	r := &Router{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		newSession: newSession,
		store:      s,
		metrics:    m,
		mux:        http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check and metrics
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	if r.metrics != nil {
		r.mux.Handle("GET /metrics", r.metrics.Handler())
	}

	// Recording lifecycle
	r.mux.HandleFunc("POST /api/session", r.withAuth(r.handleStartSession))
	r.mux.HandleFunc("POST /api/session/connect", r.withAuth(r.handleConnect))
	r.mux.HandleFunc("POST /api/session/pause", r.withAuth(r.handlePause))
	r.mux.HandleFunc("POST /api/session/resume", r.withAuth(r.handleResume))
	r.mux.HandleFunc("POST /api/session/stop", r.withAuth(r.handleStop))
	r.mux.HandleFunc("GET /api/session", r.withAuth(r.handleGetSession))
	r.mux.HandleFunc("GET /api/session/transcript", r.withAuth(r.handleGetTranscript))
	r.mux.HandleFunc("GET /api/session/transcript/ws", r.withAuth(r.handleTranscriptWS))
	r.mux.HandleFunc("GET /api/session/recording", r.withAuth(r.handleGetRecording))
	r.mux.HandleFunc("DELETE /api/session/recording", r.withAuth(r.handleClearRecording))

	// Stored transcripts
	r.mux.HandleFunc("GET /api/transcriptions", r.withAuth(r.handleListTranscriptions))
	r.mux.HandleFunc("GET /api/transcriptions/{id}", r.withAuth(r.handleGetTranscription))
	r.mux.HandleFunc("GET /api/transcriptions/{id}/events", r.withAuth(r.handleListSessionEvents))

	// File upload boundary
	r.mux.HandleFunc("POST /api/uploads/validate", r.withAuth(r.handleValidateUpload))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if r.registry.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
