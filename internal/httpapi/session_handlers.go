package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/transcript"
)

type sessionResponse struct {
	Session       session.Info        `json:"session"`
	Transcript    transcript.Snapshot `json:"transcript"`
	ConnectError  string              `json:"connect_error,omitempty"`
	TeardownError string              `json:"teardown_error,omitempty"`
}

func newSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		Session:    s.Info(),
		Transcript: s.Transcript().Snapshot(),
	}
}

// current returns the most recent session, live or stopped.
func (r *Router) current(w http.ResponseWriter) *session.Session {
	s := r.registry.Latest()
	if s == nil {
		writeError(w, http.StatusNotFound, "no session")
	}
	return s
}

// handleStartSession acquires the microphone and opens the transcription
// link. A failed link does not fail the request: the recording keeps going
// and POST /api/session/connect can retry.
func (r *Router) handleStartSession(w http.ResponseWriter, req *http.Request) {
	s := r.newSession()
	if err := s.Start(req.Context()); err != nil {
		r.writeSessionError(w, req, err)
		return
	}
	r.logger.Printf("httpapi: session %s started by %q", s.ID(), subject(req.Context()))

	resp := newSessionResponse(s)
	ctx, cancel := context.WithTimeout(req.Context(), r.cfg.ConnectTimeout)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		resp.ConnectError = err.Error()
	}
	resp.Session = s.Info()
	writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) handleConnect(w http.ResponseWriter, req *http.Request) {
	s := r.current(w)
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), r.cfg.ConnectTimeout)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			r.writeSessionError(w, req, err)
			return
		}
		resp := newSessionResponse(s)
		resp.ConnectError = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(s))
}

func (r *Router) handlePause(w http.ResponseWriter, req *http.Request) {
	r.transition(w, req, (*session.Session).Pause)
}

func (r *Router) handleResume(w http.ResponseWriter, req *http.Request) {
	r.transition(w, req, (*session.Session).Resume)
}

// handleStop reports teardown failures but still answers with the final
// state: the device is released regardless.
func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	s := r.current(w)
	if s == nil {
		return
	}
	if err := s.Stop(); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			r.writeSessionError(w, req, err)
			return
		}
		captureError(req, err, "httpapi: stop teardown")
		resp := newSessionResponse(s)
		resp.TeardownError = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(s))
}

func (r *Router) transition(w http.ResponseWriter, req *http.Request, op func(*session.Session) error) {
	s := r.current(w)
	if s == nil {
		return
	}
	if err := op(s); err != nil {
		r.writeSessionError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(s))
}

func (r *Router) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	s := r.current(w)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(s))
}

func (r *Router) handleGetTranscript(w http.ResponseWriter, _ *http.Request) {
	s := r.current(w)
	if s == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.Transcript().Snapshot())
}

func (r *Router) handleGetRecording(w http.ResponseWriter, req *http.Request) {
	s := r.current(w)
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), r.cfg.RecordingWait)
	defer cancel()

	rec, err := s.Recording(ctx)
	switch {
	case errors.Is(err, session.ErrNoRecording):
		writeError(w, http.StatusNotFound, "no recording")
		return
	case err != nil:
		r.writeSessionError(w, req, err)
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Data)))
	w.Header().Set("X-Recording-Duration-Ms", strconv.FormatInt(rec.Duration.Milliseconds(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, s.ID(), rec.Format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Data)
}

func (r *Router) handleClearRecording(w http.ResponseWriter, req *http.Request) {
	s := r.current(w)
	if s == nil {
		return
	}
	if err := s.ClearRecording(); err != nil {
		r.writeSessionError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError maps lifecycle errors to status codes.
func (r *Router) writeSessionError(w http.ResponseWriter, req *http.Request, err error) {
	var acqErr *audio.AcquisitionError
	switch {
	case errors.As(err, &acqErr):
		status := http.StatusServiceUnavailable
		switch acqErr.Kind {
		case audio.PermissionDenied:
			status = http.StatusForbidden
		case audio.Unsupported:
			status = http.StatusNotImplemented
		}
		r.logger.Printf("httpapi: %v", err)
		writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(acqErr.Kind)})
	case errors.Is(err, session.ErrDeviceBusy), errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		r.logger.Printf("httpapi: %v", err)
		captureError(req, err, "httpapi: session operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
