package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/httpapi"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/session"
	"github.com/lukasbauer/scribe/internal/store"
	"github.com/lukasbauer/scribe/internal/stt"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	metrics  *metrics.Metrics
	registry *session.Registry
	device   audio.Device
}

// New wires the application. Persistence is optional: without DATABASE_URL
// transcripts live only in memory.
func New(cfg Config, logger *log.Logger) (*App, error) {
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		db, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		// Migrations are applied externally (migrations/*.sql via psql).
		logger.Printf("app: persistence enabled")
	} else {
		logger.Printf("app: DATABASE_URL not set, transcripts will not be persisted")
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    store.New(db),
		eventLog: eventlog.New(db, logger),
		metrics:  metrics.New(),
		registry: session.NewRegistry(),
		device:   audio.NewMiniaudioDevice(logger),
	}, nil
}

// NewSession builds an idle session bound to the capture device and a fresh
// transcription link.
func (a *App) NewSession() *session.Session {
	return session.New(session.Config{
		SampleRate:     a.cfg.SampleRate,
		FrameSize:      audio.DefaultFrameSize,
		FrameQueue:     a.cfg.FrameQueue,
		PlaybackFormat: a.cfg.PlaybackFormat,
	}, session.Deps{
		Device:       a.device,
		NewTransport: a.newLink,
		Registry:     a.registry,
		Store:        a.store,
		Events:       a.eventLog,
		Metrics:      a.metrics,
		Logger:       a.logger,
	})
}

func (a *App) newLink(listener stt.Listener) session.Transport {
	return stt.NewLink(stt.Config{
		URL:            a.cfg.TranscribeURL,
		SampleRate:     a.cfg.SampleRate,
		APIKey:         a.cfg.TranscribeAPIKey,
		TokenSecret:    a.cfg.TranscribeTokenSecret,
		Subject:        "scribe",
		ConnectTimeout: a.cfg.ConnectTimeout,
		WriteTimeout:   a.cfg.WriteTimeout,
	}, listener, a.logger, a.metrics)
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret:      a.cfg.JWTSecret,
		ConnectTimeout: a.cfg.ConnectTimeout + 5*time.Second,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.registry, a.NewSession, a.store, a.metrics)
}

// Registry exposes the session registry for shutdown draining.
func (a *App) Registry() *session.Registry {
	return a.registry
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
