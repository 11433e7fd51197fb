package eventlog

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionPaused    EventType = "session_paused"
	EventSessionResumed   EventType = "session_resumed"
	EventSessionStopped   EventType = "session_stopped"
	EventRecordingCleared EventType = "recording_cleared"
	EventLinkOpen         EventType = "link_open"
	EventLinkClosed       EventType = "link_closed"
	EventLinkError        EventType = "link_error"
	EventTranscriptFinal  EventType = "transcript_final"
	EventServiceError     EventType = "service_error"
	EventTeardownFailed   EventType = "teardown_failed"
)

// Logger provides async event logging to the database
type Logger struct {
	db     *pgxpool.Pool
	logger *log.Logger
}

// New creates a new event logger. logger may be nil.
func New(db *pgxpool.Pool, logger *log.Logger) *Logger {
	return &Logger{db: db, logger: logger}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Log(ctx, sessionID, eventType, data); err != nil && l.logger != nil {
			l.logger.Printf("eventlog: failed to write %s: %v", eventType, err)
		}
	}()
}
