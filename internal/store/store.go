package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a transcription does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists committed transcripts. A Store without a pool is valid:
// writes are skipped and reads report ErrNotFound.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Enabled reports whether a database is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Transcription status values.
const (
	StatusRecording = "recording"
	StatusCompleted = "completed"
)

// Transcription is the stored committed transcript of one session.
type Transcription struct {
	SessionID      string     `json:"session_id"`
	Status         string     `json:"status"`
	Committed      string     `json:"committed"`
	FinalSegments  int        `json:"final_segments"`
	ActiveSeconds  float64    `json:"active_seconds"`
	PlaybackFormat *string    `json:"playback_format,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreateTranscription inserts an empty transcript row for a started session.
func (s *Store) CreateTranscription(ctx context.Context, sessionID string, startedAt time.Time) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO transcriptions (session_id, status, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, StatusRecording, startedAt)
	return err
}

// CheckpointTranscript stores the committed text after a final segment.
// The row is only updated when the new text extends the stored one, so a
// late checkpoint can never shorten the committed transcript.
func (s *Store) CheckpointTranscript(ctx context.Context, sessionID, committed string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE transcriptions
		SET committed = $2,
		    final_segments = final_segments + 1,
		    updated_at = now()
		WHERE session_id = $1
		  AND status = 'recording'
		  AND starts_with($2, committed)
		  AND length($2) > length(committed)
	`, sessionID, committed)
	return err
}

// CompleteTranscription stores the final committed text and active time.
func (s *Store) CompleteTranscription(ctx context.Context, sessionID, committed string, active time.Duration, playbackFormat string, endedAt time.Time) error {
	if !s.Enabled() {
		return nil
	}
	var format *string
	if playbackFormat != "" {
		format = &playbackFormat
	}
	_, err := s.db.Exec(ctx, `
		UPDATE transcriptions
		SET status = $2,
		    committed = CASE WHEN starts_with($3, committed) THEN $3 ELSE committed END,
		    active_seconds = $4,
		    playback_format = $5,
		    ended_at = $6,
		    updated_at = now()
		WHERE session_id = $1
	`, sessionID, StatusCompleted, committed, active.Seconds(), format, endedAt)
	return err
}

// GetTranscription returns one stored transcript.
func (s *Store) GetTranscription(ctx context.Context, sessionID string) (*Transcription, error) {
	if !s.Enabled() {
		return nil, ErrNotFound
	}
	var t Transcription
	err := s.db.QueryRow(ctx, `
		SELECT session_id, status, committed, final_segments, active_seconds, playback_format, started_at, ended_at, updated_at
		FROM transcriptions
		WHERE session_id = $1
	`, sessionID).Scan(
		&t.SessionID, &t.Status, &t.Committed, &t.FinalSegments, &t.ActiveSeconds,
		&t.PlaybackFormat, &t.StartedAt, &t.EndedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTranscriptions returns the most recent transcripts first.
func (s *Store) ListTranscriptions(ctx context.Context, limit int) ([]Transcription, error) {
	if !s.Enabled() {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, status, committed, final_segments, active_seconds, playback_format, started_at, ended_at, updated_at
		FROM transcriptions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcription
	for rows.Next() {
		var t Transcription
		if err := rows.Scan(
			&t.SessionID, &t.Status, &t.Committed, &t.FinalSegments, &t.ActiveSeconds,
			&t.PlaybackFormat, &t.StartedAt, &t.EndedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SessionEvent is one row of the session journal.
type SessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListSessionEvents retrieves the journal of one session in order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if !s.Enabled() {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var eventData []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &eventData, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventData = json.RawMessage(eventData)
		events = append(events, e)
	}
	return events, rows.Err()
}
