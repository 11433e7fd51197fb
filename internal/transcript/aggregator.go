// Package transcript reconciles streamed recognition events into an
// append-only committed transcript and a replaceable interim preview.
package transcript

import (
	"log"
	"strings"
	"sync"
	"time"
)

// Snapshot is a read-only view of the transcript.
type Snapshot struct {
	Committed string    `json:"committed"`
	Interim   string    `json:"interim"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Hooks are optional callbacks run after the aggregator state changed.
// They run on the caller's goroutine, outside the aggregator lock.
type Hooks struct {
	// OnFinal receives the trimmed segment and the new committed text.
	OnFinal func(segment, committed string)
	// OnError receives non-fatal service errors.
	OnError func(message string)
}

// Aggregator applies events in arrival order. It implements stt.Listener.
// Committed text only ever grows.
type Aggregator struct {
	logger *log.Logger
	hooks  Hooks
	now    func() time.Time

	mu        sync.Mutex
	committed strings.Builder
	interim   string
	updatedAt time.Time
	subs      map[*subscriber]struct{}
}

// New creates an empty aggregator.
func New(logger *log.Logger, hooks Hooks) *Aggregator {
	return &Aggregator{
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
		subs:   make(map[*subscriber]struct{}),
	}
}

// OnTranscript applies a transcript event. Interim text replaces the
// preview in full; a non-empty final is trimmed, appended to the committed
// text and clears the preview. Empty events change nothing.
func (a *Aggregator) OnTranscript(text string, isFinal bool) {
	if isFinal {
		a.applyFinal(text)
		return
	}
	if text == "" {
		return
	}

	a.mu.Lock()
	a.interim = text
	a.updatedAt = a.now()
	snap := a.snapshotLocked()
	a.publishLocked(snap)
	a.mu.Unlock()
}

func (a *Aggregator) applyFinal(text string) {
	segment := strings.TrimSpace(text)
	if segment == "" {
		return
	}

	a.mu.Lock()
	if a.committed.Len() > 0 {
		a.committed.WriteByte(' ')
	}
	a.committed.WriteString(segment)
	a.interim = ""
	a.updatedAt = a.now()
	snap := a.snapshotLocked()
	a.publishLocked(snap)
	a.mu.Unlock()
	if a.hooks.OnFinal != nil {
		a.hooks.OnFinal(segment, snap.Committed)
	}
}

// OnError forwards a service error. Transcript state is unchanged.
func (a *Aggregator) OnError(message string) {
	a.logger.Printf("transcript: service reported error: %s", message)
	if a.hooks.OnError != nil {
		a.hooks.OnError(message)
	}
}

// ResetInterim clears the preview, leaving committed text intact.
func (a *Aggregator) ResetInterim() {
	a.mu.Lock()
	if a.interim == "" {
		a.mu.Unlock()
		return
	}
	a.interim = ""
	a.updatedAt = a.now()
	snap := a.snapshotLocked()
	a.publishLocked(snap)
	a.mu.Unlock()
}

// Committed returns the committed transcript.
func (a *Aggregator) Committed() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed.String()
}

// Interim returns the current preview text.
func (a *Aggregator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// Snapshot returns both projections taken atomically.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		Committed: a.committed.String(),
		Interim:   a.interim,
		UpdatedAt: a.updatedAt,
	}
}
