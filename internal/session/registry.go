package session

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrDeviceBusy is returned by Start when another session holds the
	// capture device.
	ErrDeviceBusy = errors.New("session: capture device is held by another session")
	// ErrDraining is returned by Start during shutdown.
	ErrDraining = errors.New("session: shutting down, not accepting new sessions")
)

// Registry enforces exclusive device ownership and supports graceful
// draining. At most one session is live (Recording or Paused) at a time.
//
// The mu mutex makes the draining check and wg.Add atomic in begin, so that
// StartDraining followed by Wait cannot miss a session that was starting.
type Registry struct {
	mu       sync.Mutex
	draining bool
	live     *Session
	latest   *Session
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) begin(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	if r.live != nil {
		return ErrDeviceBusy
	}
	r.live = s
	r.latest = s
	r.wg.Add(1)
	r.count.Add(1)
	return nil
}

// end releases ownership. Calling it for a session that is not live is a
// no-op.
func (r *Registry) end(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live != s {
		return
	}
	r.live = nil
	r.count.Add(-1)
	r.wg.Done()
}

// Live returns the session currently holding the device, or nil.
func (r *Registry) Live() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Latest returns the most recently started session, live or stopped.
func (r *Registry) Latest() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// StartDraining makes future Start calls fail with ErrDraining.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of live sessions (0 or 1).
func (r *Registry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until no session is live.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// StopLive stops the live session, if any, and waits for it to end.
func (r *Registry) StopLive() error {
	s := r.Live()
	if s == nil {
		return nil
	}
	err := s.Stop()
	r.Wait()
	return err
}
