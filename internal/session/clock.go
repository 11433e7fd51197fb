package session

import (
	"sync"
	"time"
)

// clock tracks active recording time. Paused intervals are accumulated at
// each resume (or at stop) and excluded from elapsed.
type clock struct {
	now func() time.Time

	mu          sync.Mutex
	started     time.Time
	pausedAt    time.Time
	stopped     time.Time
	pausedAccum time.Duration
	paused      bool
}

func (c *clock) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = c.now()
	c.pausedAccum = 0
	c.paused = false
	c.pausedAt = time.Time{}
	c.stopped = time.Time{}
}

func (c *clock) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pausedAt = c.now()
	c.paused = true
}

func (c *clock) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.pausedAccum += c.now().Sub(c.pausedAt)
		c.paused = false
	}
}

func (c *clock) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	if c.paused {
		c.pausedAccum += t.Sub(c.pausedAt)
		c.paused = false
	}
	c.stopped = t
}

func (c *clock) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = time.Time{}
	c.pausedAt = time.Time{}
	c.stopped = time.Time{}
	c.pausedAccum = 0
	c.paused = false
}

func (c *clock) elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0
	}
	end := c.now()
	switch {
	case !c.stopped.IsZero():
		end = c.stopped
	case c.paused:
		end = c.pausedAt
	}
	d := end.Sub(c.started) - c.pausedAccum
	if d < 0 {
		return 0
	}
	return d
}

func (c *clock) startedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *clock) stoppedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
