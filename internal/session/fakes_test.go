package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/stt"
)

type fakeHandle struct {
	mu       sync.Mutex
	sink     audio.SampleSink
	calls    []string
	closeErr error
	released int
}

func (h *fakeHandle) Connect(sink audio.SampleSink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sink != nil {
		return audio.ErrSinkAttached
	}
	h.sink = sink
	h.calls = append(h.calls, "connect")
	return nil
}

func (h *fakeHandle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = nil
	h.calls = append(h.calls, "disconnect")
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "close")
	return h.closeErr
}

func (h *fakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "release")
	h.released++
	return nil
}

// feed simulates the device callback.
func (h *fakeHandle) feed(samples []float32) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink != nil {
		sink.Write(samples)
	}
}

func (h *fakeHandle) attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sink != nil
}

func (h *fakeHandle) history() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHandle) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type fakeDevice struct {
	mu       sync.Mutex
	handle   *fakeHandle
	err      error
	acquired int
	last     audio.Constraints
}

func (d *fakeDevice) Acquire(c audio.Constraints) (audio.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = c
	if d.err != nil {
		return nil, d.err
	}
	d.acquired++
	return d.handle, nil
}

type fakeTransport struct {
	mu          sync.Mutex
	state       stt.ConnectionState
	frames      [][]byte
	dropped     int
	connects    int
	disconnects int
	connectErr  error
	listener    stt.Listener
	onState     func(stt.ConnectionState)

	// beforeConnect and onDisconnect run without t.mu held.
	beforeConnect func()
	onDisconnect  func()
}

func (t *fakeTransport) Connect(context.Context) error {
	if t.beforeConnect != nil {
		t.beforeConnect()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stt.StateOpen {
		return nil
	}
	t.connects++
	if t.connectErr != nil {
		t.state = stt.StateError
		return t.connectErr
	}
	t.state = stt.StateOpen
	return nil
}

func (t *fakeTransport) SendFrame(data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stt.StateOpen {
		t.dropped++
		return false
	}
	t.frames = append(t.frames, data)
	return true
}

func (t *fakeTransport) Disconnect() {
	if t.onDisconnect != nil {
		t.onDisconnect()
	}
	t.mu.Lock()
	t.disconnects++
	t.state = stt.StateClosed
	t.mu.Unlock()
	t.listener.ResetInterim()
}

func (t *fakeTransport) State() stt.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) OnStateChange(fn func(stt.ConnectionState)) {
	t.onState = fn
}

// closeAbnormally simulates the service dropping the connection.
func (t *fakeTransport) closeAbnormally() {
	t.mu.Lock()
	t.state = stt.StateClosed
	t.mu.Unlock()
	if t.onState != nil {
		t.onState(stt.StateClosed)
	}
}

func (t *fakeTransport) counts() (sent, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames), t.dropped
}

// manualClock is a settable time source.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	session   *Session
	device    *fakeDevice
	handle    *fakeHandle
	transport *fakeTransport
	clock     *manualClock
}

const testFrameSize = 4

func newHarness(t *testing.T, cfg Config, reg *Registry) *harness {
	t.Helper()
	if cfg.FrameSize == 0 {
		cfg.FrameSize = testFrameSize
	}
	if cfg.FrameQueue == 0 {
		cfg.FrameQueue = 64
	}
	if cfg.PlaybackFormat == "" {
		cfg.PlaybackFormat = PlaybackNone
	}
	h := &harness{
		handle:    &fakeHandle{},
		transport: &fakeTransport{},
		clock:     newManualClock(),
	}
	h.device = &fakeDevice{handle: h.handle}
	h.session = New(cfg, Deps{
		Device: h.device,
		NewTransport: func(l stt.Listener) Transport {
			h.transport.listener = l
			return h.transport
		},
		Registry: reg,
	})
	h.session.clock.now = h.clock.Now
	return h
}

// feedFrames pushes n full frames through the capture callback.
func (h *harness) feedFrames(n int) {
	for i := 0; i < n; i++ {
		h.handle.feed([]float32{0.1, 0.2, 0.3, 0.4})
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errCloseFailed = errors.New("stream close failed")
