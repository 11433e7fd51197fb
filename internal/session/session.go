// Package session implements the recording state machine that owns the
// capture device, forwards frames to the transcription link and produces the
// local playback artifact.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/lukasbauer/scribe/internal/audio"
	"github.com/lukasbauer/scribe/internal/eventlog"
	"github.com/lukasbauer/scribe/internal/metrics"
	"github.com/lukasbauer/scribe/internal/store"
	"github.com/lukasbauer/scribe/internal/stt"
	"github.com/lukasbauer/scribe/internal/transcript"
)

// State is the recording lifecycle state.
type State int32

const (
	Idle State = iota
	Recording
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrNoRecording       = errors.New("session: no playback recording available")
)

// PlaybackNone disables the playback recorder.
const PlaybackNone = "none"

// Transport is the transcription link as seen by the session.
type Transport interface {
	Connect(ctx context.Context) error
	SendFrame(data []byte) bool
	Disconnect()
	State() stt.ConnectionState
	OnStateChange(fn func(stt.ConnectionState))
}

// Config holds per-session capture settings.
type Config struct {
	SampleRate     int
	FrameSize      int
	FrameQueue     int
	PlaybackFormat string
	TickInterval   time.Duration
}

// Deps are the collaborators of a session. Device and NewTransport are
// required; everything else may be nil.
type Deps struct {
	Device       audio.Device
	NewTransport func(listener stt.Listener) Transport
	Registry     *Registry
	Store        *store.Store
	Events       *eventlog.Logger
	Metrics      *metrics.Metrics
	Logger       *log.Logger

	// OnTick receives the active elapsed time once per tick while recording.
	OnTick func(elapsed time.Duration)
	// OnServiceError receives non-fatal errors reported by the service.
	OnServiceError func(message string)
}

// Session is one recording from start to stop. Stopped is terminal; a new
// recording needs a new Session.
type Session struct {
	id   string
	cfg  Config
	deps Deps
	log  *log.Logger

	transcript *transcript.Aggregator
	link       Transport

	// mu serializes lifecycle operations.
	mu     sync.Mutex
	state  atomic.Int32
	handle audio.Handle
	framer *audio.Framer
	rec    *audio.Recorder

	quit     chan struct{}
	pumpDone chan struct{}
	tickDone chan struct{}

	paused atomic.Bool
	clock  clock

	forwarded     atomic.Uint64
	droppedPaused atomic.Uint64
}

// New creates an idle session.
func New(cfg Config, deps Deps) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.FrameQueue <= 0 {
		cfg.FrameQueue = 32
	}
	if cfg.PlaybackFormat == "" {
		cfg.PlaybackFormat = audio.FormatOgg
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}

	s := &Session{
		id:    uuid.NewString(),
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger,
		clock: clock{now: time.Now},
	}
	s.transcript = transcript.New(deps.Logger, transcript.Hooks{
		OnFinal: s.onFinal,
		OnError: s.onServiceError,
	})
	s.link = deps.NewTransport(s.transcript)
	s.link.OnStateChange(s.onLinkState)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Transcript returns the aggregator fed by this session's link.
func (s *Session) Transcript() *transcript.Aggregator { return s.transcript }

// LinkState returns the transcription link state.
func (s *Session) LinkState() stt.ConnectionState { return s.link.State() }

// Elapsed returns active recording time, excluding paused intervals.
func (s *Session) Elapsed() time.Duration { return s.clock.elapsed() }

// Start acquires the device, wires capture into the framer, starts the
// playback recorder and the elapsed tick. On failure nothing is left held.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Idle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.State())
	}

	if r := s.deps.Registry; r != nil {
		if err := r.begin(s); err != nil {
			return err
		}
	}

	handle, framer, rec, err := s.acquire()
	if err != nil {
		if r := s.deps.Registry; r != nil {
			r.end(s)
		}
		return err
	}

	s.handle = handle
	s.framer = framer
	s.rec = rec
	s.paused.Store(false)
	s.clock.start()
	s.state.Store(int32(Recording))

	s.quit = make(chan struct{})
	s.pumpDone = make(chan struct{})
	s.tickDone = make(chan struct{})
	go s.pump(framer, rec)
	go s.tick()

	s.log.Printf("session: %s started (rate=%d frame=%d playback=%s)", s.id, s.cfg.SampleRate, s.cfg.FrameSize, s.cfg.PlaybackFormat)
	s.deps.Metrics.SessionStarted()
	s.deps.Events.LogAsync(s.id, eventlog.EventSessionStarted, map[string]any{
		"sample_rate": s.cfg.SampleRate,
		"frame_size":  s.cfg.FrameSize,
		"playback":    s.cfg.PlaybackFormat,
	})
	if err := s.deps.Store.CreateTranscription(ctx, s.id, s.clock.startedAt()); err != nil {
		s.log.Printf("session: failed to create transcription row: %v", err)
		sentry.CaptureException(fmt.Errorf("create transcription: %w", err))
	}
	return nil
}

func (s *Session) acquire() (audio.Handle, *audio.Framer, *audio.Recorder, error) {
	handle, err := s.deps.Device.Acquire(audio.DefaultConstraints(s.cfg.SampleRate))
	if err != nil {
		return nil, nil, nil, err
	}

	framer := audio.NewFramer(s.cfg.FrameSize, s.cfg.FrameQueue)
	if err := handle.Connect(framer); err != nil {
		_ = handle.Release()
		return nil, nil, nil, fmt.Errorf("connect capture graph: %w", err)
	}

	var rec *audio.Recorder
	if s.cfg.PlaybackFormat != PlaybackNone {
		rec, err = audio.NewRecorder(s.cfg.PlaybackFormat, s.cfg.SampleRate)
		if err != nil {
			handle.Disconnect()
			_ = handle.Release()
			return nil, nil, nil, fmt.Errorf("start playback recorder: %w", err)
		}
	}
	return handle, framer, rec, nil
}

// Connect opens the transcription link. It is a no-op when already open.
// Failure is not fatal to the recording; frames are dropped until a later
// Connect succeeds. A Stop that lands while the handshake is in flight wins:
// the link is left Closed.
func (s *Session) Connect(ctx context.Context) error {
	switch s.State() {
	case Recording, Paused:
	default:
		return fmt.Errorf("%w: connect while %s", ErrInvalidTransition, s.State())
	}
	err := s.link.Connect(ctx)
	if s.State() == Stopped {
		// Stop may have disconnected before this dial started.
		s.link.Disconnect()
		return fmt.Errorf("%w: stopped while connecting", ErrInvalidTransition)
	}
	if err != nil {
		s.log.Printf("session: %s link connect failed: %v", s.id, err)
		return err
	}
	return nil
}

// Pause stops forwarding frames. Capture keeps running.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Recording {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, s.State())
	}
	s.clock.pause()
	s.paused.Store(true)
	s.state.Store(int32(Paused))

	s.log.Printf("session: %s paused at %s", s.id, s.Elapsed().Round(time.Millisecond))
	s.deps.Events.LogAsync(s.id, eventlog.EventSessionPaused, map[string]any{"elapsed_ms": s.Elapsed().Milliseconds()})
	return nil
}

// Resume continues forwarding frames after Pause.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Paused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.State())
	}
	s.clock.resume()
	s.paused.Store(false)
	s.state.Store(int32(Recording))

	s.log.Printf("session: %s resumed", s.id)
	s.deps.Events.LogAsync(s.id, eventlog.EventSessionResumed, map[string]any{"elapsed_ms": s.Elapsed().Milliseconds()})
	return nil
}

// Stop tears the recording down: capture graph, processing stream, playback
// recorder, tick, then the device itself. The device is released even when
// an earlier step fails. The link is disconnected afterwards without waiting
// on the service. Stopping a stopped session does nothing.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.State() {
	case Stopped:
		s.mu.Unlock()
		return nil
	case Idle:
		s.mu.Unlock()
		return fmt.Errorf("%w: stop from idle", ErrInvalidTransition)
	}

	s.clock.stop()
	s.state.Store(int32(Stopped))
	teardownErr := s.teardown()
	rec := s.rec
	s.mu.Unlock()

	// the device is free once teardown returns
	if r := s.deps.Registry; r != nil {
		r.end(s)
	}
	s.link.Disconnect()

	var encoderDrops uint64
	if rec != nil {
		encoderDrops = rec.Dropped()
	}
	active := s.Elapsed()
	committed := s.transcript.Committed()
	s.log.Printf("session: %s stopped (active=%s forwarded=%d paused_drops=%d overflow=%d encoder_drops=%d chars=%d)",
		s.id, active.Round(time.Millisecond), s.forwarded.Load(), s.droppedPaused.Load(), s.framer.Overflowed(), encoderDrops, len(committed))

	s.deps.Metrics.FramesOverflowed(s.framer.Overflowed())
	s.deps.Metrics.EncoderDropped(encoderDrops)
	s.deps.Metrics.SessionEnded(active.Seconds())
	s.deps.Events.LogAsync(s.id, eventlog.EventSessionStopped, map[string]any{
		"active_ms":  active.Milliseconds(),
		"forwarded":  s.forwarded.Load(),
		"overflowed": s.framer.Overflowed(),
	})

	format := ""
	if rec != nil {
		format = s.cfg.PlaybackFormat
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.CompleteTranscription(ctx, s.id, committed, active, format, s.clock.stoppedAt()); err != nil {
		s.log.Printf("session: failed to store transcript: %v", err)
		sentry.CaptureException(fmt.Errorf("complete transcription: %w", err))
	}

	if teardownErr != nil {
		s.log.Printf("session: %s teardown: %v", s.id, teardownErr)
		sentry.CaptureException(teardownErr)
		s.deps.Events.LogAsync(s.id, eventlog.EventTeardownFailed, map[string]any{"error": teardownErr.Error()})
	}
	return teardownErr
}

// teardown runs with mu held. Release is deferred so it runs even if an
// earlier step panics.
func (s *Session) teardown() (err error) {
	var errs []error
	handle := s.handle
	defer func() {
		if rerr := handle.Release(); rerr != nil {
			errs = append(errs, fmt.Errorf("release device: %w", rerr))
		}
		err = errors.Join(errs...)
	}()

	handle.Disconnect()
	if cerr := handle.Close(); cerr != nil {
		errs = append(errs, fmt.Errorf("close capture stream: %w", cerr))
	}

	close(s.quit)
	<-s.pumpDone

	if s.rec != nil {
		s.rec.Stop()
	}
	<-s.tickDone
	return nil
}

// ClearRecording drops the playback artifact and resets transient fields.
// It is not allowed while recording.
func (s *Session) ClearRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case Recording, Paused:
		return fmt.Errorf("%w: clear while %s", ErrInvalidTransition, s.State())
	}
	s.rec = nil
	s.clock.reset()
	s.forwarded.Store(0)
	s.droppedPaused.Store(0)
	s.deps.Events.LogAsync(s.id, eventlog.EventRecordingCleared, nil)
	return nil
}

// Recording waits for the playback artifact to be finalized.
func (s *Session) Recording(ctx context.Context) (*audio.Recording, error) {
	s.mu.Lock()
	state := s.State()
	rec := s.rec
	s.mu.Unlock()

	switch {
	case state == Recording || state == Paused:
		return nil, fmt.Errorf("%w: recording still in progress", ErrInvalidTransition)
	case rec == nil:
		return nil, ErrNoRecording
	}
	return rec.Result(ctx)
}

// pump moves frames from the framer to the link and the recorder in capture
// order. The paused decision is made once per frame.
func (s *Session) pump(framer *audio.Framer, rec *audio.Recorder) {
	defer close(s.pumpDone)
	frames := framer.Frames()
	for {
		select {
		case f := <-frames:
			s.forward(f, rec)
		case <-s.quit:
			// frames already queued were captured before stop
			for {
				select {
				case f := <-frames:
					s.forward(f, rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) forward(f audio.Frame, rec *audio.Recorder) {
	s.deps.Metrics.FrameCaptured()
	if s.paused.Load() {
		s.droppedPaused.Add(1)
		s.deps.Metrics.FrameDropped(metrics.DropPaused)
		return
	}
	s.forwarded.Add(1)
	s.link.SendFrame(f.Data)
	if rec != nil {
		_ = rec.Write(f)
	}
}

func (s *Session) tick() {
	defer close(s.tickDone)
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if s.paused.Load() {
				continue
			}
			elapsed := s.Elapsed()
			s.deps.Metrics.Elapsed(elapsed.Seconds())
			if s.deps.OnTick != nil {
				s.deps.OnTick(elapsed)
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) onFinal(segment, committed string) {
	s.deps.Metrics.Committed(len(committed))
	s.deps.Events.LogAsync(s.id, eventlog.EventTranscriptFinal, map[string]any{
		"chars":     len(segment),
		"committed": len(committed),
	})
	if !s.deps.Store.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.CheckpointTranscript(ctx, s.id, committed); err != nil {
		s.log.Printf("session: transcript checkpoint failed: %v", err)
	}
}

func (s *Session) onServiceError(message string) {
	s.deps.Events.LogAsync(s.id, eventlog.EventServiceError, map[string]any{"message": message})
	sentry.CaptureMessage("transcription service error: " + message)
	if s.deps.OnServiceError != nil {
		s.deps.OnServiceError(message)
	}
}

func (s *Session) onLinkState(state stt.ConnectionState) {
	switch state {
	case stt.StateOpen:
		s.deps.Events.LogAsync(s.id, eventlog.EventLinkOpen, nil)
	case stt.StateClosed:
		s.deps.Events.LogAsync(s.id, eventlog.EventLinkClosed, nil)
	case stt.StateError:
		s.deps.Events.LogAsync(s.id, eventlog.EventLinkError, nil)
	}
}

// Info is a point-in-time view of a session.
type Info struct {
	ID              string  `json:"id"`
	State           string  `json:"state"`
	Link            string  `json:"link"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	SampleRate      int     `json:"sample_rate"`
	FrameSize       int     `json:"frame_size"`
	FramesForwarded uint64  `json:"frames_forwarded"`
	FramesPaused    uint64  `json:"frames_dropped_paused"`
	Playback        string  `json:"playback"`
}

// Info returns a snapshot for status reporting.
func (s *Session) Info() Info {
	return Info{
		ID:              s.id,
		State:           s.State().String(),
		Link:            s.link.State().String(),
		ElapsedSeconds:  s.Elapsed().Seconds(),
		SampleRate:      s.cfg.SampleRate,
		FrameSize:       s.cfg.FrameSize,
		FramesForwarded: s.forwarded.Load(),
		FramesPaused:    s.droppedPaused.Load(),
		Playback:        s.cfg.PlaybackFormat,
	}
}
