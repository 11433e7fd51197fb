// Package stt implements the duplex streaming link to the transcription
// service: connection lifecycle, binary frame transmission and inbound event
// parsing.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lukasbauer/scribe/internal/metrics"
)

// ConnectionState is the lifecycle state of a Link.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrConnectTimeout is returned when the service does not report
	// connected within the connect timeout.
	ErrConnectTimeout = errors.New("stt: timed out waiting for connected event")
	// ErrClosedBeforeReady is returned when the connection ends before the
	// service reports connected.
	ErrClosedBeforeReady = errors.New("stt: connection closed before ready")
	// ErrDisconnected is returned by a Connect that was cut short by
	// Disconnect.
	ErrDisconnected = errors.New("stt: disconnected while connecting")
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultWriteTimeout   = 2 * time.Second
	tokenTTL              = time.Minute
)

// Config holds the transport endpoint and credentials. URL is always supplied
// explicitly by the caller.
type Config struct {
	URL        string
	SampleRate int

	// APIKey is sent as "Token <key>" unless TokenSecret is set, in which
	// case a short-lived HS256 bearer is minted for each connection.
	APIKey      string
	TokenSecret string
	Subject     string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// conn is one websocket connection and its read goroutine.
type conn struct {
	ws      *websocket.Conn
	ready   chan struct{}
	done    chan struct{}
	closing atomic.Bool
}

// Link is a single-connection transcription client. Connect, Disconnect and
// SendFrame are safe for concurrent use. State is readable without locking.
//
// Listener and state callbacks run on the read goroutine and must not call
// Connect or Disconnect.
type Link struct {
	cfg      Config
	listener Listener
	logger   *log.Logger
	metrics  *metrics.Metrics
	dialer   *websocket.Dialer

	state atomic.Int32

	// lifecycleMu serializes Connect and Disconnect.
	lifecycleMu sync.Mutex
	// writeMu guards current, abortConnect and all writes to current.
	writeMu sync.Mutex
	current *conn
	// abortConnect cancels the handshake in flight, if any.
	abortConnect context.CancelCauseFunc

	dropLogged atomic.Bool
	sent       atomic.Uint64
	dropped    atomic.Uint64

	onState func(ConnectionState)
}

// NewLink creates a link in StateIdle. listener may be nil.
func NewLink(cfg Config, listener Listener, logger *log.Logger, m *metrics.Metrics) *Link {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Link{
		cfg:      cfg,
		listener: listener,
		logger:   logger,
		metrics:  m,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
	}
}

// OnStateChange registers a callback invoked after every state transition.
// It must be set before Connect.
func (l *Link) OnStateChange(fn func(ConnectionState)) {
	l.onState = fn
}

// State returns the current connection state.
func (l *Link) State() ConnectionState {
	return ConnectionState(l.state.Load())
}

// Sent returns the number of frames written to the service.
func (l *Link) Sent() uint64 { return l.sent.Load() }

// Dropped returns the number of frames dropped because the link was not open
// or the write failed.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

func (l *Link) setState(s ConnectionState) {
	prev := ConnectionState(l.state.Swap(int32(s)))
	if prev == s {
		return
	}
	l.dropLogged.Store(false)
	l.logger.Printf("link: %s -> %s", prev, s)
	l.metrics.LinkTransition(s.String())
	if l.onState != nil {
		l.onState(s)
	}
}

// transition moves from one state to another only if the link is still in
// from. Used by the read goroutine so it never overwrites a newer state.
func (l *Link) transition(from, to ConnectionState) bool {
	if !l.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	l.dropLogged.Store(false)
	l.logger.Printf("link: %s -> %s", from, to)
	l.metrics.LinkTransition(to.String())
	if l.onState != nil {
		l.onState(to)
	}
	return true
}

// Connect opens the connection and waits for the service's connected event.
// It returns nil immediately if the link is already open. It never retries.
func (l *Link) Connect(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.State() == StateOpen {
		return nil
	}

	start := time.Now()
	ctx, abort := context.WithCancelCause(ctx)
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	l.writeMu.Lock()
	l.abortConnect = abort
	l.writeMu.Unlock()
	defer func() {
		l.writeMu.Lock()
		l.abortConnect = nil
		l.writeMu.Unlock()
		abort(nil)
	}()

	l.closeCurrent()
	l.setState(StateConnecting)

	endpoint, err := l.endpoint()
	if err != nil {
		l.setState(StateError)
		return err
	}
	header, err := l.authHeader()
	if err != nil {
		l.setState(StateError)
		return err
	}

	ws, resp, err := l.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		l.setState(StateError)
		if cerr := connectErr(ctx); cerr != nil {
			return cerr
		}
		if resp != nil {
			return fmt.Errorf("failed to connect to transcription service (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to transcription service: %w", err)
	}

	c := &conn{
		ws:    ws,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	l.writeMu.Lock()
	l.current = c
	l.writeMu.Unlock()

	go l.readLoop(c)

	select {
	case <-c.ready:
		l.metrics.Connected(time.Since(start).Seconds())
		return nil
	case <-c.done:
		select {
		case <-c.ready:
			// connected, then lost; the read goroutine already moved the state on
			return nil
		default:
		}
		l.closeCurrent()
		l.transition(StateConnecting, StateError)
		return ErrClosedBeforeReady
	case <-ctx.Done():
		l.closeCurrent()
		l.setState(StateError)
		return connectErr(ctx)
	}
}

// connectErr names why a handshake context ended, or returns nil if it has
// not.
func connectErr(ctx context.Context) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(context.Cause(ctx), ErrDisconnected):
		return ErrDisconnected
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrConnectTimeout
	default:
		return ctx.Err()
	}
}

// SendFrame writes one PCM frame as a binary message. When the link is not
// open the frame is dropped and false is returned; nothing is queued.
func (l *Link) SendFrame(data []byte) bool {
	if l.State() != StateOpen {
		l.drop(metrics.DropLinkNotOpen, nil)
		return false
	}

	l.writeMu.Lock()
	c := l.current
	if c == nil || l.State() != StateOpen {
		l.writeMu.Unlock()
		l.drop(metrics.DropLinkNotOpen, nil)
		return false
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	err := c.ws.WriteMessage(websocket.BinaryMessage, data)
	l.writeMu.Unlock()

	if err != nil {
		l.drop(metrics.DropWriteError, err)
		return false
	}
	l.sent.Add(1)
	l.metrics.FrameSent(len(data))
	return true
}

func (l *Link) drop(reason string, err error) {
	l.dropped.Add(1)
	l.metrics.FrameDropped(reason)
	// one log line per state, the capture path produces ~4 frames/s
	if l.dropLogged.CompareAndSwap(false, true) {
		if err != nil {
			l.logger.Printf("link: dropping frames (%s): %v", reason, err)
		} else {
			l.logger.Printf("link: dropping frames while %s", l.State())
		}
	}
}

// Disconnect sends a stop message and a normal close if the link is open,
// then tears the connection down. A Connect still waiting on the handshake is
// aborted first and returns ErrDisconnected. It always clears interim text
// and leaves the link Closed. Calling it repeatedly is harmless.
func (l *Link) Disconnect() {
	l.writeMu.Lock()
	if l.abortConnect != nil {
		l.abortConnect(ErrDisconnected)
	}
	l.writeMu.Unlock()

	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.State() == StateOpen {
		l.writeMu.Lock()
		if c := l.current; c != nil {
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			_ = c.ws.SetWriteDeadline(deadline)
			if err := c.ws.WriteMessage(websocket.TextMessage, stopMessage); err != nil {
				l.logger.Printf("link: failed to send stop: %v", err)
			}
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
				l.logger.Printf("link: failed to send close: %v", err)
			}
		}
		l.writeMu.Unlock()
	}

	l.closeCurrent()
	if l.listener != nil {
		l.listener.ResetInterim()
	}
	l.setState(StateClosed)
}

// closeCurrent closes the active connection, if any, and waits for its read
// goroutine to exit.
func (l *Link) closeCurrent() {
	l.writeMu.Lock()
	c := l.current
	l.current = nil
	l.writeMu.Unlock()

	if c == nil {
		return
	}
	c.closing.Store(true)
	_ = c.ws.Close()
	<-c.done
}

func (l *Link) readLoop(c *conn) {
	defer close(c.done)

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			l.handleReadError(err)
			return
		}

		if msgType != websocket.TextMessage {
			l.logger.Printf("link: ignoring non-text message (%d bytes)", len(msg))
			continue
		}

		ev, err := ParseEvent(msg)
		if err != nil {
			l.logger.Printf("link: ignoring malformed message: %v", err)
			l.metrics.TranscriptEvent("malformed")
			continue
		}

		switch ev.Type {
		case EventConnected:
			if l.transition(StateConnecting, StateOpen) {
				close(c.ready)
			}
		case EventTranscript:
			if ev.IsFinal {
				l.metrics.TranscriptEvent("final")
			} else {
				l.metrics.TranscriptEvent("interim")
			}
			if l.listener != nil {
				l.listener.OnTranscript(ev.Text, ev.IsFinal)
			}
		case EventError:
			l.metrics.TranscriptEvent("error")
			l.logger.Printf("link: service error: %s", ev.Message)
			if l.listener != nil {
				l.listener.OnError(ev.Message)
			}
		}
	}
}

// handleReadError classifies an unexpected end of the connection. Close
// frames (including 1006 for a dropped transport) leave the link Closed;
// other transport failures leave it in Error. There is no reconnect.
func (l *Link) handleReadError(err error) {
	var closeErr *websocket.CloseError
	next := StateError
	if errors.As(err, &closeErr) {
		next = StateClosed
		if closeErr.Code == websocket.CloseNormalClosure {
			l.logger.Printf("link: service closed the connection")
		} else {
			l.logger.Printf("link: abnormal close (code %d): %s", closeErr.Code, closeErr.Text)
			sentry.CaptureException(fmt.Errorf("transcription link closed abnormally: %w", err))
		}
	} else {
		l.logger.Printf("link: read error: %v", err)
		sentry.CaptureException(fmt.Errorf("transcription link read failed: %w", err))
	}

	if !l.transition(StateOpen, next) {
		l.transition(StateConnecting, next)
	}
}

func (l *Link) endpoint() (string, error) {
	if l.cfg.URL == "" {
		return "", errors.New("stt: transcription service URL is not configured")
	}
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid transcription service URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported transcription service scheme %q", u.Scheme)
	}
	if l.cfg.SampleRate > 0 {
		q := u.Query()
		q.Set("sample_rate", strconv.Itoa(l.cfg.SampleRate))
		q.Set("encoding", "pcm_s16le")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (l *Link) authHeader() (http.Header, error) {
	h := http.Header{}
	switch {
	case l.cfg.TokenSecret != "":
		token, err := l.mintToken(time.Now())
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", "Bearer "+token)
	case l.cfg.APIKey != "":
		h.Set("Authorization", "Token "+l.cfg.APIKey)
	}
	return h, nil
}

func (l *Link) mintToken(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   l.cfg.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(l.cfg.TokenSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign transcription token: %w", err)
	}
	return signed, nil
}
