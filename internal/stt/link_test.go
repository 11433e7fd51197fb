package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeService runs handle for every accepted websocket connection.
func fakeService(t *testing.T, handle func(ws *websocket.Conn, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted.Add(1)
		defer ws.Close()
		handle(ws, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &accepted
}

func sendConnected(ws *websocket.Conn) {
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
}

func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
	resets int
	ch     chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{ch: make(chan string, 32)}
}

func (l *recordingListener) OnTranscript(text string, isFinal bool) {
	kind := "interim"
	if isFinal {
		kind = "final"
	}
	l.record(kind + ":" + text)
}

func (l *recordingListener) OnError(message string) {
	l.record("error:" + message)
}

func (l *recordingListener) ResetInterim() {
	l.mu.Lock()
	l.resets++
	l.mu.Unlock()
}

func (l *recordingListener) record(s string) {
	l.mu.Lock()
	l.events = append(l.events, s)
	l.mu.Unlock()
	l.ch <- s
}

func (l *recordingListener) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-l.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func waitForState(t *testing.T, l *Link, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", l.State(), want)
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateOpen, "open"},
		{StateClosed, "closed"},
		{StateError, "error"},
		{ConnectionState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestLink_ConnectTwiceIsSingleConnection(t *testing.T) {
	srv, accepted := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		sendConnected(ws)
		drain(ws)
	})

	link := NewLink(Config{URL: srv.URL}, nil, discardLogger(), nil)
	defer link.Disconnect()

	if link.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", link.State())
	}
	for i := 0; i < 2; i++ {
		if err := link.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() #%d error = %v", i+1, err)
		}
	}
	if link.State() != StateOpen {
		t.Errorf("state = %s, want open", link.State())
	}
	if got := accepted.Load(); got != 1 {
		t.Errorf("server accepted %d connections, want 1", got)
	}
}

func TestLink_ConnectTimeout(t *testing.T) {
	srv, _ := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		drain(ws) // never reports connected
	})

	link := NewLink(Config{URL: srv.URL, ConnectTimeout: 100 * time.Millisecond}, nil, discardLogger(), nil)

	start := time.Now()
	err := link.Connect(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Connect() took %v, timeout not honored", time.Since(start))
	}
	if link.State() != StateError {
		t.Errorf("state = %s, want error", link.State())
	}
}

func TestLink_ClosedBeforeReady(t *testing.T) {
	srv, _ := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	link := NewLink(Config{URL: srv.URL}, nil, discardLogger(), nil)
	if err := link.Connect(context.Background()); !errors.Is(err, ErrClosedBeforeReady) {
		t.Fatalf("Connect() error = %v, want ErrClosedBeforeReady", err)
	}
	if s := link.State(); s == StateOpen || s == StateConnecting {
		t.Errorf("state = %s after failed connect", s)
	}
}

func TestLink_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	link := NewLink(Config{URL: srv.URL}, nil, discardLogger(), nil)
	err := link.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("Connect() error = %v, want status 401", err)
	}
	if link.State() != StateError {
		t.Errorf("state = %s, want error", link.State())
	}
}

func TestLink_SendFrameBeforeConnectIsDropped(t *testing.T) {
	link := NewLink(Config{URL: "ws://127.0.0.1:1"}, nil, discardLogger(), nil)
	if link.SendFrame(make([]byte, 8)) {
		t.Error("SendFrame() = true on idle link")
	}
	if link.Dropped() != 1 || link.Sent() != 0 {
		t.Errorf("dropped=%d sent=%d, want 1 and 0", link.Dropped(), link.Sent())
	}
}

func TestLink_FramesArriveInOrder(t *testing.T) {
	got := make(chan []byte, 8)
	srv, _ := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		sendConnected(ws)
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				got <- msg
			}
		}
	})

	link := NewLink(Config{URL: srv.URL}, nil, discardLogger(), nil)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer link.Disconnect()

	for i := byte(1); i <= 3; i++ {
		if !link.SendFrame([]byte{i, i}) {
			t.Fatalf("SendFrame(%d) = false", i)
		}
	}
	for i := byte(1); i <= 3; i++ {
		select {
		case msg := <-got:
			if len(msg) != 2 || msg[0] != i {
				t.Errorf("frame %d = %v", i, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not received", i)
		}
	}
	if link.Sent() != 3 {
		t.Errorf("Sent() = %d, want 3", link.Sent())
	}
}

func TestLink_AbnormalCloseLeavesLinkClosed(t *testing.T) {
	srv, accepted := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		sendConnected(ws)
		// drop the transport without a close frame; the client sees 1006
		_ = ws.UnderlyingConn().Close()
	})

	var states []ConnectionState
	var mu sync.Mutex
	link := NewLink(Config{URL: srv.URL}, nil, discardLogger(), nil)
	link.OnStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, link, StateClosed)

	if link.SendFrame(make([]byte, 8)) {
		t.Error("SendFrame() = true after abnormal close")
	}
	if link.Dropped() == 0 {
		t.Error("dropped frame not counted")
	}

	// no reconnect without an explicit Connect
	time.Sleep(50 * time.Millisecond)
	if accepted.Load() != 1 {
		t.Errorf("accepted = %d, want 1", accepted.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []ConnectionState{StateConnecting, StateOpen, StateClosed}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", states, want)
	}
}

func TestLink_ReconnectAfterClose(t *testing.T) {
	var n atomic.Int32
	srv, accepted := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		sendConnected(ws)
		if n.Add(1) == 1 {
			_ = ws.UnderlyingConn().Close()
			return
		}
		drain(ws)
	})

	link := NewLink(Config{URL: srv.URL}, nil, discardLogger(), nil)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForState(t, link, StateClosed)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	defer link.Disconnect()
	if link.State() != StateOpen {
		t.Errorf("state = %s, want open", link.State())
	}
	if accepted.Load() != 2 {
		t.Errorf("accepted = %d, want 2", accepted.Load())
	}
}

func TestLink_MalformedMessagesAreIgnored(t *testing.T) {
	srv, _ := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		sendConnected(ws)
		for _, m := range []string{
			`not json`,
			`{"type":"bogus"}`,
			`{"text":"missing type"}`,
			`{"type":"transcript","text":"hel","is_final":false}`,
			`{"type":"error","message":"rate limited"}`,
			`{"type":"transcript","text":"hello","is_final":true}`,
		} {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(m))
		}
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		drain(ws)
	})

	listener := newRecordingListener()
	link := NewLink(Config{URL: srv.URL}, listener, discardLogger(), nil)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer link.Disconnect()

	got := listener.wait(t, 3)
	want := []string{"interim:hel", "error:rate limited", "final:hello"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if link.State() != StateOpen {
		t.Errorf("state = %s, want open", link.State())
	}
}

func TestLink_DisconnectSendsStopAndNormalClose(t *testing.T) {
	type result struct {
		stop string
		code int
	}
	results := make(chan result, 1)
	srv, _ := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		sendConnected(ws)
		var res result
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					res.code = ce.Code
				}
				results <- res
				return
			}
			if mt == websocket.TextMessage {
				res.stop = string(msg)
			}
		}
	})

	listener := newRecordingListener()
	link := NewLink(Config{URL: srv.URL}, listener, discardLogger(), nil)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	link.Disconnect()
	link.Disconnect()

	select {
	case res := <-results:
		if res.stop != `{"type":"stop"}` {
			t.Errorf("control message = %q", res.stop)
		}
		if res.code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d, want 1000", res.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe close")
	}

	if link.State() != StateClosed {
		t.Errorf("state = %s, want closed", link.State())
	}
	listener.mu.Lock()
	resets := listener.resets
	listener.mu.Unlock()
	if resets != 2 {
		t.Errorf("ResetInterim called %d times, want 2", resets)
	}
}

func TestLink_DisconnectFromIdle(t *testing.T) {
	listener := newRecordingListener()
	link := NewLink(Config{URL: "ws://127.0.0.1:1"}, listener, discardLogger(), nil)
	link.Disconnect()
	if link.State() != StateClosed {
		t.Errorf("state = %s, want closed", link.State())
	}
	if listener.resets != 1 {
		t.Errorf("resets = %d, want 1", listener.resets)
	}
}

func TestLink_DisconnectAbortsPendingConnect(t *testing.T) {
	srv, _ := fakeService(t, func(ws *websocket.Conn, _ *http.Request) {
		drain(ws) // holds the handshake open until the client goes away
	})

	listener := newRecordingListener()
	link := NewLink(Config{URL: srv.URL, ConnectTimeout: 10 * time.Second}, listener, discardLogger(), nil)

	errc := make(chan error, 1)
	go func() { errc <- link.Connect(context.Background()) }()
	waitForState(t, link, StateConnecting)
	// let the dial finish so the wait is on the connected event
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	link.Disconnect()
	if d := time.Since(start); d > time.Second {
		t.Errorf("Disconnect() took %v while a connect was pending", d)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Connect() error = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not return after Disconnect")
	}
	if link.State() != StateClosed {
		t.Errorf("state = %s, want closed", link.State())
	}
	if link.SendFrame([]byte{1, 2}) {
		t.Error("SendFrame succeeded after Disconnect")
	}
}

func TestLink_AuthHeaders(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		verify func(t *testing.T, auth string)
	}{
		{
			name: "api key",
			cfg:  Config{APIKey: "secret-key"},
			verify: func(t *testing.T, auth string) {
				if auth != "Token secret-key" {
					t.Errorf("Authorization = %q", auth)
				}
			},
		},
		{
			name: "minted bearer",
			cfg:  Config{APIKey: "ignored", TokenSecret: "hmac-secret", Subject: "session-1"},
			verify: func(t *testing.T, auth string) {
				raw, ok := strings.CutPrefix(auth, "Bearer ")
				if !ok {
					t.Fatalf("Authorization = %q, want bearer", auth)
				}
				claims := &jwt.RegisteredClaims{}
				_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
					return []byte("hmac-secret"), nil
				}, jwt.WithValidMethods([]string{"HS256"}))
				if err != nil {
					t.Fatalf("token invalid: %v", err)
				}
				if claims.Subject != "session-1" || claims.ID == "" {
					t.Errorf("claims = %+v", claims)
				}
			},
		},
		{
			name: "anonymous",
			cfg:  Config{},
			verify: func(t *testing.T, auth string) {
				if auth != "" {
					t.Errorf("Authorization = %q, want empty", auth)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := make(chan string, 1)
			srv, _ := fakeService(t, func(ws *websocket.Conn, r *http.Request) {
				auth <- r.Header.Get("Authorization")
				sendConnected(ws)
				drain(ws)
			})
			cfg := tt.cfg
			cfg.URL = srv.URL
			link := NewLink(cfg, nil, discardLogger(), nil)
			if err := link.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			defer link.Disconnect()
			tt.verify(t, <-auth)
		})
	}
}

func TestLink_Endpoint(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"ws passthrough", Config{URL: "ws://host/stream"}, "ws://host/stream", false},
		{"https upgraded", Config{URL: "https://host/stream"}, "wss://host/stream", false},
		{"sample rate query", Config{URL: "wss://host/s?lang=en", SampleRate: 16000}, "wss://host/s?encoding=pcm_s16le&lang=en&sample_rate=16000", false},
		{"missing", Config{}, "", true},
		{"bad scheme", Config{URL: "ftp://host"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLink(tt.cfg, nil, discardLogger(), nil)
			got, err := l.endpoint()
			if (err != nil) != tt.wantErr {
				t.Fatalf("endpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		in      string
		want    Event
		wantErr bool
	}{
		{`{"type":"connected"}`, Event{Type: EventConnected}, false},
		{`{"type":"transcript","text":"hi","is_final":true}`, Event{Type: EventTranscript, Text: "hi", IsFinal: true}, false},
		{`{"type":"error","message":"boom"}`, Event{Type: EventError, Message: "boom"}, false},
		{`{"type":"other"}`, Event{}, true},
		{`{}`, Event{}, true},
		{`[`, Event{}, true},
	}
	for _, tt := range tests {
		got, err := ParseEvent([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEvent(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEvent(%s) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
