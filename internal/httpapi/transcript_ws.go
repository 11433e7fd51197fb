package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleTranscriptWS streams transcript snapshots of the current session.
// The first message is the snapshot at subscribe time; afterwards only the
// latest state is delivered, so a slow client skips intermediate previews.
func (r *Router) handleTranscriptWS(w http.ResponseWriter, req *http.Request) {
	s := r.current(w)
	if s == nil {
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("transcript_ws: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := s.Transcript().Subscribe()
	defer cancel()

	// The client never sends anything meaningful; reading is only used to
	// notice that it went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	r.logger.Printf("transcript_ws: subscriber attached to session %s", s.ID())
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				r.logger.Printf("transcript_ws: write failed: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			r.logger.Printf("transcript_ws: subscriber left session %s", s.ID())
			return
		case <-req.Context().Done():
			return
		}
	}
}
