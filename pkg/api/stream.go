package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rubiojr/panhub/pkg/realtime"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleSessionStream upgrades to a WebSocket and streams the session's
// snapshots. The first message has type "init" and carries the current
// state; every later one has type "snapshot". The stream ends when the
// client disconnects or the session is removed.
func (s *Server) HandleSessionStream(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	if s.deps.Hub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "streaming is disabled")
		return
	}
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Register before reading the init state so no update falls in between.
	id, events := s.deps.Hub.Register(sess.ID)
	defer s.deps.Hub.Unregister(id)

	first := realtime.Event{Type: realtime.EventInit, Session: sess.ID, Snapshot: sess.Snapshot()}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(first); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
