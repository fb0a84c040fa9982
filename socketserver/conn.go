package socketserver

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

// readPump pumps messages from the connection to the event channel. One
// readPump runs per session; it owns all reads on the connection and drives
// the session's removal when the connection ends.
func (srv *Server) readPump(s *Session) {
	defer func() {
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				srv.log.Error("Session %s read error: %v", s.id, err)
				srv.emit(Event{Kind: EventError, Value: err.Error(), Session: ptr(s.Info())})
			}
			srv.removeSession(s, code, "")
			return
		}

		srv.log.Verbose("Session %s received %d bytes", s.id, len(payload))
		srv.emitMessage(payload, s.Info())
	}
}

// writePump pumps queued messages to the connection. One writePump runs per
// session; it owns all writes, including pings and the final close frame.
func (srv *Server) writePump(s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				srv.log.Debug("Session %s write failed: %v", s.id, err)
				return
			}

		case <-s.quit:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, s.closeMsg)
			return

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeSession takes the session out of the registry and emits the
// disconnect event. Safe to call from both the read pump and explicit
// disconnects; only the caller that wins the removal emits.
func (srv *Server) removeSession(s *Session, code int, reason string) {
	s.beginClose(code, reason)
	if _, ok := srv.registry.remove(s.id); !ok {
		return
	}

	srv.log.Debug("Session %s disconnected (code %d)", s.id, code)
	srv.emit(Event{
		Kind:    EventClientDisconnected,
		Value:   reason,
		Code:    code,
		Session: ptr(s.Info()),
	})
}

func ptr[T any](v T) *T {
	return &v
}
