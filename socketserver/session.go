package socketserver

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Outgoing messages are buffered per session so a slow consumer never blocks
// the registry.
const sendBufferSize = 256

// SessionInfo is the immutable identity of a connected session, safe to hand
// out to event consumers.
type SessionInfo struct {
	ID           string   `json:"session_id"`
	Subprotocols []string `json:"subprotocols,omitempty"`
}

// Session represents one accepted, upgraded connection. The connection handle
// is owned by the registry entry; callers address sessions by ID only.
type Session struct {
	id           string
	subprotocols []string

	conn     *websocket.Conn
	send     chan []byte
	quit     chan struct{}
	closeMsg []byte
	closed   atomic.Bool
	once     sync.Once
}

func newSession(conn *websocket.Conn, subprotocols []string) *Session {
	id, _ := generateSessionID()

	return &Session{
		id:           id,
		subprotocols: subprotocols,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		quit:         make(chan struct{}),
	}
}

// Info returns the session's identity and negotiated subprotocols.
func (s *Session) Info() SessionInfo {
	return SessionInfo{ID: s.id, Subprotocols: s.subprotocols}
}

// trySend enqueues a message for the write pump. It reports false when the
// session is shutting down or its send buffer is full. Delivery is
// best-effort either way; nothing awaits confirmation.
func (s *Session) trySend(message []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- message:
		return true
	default:
		return false
	}
}

// beginClose marks the session as closing and wakes the write pump so it can
// send the close frame. Only the first call has any effect.
func (s *Session) beginClose(code int, reason string) {
	s.once.Do(func() {
		s.closed.Store(true)
		if code != 0 {
			s.closeMsg = websocket.FormatCloseMessage(code, reason)
		}
		close(s.quit)
	})
}

// generateSessionID generates a random 128-bit session identifier
func generateSessionID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// registry is the single source of truth for connected sessions. Entries are
// inserted only from the open path and removed only from the close and
// disconnect paths; every access goes through these methods so the locking
// discipline stays in one place.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]*Session),
	}
}

func (r *registry) insert(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

// remove deletes the entry for id and reports whether one existed. Removing
// an absent id is a no-op.
func (r *registry) remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// ids returns a snapshot of the current session identifiers. Sessions added
// or removed after the snapshot is taken are not reflected.
func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
