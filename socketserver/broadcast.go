package socketserver

// ProtocolFilter matches a session's negotiated subprotocols by position. An
// empty string entry matches any token at that position, and a nil filter
// matches every session. A filter shorter than the negotiated list leaves the
// trailing positions unconstrained; a filter position beyond the negotiated
// list fails the match.
type ProtocolFilter []string

// Matches reports whether the filter accepts the given subprotocol list.
func (f ProtocolFilter) Matches(subprotocols []string) bool {
	for i, want := range f {
		if want == "" {
			continue
		}
		if i >= len(subprotocols) || subprotocols[i] != want {
			return false
		}
	}
	return true
}

// SendToOne sends a message to a single session. It reports false when the
// session is absent, not ready, filtered out, or its send buffer is full;
// none of these is an error from the caller's perspective.
func (srv *Server) SendToOne(message []byte, sessionID string, filter ProtocolFilter) bool {
	session, ok := srv.registry.get(sessionID)
	if !ok {
		return false
	}
	if !filter.Matches(session.subprotocols) {
		return false
	}
	return session.trySend(message)
}

// SendToAll sends a message to every session matching the filter and returns
// the number of sessions it was sent to. The target set is a snapshot taken
// at call time; sessions opening or closing mid-broadcast may or may not be
// included.
func (srv *Server) SendToAll(message []byte, filter ProtocolFilter) int {
	sent := 0
	for _, id := range srv.registry.ids() {
		if srv.SendToOne(message, id, filter) {
			sent++
		}
	}
	return sent
}

// SendToAllExcept behaves like SendToAll but skips one session.
func (srv *Server) SendToAllExcept(message []byte, exceptSessionID string, filter ProtocolFilter) int {
	sent := 0
	for _, id := range srv.registry.ids() {
		if id == exceptSessionID {
			continue
		}
		if srv.SendToOne(message, id, filter) {
			sent++
		}
	}
	return sent
}

// SendToGroup sends a message to the given sessions, in the order given, and
// returns the number of sessions it was sent to. Unknown identifiers are
// skipped.
func (srv *Server) SendToGroup(message []byte, sessionIDs []string, filter ProtocolFilter) int {
	sent := 0
	for _, id := range sessionIDs {
		if srv.SendToOne(message, id, filter) {
			sent++
		}
	}
	return sent
}

// Disconnect closes and removes a session, sending the given close code and
// reason to the peer. It reports whether a session existed to close; calling
// it with an unknown identifier is a no-op, never an error.
func (srv *Server) Disconnect(sessionID string, code int, reason string) bool {
	session, ok := srv.registry.get(sessionID)
	if !ok {
		return false
	}
	srv.removeSession(session, code, reason)
	return true
}

// SessionCount returns the number of connected sessions.
func (srv *Server) SessionCount() int {
	return srv.registry.size()
}

// SessionInfo returns the identity of a connected session.
func (srv *Server) SessionInfo(sessionID string) (SessionInfo, bool) {
	session, ok := srv.registry.get(sessionID)
	if !ok {
		return SessionInfo{}, false
	}
	return session.Info(), true
}
