package socketserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// parseSubprotocols extracts the ordered subprotocol tokens offered in the
// negotiation header. Tokens are trimmed and empty entries discarded; the
// client's order is preserved because it is significant for filter matching.
func parseSubprotocols(r *http.Request) []string {
	header := r.Header.Get("Sec-Websocket-Protocol")
	if header == "" {
		return nil
	}

	var protocols []string
	for _, token := range strings.Split(header, ",") {
		if token = strings.TrimSpace(token); token != "" {
			protocols = append(protocols, token)
		}
	}
	return protocols
}

// handleUpgrade negotiates an inbound connection: non-upgrade requests get a
// 501, upgraded connections become registered sessions.
func (srv *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		srv.log.Debug("Rejected non-upgrade request from %s", r.RemoteAddr)
		http.Error(w, "WebSocket upgrade required", http.StatusNotImplemented)
		return
	}

	subprotocols := parseSubprotocols(r)

	// Echo the first offered subprotocol back to the client. Some clients
	// disconnect immediately when no protocol is confirmed, even where the
	// subprotocols are advisory.
	var responseHeader http.Header
	if len(subprotocols) > 0 {
		responseHeader = http.Header{"Sec-Websocket-Protocol": {subprotocols[0]}}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// The upgrader has already written its error response. No session
		// exists yet, so there is no state to roll back.
		srv.log.Error("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	session := newSession(conn, subprotocols)
	srv.registry.insert(session)

	srv.log.Debug("Session %s connected (subprotocols: %s)", session.id, strings.Join(subprotocols, ","))
	srv.emit(Event{Kind: EventClientConnected, Session: ptr(session.Info())})

	go srv.writePump(session)
	go srv.readPump(session)
}
