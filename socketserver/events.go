package socketserver

// EventKind identifies a server lifecycle or session event.
type EventKind int

const (
	// EventServerStarted fires once a listener is bound and accepting.
	EventServerStarted EventKind = iota
	// EventServerShutdown fires after a deliberate shutdown completes.
	EventServerShutdown
	// EventClientConnected fires when an upgraded connection is registered.
	EventClientConnected
	// EventClientDisconnected fires when a session leaves the registry.
	EventClientDisconnected
	// EventError reports connection or listener failures. Errors never
	// terminate the hosting process.
	EventError
)

// String returns string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventServerStarted:
		return "server_started"
	case EventServerShutdown:
		return "server_shutdown"
	case EventClientConnected:
		return "client_connected"
	case EventClientDisconnected:
		return "client_disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to the owner's OnServerEvent callback.
type Event struct {
	Kind EventKind
	// Value carries human-readable detail: the bound address for
	// EventServerStarted, the failure for EventError, the close reason for
	// EventClientDisconnected.
	Value string
	// Code is the websocket close code for EventClientDisconnected.
	Code int
	// Session is set for client events.
	Session *SessionInfo
}

// dispatchItem is the unit of the internal event channel. Server events and
// message events share one channel so per-connection ordering
// (connected, messages, disconnected) survives dispatch.
type dispatchItem struct {
	event   *Event
	payload []byte
	session SessionInfo
}

const eventBufferSize = 256

// dispatch drains the event channel and invokes the owner callbacks. Running
// the callbacks on a single dedicated goroutine keeps them from mutating the
// registry re-entrantly from inside a connection's read loop.
func (srv *Server) dispatch() {
	for item := range srv.events {
		if item.event != nil {
			if srv.opts.OnServerEvent != nil {
				srv.opts.OnServerEvent(*item.event)
			}
			continue
		}
		if srv.opts.OnMessage != nil {
			srv.opts.OnMessage(item.payload, item.session)
		}
	}
}

// emit queues a server event. The send blocks when the buffer is full rather
// than dropping, preserving event ordering.
func (srv *Server) emit(ev Event) {
	srv.events <- dispatchItem{event: &ev}
}

func (srv *Server) emitMessage(payload []byte, session SessionInfo) {
	srv.events <- dispatchItem{payload: payload, session: session}
}
