// Package socketserver manages WebSocket sessions on top of an HTTP listener:
// it negotiates upgrades, assigns each connection a unique session identity,
// routes messages to one, all, all-but-one, or a group of sessions with
// optional subprotocol filters, and owns the listener's
// run/restart/shutdown lifecycle.
package socketserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boll7708/goutils/logger"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server instance.
type Options struct {
	// Name tags this instance's log output.
	Name string
	// Host and Port are the listener bind address. Port 0 binds an
	// ephemeral port, readable from Addr after Start.
	Host string
	Port int
	// KeepAlive restarts the listener when it terminates unexpectedly.
	KeepAlive bool

	// OnServerEvent receives lifecycle and session events. Optional.
	OnServerEvent func(Event)
	// OnMessage receives each inbound payload with the session it came
	// from. Optional.
	OnMessage func(payload []byte, session SessionInfo)

	// Logger overrides the global logger.
	Logger *logger.Logger
}

// Server accepts WebSocket connections and tracks them as sessions. One
// Server owns one registry and at most one active listener.
type Server struct {
	opts Options
	log  *logger.Logger

	registry *registry
	events   chan dispatchItem

	mu           sync.Mutex // serializes start, restart and shutdown
	httpServer   *http.Server
	listener     net.Listener
	serveDone    chan struct{}
	running      bool
	addr         string
	shuttingDown atomic.Bool
}

// New creates a Server. The listener is not bound until Start.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	if opts.Name != "" {
		log = log.WithPrefix(opts.Name)
	}

	srv := &Server{
		opts:     opts,
		log:      log,
		registry: newRegistry(),
		events:   make(chan dispatchItem, eventBufferSize),
	}

	go srv.dispatch()

	return srv
}

// Start binds the listener and begins accepting upgrade requests. A bind
// failure is reported through the error event, leaves the server stopped and
// is not retried.
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.running {
		return fmt.Errorf("server already running on %s", srv.addr)
	}
	return srv.startLocked()
}

// Restart tears down any active listener, then establishes a new one. The
// teardown completes before the new listener binds so two listeners never
// race on one port.
func (srv *Server) Restart() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.teardownLocked(websocket.CloseServiceRestart, "server restarting")
	return srv.startLocked()
}

// Shutdown deliberately stops the listener and closes every session. The
// keep-alive path is suppressed; a later Restart re-arms it.
func (srv *Server) Shutdown() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if !srv.running {
		return nil
	}

	srv.teardownLocked(websocket.CloseGoingAway, "server shutting down")
	srv.log.Info("Socket server shut down")
	srv.emit(Event{Kind: EventServerShutdown})
	return nil
}

// Addr returns the bound listener address, or an empty string while stopped.
func (srv *Server) Addr() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.addr
}

// Running reports whether a listener is currently bound.
func (srv *Server) Running() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.running
}

func (srv *Server) startLocked() error {
	bind := net.JoinHostPort(srv.opts.Host, strconv.Itoa(srv.opts.Port))

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		srv.log.Error("Failed to bind %s: %v", bind, err)
		srv.emit(Event{Kind: EventError, Value: fmt.Sprintf("listen on %s: %v", bind, err)})
		return fmt.Errorf("failed to bind %s: %w", bind, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleUpgrade)

	srv.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	srv.listener = listener
	srv.addr = listener.Addr().String()
	srv.serveDone = make(chan struct{})
	srv.running = true
	srv.shuttingDown.Store(false)

	go srv.serve(srv.httpServer, listener, srv.serveDone)

	srv.log.Info("Socket server listening on %s", srv.addr)
	srv.emit(Event{Kind: EventServerStarted, Value: srv.addr})
	return nil
}

// serve runs the listener until it terminates, then decides whether the
// termination was deliberate. Unexpected terminations are reported and, with
// KeepAlive set, answered with a restart.
func (srv *Server) serve(hs *http.Server, listener net.Listener, done chan struct{}) {
	err := hs.Serve(listener)
	close(done)

	if srv.shuttingDown.Load() {
		return
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	// A concurrent shutdown or restart may have raced the termination; only
	// the listener that still owns the server reports it.
	if srv.shuttingDown.Load() || srv.httpServer != hs {
		return
	}

	srv.log.Error("Listener terminated unexpectedly: %v", err)
	srv.emit(Event{Kind: EventError, Value: fmt.Sprintf("listener terminated unexpectedly: %v", err)})

	srv.running = false
	srv.httpServer = nil
	srv.addr = ""

	if !srv.opts.KeepAlive {
		return
	}

	srv.log.Info("Keep-alive enabled, restarting listener")
	if err := srv.startLocked(); err != nil {
		srv.log.Error("Keep-alive restart failed: %v", err)
	}
}

// teardownLocked stops the active listener, if any, and force-closes every
// session. It returns only after the serve loop has exited. Callers hold
// srv.mu.
func (srv *Server) teardownLocked(code int, reason string) {
	if !srv.running {
		return
	}

	srv.shuttingDown.Store(true)

	for _, session := range srv.registry.snapshot() {
		srv.removeSession(session, code, reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.httpServer.Shutdown(ctx); err != nil {
		srv.log.Warn("Graceful listener shutdown failed, closing: %v", err)
		_ = srv.httpServer.Close()
	}
	<-srv.serveDone

	srv.running = false
	srv.httpServer = nil
	srv.listener = nil
	srv.addr = ""
}
