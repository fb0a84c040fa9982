// Package webserver is a thin HTTP server for static files and JSON
// endpoints. It keeps no session state; the socket layer lives in
// socketserver.
package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/boll7708/goutils/logger"
)

const shutdownTimeout = 5 * time.Second

// Options configures a web server instance.
type Options struct {
	Name   string
	Host   string
	Port   int
	Logger *logger.Logger
}

// Server routes requests to registered JSON handlers and static directories.
type Server struct {
	log    *logger.Logger
	router *httprouter.Router

	mu         sync.Mutex
	httpServer *http.Server
	addr       string
	bind       string
	statics    []*staticDir
}

// New creates a web server. Routes are registered before Start.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	if opts.Name != "" {
		log = log.WithPrefix(opts.Name)
	}

	s := &Server{
		log:    log,
		router: httprouter.New(),
		bind:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
	}

	s.router.GET("/health", s.handleHealth)

	return s
}

// Handle registers a handler for the given method and path.
func (s *Server) Handle(method, path string, handle httprouter.Handle) {
	s.router.Handle(method, path, handle)
}

// ServeDir serves the files under dir at the given route prefix, with
// content caching and ETag revalidation.
func (s *Server) ServeDir(prefix, dir string) error {
	static, err := newStaticDir(dir, s.log)
	if err != nil {
		return fmt.Errorf("failed to watch static dir %s: %w", dir, err)
	}

	s.mu.Lock()
	s.statics = append(s.statics, static)
	s.mu.Unlock()

	s.router.GET(prefix+"/*filepath", static.handle)
	return nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already running on %s", s.addr)
	}

	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.bind, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.addr = listener.Addr().String()

	go func(hs *http.Server, addr string) {
		s.log.Info("Web server listening on %s", addr)
		if err := hs.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error: %v", err)
		}
	}(s.httpServer, s.addr)

	return nil
}

// Stop shuts the server down and releases the static watchers.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, static := range s.statics {
		static.close()
	}
	s.statics = nil

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.addr = ""
	if err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Addr returns the bound address, or an empty string while stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}
