package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/cadre/internal/core"
	"github.com/zjrosen/cadre/internal/tracing"
)

// Config holds configuration for the HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":7433" or "127.0.0.1:0".
	Addr string
	// Core is the assembled daemon the handlers delegate to.
	Core *core.Core
	// Tracer wraps every request in a server span when non-nil.
	Tracer trace.Tracer
	// ReadTimeout bounds request reads. Defaults to 30s.
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes. Zero means no timeout, which
	// SSE connections need.
	WriteTimeout time.Duration
}

// Server wraps an HTTP server for the daemon API.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// New creates an API server. It binds the listener immediately so the bound
// port is known before Start, which lets tests listen on port 0.
func New(cfg Config) (*Server, error) {
	if cfg.Core == nil {
		return nil, errors.New("server: core is required")
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	handler := NewHandler(cfg.Core)
	routes := tracing.Middleware(cfg.Tracer)(handler.Routes())

	srv := &http.Server{
		Handler:           routes,
		ReadTimeout:       readTimeout,
		WriteTimeout:      cfg.WriteTimeout, // 0 = no timeout, required for SSE
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		server:   srv,
		listener: listener,
		port:     port,
	}, nil
}

// Port returns the port the server is bound to.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving requests. It blocks until the server stops.
func (s *Server) Start() error {
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
