package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Timeouts bounds the phases of a connection. Uploads of several large files
// need read and write windows far longer than a typical JSON API.
type Timeouts struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
}

// DefaultTimeouts returns timeouts sized for multi-file media uploads.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ReadHeader: 10 * time.Second,
		Read:       10 * time.Minute,
		Write:      10 * time.Minute,
		Idle:       120 * time.Second,
	}
}

// Server wraps an http.Server with graceful shutdown support.
type Server struct {
	httpServer *http.Server
}

// New creates a new Server that listens on the given address and routes
// requests through handler.
func New(addr string, handler http.Handler, t Timeouts) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: t.ReadHeader,
			ReadTimeout:       t.Read,
			WriteTimeout:      t.Write,
			IdleTimeout:       t.Idle,
		},
	}
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins listening and serving HTTP requests. It blocks until the
// server is shut down. On normal shutdown it returns nil.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server without interrupting active
// connections. The provided context controls the timeout for outstanding
// requests to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
