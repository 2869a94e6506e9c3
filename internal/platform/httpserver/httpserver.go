// Package httpserver constructs the process's HTTP server.
package httpserver

import (
	"net/http"
	"time"
)

const (
	defaultHeaderTimeout = 10 * time.Second
	defaultIdleTimeout   = 2 * time.Minute
)

// Option customizes the server.
type Option func(*http.Server)

// WithReadHeaderTimeout bounds how long a client may take to send its
// request headers.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *http.Server) {
		if d > 0 {
			s.ReadHeaderTimeout = d
		}
	}
}

// WithIdleTimeout bounds how long a keep-alive connection may sit idle.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *http.Server) {
		if d > 0 {
			s.IdleTimeout = d
		}
	}
}

// New returns the server for the resolver's HTTP surface. Header reads and
// idle keep-alives are bounded here; request latency is owned by the
// resolution engine's per-tier timeouts, so no blanket write timeout is set.
func New(addr string, handler http.Handler, opts ...Option) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: defaultHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}
