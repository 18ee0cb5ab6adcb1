// Package server provides the shared HTTP plumbing for the edge proxy
// and the private gateway: router construction, middleware chain, and
// lifecycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Server struct {
	Router *chi.Mux

	name   string
	logger *slog.Logger
	http   *http.Server
}

// New builds a server with the standard middleware chain. requestTimeout
// bounds each request's context; pass 0 to disable (the edge keeps the
// client connection open while the cascade runs, so its timeout must
// exceed the worst-case engine order).
func New(name string, port int, requestTimeout time.Duration, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	if requestTimeout > 0 {
		r.Use(TimeoutMiddleware(requestTimeout))
	}
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, name)
	})

	return &Server{
		Router: r,
		name:   name,
		logger: logger,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		},
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		slog.String("name", s.name),
		slog.String("addr", s.http.Addr),
	)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server", slog.String("name", s.name))
	return s.http.Shutdown(ctx)
}
