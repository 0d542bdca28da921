// Package web serves the face resolution API over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/face-tagger/internal/logger"
	"github.com/kozaktomas/face-tagger/internal/web/handlers"
	"github.com/kozaktomas/face-tagger/internal/web/middleware"
)

// Options configures the HTTP server.
type Options struct {
	Host           string
	Port           int
	APIToken       string // empty disables bearer auth
	AllowedOrigins string // comma separated
	RequestTimeout time.Duration
}

// Deps are the collaborators behind the routes. Reconciler and Metrics may be nil.
type Deps struct {
	Service       handlers.Service
	Reconciler    handlers.Reconciler
	Metrics       http.Handler
	DefaultBucket string
}

// Server represents the web server
type Server struct {
	deps       Deps
	opts       Options
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new web server
func NewServer(deps Deps, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	r := chi.NewRouter()

	s := &Server{
		deps:   deps,
		opts:   opts,
		router: r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.CORS(middleware.ParseOrigins(opts.AllowedOrigins)))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: opts.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logger.Named("web").Info().Str("addr", s.httpServer.Addr).Msg("starting web server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Named("web").Info().Msg("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
