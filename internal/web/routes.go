package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-tagger/internal/web/handlers"
	"github.com/kozaktomas/face-tagger/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	eventsHandler := handlers.NewEventsHandler(s.deps.Service, s.deps.DefaultBucket)
	personsHandler := handlers.NewPersonsHandler(s.deps.Service)
	reconcileHandler := handlers.NewReconcileHandler(s.deps.Reconciler)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	if s.deps.Metrics != nil {
		s.router.Method("GET", "/metrics", s.deps.Metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(s.opts.APIToken))

			r.Post("/events", eventsHandler.Batch)
			r.Post("/images", eventsHandler.Image)
			r.Get("/persons/{name}", personsHandler.Get)
			r.Post("/reconcile", reconcileHandler.Run)
		})
	})
}
