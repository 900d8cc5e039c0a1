package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pulce2011/GPU-Code-Runner/internal/config"
	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
	"github.com/pulce2011/GPU-Code-Runner/internal/metrics"
	"github.com/pulce2011/GPU-Code-Runner/internal/publish"
	"github.com/pulce2011/GPU-Code-Runner/internal/scheduler"
	"github.com/pulce2011/GPU-Code-Runner/internal/store"
)

// Server is the runner REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	scheduler *scheduler.Scheduler
	hub       *publish.Hub
}

// New creates a new Server with all routes registered. hub may be nil, in
// which case the live-update endpoints answer 503.
func New(cfg config.ServerConfig, st store.Store, sched *scheduler.Scheduler, hub *publish.Hub, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logging.Component(logger, "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		scheduler: sched,
		hub:       hub,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(userMiddleware(s.store, s.logger))

			r.Get("/me", s.handleMe)

			r.Route("/exercises", func(r chi.Router) {
				r.Get("/", s.handleListExercises)
				r.Get("/{id}", s.handleGetExercise)
			})

			r.Post("/run", s.handleRun)

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.handleListTasks)
				r.Get("/{id}", s.handleGetTask)
				r.Post("/{id}/interrupt", s.handleInterruptTask)
			})

			// Live updates
			r.Get("/ws/tasks/{id}", s.handleWSTask)
			r.Get("/sse/tasks/{id}", s.handleSSETask)
		})
	})
}
