// Package api exposes the HTTP management surface: campaign CRUD and
// lifecycle, worker control and message/response inspection.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"outreachd/internal/config"
	"outreachd/internal/dispatch"
	"outreachd/internal/metrics"
	"outreachd/internal/store"
	"outreachd/internal/worker"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      *store.Store
	worker     *worker.Worker
	registry   *dispatch.Registry
	metrics    *metrics.Metrics
	config     config.APIConfig
	defaults   config.RateLimitConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(st *store.Store, w *worker.Worker, reg *dispatch.Registry, m *metrics.Metrics, cfg config.APIConfig, defaults config.RateLimitConfig, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		worker:    w,
		registry:  reg,
		metrics:   m,
		config:    cfg,
		defaults:  defaults,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check and metrics (no auth required)
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
			r.Post("/{id}/pause", s.handlePauseCampaign)
			r.Post("/{id}/resume", s.handleResumeCampaign)
			r.Get("/{id}/messages", s.handleListMessages)
			r.Get("/{id}/responses", s.handleListResponses)
		})

		r.Route("/worker", func(r chi.Router) {
			r.Post("/start", s.handleWorkerStart)
			r.Post("/stop", s.handleWorkerStop)
			r.Get("/status", s.handleWorkerStatus)
			r.Post("/process", s.handleWorkerProcess)
		})
	})
}

// Handler returns the configured router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout(),
		WriteTimeout: s.config.WriteTimeout(),
		IdleTimeout:  s.config.IdleTimeout(),
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
