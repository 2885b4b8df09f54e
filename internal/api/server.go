// Package api provides the HTTP API server for the deploy service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shiplane/shiplane/internal/api/handlers"
	"github.com/shiplane/shiplane/internal/api/health"
	"github.com/shiplane/shiplane/internal/api/middleware"
	"github.com/shiplane/shiplane/internal/events"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/runner"
	"github.com/shiplane/shiplane/internal/store"
	"github.com/shiplane/shiplane/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	store         store.Store
	bus           *events.Bus
	supervisor    *runner.Supervisor
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies. pinger
// reports database liveness for the health endpoint.
func NewServer(cfg *config.Config, st store.Store, bus *events.Bus, sup *runner.Supervisor, pinger health.Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:      st,
		bus:        bus,
		supervisor: sup,
		config:     cfg,
		logger:     logger,
	}
	s.healthChecker = health.NewChecker(pinger, Version)

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	// Health check endpoint (no auth required)
	r.Get("/health", s.healthChecker.Handler())

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(s.store, s.config.BootstrapAdminEmail, s.logger)
		r.Use(authMiddleware.Authenticate)

		pipelineHandler := handlers.NewPipelineHandler(s.store, s.supervisor, s.config.Runner.WorkDir, s.logger)
		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", pipelineHandler.List)
			r.With(middleware.RequireRole(models.RoleDev)).Post("/", pipelineHandler.Create)
			r.Route("/{pipelineID}", func(r chi.Router) {
				r.Get("/", pipelineHandler.Get)
				r.With(middleware.RequireRole(models.RoleDev)).Patch("/", pipelineHandler.Update)
				r.With(middleware.RequireRole(models.RoleDev)).Delete("/", pipelineHandler.Delete)
				r.Get("/runs", pipelineHandler.ListRuns)
				r.With(middleware.RequireRole(models.RoleDev)).Post("/runs", pipelineHandler.TriggerRun)
			})
		})

		runHandler := handlers.NewRunHandler(s.store, s.bus, s.logger)
		streamHandler := handlers.NewEventStreamHandler(s.store, s.bus, s.logger)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", runHandler.Get)
			r.Get("/history", runHandler.History)
			r.Get("/events", streamHandler.Stream)
			r.Get("/events/ws", streamHandler.StreamWS)
		})

		userHandler := handlers.NewUserHandler(s.store, s.logger)
		r.Route("/users", func(r chi.Router) {
			r.Get("/me", userHandler.Me)
			r.With(middleware.RequireRole(models.RoleAdmin)).Get("/", userHandler.List)
			r.With(middleware.RequireRole(models.RoleAdmin)).Patch("/{userID}/role", userHandler.UpdateRole)
		})
	})

	s.router = r
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: event streams stay open for the lifetime of
		// a run.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
