package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/facebridge/internal/events"
	"github.com/mattjoyce/facebridge/internal/protocol"
	"github.com/mattjoyce/facebridge/internal/runlog"
	"github.com/mattjoyce/facebridge/internal/worker"
)

// Orchestrator is the part of a session the API drives.
type Orchestrator interface {
	Request(ctx context.Context, kind protocol.Kind, data any) (worker.Result, error)
	State() worker.State
	CurrentProfile() string
}

// RunReader reads persisted run history.
type RunReader interface {
	List(ctx context.Context, limit int) ([]runlog.Run, error)
	Get(ctx context.Context, id string) (*runlog.Run, error)
	Transitions(ctx context.Context) ([]runlog.Transition, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token. Empty disables auth.
	APIKey string
	// CommandTimeout bounds POST /commands/{kind} when no ?timeout= is given.
	CommandTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	session   Orchestrator
	runs      RunReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. runs may be nil.
func New(config Config, session Orchestrator, runs RunReader, hub *events.Hub, logger *slog.Logger) *Server {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = defaultCommandTimeout
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		session:   session,
		runs:      runs,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Commands may wait on a worker launch plus the request timeout.
		WriteTimeout: maxCommandTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Post("/commands/{kind}", s.handleCommand)
		r.Get("/events", s.handleEvents)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/transitions", s.handleTransitions)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
