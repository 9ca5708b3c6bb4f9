// Package api is the orchestrator's HTTP surface: operator commands, queue
// administration, the status ingress remote servers push to, and an SSE
// event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/laborch/internal/auth"
	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/orchestrator"
	"github.com/mattjoyce/laborch/internal/recipe"
	"github.com/mattjoyce/laborch/internal/state"
	"github.com/mattjoyce/laborch/internal/status"
)

// Orchestrator is the engine surface the API exposes.
type Orchestrator interface {
	Name() string
	Start() error
	Stop(ctx context.Context, message string)
	Estop(ctx context.Context, reason string)
	ClearEstop(ctx context.Context) int
	ClearError() int
	Skip(ctx context.Context)
	CancelWait(actionUUID string) error
	SetStepThrough(st orchestrator.StepThrough)
	StepThrough() orchestrator.StepThrough

	AppendSequence(seq *model.Sequence) (*model.Sequence, error)
	AppendExperiment(exp *model.Experiment) (*model.Experiment, error)
	InsertExperiment(i int, exp *model.Experiment) (*model.Experiment, error)
	InsertAction(i int, a *model.Action) (*model.Action, error)
	RemoveActions(indexes []int) []string
	RemoveAction(id string) (*model.Action, error)
	ClearQueue(which string) (int, error)
	ListSequences() []*model.Sequence
	ListExperiments() []*model.Experiment
	ListActions() []*model.Action
	Recipes() []recipe.Info

	UpdateStatus(ctx context.Context, push model.ServerStatus) []status.Transition
	GlobalStatus() orchestrator.GlobalStatus
	ExportQueues(ctx context.Context, reason string) (*state.Snapshot, error)
	ImportQueues(ctx context.Context, snap *state.Snapshot) error
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	keyring   *auth.Keyring
	orch      Orchestrator
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, orch Orchestrator, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		keyring:   auth.NewKeyring(config.APIKey, config.Tokens),
		orch:      orch,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.keyring.Enabled())

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

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		for _, rt := range s.routes() {
			r.With(s.requireScopes(rt.scopes...)).Method(rt.method, rt.path, rt.handler)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		level := slog.LevelInfo
		// High-frequency endpoints log at debug.
		if r.URL.Path == "/update_status" || r.URL.Path == "/global_status" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
