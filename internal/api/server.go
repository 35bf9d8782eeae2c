package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/refashion-gw/internal/auth"
	"github.com/mattjoyce/refashion-gw/internal/events"
	"github.com/mattjoyce/refashion-gw/internal/fal"
	"github.com/mattjoyce/refashion-gw/internal/history"
	"github.com/mattjoyce/refashion-gw/internal/metrics"
)

// Jobs is the slice of the history store used by the API.
type Jobs interface {
	Create(ctx context.Context, req history.NewRecord) (*history.Record, error)
	Get(ctx context.Context, id string) (*history.Record, error)
	AttachRequest(ctx context.Context, id, requestID string) error
	Fail(ctx context.Context, id, message string) (bool, error)
}

// Submitter hands work to the provider queue. *fal.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, model string, input any, webhookURL string) (*fal.SubmitResponse, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens       []auth.TokenConfig
	WebhookURL   string
	DefaultModel string
	// Media serves archived files under /media/ when set.
	Media http.Handler
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	jobs      Jobs
	submitter Submitter
	events    *events.Hub
	auth      auth.Authenticator
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, jobs Jobs, submitter Submitter, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		jobs:      jobs,
		submitter: submitter,
		events:    hub,
		auth:      auth.Authenticator{AdminKey: config.APIKey, Tokens: config.Tokens},
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /api/events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.config.Media != nil {
		r.Handle("/media/*", http.StripPrefix("/media/", s.config.Media))
	}

	r.Route("/api", func(r chi.Router) {
		r.With(s.auth.Require(auth.ScopeJobsRW)).Post("/jobs/video", s.handleSubmitVideo)
		r.With(s.auth.Require(auth.ScopeJobsRead)).Get("/history/{id}/status", s.handleStatus)
		r.With(s.auth.Require(auth.ScopeJobsRead, auth.ScopeEvents)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
