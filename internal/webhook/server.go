package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/refashion-gw/internal/completion"
	"github.com/mattjoyce/refashion-gw/internal/history"
	"github.com/mattjoyce/refashion-gw/internal/provider"
	"github.com/mattjoyce/refashion-gw/internal/signature"
)

// Server represents the webhook HTTP server.
type Server struct {
	config    Config
	verifier  Verifier
	jobs      Jobs
	completer Completer
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new webhook server instance.
func New(config Config, verifier Verifier, jobs Jobs, completer Completer, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.AttachGrace <= 0 {
		config.AttachGrace = DefaultAttachGrace
	}
	return &Server{
		config:    config,
		verifier:  verifier,
		jobs:      jobs,
		completer: completer,
		logger:    logger,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "path", s.config.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.config.Path, s.handleWebhook)
	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Enforce body size limit before any parsing.
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	env := signature.EnvelopeFromRequest(r, body)
	ok, err := s.verifier.Verify(ctx, env)
	if err != nil {
		// Keys unavailable: not trusted, but the provider should redeliver.
		s.logger.Error("webhook verification unavailable", "request_id", env.RequestID, "error", err)
		s.respondError(w, http.StatusServiceUnavailable, "verification unavailable")
		return
	}
	if !ok {
		s.logger.Warn("webhook signature rejected", "request_id", env.RequestID)
		s.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	wh, err := provider.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "request_id", env.RequestID, "error", err)
		s.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	// The signed header id is authoritative.
	requestID := env.RequestID
	if wh.RequestID != requestID {
		s.logger.Warn("webhook request id differs from signed header",
			"header_request_id", requestID,
			"payload_request_id", wh.RequestID,
		)
	}

	rec, err := s.jobs.FindByRequestID(ctx, requestID)
	if errors.Is(err, history.ErrNotFound) {
		s.unknownRequest(w, r, requestID)
		return
	}
	if err != nil {
		s.logger.Error("webhook history lookup failed", "fal_request_id", requestID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	fp := history.Fingerprint(requestID, body)
	fresh, err := s.jobs.RecordReceipt(ctx, history.Receipt{
		Fingerprint: fp,
		RequestID:   requestID,
		HistoryID:   rec.ID,
		Outcome:     wh.Status,
	})
	if err != nil {
		s.logger.Error("webhook receipt failed", "history_id", rec.ID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !fresh {
		s.logger.Info("duplicate webhook delivery", "history_id", rec.ID, "fal_request_id", requestID)
		s.respondJSON(w, http.StatusOK, StatusResponse{Status: StatusDuplicate})
		return
	}

	applied, err := s.completer.Apply(ctx, completion.SourceWebhook, rec.ID, wh.Result)
	if err != nil {
		s.logger.Error("webhook apply failed", "history_id", rec.ID, "error", err)
		if ferr := s.jobs.ForgetReceipt(ctx, fp); ferr != nil {
			s.logger.Error("could not forget webhook receipt", "history_id", rec.ID, "error", ferr)
		}
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("webhook accepted",
		"history_id", rec.ID,
		"fal_request_id", requestID,
		"status", wh.Status,
		"applied", applied,
	)
	s.respondJSON(w, http.StatusOK, StatusResponse{Status: StatusOK})
}

// unknownRequest answers a verified delivery whose request id has no record.
// While a recent submission has not stored its request id yet, the delivery
// may belong to it, so the provider is asked to redeliver.
func (s *Server) unknownRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	pending, err := s.jobs.HasUnattached(r.Context(), time.Now().Add(-s.config.AttachGrace))
	if err != nil {
		s.logger.Error("webhook pending submission check failed", "fal_request_id", requestID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if pending {
		s.logger.Warn("webhook for request not yet attached, asking for redelivery", "fal_request_id", requestID)
		w.Header().Set("Retry-After", "5")
		s.respondError(w, http.StatusServiceUnavailable, "request not yet known")
		return
	}
	s.logger.Warn("webhook for unknown request", "fal_request_id", requestID)
	s.respondJSON(w, http.StatusAccepted, StatusResponse{Status: StatusIgnored})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
