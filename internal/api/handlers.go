package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/refashion-gw/internal/events"
	"github.com/mattjoyce/refashion-gw/internal/history"
	"github.com/mattjoyce/refashion-gw/internal/metrics"
)

const maxSubmitBody = 64 << 10

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleSubmitVideo records a processing job and submits it to Fal with the
// gateway's webhook URL.
func (s *Server) handleSubmitVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubmitVideoRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.ImageURL = strings.TrimSpace(req.ImageURL)
	if req.UserID == "" || req.ImageURL == "" {
		s.writeError(w, http.StatusBadRequest, "userId and imageUrl are required")
		return
	}
	model := req.Model
	if model == "" {
		model = s.config.DefaultModel
	}

	rec, err := s.jobs.Create(ctx, history.NewRecord{
		UserID: req.UserID,
		Kind:   history.KindVideo,
		Prompt: req.Prompt,
		Model:  model,
	})
	if err != nil {
		s.logger.Error("failed to create history record", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	logger := s.logger.With("history_id", rec.ID, "model", model)

	resp, err := s.submitter.Submit(ctx, model, falVideoInput{
		Prompt:   req.Prompt,
		ImageURL: req.ImageURL,
		Duration: req.Duration,
	}, s.config.WebhookURL)
	if err != nil {
		logger.Error("fal submit failed", "error", err)
		if _, ferr := s.jobs.Fail(ctx, rec.ID, "submit failed: "+err.Error()); ferr != nil {
			logger.Error("failed to mark job failed", "error", ferr)
		} else {
			metrics.IncJobTransition(string(history.StatusFailed), "submit")
			s.events.PublishJob(events.TypeJobFailed, events.JobPayload{
				HistoryID: rec.ID,
				Status:    string(history.StatusFailed),
				Source:    "submit",
				Error:     err.Error(),
			})
		}
		s.writeError(w, http.StatusBadGateway, "failed to submit job")
		return
	}

	if err := s.jobs.AttachRequest(ctx, rec.ID, resp.RequestID); err != nil {
		// The webhook cannot be correlated without the request id.
		logger.Error("failed to attach fal request id", "fal_request_id", resp.RequestID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record job")
		return
	}

	logger.Info("job submitted", "fal_request_id", resp.RequestID)
	s.events.PublishJob(events.TypeJobSubmitted, events.JobPayload{
		HistoryID: rec.ID,
		Status:    string(history.StatusProcessing),
	})
	respondJSON(w, http.StatusAccepted, SubmitResponse{
		HistoryID: rec.ID,
		Status:    string(history.StatusProcessing),
	})
}

// handleStatus serves the polling contract. Responses are never cached.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	w.Header().Set("Cache-Control", "no-store")

	rec, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load history record", "history_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	respondJSON(w, http.StatusOK, statusFromRecord(rec))
}

func statusFromRecord(rec *history.Record) StatusResponse {
	out := StatusResponse{
		Status:             string(rec.Status),
		GeneratedImageURLs: rec.GeneratedImageURLs,
		Seed:               rec.Seed,
	}
	if rec.VideoURL != nil {
		out.VideoURL = *rec.VideoURL
	}
	if rec.LocalVideoURL != nil {
		out.LocalVideoURL = *rec.LocalVideoURL
	}
	if rec.Error != nil {
		out.Error = *rec.Error
	}
	return out
}
