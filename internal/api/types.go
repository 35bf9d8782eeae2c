package api

import "github.com/mattjoyce/refashion-gw/internal/poller"

// SubmitVideoRequest is the JSON body for POST /api/jobs/video.
type SubmitVideoRequest struct {
	UserID   string `json:"userId"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"imageUrl"`
	Model    string `json:"model,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// SubmitResponse is returned once a job has been handed to Fal.
type SubmitResponse struct {
	HistoryID string `json:"historyId"`
	Status    string `json:"status"`
}

// StatusResponse is returned by GET /api/history/{id}/status. It is the wire
// form the polling client decodes.
type StatusResponse = poller.Status

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// falVideoInput is the image-to-video request body sent to Fal.
type falVideoInput struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
	Duration string `json:"duration,omitempty"`
}
