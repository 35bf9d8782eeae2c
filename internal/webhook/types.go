package webhook

import (
	"context"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/history"
	"github.com/mattjoyce/refashion-gw/internal/provider"
	"github.com/mattjoyce/refashion-gw/internal/signature"
)

// Verifier authenticates a delivery. *signature.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, env signature.Envelope) (bool, error)
}

// Jobs is the slice of the history store the handler needs.
type Jobs interface {
	FindByRequestID(ctx context.Context, requestID string) (*history.Record, error)
	RecordReceipt(ctx context.Context, r history.Receipt) (bool, error)
	ForgetReceipt(ctx context.Context, fingerprint string) error
	HasUnattached(ctx context.Context, since time.Time) (bool, error)
}

// Completer applies a terminal result. *completion.Service implements it.
type Completer interface {
	Apply(ctx context.Context, source, historyID string, result provider.Result) (bool, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen      string
	Path        string
	MaxBodySize int64
	// AttachGrace is how long an unknown request id is answered with 503
	// while a recent submission still lacks its request id.
	AttachGrace time.Duration
}

// StatusResponse is the JSON body of an accepted delivery.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultPath        = "/webhooks/fal"
	DefaultMaxBodySize = 1048576 // 1 MB
	DefaultAttachGrace = 2 * time.Minute

	StatusOK        = "ok"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)
