// Package signature authenticates inbound provider webhooks.
//
// A delivery is accepted only when its Ed25519 signature over the canonical
// message
//
//	requestId \n userId \n timestamp \n hex(sha256(body))
//
// verifies against one of the provider's published keys and its timestamp is
// within the tolerance window of the local clock.
package signature

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/jwks"
	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/metrics"
)

const (
	HeaderRequestID = "X-Fal-Webhook-Request-Id"
	HeaderUserID    = "X-Fal-Webhook-User-Id"
	HeaderTimestamp = "X-Fal-Webhook-Timestamp"
	HeaderSignature = "X-Fal-Webhook-Signature"

	DefaultTolerance = 300 * time.Second
)

// KeySource supplies the current public key set. *jwks.Cache implements it.
type KeySource interface {
	Get(ctx context.Context) (jwks.KeySet, error)
}

// Envelope is the untrusted input of a single verification.
type Envelope struct {
	RequestID string
	UserID    string
	Timestamp string
	Signature string
	Body      []byte
}

// EnvelopeFromRequest collects the signature headers. Missing headers are left
// empty and rejected by Verify.
func EnvelopeFromRequest(r *http.Request, body []byte) Envelope {
	return Envelope{
		RequestID: r.Header.Get(HeaderRequestID),
		UserID:    r.Header.Get(HeaderUserID),
		Timestamp: r.Header.Get(HeaderTimestamp),
		Signature: r.Header.Get(HeaderSignature),
		Body:      body,
	}
}

type Verifier struct {
	keys      KeySource
	tolerance time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Verifier)

// WithClock overrides the clock used for the timestamp window.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

func NewVerifier(keys KeySource, opts ...Option) *Verifier {
	v := &Verifier{
		keys:      keys,
		tolerance: DefaultTolerance,
		now:       time.Now,
		logger:    log.WithComponent("signature"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports whether env carries a valid, fresh signature. Malformed input
// yields (false, nil). A non-nil error means the key set could not be
// obtained and the delivery is neither trusted nor known to be forged.
func (v *Verifier) Verify(ctx context.Context, env Envelope) (bool, error) {
	ok, reason, err := v.verify(ctx, env)
	switch {
	case err != nil:
		metrics.IncWebhookVerification("error")
		v.logger.Error("webhook verification error", "request_id", env.RequestID, "error", err)
	case ok:
		metrics.IncWebhookVerification("valid")
		v.logger.Debug("webhook signature verified", "request_id", env.RequestID)
	default:
		metrics.IncWebhookVerification("invalid")
		v.logger.Warn("webhook signature rejected", "request_id", env.RequestID, "reason", reason)
	}
	return ok, err
}

func (v *Verifier) verify(ctx context.Context, env Envelope) (bool, string, error) {
	if env.RequestID == "" || env.UserID == "" || env.Timestamp == "" || env.Signature == "" {
		return false, "missing header", nil
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(env.Timestamp), 10, 64)
	if err != nil {
		return false, "unparseable timestamp", nil
	}
	skew := v.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.tolerance/time.Second) {
		return false, "timestamp outside tolerance", nil
	}

	sig, err := hex.DecodeString(strings.TrimSpace(env.Signature))
	if err != nil {
		return false, "malformed signature", nil
	}
	if len(sig) != ed25519.SignatureSize {
		return false, "malformed signature", nil
	}

	set, err := v.keys.Get(ctx)
	if err != nil {
		return false, "", fmt.Errorf("load signing keys: %w", err)
	}
	if len(set.Keys) == 0 {
		return false, "empty key set", nil
	}

	msg := CanonicalMessage(env.RequestID, env.UserID, env.Timestamp, env.Body)
	for _, key := range set.Keys {
		if len(key) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(key, msg, sig) {
			return true, "", nil
		}
	}
	return false, "no key matched", nil
}

// CanonicalMessage builds the signed byte string for a delivery.
func CanonicalMessage(requestID, userID, timestamp string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		requestID,
		userID,
		timestamp,
		hex.EncodeToString(sum[:]),
	}, "\n"))
}
