// Package notify delivers job completion callbacks to the Refashion app.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/metrics"
)

const (
	SecretHeader = "X-Refashion-Secret"

	DefaultAttempts = 3
	DefaultTimeout  = 15 * time.Second
	DefaultBackoff  = 5 * time.Second
)

var ErrMissingSecret = errors.New("notify: shared secret is not configured")

// Payload is the callback body. GeneratedImageURLs keeps null entries for
// slots that produced no image.
type Payload struct {
	Status             string    `json:"status"`
	GeneratedImageURLs []*string `json:"generatedImageUrls,omitempty"`
	VideoURL           string    `json:"videoUrl,omitempty"`
	Error              string    `json:"error,omitempty"`
	HistoryID          string    `json:"historyId"`
}

type Config struct {
	Secret     string
	Attempts   int
	Timeout    time.Duration
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Sender struct {
	secret   string
	attempts int
	timeout  time.Duration
	backoff  time.Duration
	client   *http.Client
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewSender(cfg Config) (*Sender, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("notify")
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Sender{
		secret:   cfg.Secret,
		attempts: cfg.Attempts,
		timeout:  cfg.Timeout,
		backoff:  cfg.Backoff,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
		sleep:    cfg.Sleep,
	}, nil
}

// Send posts payload to url, retrying with linear backoff. Delivery failure
// after the last attempt is logged and not returned; only a missing secret,
// an unencodable payload or a cancelled context produce an error.
func (s *Sender) Send(ctx context.Context, url string, payload Payload) error {
	if s == nil || s.secret == "" {
		return ErrMissingSecret
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	logger := s.logger.With("history_id", payload.HistoryID, "status", payload.Status)
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err := s.post(ctx, url, body)
		if err == nil {
			metrics.IncNotification("delivered")
			logger.Info("notification delivered", "attempt", attempt)
			return nil
		}
		logger.Warn("notification attempt failed", "attempt", attempt, "error", err)

		if attempt == s.attempts {
			break
		}
		if err := s.sleep(ctx, s.backoff*time.Duration(attempt)); err != nil {
			return fmt.Errorf("notification cancelled: %w", err)
		}
	}

	metrics.IncNotification("failed")
	logger.Error("notification gave up", "attempts", s.attempts, "url", url)
	return nil
}

func (s *Sender) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
