// Package fal is a small client for the Fal.ai asynchronous queue API.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/retry"
)

const (
	DefaultQueueURL = "https://queue.fal.run"

	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"

	maxResponseBytes = 4 << 20
)

var ErrMissingAPIKey = errors.New("fal: api key is not configured")

type Config struct {
	APIKey     string
	QueueURL   string
	HTTPClient *http.Client
	Logger     *slog.Logger
	// SubmitPolicy defaults to retry.HighTolerance, PollPolicy to retry.Standard.
	SubmitPolicy *retry.Policy
	PollPolicy   *retry.Policy
}

type Client struct {
	apiKey   string
	queueURL string
	http     *http.Client
	logger   *slog.Logger
	submit   retry.Policy
	poll     retry.Policy
}

type SubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
	CancelURL   string `json:"cancel_url"`
}

type QueueStatus struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position,omitempty"`
	ResponseURL   string `json:"response_url,omitempty"`
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.QueueURL == "" {
		cfg.QueueURL = DefaultQueueURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("fal")
	}
	c := &Client{
		apiKey:   cfg.APIKey,
		queueURL: strings.TrimRight(cfg.QueueURL, "/"),
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
		submit:   retry.HighTolerance,
		poll:     retry.Standard,
	}
	if cfg.SubmitPolicy != nil {
		c.submit = *cfg.SubmitPolicy
	}
	if cfg.PollPolicy != nil {
		c.poll = *cfg.PollPolicy
	}
	c.submit.Logger = cfg.Logger
	c.poll.Logger = cfg.Logger
	return c, nil
}

// Submit enqueues input for model. Fal calls webhookURL when the request
// finishes.
func (c *Client) Submit(ctx context.Context, model string, input any, webhookURL string) (*SubmitResponse, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode fal input: %w", err)
	}

	u := c.queueURL + "/" + strings.Trim(model, "/")
	if webhookURL != "" {
		u += "?fal_webhook=" + url.QueryEscape(webhookURL)
	}

	return retry.Do(ctx, c.withLogger(c.submit, "model", model), "fal submit", func(ctx context.Context) (*SubmitResponse, error) {
		var out SubmitResponse
		if err := c.do(ctx, http.MethodPost, u, body, &out); err != nil {
			return nil, err
		}
		if out.RequestID == "" {
			return nil, fmt.Errorf("fal submit: response without request_id")
		}
		c.logger.Info("fal request submitted", "model", model, "request_id", out.RequestID)
		return &out, nil
	})
}

func (c *Client) Status(ctx context.Context, model, requestID string) (*QueueStatus, error) {
	u := fmt.Sprintf("%s/%s/requests/%s/status", c.queueURL, appID(model), url.PathEscape(requestID))
	return retry.Do(ctx, c.withLogger(c.poll, "request_id", requestID), "fal status", func(ctx context.Context) (*QueueStatus, error) {
		var out QueueStatus
		if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// Result returns the raw result payload of a completed request.
func (c *Client) Result(ctx context.Context, model, requestID string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/%s/requests/%s", c.queueURL, appID(model), url.PathEscape(requestID))
	return retry.Do(ctx, c.withLogger(c.poll, "request_id", requestID), "fal result", func(ctx context.Context) (json.RawMessage, error) {
		var out json.RawMessage
		if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// withLogger copies p with per-call log attributes. Retry names stay fixed so
// they can label metrics.
func (c *Client) withLogger(p retry.Policy, args ...any) retry.Policy {
	p.Logger = c.logger.With(args...)
	return p
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build fal request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read fal response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &retry.HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode fal response: %w", err)
	}
	return nil
}

// appID reduces "owner/app/sub/path" to "owner/app"; queue status and result
// routes are keyed by application, not endpoint.
func appID(model string) string {
	parts := strings.Split(strings.Trim(model, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "/")
}

func errorMessage(data []byte) string {
	var e struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(data, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		var s string
		if json.Unmarshal(e.Detail, &s) == nil && s != "" {
			return s
		}
		if len(e.Detail) > 0 {
			return string(e.Detail)
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
