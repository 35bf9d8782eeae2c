package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	WebhookStatusOK    = "OK"
	WebhookStatusError = "ERROR"
)

// Webhook is a decoded Fal queue completion notice.
type Webhook struct {
	RequestID        string
	GatewayRequestID string
	Status           string
	Result           Result
}

type webhookEnvelope struct {
	RequestID        string           `json:"request_id"`
	GatewayRequestID string           `json:"gateway_request_id"`
	Status           string           `json:"status"`
	Payload          *json.RawMessage `json:"payload"`
	Error            string           `json:"error"`
	PayloadError     string           `json:"payload_error"`
}

// ParseWebhook validates the envelope and resolves its result variant.
// ERROR deliveries and undeliverable payloads become ErrorResult.
func ParseWebhook(raw []byte) (*Webhook, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if env.RequestID == "" {
		return nil, fmt.Errorf("decode webhook: missing request_id")
	}

	wh := &Webhook{
		RequestID:        env.RequestID,
		GatewayRequestID: env.GatewayRequestID,
		Status:           strings.ToUpper(env.Status),
	}

	switch wh.Status {
	case WebhookStatusError:
		msg := env.Error
		if msg == "" && env.Payload != nil {
			if r, err := Parse(*env.Payload); err == nil {
				if er, ok := r.(ErrorResult); ok {
					msg = er.Message
				}
			}
		}
		if msg == "" {
			msg = "generation failed"
		}
		wh.Result = ErrorResult{Message: msg}
	case WebhookStatusOK:
		if env.PayloadError != "" {
			wh.Result = ErrorResult{Message: "payload error: " + env.PayloadError}
			return wh, nil
		}
		if env.Payload == nil {
			return nil, fmt.Errorf("%w: OK webhook without payload", ErrUnknownShape)
		}
		r, err := Parse(*env.Payload)
		if err != nil {
			return nil, err
		}
		wh.Result = r
	default:
		return nil, fmt.Errorf("decode webhook: unknown status %q", env.Status)
	}
	return wh, nil
}
