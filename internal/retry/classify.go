package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var retryableStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var retryableCodes = map[string]bool{
	"ENOTFOUND":    true,
	"ECONNRESET":   true,
	"ETIMEDOUT":    true,
	"ECONNREFUSED": true,
	"ENETUNREACH":  true,
}

// Matched case-insensitively.
var transientPhrases = []string{"overloaded", "rate limit"}

// Provider status names; matched verbatim.
var transientTokens = []string{"UNAVAILABLE", "RESOURCE_EXHAUSTED", "DEADLINE_EXCEEDED", "INTERNAL"}

// HTTPError is a non-2xx response from an upstream HTTP API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

func (e *HTTPError) ErrorCode() string { return e.Code }

// IsRetryable reports whether err is a transient failure worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var hs interface{ HTTPStatus() int }
	if errors.As(err, &hs) && retryableStatus[hs.HTTPStatus()] {
		return true
	}
	var ec interface{ ErrorCode() string }
	if errors.As(err, &ec) && retryableCodes[ec.ErrorCode()] {
		return true
	}
	if networkCode(err) != "" {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, p := range transientPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, tok := range transientTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// networkCode maps Go network errors onto the conventional errno names.
func networkCode(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "ENOTFOUND"
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.Is(err, syscall.ETIMEDOUT):
		return "ETIMEDOUT"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ENETUNREACH):
		return "ENETUNREACH"
	}
	return ""
}
