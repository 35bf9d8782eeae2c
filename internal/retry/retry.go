// Package retry runs fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/metrics"
)

const jitterFraction = 0.25

type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool

	// Sleep and Rand default to a context-aware timer and math/rand.
	Sleep  func(ctx context.Context, d time.Duration) error
	Rand   func() float64
	Logger *slog.Logger
}

var (
	// HighTolerance is for provider calls prone to overload.
	HighTolerance = Policy{
		MaxRetries:        5,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}

	Standard = Policy{
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
)

// Backoff returns the wait before attempt (attempt >= 1). rnd must return
// values in [0,1); it is only consulted when p.Jitter is set.
func Backoff(p Policy, attempt int, rnd func() float64) time.Duration {
	if attempt <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter && rnd != nil {
		d += d * jitterFraction * (rnd()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// p.MaxRetries retries are exhausted. Every failure is returned as *Error.
// name labels the attempt metrics, so it must not carry per-request values.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	logger := p.Logger
	if logger == nil {
		logger = log.WithComponent("retry")
	}
	logger = logger.With("context", name)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}

	var last error
	attempts := 0
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(p, attempt, rnd)
			logger.Warn("retrying operation", "attempt", attempt, "delay", delay.String(), "error", last)
			metrics.IncRetryAttempt(name, "retry")
			if err := sleep(ctx, delay); err != nil {
				last = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			last = err
			break
		}

		attempts++
		logger.Debug("operation attempt", "attempt", attempt)
		v, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "attempt", attempt, "attempts", attempts)
			}
			metrics.IncRetryAttempt(name, "success")
			return v, nil
		}
		last = err
		if !IsRetryable(err) {
			logger.Warn("operation failed with non-retryable error", "attempt", attempt, "error", err)
			break
		}
	}

	metrics.IncRetryAttempt(name, "failure")
	final := newError(name, attempts, last)
	logger.Error("operation failed", "attempts", attempts, "status", final.StatusCode, "code", final.Code, "error", last)
	return zero, final
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Error is the aggregated failure of a retried operation.
type Error struct {
	Context    string
	Attempts   int
	Last       error
	StatusCode int
	Code       string
}

func newError(name string, attempts int, last error) *Error {
	e := &Error{Context: name, Attempts: attempts, Last: last}
	var hs interface{ HTTPStatus() int }
	if errors.As(last, &hs) {
		e.StatusCode = hs.HTTPStatus()
	}
	var ec interface{ ErrorCode() string }
	if errors.As(last, &ec) {
		e.Code = ec.ErrorCode()
	}
	return e
}

func (e *Error) Error() string {
	msg := "<nil>"
	if e.Last != nil {
		msg = e.Last.Error()
	}
	return fmt.Sprintf("%s failed after %d attempt(s): %s", e.Context, e.Attempts, msg)
}

func (e *Error) Unwrap() error { return e.Last }

func (e *Error) HTTPStatus() int { return e.StatusCode }

func (e *Error) ErrorCode() string { return e.Code }
