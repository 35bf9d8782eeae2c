// Package poller watches a job until it reaches a terminal status.
//
// A Session polls one target at a time. Pending responses back off gently
// (initial * 1.1^attempt, capped); request errors wait a fixed delay and count
// toward the attempt budget. Exhausting the budget ends the session with a
// *TimeoutError, which is distinct from a provider-reported *JobFailedError.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/log"
)

const (
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxAttempts  = 60
	DefaultMaxDelay     = 5 * time.Second
	DefaultErrorDelay   = 5 * time.Second

	growth = 1.1
)

type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Status is one response from the status endpoint.
type Status struct {
	Status             string    `json:"status"`
	VideoURL           string    `json:"videoUrl,omitempty"`
	LocalVideoURL      string    `json:"localVideoUrl,omitempty"`
	GeneratedImageURLs []*string `json:"generatedImageUrls,omitempty"`
	Seed               *int64    `json:"seed,omitempty"`
	Error              string    `json:"error,omitempty"`
}

type Fetcher interface {
	FetchStatus(ctx context.Context, id string) (Status, error)
}

var ErrTimeout = errors.New("polling timed out")

type TimeoutError struct {
	Target   string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s still pending after %d attempts: %v", e.Target, e.Attempts, ErrTimeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// JobFailedError is a failure reported by the job itself.
type JobFailedError struct {
	Target  string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s failed", e.Target)
	}
	return fmt.Sprintf("job %s failed: %s", e.Target, e.Message)
}

type Options struct {
	InitialDelay time.Duration
	MaxAttempts  int
	MaxDelay     time.Duration
	ErrorDelay   time.Duration

	OnComplete func(Status)
	OnFailure  func(error)
	// OnStatus observes every successful fetch, including pending ones.
	OnStatus func(attempt int, st Status)
	Logger   *slog.Logger
}

type Session struct {
	fetcher Fetcher
	opts    Options

	mu     sync.Mutex
	state  State
	target string
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func New(f Fetcher, opts Options) *Session {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = DefaultErrorDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("poller")
	}
	return &Session{fetcher: f, opts: opts, state: StateIdle}
}

// Update points the session at target. An empty target or shouldPoll=false
// stops polling without callbacks. A different target cancels the current
// run before the new one starts; the same target while polling is a no-op.
func (s *Session) Update(target string, shouldPoll bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !shouldPoll || target == "" {
		s.stopLocked()
		s.state = StateIdle
		s.target = ""
		return
	}
	if s.state == StatePolling && s.target == target {
		return
	}

	prev := s.done
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	s.cancel = cancel
	s.done = make(chan struct{})
	s.target = target
	s.state = StatePolling

	go s.run(ctx, s.gen, target, prev, s.done)
}

// Stop is Update("", false).
func (s *Session) Stop() {
	s.Update("", false)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the current run has exited or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
}

// NextDelay is the wait after a pending response on attempt (0-based).
func NextDelay(initial, max time.Duration, attempt int) time.Duration {
	d := float64(initial) * math.Pow(growth, float64(attempt))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

func (s *Session) run(ctx context.Context, gen uint64, target string, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	// Never overlap with a cancelled predecessor's in-flight request.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	logger := s.opts.Logger.With("target", target)
	attempt := 0
	for attempt < s.opts.MaxAttempts {
		st, err := s.fetcher.FetchStatus(ctx, target)
		if ctx.Err() != nil {
			return
		}

		var delay time.Duration
		if err != nil {
			logger.Warn("status request failed", "attempt", attempt, "error", err)
			attempt++
			delay = s.opts.ErrorDelay
		} else {
			if s.opts.OnStatus != nil {
				s.opts.OnStatus(attempt, st)
			}
			switch st.Status {
			case "completed":
				logger.Info("job completed", "attempt", attempt)
				if s.finish(gen, StateCompleted) && s.opts.OnComplete != nil {
					s.opts.OnComplete(st)
				}
				return
			case "failed":
				logger.Info("job failed", "attempt", attempt, "error", st.Error)
				if s.finish(gen, StateFailed) && s.opts.OnFailure != nil {
					s.opts.OnFailure(&JobFailedError{Target: target, Message: st.Error})
				}
				return
			}
			delay = NextDelay(s.opts.InitialDelay, s.opts.MaxDelay, attempt)
			attempt++
		}
		if attempt >= s.opts.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	logger.Warn("polling timed out", "attempts", attempt)
	if s.finish(gen, StateTimedOut) && s.opts.OnFailure != nil {
		s.opts.OnFailure(&TimeoutError{Target: target, Attempts: attempt})
	}
}

// finish records a terminal state unless the run was superseded.
func (s *Session) finish(gen uint64, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.state = st
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return true
}
