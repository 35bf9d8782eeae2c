// Package tasks runs post-acknowledgement side effects (archiving,
// notifications) as tracked, bounded background work.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/metrics"
)

const DefaultMaxConcurrent = 8

var ErrShuttingDown = errors.New("tasks: supervisor is shutting down")

type Options struct {
	MaxConcurrent int64
	// Timeout bounds a single task; zero means no limit.
	Timeout   time.Duration
	Logger    *slog.Logger
	OnFailure func(name string, err error)
}

type Supervisor struct {
	sem       *semaphore.Weighted
	timeout   time.Duration
	logger    *slog.Logger
	onFailure func(name string, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(opts Options) *Supervisor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("tasks")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		timeout:   opts.Timeout,
		logger:    opts.Logger,
		onFailure: opts.OnFailure,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Go schedules fn. It returns immediately; fn waits for a concurrency slot.
// The context passed to fn is cancelled when Shutdown gives up waiting.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("task rejected", "task", name, "error", ErrShuttingDown)
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.fail(name, fmt.Errorf("waiting for slot: %w", err))
			return
		}
		defer s.sem.Release(1)

		start := time.Now()
		if err := s.run(name, fn); err != nil {
			s.fail(name, err)
			return
		}
		s.logger.Debug("task finished", "task", name, "duration", time.Since(start).String())
	}()
	return nil
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", name, r)
			s.logger.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) fail(name string, err error) {
	metrics.IncTaskFailure(name)
	s.logger.Error("task failed", "task", name, "error", err)
	if s.onFailure != nil {
		s.onFailure(name, err)
	}
}

// Shutdown stops accepting tasks and waits for in-flight ones. If ctx ends
// first, running tasks are cancelled and ctx.Err() is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
