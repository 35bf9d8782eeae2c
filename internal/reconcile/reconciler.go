// Package reconcile sweeps jobs that stayed in processing longer than a
// webhook should take, pulls their outcome from the Fal queue, and times out
// jobs that never finish.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/completion"
	"github.com/mattjoyce/refashion-gw/internal/fal"
	"github.com/mattjoyce/refashion-gw/internal/history"
	"github.com/mattjoyce/refashion-gw/internal/provider"
	"github.com/mattjoyce/refashion-gw/internal/retry"
)

//go:generate mockgen -destination=mocks/mock_reconcile.go -package=mocks github.com/mattjoyce/refashion-gw/internal/reconcile HistoryStore,QueueClient,Completer

// TimeoutMessage is recorded on jobs failed for exceeding MaxAge.
const TimeoutMessage = "generation timed out"

// HistoryStore lists jobs still waiting for a result.
type HistoryStore interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*history.Record, error)
}

// QueueClient reads job state from the provider queue. *fal.Client implements it.
type QueueClient interface {
	Status(ctx context.Context, model, requestID string) (*fal.QueueStatus, error)
	Result(ctx context.Context, model, requestID string) (json.RawMessage, error)
}

// Completer applies a terminal result. *completion.Service implements it.
type Completer interface {
	Apply(ctx context.Context, source, historyID string, result provider.Result) (bool, error)
}

type Config struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	MaxAge       time.Duration
	BatchSize    int
	DefaultModel string
	Now          func() time.Time
}

// Reconciler runs the stale-job sweep on a fixed interval.
type Reconciler struct {
	cfg       Config
	store     HistoryStore
	queue     QueueClient
	completer Completer
	logger    *slog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Stats summarises one sweep.
type Stats struct {
	Checked   int
	Completed int
	Failed    int
	TimedOut  int
	Pending   int
	Errors    int
}

func New(cfg Config, store HistoryStore, queue QueueClient, completer Completer, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.MaxAge < cfg.StaleAfter {
		cfg.MaxAge = cfg.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		completer: completer,
		logger:    logger.With("component", "reconcile"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the tick loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting reconciler",
		"interval", r.cfg.Interval,
		"stale_after", r.cfg.StaleAfter,
		"max_age", r.cfg.MaxAge,
	)
	r.wg.Add(1)
	go r.tickLoop(ctx)
}

// Stop gracefully stops the reconciler. It is safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("Reconciler stopped")
}

func (r *Reconciler) tickLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconcile sweep failed", "error", err)
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one pass over stale processing jobs.
func (r *Reconciler) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats
	now := r.cfg.Now()

	recs, err := r.store.ListStale(ctx, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	for _, rec := range recs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		r.reconcile(ctx, now, rec, &stats)
	}
	if stats.Checked > 0 {
		r.logger.Info("reconcile sweep finished",
			"checked", stats.Checked,
			"completed", stats.Completed,
			"failed", stats.Failed,
			"timed_out", stats.TimedOut,
			"pending", stats.Pending,
			"errors", stats.Errors,
		)
	}
	return stats, nil
}

func (r *Reconciler) reconcile(ctx context.Context, now time.Time, rec *history.Record, stats *Stats) {
	logger := r.logger.With("history_id", rec.ID, "source", completion.SourceReconcile)
	expired := now.Sub(rec.CreatedAt) > r.cfg.MaxAge

	if rec.FalRequestID == nil {
		if expired {
			r.timeout(ctx, logger, rec, stats)
		} else {
			stats.Pending++
		}
		return
	}
	requestID := *rec.FalRequestID
	model := rec.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}
	logger = logger.With("fal_request_id", requestID)

	st, err := r.queue.Status(ctx, model, requestID)
	if err != nil {
		logger.Warn("fal status check failed", "error", err)
		if expired {
			r.timeout(ctx, logger, rec, stats)
			return
		}
		stats.Errors++
		return
	}

	if st.Status != fal.StatusCompleted {
		if expired {
			r.timeout(ctx, logger, rec, stats)
			return
		}
		logger.Debug("job still running at provider", "fal_status", st.Status)
		stats.Pending++
		return
	}

	raw, err := r.queue.Result(ctx, model, requestID)
	if err != nil {
		var herr *retry.HTTPError
		if errors.As(err, &herr) && herr.StatusCode >= 400 && herr.StatusCode < 500 {
			// Fal answers the result endpoint with 4xx when the job itself failed.
			r.apply(ctx, logger, rec, provider.ErrorResult{Message: err.Error()}, stats)
			return
		}
		logger.Warn("fal result fetch failed", "error", err)
		stats.Errors++
		return
	}

	result, err := provider.Parse(raw)
	if err != nil {
		logger.Warn("fal result unrecognised", "error", err)
		result = provider.ErrorResult{Message: "unrecognised provider result"}
	}
	r.apply(ctx, logger, rec, result, stats)
}

func (r *Reconciler) timeout(ctx context.Context, logger *slog.Logger, rec *history.Record, stats *Stats) {
	logger.Warn("job exceeded max age, timing out", "age", r.cfg.Now().Sub(rec.CreatedAt).Round(time.Second))
	applied, err := r.completer.Apply(ctx, completion.SourceReconcile, rec.ID, provider.ErrorResult{Message: TimeoutMessage})
	if err != nil {
		logger.Error("failed to time out job", "error", err)
		stats.Errors++
		return
	}
	if applied {
		stats.TimedOut++
	}
}

func (r *Reconciler) apply(ctx context.Context, logger *slog.Logger, rec *history.Record, result provider.Result, stats *Stats) {
	applied, err := r.completer.Apply(ctx, completion.SourceReconcile, rec.ID, result)
	if err != nil {
		logger.Error("failed to apply reconciled result", "error", err)
		stats.Errors++
		return
	}
	if !applied {
		logger.Debug("job already terminal, webhook applied first")
		return
	}
	if er, failed := result.(provider.ErrorResult); failed {
		logger.Info("reconciled job", "status", history.StatusFailed, "error", er.Message)
		stats.Failed++
	} else {
		logger.Info("reconciled job", "status", history.StatusCompleted)
		stats.Completed++
	}
}
