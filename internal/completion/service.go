// Package completion applies a job's terminal result exactly once and starts
// its downstream side effects. Webhook deliveries and the reconciler share
// this path.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/refashion-gw/internal/events"
	"github.com/mattjoyce/refashion-gw/internal/history"
	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/media"
	"github.com/mattjoyce/refashion-gw/internal/metrics"
	"github.com/mattjoyce/refashion-gw/internal/notify"
	"github.com/mattjoyce/refashion-gw/internal/provider"
)

const (
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
)

// Store is the slice of the history store used here.
type Store interface {
	Complete(ctx context.Context, id string, result history.Result) (bool, error)
	Fail(ctx context.Context, id, message string) (bool, error)
	SetLocalVideoURL(ctx context.Context, id, url string) error
}

type Notifier interface {
	Send(ctx context.Context, url string, payload notify.Payload) error
}

// Spawner runs background work. *tasks.Supervisor implements it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error) error
}

type Config struct {
	Store     Store
	Events    *events.Hub
	Tasks     Spawner
	Media     media.Store
	Notifier  Notifier
	NotifyURL string
	Logger    *slog.Logger
}

type Service struct {
	store     Store
	events    *events.Hub
	tasks     Spawner
	media     media.Store
	notifier  Notifier
	notifyURL string
	logger    *slog.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("completion: store is required")
	}
	if cfg.Tasks == nil {
		return nil, errors.New("completion: task spawner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("completion")
	}
	return &Service{
		store:     cfg.Store,
		events:    cfg.Events,
		tasks:     cfg.Tasks,
		media:     cfg.Media,
		notifier:  cfg.Notifier,
		notifyURL: cfg.NotifyURL,
		logger:    cfg.Logger,
	}, nil
}

// Apply moves historyID out of processing according to result. It returns
// false when the record was already terminal; side effects only run when the
// transition is applied.
func (s *Service) Apply(ctx context.Context, source, historyID string, result provider.Result) (bool, error) {
	logger := s.logger.With("history_id", historyID, "source", source)

	var (
		applied bool
		err     error
		payload = events.JobPayload{HistoryID: historyID, Source: source}
		note    = notify.Payload{HistoryID: historyID}
		video   string
	)
	switch r := result.(type) {
	case provider.VideoResult:
		applied, err = s.store.Complete(ctx, historyID, history.Result{VideoURL: r.URL, Seed: r.Seed})
		payload.Status, payload.VideoURL = string(history.StatusCompleted), r.URL
		note.Status, note.VideoURL = string(history.StatusCompleted), r.URL
		video = r.URL
	case provider.ImagesResult:
		applied, err = s.store.Complete(ctx, historyID, history.Result{GeneratedImageURLs: r.URLs, Seed: r.Seed})
		payload.Status = string(history.StatusCompleted)
		note.Status, note.GeneratedImageURLs = string(history.StatusCompleted), r.URLs
	case provider.ErrorResult:
		applied, err = s.store.Fail(ctx, historyID, r.Message)
		payload.Status, payload.Error = string(history.StatusFailed), r.Message
		note.Status, note.Error = string(history.StatusFailed), r.Message
	default:
		return false, fmt.Errorf("apply %s: unsupported result %T", historyID, result)
	}
	if err != nil {
		return false, err
	}
	if !applied {
		logger.Info("job already terminal, ignoring result", "status", payload.Status)
		return false, nil
	}

	metrics.IncJobTransition(payload.Status, source)
	if payload.Status == string(history.StatusFailed) {
		logger.Warn("job failed", "error", payload.Error)
	} else {
		logger.Info("job completed")
	}
	if s.events != nil {
		eventType := events.TypeJobCompleted
		if payload.Status == string(history.StatusFailed) {
			eventType = events.TypeJobFailed
		}
		s.events.PublishJob(eventType, payload)
	}

	if video != "" && s.media != nil {
		s.spawn(logger, "archive", func(ctx context.Context) error {
			return s.archive(ctx, historyID, video, source)
		})
	}
	if s.notifier != nil && s.notifyURL != "" {
		s.spawn(logger, "notify", func(ctx context.Context) error {
			return s.notifier.Send(ctx, s.notifyURL, note)
		})
	}
	return true, nil
}

func (s *Service) spawn(logger *slog.Logger, name string, fn func(ctx context.Context) error) {
	if err := s.tasks.Go(name, fn); err != nil {
		logger.Error("could not schedule side effect", "task", name, "error", err)
	}
}

func (s *Service) archive(ctx context.Context, historyID, videoURL, source string) error {
	key := "videos/" + historyID + ".mp4"
	local, err := s.media.Archive(ctx, key, videoURL)
	if err != nil {
		return fmt.Errorf("archive video for %s: %w", historyID, err)
	}
	if local == videoURL {
		return nil
	}
	if err := s.store.SetLocalVideoURL(ctx, historyID, local); err != nil {
		return err
	}
	if s.events != nil {
		s.events.PublishJob(events.TypeJobArchived, events.JobPayload{
			HistoryID:     historyID,
			Status:        string(history.StatusCompleted),
			Source:        source,
			VideoURL:      videoURL,
			LocalVideoURL: local,
		})
	}
	return nil
}
