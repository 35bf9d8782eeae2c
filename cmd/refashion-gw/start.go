package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/api"
	"github.com/mattjoyce/refashion-gw/internal/auth"
	"github.com/mattjoyce/refashion-gw/internal/completion"
	"github.com/mattjoyce/refashion-gw/internal/config"
	"github.com/mattjoyce/refashion-gw/internal/events"
	"github.com/mattjoyce/refashion-gw/internal/fal"
	"github.com/mattjoyce/refashion-gw/internal/history"
	"github.com/mattjoyce/refashion-gw/internal/jwks"
	"github.com/mattjoyce/refashion-gw/internal/lock"
	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/media"
	"github.com/mattjoyce/refashion-gw/internal/notify"
	"github.com/mattjoyce/refashion-gw/internal/reconcile"
	"github.com/mattjoyce/refashion-gw/internal/signature"
	"github.com/mattjoyce/refashion-gw/internal/storage"
	"github.com/mattjoyce/refashion-gw/internal/tasks"
	"github.com/mattjoyce/refashion-gw/internal/webhook"
)

const eventBufferSize = 512

// service is the wired set of long-running components.
type service struct {
	db         *sql.DB
	supervisor *tasks.Supervisor
	api        *api.Server
	webhook    *webhook.Server
	reconciler *reconcile.Reconciler
}

// buildService opens storage and wires every component from cfg. Nothing is
// listening until run is called.
func buildService(ctx context.Context, cfg *config.Config) (*service, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	svc, err := wire(ctx, cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return svc, nil
}

func wire(ctx context.Context, cfg *config.Config, db *sql.DB) (*service, error) {
	store := history.NewStore(db)
	hub := events.NewHub(eventBufferSize)

	taskLogger := log.WithComponent("tasks")
	supervisor := tasks.New(tasks.Options{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
		Timeout:       cfg.Tasks.Timeout,
		Logger:        taskLogger,
	})

	archive, err := media.New(ctx, media.Config{
		Driver:        cfg.Media.Driver,
		Dir:           cfg.Media.Dir,
		PublicBaseURL: cfg.Media.PublicBaseURL,
		S3: media.S3Config{
			Endpoint:  cfg.Media.S3.Endpoint,
			AccessKey: cfg.Media.S3.AccessKey,
			SecretKey: cfg.Media.S3.SecretKey,
			Bucket:    cfg.Media.S3.Bucket,
			UseSSL:    cfg.Media.S3.UseSSL,
		},
		Logger: log.WithComponent("media"),
	})
	if err != nil {
		return nil, fmt.Errorf("media: %w", err)
	}

	completionCfg := completion.Config{
		Store:  store,
		Events: hub,
		Tasks:  supervisor,
		Media:  archive,
		Logger: log.WithComponent("completion"),
	}
	if cfg.Notify.URL != "" {
		sender, err := notify.NewSender(notify.Config{
			Secret: cfg.Notify.Secret,
			Logger: log.WithComponent("notify"),
		})
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		completionCfg.Notifier = sender
		completionCfg.NotifyURL = cfg.Notify.URL
	}
	completer, err := completion.New(completionCfg)
	if err != nil {
		return nil, err
	}

	falClient, err := fal.New(fal.Config{
		APIKey:   cfg.Fal.APIKey,
		QueueURL: cfg.Fal.QueueURL,
		Logger:   log.WithComponent("fal"),
	})
	if err != nil {
		return nil, err
	}

	keys := jwks.New(jwks.Config{
		URL:    cfg.Webhooks.JWKSURL,
		TTL:    cfg.Webhooks.JWKSTTL,
		Logger: log.WithComponent("jwks"),
	})
	verifier := signature.NewVerifier(keys,
		signature.WithTolerance(cfg.Webhooks.TimestampTolerance),
		signature.WithLogger(log.WithComponent("signature")),
	)

	webhookCfg, err := webhook.FromGlobalConfig(&cfg.Webhooks)
	if err != nil {
		return nil, fmt.Errorf("webhooks: %w", err)
	}

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
	for _, t := range cfg.API.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	apiCfg := api.Config{
		Listen:       cfg.API.Listen,
		APIKey:       cfg.API.APIKey,
		Tokens:       tokens,
		WebhookURL:   cfg.WebhookURL(),
		DefaultModel: cfg.Fal.DefaultModel,
	}
	if local, ok := archive.(*media.Local); ok {
		apiCfg.Media = local.Handler()
	}

	svc := &service{
		db:         db,
		supervisor: supervisor,
		api:        api.New(apiCfg, store, falClient, hub, log.WithComponent("api")),
		webhook:    webhook.New(webhookCfg, verifier, store, completer, log.WithComponent("webhook")),
	}
	if cfg.Reconcile.IsEnabled() {
		svc.reconciler = reconcile.New(reconcile.Config{
			Interval:     cfg.Reconcile.Interval,
			StaleAfter:   cfg.Reconcile.StaleAfter,
			MaxAge:       cfg.Reconcile.MaxAge,
			BatchSize:    cfg.Reconcile.BatchSize,
			DefaultModel: cfg.Fal.DefaultModel,
		}, store, falClient, completer, log.Get())
	}
	return svc, nil
}

// run serves until ctx is cancelled or a server fails. Both servers finish
// their in-flight requests before background tasks are drained, so a result
// acknowledged during shutdown still gets its side effects.
func (s *service) run(ctx context.Context, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var servers sync.WaitGroup
	servers.Add(2)
	go func() {
		defer servers.Done()
		if err := s.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	go func() {
		defer servers.Done()
		if err := s.webhook.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("webhook: %w", err)
		}
	}()
	if s.reconciler != nil {
		s.reconciler.Start(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}
	cancel()

	if s.reconciler != nil {
		s.reconciler.Stop()
	}
	servers.Wait()
	select {
	case err := <-errCh:
		if runErr == nil {
			runErr = err
		}
		logger.Warn("server stopped with error", "error", err)
	default:
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := s.supervisor.Shutdown(drainCtx); err != nil {
		logger.Warn("background tasks did not finish", "error", err)
	}
	return runErr
}

// Close releases the database. Call it only after run has returned.
func (s *service) Close() error {
	return s.db.Close()
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("refashion-gw starting", "version", version, "config", path)

	pidLockPath := lock.ForState(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer svc.Close()

	logger.Info("refashion-gw running (press Ctrl+C to stop)",
		"api", cfg.API.Listen,
		"webhook", cfg.Webhooks.Listen+cfg.Webhooks.Path,
		"reconcile", cfg.Reconcile.IsEnabled(),
	)
	if err := svc.run(ctx, logger); err != nil {
		return 1
	}
	logger.Info("refashion-gw stopped")
	return 0
}
