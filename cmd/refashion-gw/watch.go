package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/refashion-gw/internal/poller"
	"github.com/mattjoyce/refashion-gw/internal/tui/watch"
)

type watchFlags struct {
	apiURL      string
	token       string
	plain       bool
	interval    time.Duration
	maxAttempts int
}

func newWatchFlagSet() (*flag.FlagSet, *watchFlags) {
	f := &watchFlags{}
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.StringVar(&f.apiURL, "api", envOr("REFASHION_GW_API", "http://127.0.0.1:8080"), "Base URL of the refashion-gw API")
	fs.StringVar(&f.token, "token", os.Getenv("REFASHION_GW_TOKEN"), "Bearer token with jobs:ro scope")
	fs.BoolVar(&f.plain, "plain", false, "Print log lines instead of the interactive view")
	fs.DurationVar(&f.interval, "interval", poller.DefaultInitialDelay,
		"Base wait between polls; the first poll is immediate and later waits grow 10% per poll up to 5s")
	fs.IntVar(&f.maxAttempts, "max-attempts", poller.DefaultMaxAttempts, "Give up after this many polls")
	return fs, f
}

func runJobWatch(args []string) int {
	fs, flags := newWatchFlagSet()

	// The history id may come before or after the flags.
	var historyID string
	var remainingArgs []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") && historyID == "" {
			historyID = arg
			continue
		}
		remainingArgs = append(remainingArgs, arg)
		if strings.HasPrefix(arg, "-") && !strings.Contains(arg, "=") && !isBoolFlag(arg) && i+1 < len(args) {
			i++
			remainingArgs = append(remainingArgs, args[i])
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if historyID == "" {
		fmt.Fprintln(os.Stderr, "Usage: refashion-gw job watch <historyId> [--api URL] [--token T] [--plain]")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := &poller.HTTPFetcher{BaseURL: flags.apiURL, Token: flags.token}
	opts := poller.Options{InitialDelay: flags.interval, MaxAttempts: flags.maxAttempts}

	var err error
	if flags.plain {
		_, err = watch.RunPlain(ctx, os.Stdout, fetcher, historyID, opts)
	} else {
		_, err = watch.Run(ctx, fetcher, historyID, opts)
	}

	var failed *poller.JobFailedError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &failed):
		return 2
	case errors.Is(err, poller.ErrTimeout):
		fmt.Fprintf(os.Stderr, "Watch timed out: %v\n", err)
		return 3
	case errors.Is(err, watch.ErrInterrupted), errors.Is(err, context.Canceled):
		return 130
	default:
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
}

func isBoolFlag(arg string) bool {
	name := strings.TrimLeft(arg, "-")
	return name == "plain"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
