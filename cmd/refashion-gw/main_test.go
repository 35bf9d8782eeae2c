package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/refashion-gw/internal/api"
	"github.com/mattjoyce/refashion-gw/internal/completion"
	"github.com/mattjoyce/refashion-gw/internal/config"
	"github.com/mattjoyce/refashion-gw/internal/events"
	"github.com/mattjoyce/refashion-gw/internal/history"
	"github.com/mattjoyce/refashion-gw/internal/log"
	"github.com/mattjoyce/refashion-gw/internal/media"
	"github.com/mattjoyce/refashion-gw/internal/notify"
	"github.com/mattjoyce/refashion-gw/internal/signature"
	"github.com/mattjoyce/refashion-gw/internal/storage"
	"github.com/mattjoyce/refashion-gw/internal/tasks"
	"github.com/mattjoyce/refashion-gw/internal/webhook"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	stdoutCh := make(chan []byte)
	stderrCh := make(chan []byte)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := `
state:
  path: ` + filepath.Join(dir, "state.db") + `
api:
  listen: 127.0.0.1:0
  public_url: https://gw.example.com
  api_key: admin-key
webhooks:
  listen: 127.0.0.1:0
fal:
  api_key: fal-secret
` + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunUnknownCommand(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return run("frobnicate", nil)
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
	assert.Contains(t, stdout, "Usage:")
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return run("version", nil)
	})
	assert.Equal(t, 0, code)
	assert.Equal(t, "refashion-gw version "+version+"\n", stdout)
}

func TestNounHelp(t *testing.T) {
	for _, noun := range []string{"system", "config", "job"} {
		t.Run(noun, func(t *testing.T) {
			code, stdout, _ := captureOutputWithExitCode(t, func() int {
				return run(noun, []string{"help"})
			})
			assert.Equal(t, 0, code)
			assert.Contains(t, stdout, "Usage: refashion-gw "+noun)
		})
	}
}

func TestNounRequiresAction(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return run("job", nil)
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Actions: watch")
}

func TestConfigCheckPasses(t *testing.T) {
	path := writeTestConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return run("config", []string{"check", "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Configuration check PASSED")
	assert.Contains(t, stdout, "notify:     disabled")
	assert.NotContains(t, stdout, "fal-secret")
}

func TestConfigCheckJSONReportsError(t *testing.T) {
	path := writeTestConfig(t, "notify:\n  url: https://hooks.example.com/done\n")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return run("config", []string{"check", "--config", path, "--json"})
	})
	assert.Equal(t, 1, code)

	var result struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "notify.secret")
}

func statusServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/history/h1/status" || r.Header.Get("Authorization") != "Bearer reader" {
			http.Error(w, `{"error":"unexpected request"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJobWatchPlainCompleted(t *testing.T) {
	srv := statusServer(t, `{"status":"completed","videoUrl":"https://cdn/v.mp4"}`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return run("job", []string{"watch", "h1", "--api", srv.URL, "--token", "reader", "--plain", "--interval", "1ms"})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "status=completed")
	assert.Contains(t, stdout, "video:  https://cdn/v.mp4")
}

func TestJobWatchPlainFailedExitCode(t *testing.T) {
	srv := statusServer(t, `{"status":"failed","error":"content policy"}`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return run("job", []string{"watch", "--plain", "--api=" + srv.URL, "--token", "reader", "--interval", "1ms", "h1"})
	})
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "content policy")
}

func TestJobWatchRequiresHistoryID(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return run("job", []string{"watch", "--plain"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: refashion-gw job watch")
}

func TestBuildServiceWiresComponents(t *testing.T) {
	mediaDir := t.TempDir()
	path := writeTestConfig(t, `
media:
  driver: local
  dir: `+mediaDir+`
  public_base_url: https://gw.example.com/media
reconcile:
  enabled: true
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	svc, err := buildService(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.NotNil(t, svc.reconciler)

	apiHandler := svc.api.Handler()

	rec := httptest.NewRecorder()
	apiHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, os.WriteFile(filepath.Join(mediaDir, "clip.mp4"), []byte("video"), 0o644))
	rec = httptest.NewRecorder()
	apiHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/clip.mp4", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video", rec.Body.String())

	rec = httptest.NewRecorder()
	apiHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history/nope/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Unsigned deliveries never reach the store.
	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"request_id":"r1","status":"OK","payload":{}}`)
	svc.webhook.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/fal", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuildServiceRejectsUnknownMediaDriver(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Media.Driver = "ftp"

	_, err = buildService(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown media driver")
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	path := writeTestConfig(t, "reconcile:\n  enabled: false\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	svc, err := buildService(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	assert.Nil(t, svc.reconciler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, svc.run(ctx, log.WithComponent("main")))
}

func TestJobInspect(t *testing.T) {
	path := writeTestConfig(t, "")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	require.NoError(t, err)
	rec, err := history.NewStore(db).Create(ctx, history.NewRecord{UserID: "u1", Prompt: "spin"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return run("job", []string{"inspect", "--config", path, rec.ID})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "History ID  : "+rec.ID)
	assert.Contains(t, stdout, "Status      : processing")

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return run("job", []string{"inspect", "missing", "--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not found")
}

type slowVerifier struct{ delay time.Duration }

func (v slowVerifier) Verify(ctx context.Context, _ signature.Envelope) (bool, error) {
	time.Sleep(v.delay)
	return true, nil
}

type countingNotifier struct {
	mu    sync.Mutex
	sends []notify.Payload
}

func (n *countingNotifier) Send(_ context.Context, _ string, payload notify.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, payload)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sends)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServiceRunFinishesInFlightWebhookBeforeDraining(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := history.NewStore(db)
	rec, err := store.Create(ctx, history.NewRecord{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, store.AttachRequest(ctx, rec.ID, "req-1"))

	logger := log.WithComponent("main")
	supervisor := tasks.New(tasks.Options{MaxConcurrent: 4, Logger: logger})
	notifier := &countingNotifier{}
	completer, err := completion.New(completion.Config{
		Store:     store,
		Tasks:     supervisor,
		Media:     media.Passthrough{},
		Notifier:  notifier,
		NotifyURL: "https://hooks.example.com/done",
		Logger:    logger,
	})
	require.NoError(t, err)

	webhookAddr := freeAddr(t)
	svc := &service{
		db:         db,
		supervisor: supervisor,
		api:        api.New(api.Config{Listen: "127.0.0.1:0"}, store, nil, events.NewHub(16), logger),
		webhook: webhook.New(webhook.Config{Listen: webhookAddr},
			slowVerifier{delay: 300 * time.Millisecond}, store, completer, logger),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- svc.run(runCtx, logger) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", webhookAddr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	body := []byte(`{"request_id":"req-1","status":"OK","payload":{"video":{"url":"https://cdn/v.mp4"}}}`)
	statusCh := make(chan int, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPost, "http://"+webhookAddr+webhook.DefaultPath, bytes.NewReader(body))
		if err != nil {
			statusCh <- 0
			return
		}
		req.Header.Set(signature.HeaderRequestID, "req-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			statusCh <- 0
			return
		}
		_ = resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}

	// run has returned: the delivery was answered and its side effects drained.
	assert.Equal(t, 1, notifier.count())
	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, got.Status)
	assert.Equal(t, http.StatusOK, <-statusCh)
}

func TestJobWatchHelpDescribesPollTiming(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return run("job", []string{"watch", "--help"})
	})
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "-interval")
	assert.Contains(t, stdout, "first poll is immediate")
	assert.NotContains(t, stdout, "Delay before the first poll")
}
