package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	// Reset logger for testing
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "console")
	l.Info("hello console", "k", "v")

	out := buf.String()
	if !strings.Contains(out, "hello console") {
		t.Fatalf("expected message in console output, got %q", out)
	}
	// tint output is not JSON.
	if json.Valid(buf.Bytes()) {
		t.Fatalf("expected non-JSON console output, got %q", out)
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be dropped at warn level, got %q", buf.String())
	}
	l.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn should be logged, got %q", buf.String())
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("test-comp").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithJob(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithJob("hist-123").Info("job msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["history_id"] != "hist-123" {
		t.Errorf("Expected history_id 'hist-123', got %v", out["history_id"])
	}
}
