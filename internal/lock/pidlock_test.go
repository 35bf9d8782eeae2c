package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "refashion-gw.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	pid, ok := Owner(lockPath)
	if !ok {
		t.Fatalf("expected PID in lock file")
	}
	if pid != os.Getpid() {
		t.Fatalf("owner = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquirePIDLockRejectsSecondHolder(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "refashion-gw.lock")
	first, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}

	if _, err := AcquirePIDLock(lockPath); !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire error = %v, want ErrHeld", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestForState(t *testing.T) {
	got := ForState("/var/lib/refashion/state.db")
	if got != "/var/lib/refashion/refashion-gw.lock" {
		t.Fatalf("ForState = %q", got)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *PIDLock
	if err := l.Release(); err != nil {
		t.Fatalf("Release on nil: %v", err)
	}
}
