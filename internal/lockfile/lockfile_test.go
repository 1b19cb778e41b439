package lockfile

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	holder := ReadHolder(lock.Path())
	if holder.PID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), holder.PID)
	}
	if holder.Started.IsZero() {
		t.Error("expected start time to be recorded")
	}
	if !holder.Running() {
		t.Error("own process should be reported as running")
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("expected conflicting holder to be this process, got %+v", lockErr.Holder)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another QuestionPipe instance is already running") || !strings.Contains(msg, dir) {
		t.Errorf("Error message should mention the instance and lock path: %s", msg)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	again.Release()
}

func TestCreatesStateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		started bool
	}{
		{"full", "pid=12345\nstarted=2025-01-02T03:04:05Z\n", 12345, true},
		{"pid only", "pid=67890\nother=info", 67890, false},
		{"no pid", "other=info", 0, false},
		{"empty", "", 0, false},
		{"invalid pid", "pid=abc", 0, false},
		{"no equals", "pid12345", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHolder(bufio.NewScanner(strings.NewReader(tt.content)))
			if h.PID != tt.pid || h.Started.IsZero() == tt.started {
				t.Errorf("parseHolder(%q) = %+v", tt.content, h)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("unexpected %q", got)
	}
	if got := (Holder{PID: os.Getpid()}).String(); !strings.Contains(got, "(running)") {
		t.Errorf("unexpected %q", got)
	}
}
