package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	profileDir := t.TempDir()

	l, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// The lock file records which process owns the profile.
	data, err := os.ReadFile(filepath.Join(profileDir, "LOCK"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "pid="+strconv.Itoa(os.Getpid())) {
		t.Errorf("lock file = %q, want own pid recorded", data)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(profileDir, "LOCK")); !os.IsNotExist(err) {
		t.Errorf("lock file not removed on release: %v", err)
	}
}

func TestSecondDaemonOnProfileFails(t *testing.T) {
	profileDir := t.TempDir()

	l1, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(profileDir)
	if err == nil {
		t.Fatal("second Acquire() should fail while the profile is held")
	}

	// The error carries the holder's PID for the "already running" message.
	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() {
		t.Errorf("held-by PID = %d, want %d", lockErr.PID, os.Getpid())
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	profileDir := t.TempDir()

	l, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}

	// A clean shutdown frees the profile for the next daemon.
	l2, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("reacquire after release error = %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	profileDir := t.TempDir()

	l, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
