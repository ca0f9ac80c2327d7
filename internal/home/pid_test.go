package home

import (
	"errors"
	"os"
	"strconv"
	"testing"
)

func TestLockPid(t *testing.T) {
	dir, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := dir.RunningPid(); ok {
		t.Error("RunningPid() without a pid file should report nothing")
	}

	release, err := dir.LockPid()
	if err != nil {
		t.Fatalf("LockPid() error = %v", err)
	}
	if pid, ok := dir.RunningPid(); !ok || pid != os.Getpid() {
		t.Errorf("RunningPid() = %d, %v", pid, ok)
	}

	// Locking again from the same process is allowed.
	if _, err := dir.LockPid(); err != nil {
		t.Errorf("second LockPid() error = %v", err)
	}

	release()
	if _, err := os.Stat(dir.PidPath()); !os.IsNotExist(err) {
		t.Errorf("pid file still present after release: %v", err)
	}
	release()
}

func TestLockPid_Stale(t *testing.T) {
	dir, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not-a-pid"},
		{"dead process", strconv.Itoa(1 << 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(dir.PidPath(), []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			release, err := dir.LockPid()
			if errors.Is(err, ErrRunning) || err != nil {
				t.Fatalf("LockPid() over %s error = %v", tt.name, err)
			}
			release()
		})
	}
}
