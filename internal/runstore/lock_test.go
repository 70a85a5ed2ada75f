package runstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireRunLock_BlocksConcurrentAcquire(t *testing.T) {
	runDir := t.TempDir()

	lock, err := AcquireRunLock(runDir)
	if err != nil {
		t.Fatalf("acquire first lock: %v", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	if _, err := AcquireRunLock(runDir); !errors.Is(err, ErrRunLocked) {
		t.Fatalf("expected second acquire to fail with ErrRunLocked, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	lock2, err := AcquireRunLock(runDir)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := lock2.Release(); err != nil {
		t.Fatalf("release second lock: %v", err)
	}
}

func TestAcquireRunLock_ReclaimsLockOfDeadProcess(t *testing.T) {
	runDir := t.TempDir()
	lockDir := filepath.Join(runDir, runLockDirName)
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := runLockOwner{PID: 1<<31 - 2, CreatedAt: "2020-01-01T00:00:00Z", Hostname: hostnameOrUnknown()}
	if err := WriteJSON(filepath.Join(lockDir, runLockOwnerFile), stale); err != nil {
		t.Fatalf("write owner: %v", err)
	}

	lock, err := AcquireRunLock(runDir)
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got %v", err)
	}
	_ = lock.Release()
}

func TestAcquireRunLock_KeepsForeignHostLock(t *testing.T) {
	runDir := t.TempDir()
	lockDir := filepath.Join(runDir, runLockDirName)
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	other := runLockOwner{PID: 1<<31 - 2, CreatedAt: "2020-01-01T00:00:00Z", Hostname: "some-other-host.invalid"}
	if err := WriteJSON(filepath.Join(lockDir, runLockOwnerFile), other); err != nil {
		t.Fatalf("write owner: %v", err)
	}

	if _, err := AcquireRunLock(runDir); !errors.Is(err, ErrRunLocked) {
		t.Fatalf("expected lock owned by another host to be kept, got %v", err)
	}
}
