package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	runLockDirName   = ".run.lock"
	runLockOwnerFile = "owner.json"
)

var ErrRunLocked = errors.New("run directory is locked")

type RunLock struct {
	lockDir string
}

type runLockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireRunLock takes exclusive ownership of runDir. A lock left behind by a
// process that no longer exists on this host is reclaimed.
func AcquireRunLock(runDir string) (RunLock, error) {
	target := strings.TrimSpace(runDir)
	if target == "" {
		return RunLock{}, errors.New("run directory is required")
	}
	if err := Mkdir(target); err != nil {
		return RunLock{}, err
	}

	lockDir := filepath.Join(target, runLockDirName)
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return RunLock{}, fmt.Errorf("acquire run lock for %s: %w", target, err)
		}

		var owner runLockOwner
		readErr := ReadJSON(filepath.Join(lockDir, runLockOwnerFile), &owner)
		if readErr == nil && attempt == 0 && owner.isStale() {
			_ = os.Remove(filepath.Join(lockDir, runLockOwnerFile))
			_ = os.Remove(lockDir)
			continue
		}
		if readErr == nil && owner.PID > 0 {
			return RunLock{}, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)", ErrRunLocked, target, owner.PID, owner.CreatedAt, owner.Hostname)
		}
		return RunLock{}, fmt.Errorf("%w: %s", ErrRunLocked, target)
	}

	owner := runLockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(lockDir, runLockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return RunLock{}, fmt.Errorf("write run lock owner for %s: %w", target, err)
	}
	return RunLock{lockDir: lockDir}, nil
}

func (l RunLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, runLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release run lock %s: %w", l.lockDir, err)
	}
	return nil
}

func (o runLockOwner) isStale() bool {
	if o.PID <= 0 || o.Hostname != hostnameOrUnknown() {
		return false
	}
	if o.PID == os.Getpid() {
		return false
	}
	return !processAlive(o.PID)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
