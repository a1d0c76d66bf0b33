package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
)

// LockFileName is the supervisor lock file inside the config directory.
const LockFileName = "supervise.lock"

// ErrAlreadySupervising is returned when another live process holds the
// supervisor lock.
var ErrAlreadySupervising = errors.New("another supervisor is running")

// Lock records the process that owns a supervisor lock.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Projects  []string  `json:"projects,omitempty"`

	path   string
	logger *logging.Logger
}

// AcquireLock takes the supervisor lock in dir. A lock left by a dead
// process is removed first. logger may be nil.
func AcquireLock(dir string, projects []string, logger *logging.Logger) (*Lock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	path := filepath.Join(dir, LockFileName)

	if held, err := ReadLock(path); err == nil {
		if processAlive(held.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", ErrAlreadySupervising, held.PID, held.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
		logger.Warn("stale supervisor lock removed", "old_pid", held.PID)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	l := &Lock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Projects:  projects,
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// O_EXCL loses cleanly to a process that got here between the read and now.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if held, readErr := ReadLock(path); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrAlreadySupervising, held.PID, held.Hostname)
			}
			return nil, ErrAlreadySupervising
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	logger.Info("supervisor lock acquired", "pid", l.PID, "path", path)
	return l, nil
}

// Release removes the lock file if this process still owns it. Safe to
// call more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	held, err := ReadLock(l.path)
	if err != nil || held.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	l.logger.Info("supervisor lock released")
	return nil
}

// ReadLock reads a lock file.
func ReadLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	l.path = path
	l.logger = logging.NopLogger()
	return &l, nil
}

// Running returns the lock in dir when its owner is alive.
func Running(dir string) (*Lock, bool) {
	l, err := ReadLock(filepath.Join(dir, LockFileName))
	if err != nil || !processAlive(l.PID) {
		return nil, false
	}
	return l, true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
