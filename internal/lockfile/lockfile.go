// Package lockfile keeps two DeviceIntake processes from sharing one state directory.
//
// The lock is an flock on a file inside the directory; the kernel drops it
// when the process exits, so a crash never leaves the directory locked.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the default name of the lock file created in the state directory
const LockFileName = "deviceintake.lock"

// Opts configures Acquire.
type Opts struct {
	Name  string // lock file name inside the directory
	Owner string // free-form description recorded in the lock file, e.g. the API address
}

// Option defines a configuration option for Acquire.
type Option func(*Opts)

// WithName overrides the lock file name.
func WithName(name string) Option {
	return func(o *Opts) { o.Name = name }
}

// WithOwner records a description of the holder in the lock file.
func WithOwner(owner string) Option {
	return func(o *Opts) { o.Owner = owner }
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// Holder describes the process recorded in an existing lock file.
type Holder struct {
	PID     int
	Owner   string
	Started string
	Running bool
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if h.Running {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if h.Owner != "" {
		s += ", owner " + h.Owner
	}
	if h.Started != "" {
		s += ", started " + h.Started
	}
	return s
}

// LockError is returned when another process holds the lock.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another DeviceIntake instance is already using this state directory (lock file %s, holder %s); "+
		"if no other instance is running, remove the lock file and retry", e.LockPath, e.Holder)
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// Acquire takes an exclusive, non-blocking lock on dir, creating it if needed.
func Acquire(dir string, opts ...Option) (*Lock, error) {
	cfg := Opts{Name: LockFileName}
	for _, opt := range opts {
		opt(&cfg)
	}
	lockPath := filepath.Join(dir, cfg.Name)

	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Lockfile failed to create state directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	// O_TRUNC would wipe the holder's details before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(lockPath)
		slog.Error("Lockfile held by another process", "lock_path", lockPath, "holder", holder.String())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	if err := writeHolder(file, cfg.Owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lockfile acquired", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lockfile unlock failed", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Warn("Lockfile close failed", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile remove failed", "error", err, "lock_path", l.path)
	}
	l.file = nil
	slog.Info("Lockfile released", "lock_path", l.path)
	return nil
}

func writeHolder(f *os.File, owner string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", os.Getpid())
	if owner != "" {
		fmt.Fprintf(&b, "owner=%s\n", owner)
	}
	fmt.Fprintf(&b, "started=%s\n", time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteAt([]byte(b.String()), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Lockfile sync failed", "error", err)
	}
	return nil
}

func readHolder(lockPath string) Holder {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}
	}
	h := parseHolder(string(data))
	if h.PID > 0 {
		h.Running = isProcessRunning(h.PID)
	}
	return h
}

// parseHolder reads key=value lines; unknown keys are ignored.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil && pid > 0 {
				h.PID = pid
			}
		case "owner":
			h.Owner = val
		case "started":
			h.Started = val
		}
	}
	return h
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
