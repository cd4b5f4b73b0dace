package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// DirLockFileName is the lock file created in the state directory.
const DirLockFileName = "relaypipe.lock"

// DirLock is an exclusive flock on a state directory. The kernel drops it when
// the process exits, so a crash never leaves the directory locked.
type DirLock struct {
	file *os.File
	path string
}

// AcquireDir locks stateDir for this process, creating the directory if needed.
// It fails with a *DirLockError when another process holds the lock.
func AcquireDir(stateDir string) (*DirLock, error) {
	path := filepath.Join(stateDir, DirLockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := describeHolder(file)
		file.Close()
		slog.Error("State directory is locked by another RelayPipe instance", "lock_path", path, "holder", holder)
		return nil, &DirLockError{Path: path, Holder: holder, Cause: err}
	}

	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0)
		if err != nil {
			slog.Warn("Failed to record pid in lock file", "error", err, "lock_path", path)
		}
	}
	slog.Info("Acquired state directory lock", "lock_path", path, "pid", os.Getpid())
	return &DirLock{file: file, path: path}, nil
}

// Release unlocks and removes the lock file. Calling it twice is harmless.
func (l *DirLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Warn("Failed to remove lock file", "error", rmErr, "lock_path", l.path)
	}
	slog.Info("Released state directory lock", "lock_path", l.path)
	return err
}

// DirLockError reports a state directory already locked by another process.
type DirLockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *DirLockError) Error() string {
	msg := "another RelayPipe instance is using the state directory (lock file " + e.Path + ")"
	if e.Holder != "" {
		msg += ": " + e.Holder
	}
	return msg
}

func (e *DirLockError) Unwrap() error {
	return e.Cause
}

func describeHolder(f *os.File) string {
	buf := make([]byte, 64)
	n, _ := f.ReadAt(buf, 0)
	pid := parsePID(string(buf[:n]))
	if pid <= 0 {
		return ""
	}
	if processRunning(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running)", pid)
}

func parsePID(content string) int {
	_, rest, ok := strings.Cut(content, "pid=")
	if !ok {
		return 0
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}

func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
