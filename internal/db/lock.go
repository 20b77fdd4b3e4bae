package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockFileName      = "callsync.lock"
	cycleLockFileName = "cycle.lock"
	defaultTimeout = 2 * time.Second
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// ErrCycleRunning is returned by TryCycleLock while another sync cycle, in
// this process or another one, holds the cycle lock.
var ErrCycleRunning = errors.New("sync cycle already running")

// fileLock is an exclusive OS file lock shared by every agent process using
// the same data dir. The lock is released when the process exits, crashes included.
type fileLock struct {
	lockPath string
	lockFile *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{lockPath: path}
}

// newWriteLocker returns the lock that serializes store writers (daemon and
// CLI edits).
func newWriteLocker(dataDir string) *fileLock {
	return newFileLock(filepath.Join(dataDir, lockFileName))
}

// CycleLock is held for the whole of one sync cycle.
type CycleLock struct {
	l *fileLock
}

// TryCycleLock takes the device-wide cycle lock without waiting. It fails
// with ErrCycleRunning when the lock is already held.
func (db *DB) TryCycleLock() (*CycleLock, error) {
	l := newFileLock(filepath.Join(db.dataDir, cycleLockFileName))
	ok, err := l.tryAcquire()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w (holder %s)", ErrCycleRunning, l.readHolder())
	}
	return &CycleLock{l: l}, nil
}

// Release gives the cycle lock back. Releasing twice is a no-op.
func (c *CycleLock) Release() error {
	if c == nil {
		return nil
	}
	return c.l.release()
}

// tryAcquire takes the lock once, without retrying. ok is false when
// someone else holds it.
func (l *fileLock) tryAcquire() (ok bool, err error) {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}
	l.lockFile = f
	if err := l.tryLock(); err != nil {
		l.lockFile.Close()
		l.lockFile = nil
		return false, nil
	}
	l.writeHolder()
	return true, nil
}

// acquire attempts to get an exclusive write lock with the given timeout.
// Returns an error with diagnostic info if the lock cannot be acquired.
func (l *fileLock) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.lockFile = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff

	for {
		err := l.tryLock()
		if err == nil {
			l.writeHolder()
			return nil
		}

		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.lockFile.Close()
			l.lockFile = nil
			return fmt.Errorf("write lock timeout after %v (holder %s)", timeout, holder)
		}

		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// release releases the write lock.
func (l *fileLock) release() error {
	if l.lockFile == nil {
		return nil
	}

	l.lockFile.Truncate(0)
	l.unlock()
	l.lockFile.Close()
	l.lockFile = nil

	return nil
}

// writeHolder records the owning pid for lock timeout diagnostics.
func (l *fileLock) writeHolder() {
	if l.lockFile == nil {
		return
	}
	l.lockFile.Truncate(0)
	l.lockFile.Seek(0, 0)
	fmt.Fprintf(l.lockFile, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
}

func (l *fileLock) readHolder() string {
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return "unknown"
	}

	var pid, since string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		switch {
		case strings.HasPrefix(line, "pid:"):
			pid = strings.TrimPrefix(line, "pid:")
		case strings.HasPrefix(line, "time:"):
			since = strings.TrimPrefix(line, "time:")
		}
	}
	if pid == "" {
		return "unknown"
	}

	if n, err := strconv.Atoi(pid); err == nil && !isProcessAlive(n) {
		return fmt.Sprintf("pid:%s since %s, stale", pid, since)
	}
	return fmt.Sprintf("pid:%s since %s", pid, since)
}

// tryLock, unlock and isProcessAlive live in lock_unix.go and lock_windows.go.
