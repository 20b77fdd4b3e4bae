//go:build unix

package db

import (
	"errors"

	"golang.org/x/sys/unix"
)

func (l *fileLock) tryLock() error {
	return unix.Flock(int(l.lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *fileLock) unlock() {
	if l.lockFile == nil {
		return
	}
	_ = unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
}

// isProcessAlive sends pid signal 0. EPERM means the process exists
// but belongs to another user.
func isProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
