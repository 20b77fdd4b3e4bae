//go:build windows

package db

import (
	"golang.org/x/sys/windows"
)

const stillActive = 259

func (l *fileLock) tryLock() error {
	return windows.LockFileEx(
		windows.Handle(l.lockFile.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0,
		new(windows.Overlapped),
	)
}

func (l *fileLock) unlock() {
	if l.lockFile == nil {
		return
	}
	_ = windows.UnlockFileEx(windows.Handle(l.lockFile.Fd()), 0, 1, 0, new(windows.Overlapped))
}

func isProcessAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
