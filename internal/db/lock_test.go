//go:build unix

package db

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriteLockerHolderInfo(t *testing.T) {
	dir := t.TempDir()
	locker := newWriteLocker(dir)
	if err := locker.acquire(500 * time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.HasPrefix(string(data), "pid:") {
		t.Errorf("lock file should start with holder pid, got %q", data)
	}

	if err := locker.release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := locker.release(); err != nil {
		t.Fatalf("double release should be a no-op: %v", err)
	}
}

func TestWriteLockerSerializesGoroutines(t *testing.T) {
	dir := t.TempDir()

	const workers, rounds = 4, 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				l := newWriteLocker(dir)
				if err := l.acquire(5 * time.Second); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				mu.Lock()
				inside++
				if inside > 1 {
					overlap = true
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				l.release()
			}
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("two holders were inside the lock at once")
	}
}

func TestWriteLockerTimeoutReportsHolder(t *testing.T) {
	dir := t.TempDir()

	first := newWriteLocker(dir)
	if err := first.acquire(500 * time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.release()

	second := newWriteLocker(dir)
	err := second.acquire(50 * time.Millisecond)
	if err == nil {
		second.release()
		t.Fatal("expected timeout")
	}
	if !strings.Contains(err.Error(), "timeout") || !strings.Contains(err.Error(), "pid:") {
		t.Errorf("error should mention timeout and holder: %v", err)
	}
}

func TestCycleLockHeldElsewhere(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	held, err := store.TryCycleLock()
	if err != nil {
		t.Fatalf("first TryCycleLock: %v", err)
	}

	// Each call opens its own file description, as a second process would.
	if _, err := store.TryCycleLock(); !errors.Is(err, ErrCycleRunning) {
		t.Fatalf("second TryCycleLock = %v, want ErrCycleRunning", err)
	} else if !strings.Contains(err.Error(), "pid:") {
		t.Errorf("error should name the holder: %v", err)
	}

	if err := held.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := held.Release(); err != nil {
		t.Fatalf("double release should be a no-op: %v", err)
	}

	again, err := store.TryCycleLock()
	if err != nil {
		t.Fatalf("TryCycleLock after release: %v", err)
	}
	again.Release()
}

func TestCycleLockIndependentOfWriteLock(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	held, err := store.TryCycleLock()
	if err != nil {
		t.Fatalf("TryCycleLock: %v", err)
	}
	defer held.Release()

	// Edits made while a cycle runs must not wait on the cycle.
	if err := store.withWriteLock(func() error { return nil }); err != nil {
		t.Fatalf("write lock while cycle held: %v", err)
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !isProcessAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
}
