package keymutex

import (
	"sync"
	"testing"
	"time"
)

func TestSerializesSameKey(t *testing.T) {
	km := New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("call-1")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if km.size() != 0 {
		t.Errorf("entries leaked: %d", km.size())
	}
}

func TestDifferentKeysIndependent(t *testing.T) {
	km := New()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestTryLock(t *testing.T) {
	km := New()
	unlock, ok := km.TryLock("x")
	if !ok {
		t.Fatal("first TryLock should succeed")
	}
	if _, ok := km.TryLock("x"); ok {
		t.Fatal("second TryLock should fail while held")
	}
	unlock()
	if _, ok := km.TryLock("x"); !ok {
		t.Fatal("TryLock should succeed after unlock")
	}
}
