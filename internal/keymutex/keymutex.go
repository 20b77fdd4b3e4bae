// Package keymutex serializes work per key while letting different keys run
// in parallel. The agent store locks per call and per person; the server
// chunk store locks per upload.
package keymutex

import "sync"

// Map hands out one mutex per key. Entries are dropped when unused.
type Map struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty Map
func New() *Map {
	return &Map{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *Map) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// TryLock acquires key only if nobody holds or waits for it.
func (k *Map) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	if _, busy := k.locks[key]; busy {
		k.mu.Unlock()
		return nil, false
	}
	l := &keyLock{refs: 1}
	l.mu.Lock()
	k.locks[key] = l
	k.mu.Unlock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, true
}

func (k *Map) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
