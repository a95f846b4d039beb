package lab

import "sync"

// keyedMutex serializes operations per instance name.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) acquire(name string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[name]
	if !ok {
		e = &keyedEntry{}
		k.locks[name] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) release(name string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, name)
	}
}

// Lock blocks until name is free and returns the unlock function.
func (k *keyedMutex) Lock(name string) func() {
	e := k.acquire(name)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.release(name, e)
	}
}

// TryLock locks name only if nobody holds it.
func (k *keyedMutex) TryLock(name string) (func(), bool) {
	e := k.acquire(name)
	if !e.mu.TryLock() {
		k.release(name, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		k.release(name, e)
	}, true
}
