// Package keymutex serializes work per key so that one slow owner never
// blocks another.
package keymutex

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// entry is dropped from the map once nobody holds or waits on it.
type entry struct {
	mu   sync.Mutex
	refs int
}

type KeyMutex struct {
	locks *xsync.MapOf[string, *entry]
}

func New() *KeyMutex {
	return &KeyMutex{locks: xsync.NewMapOf[string, *entry]()}
}

func (k *KeyMutex) acquire(key string) *entry {
	e, _ := k.locks.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{}
		}
		old.refs++
		return old, false
	})
	return e
}

func (k *KeyMutex) release(key string) {
	k.locks.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs == 0
	})
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyMutex) Lock(key string) func() {
	e := k.acquire(key)
	e.mu.Lock()
	return k.unlocker(key, e)
}

// TryLock acquires key without waiting.
func (k *KeyMutex) TryLock(key string) (func(), bool) {
	e := k.acquire(key)
	if !e.mu.TryLock() {
		k.release(key)
		return nil, false
	}
	return k.unlocker(key, e), true
}

// Held reports whether key is currently locked or awaited.
func (k *KeyMutex) Held(key string) bool {
	_, ok := k.locks.Load(key)
	return ok
}

// Len is the number of keys with a live mutex.
func (k *KeyMutex) Len() int {
	return k.locks.Size()
}

func (k *KeyMutex) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.release(key)
		})
	}
}
