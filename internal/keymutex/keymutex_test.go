package keymutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	km := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("owner-1")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	km := New()
	unlock := km.Lock("a")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := km.Lock("b")
		u()
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
	unlock, ok := km.TryLock("k")
	require.True(t, ok)

	_, ok = km.TryLock("k")
	assert.False(t, ok)

	unlock()
	unlock2, ok := km.TryLock("k")
	assert.True(t, ok)
	unlock2()
}

func TestReleasedKeysAreDropped(t *testing.T) {
	km := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "thread-" + string(rune('a'+i%5))
			unlock := km.Lock(key)
			unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, km.Len())

	_, ok := km.TryLock("busy")
	require.True(t, ok)
	_, ok = km.TryLock("busy")
	assert.False(t, ok)
	assert.Equal(t, 1, km.Len(), "a failed TryLock leaves no extra reference")
}

func TestHeld(t *testing.T) {
	km := New()
	assert.False(t, km.Held("owner"))

	unlock := km.Lock("owner")
	assert.True(t, km.Held("owner"))
	unlock()
	unlock()
	assert.False(t, km.Held("owner"))
}
