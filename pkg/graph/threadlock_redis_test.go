package graph

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisThreadLock(t *testing.T) *RedisThreadLock {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	lock := NewRedisThreadLock(mr.Addr(), "", 0, 2*time.Second, time.Millisecond)
	t.Cleanup(func() { _ = lock.Close() })
	return lock
}

// TestRedisThreadLock_ConcurrentDistinctThreads races Lock/Unlock for
// distinct thread_ids against the shared tokens map the way independent
// Invoke calls would (spec.md: "Different thread_ids run in parallel"),
// and must pass under -race.
func TestRedisThreadLock_ConcurrentDistinctThreads(t *testing.T) {
	lock := newTestRedisThreadLock(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		threadID := "thread-" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			lock.Lock(id)
			defer lock.Unlock(id)
			time.Sleep(time.Millisecond)
		}(threadID)
	}
	wg.Wait()
}

// TestRedisThreadLock_SameThreadSerializes confirms repeated Lock/Unlock
// cycles on one thread_id never observe concurrent ownership.
func TestRedisThreadLock_SameThreadSerializes(t *testing.T) {
	lock := newTestRedisThreadLock(t)

	var active int32
	var mu sync.Mutex
	var maxObserved int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Lock("shared-thread")
			defer lock.Unlock("shared-thread")

			mu.Lock()
			active++
			if int(active) > maxObserved {
				maxObserved = int(active)
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxObserved)
}
