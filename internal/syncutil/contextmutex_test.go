package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextShardedMutex_SerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var inside, maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "CR_abc")
			require.NoError(t, err)
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestContextShardedMutex_WaiterGivesUp(t *testing.T) {
	m := NewContextShardedMutex()
	unlock, err := m.LockContext(context.Background(), "DR_1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "DR_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := m.LockContext(context.Background(), "DR_1")
	require.NoError(t, err)
	again()
}

func TestContextShardedMutex_ZeroValue(t *testing.T) {
	var m ContextShardedMutex
	unlock, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}

func TestContextShardedMutex_HandsOverOnUnlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second waiter acquired the lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second waiter never acquired the lock")
	}
}

func TestShardedMutex_Lock(t *testing.T) {
	var m ShardedMutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("fr-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, shardFor("fr-1"), shardFor("fr-1"))
	assert.Less(t, shardFor("anything"), uint32(shardCount))
}
