package syncutil

import (
	"context"
	"sync"
)

// ContextShardedMutex is a keyed mutex whose waiters give up when their
// context ends. Each shard is a one-slot channel holding the token.
type ContextShardedMutex struct {
	once   sync.Once
	tokens [shardCount]chan struct{}
}

// NewContextShardedMutex returns a ready mutex. A zero value also works; the
// shards are filled on first use.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.fill()
	return m
}

func (m *ContextShardedMutex) fill() {
	m.once.Do(func() {
		for i := range m.tokens {
			m.tokens[i] = make(chan struct{}, 1)
			m.tokens[i] <- struct{}{}
		}
	})
}

// LockContext takes key's token, or returns ctx.Err() if ctx ends first. The
// returned function puts the token back and must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.fill()
	token := m.tokens[shardFor(key)]
	select {
	case <-token:
		return func() { token <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
