// Package syncutil provides keyed locks over a fixed pool of shards. Two keys
// that hash to the same shard share a lock, so memory stays bounded no matter
// how many remittance references or request ids pass through.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a keyed mutex. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock blocks until key's shard is free and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardFor(key)]
	mu.Lock()
	return mu.Unlock
}
