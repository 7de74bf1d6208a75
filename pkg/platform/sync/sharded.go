// Package sync provides low-contention locking primitives.
package sync

import (
	"sync"
)

// ShardedMutex spreads locking across 32 shards keyed by a string, so
// concurrent operations on different keys rarely contend. Counter buckets
// use it to serialize per-key appends without a global lock.
type ShardedMutex struct {
	shards [32]sync.Mutex
}

// NewShardedMutex creates a ShardedMutex.
func NewShardedMutex() *ShardedMutex {
	return &ShardedMutex{}
}

// Lock acquires the shard owning key. Empty keys map to shard 0.
func (m *ShardedMutex) Lock(key string) {
	m.shards[m.shardFor(key)].Lock()
}

// Unlock releases the shard owning key.
func (m *ShardedMutex) Unlock(key string) {
	m.shards[m.shardFor(key)].Unlock()
}

func (m *ShardedMutex) shardFor(key string) int {
	if key == "" {
		return 0
	}
	return int(hashString(key) % uint32(len(m.shards)))
}

func hashString(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}
