// Package syncutil carries the per-key locking used to serialize escrow
// mutations.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a fixed pool of mutexes addressed by string key.
// Memory stays bounded no matter how many escrow IDs pass through;
// the trade is occasional false sharing when two keys land on the
// same shard, which only costs a short wait.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns the unlock function,
// meant to be used as: defer s.locks.Lock(id)()
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
