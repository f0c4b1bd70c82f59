// Package syncutil holds locking helpers shared by the services.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// Shards is the number of mutexes in a ShardedMutex.
const Shards = 256

// ShardedMutex serializes work per key, typically a wallet address or a
// wallet/agent pair, using bounded memory. Keys that hash to the same shard
// share a mutex, so a holder must never take a second key's lock.
type ShardedMutex struct {
	shards [Shards]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % Shards
}
