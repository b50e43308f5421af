package storage

import (
	"sync"
)

const (
	// ShardCount is the number of lock stripes used by the store.
	ShardCount = 32
	// ShardCount32 is the number of shards pre-casted to uint32.
	ShardCount32 uint32 = uint32(ShardCount)
)

// shard is one lock stripe of the store. All mutations of a key happen under
// the write lock of the shard the key hashes to.
type shard struct {
	sync.RWMutex

	items map[string]*Entry
}

type shardedMap struct {
	shards []*shard
}

func newShardedMap() shardedMap {
	shards := make([]*shard, ShardCount)
	for i := range ShardCount {
		shards[i] = &shard{items: make(map[string]*Entry)}
	}

	return shardedMap{shards: shards}
}

// shardFor returns the stripe for key.
func (m *shardedMap) shardFor(key string) *shard {
	return m.shards[shardIndex(key)]
}

// shardIndex calculates the stripe index with an inlined FNV-1a 32-bit hash.
func shardIndex(key string) uint32 {
	const (
		fnvOffset32 = 2166136261
		fnvPrime32  = 16777619
	)

	var sum uint32 = fnvOffset32
	for i := range key {
		sum ^= uint32(key[i])

		sum *= fnvPrime32
	}

	return sum & (ShardCount32 - 1)
}

// keys returns every key currently stored.
func (m *shardedMap) keys() []string {
	out := make([]string, 0, m.count())

	for _, s := range m.shards {
		s.RLock()

		for k := range s.items {
			out = append(out, k)
		}

		s.RUnlock()
	}

	return out
}

// count returns the number of entries across shards.
func (m *shardedMap) count() int {
	count := 0

	for _, s := range m.shards {
		s.RLock()

		count += len(s.items)
		s.RUnlock()
	}

	return count
}

// clear resets every shard and returns how many entries were dropped.
func (m *shardedMap) clear() int {
	removed := 0

	for _, s := range m.shards {
		s.Lock()

		removed += len(s.items)
		s.items = make(map[string]*Entry)
		s.Unlock()
	}

	return removed
}
