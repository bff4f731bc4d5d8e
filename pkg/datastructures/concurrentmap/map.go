// Package concurrentmap provides a string-keyed map sharded across
// several independent locks, used by the bucket registry to scale
// concurrent reads and writes across many rate-limited keys without a
// single global mutex.
package concurrentmap

import (
	"github.com/fenwick-labs/ratelimitd/pkg/concurrency"
)

// ShardedMap is a thread-safe string-keyed map split into N shards, each
// guarded by its own RWMutex, to reduce lock contention under concurrent
// access from many goroutines touching different keys.
type ShardedMap[V any] struct {
	shards     []*shard[V]
	shardCount uint32
	shardMask  uint32
}

type shard[V any] struct {
	data map[string]V
	mu   *concurrency.SmartRWMutex
}

// New creates a new ShardedMap. shardCount is rounded up to the nearest
// power of 2 for bitwise masking.
func New[V any](shardCount int) *ShardedMap[V] {
	if shardCount <= 0 {
		shardCount = 32
	}

	n := uint32(shardCount)
	if n&(n-1) != 0 {
		n = 1
		for n < uint32(shardCount) {
			n <<= 1
		}
	}
	shardCount = int(n)

	m := &ShardedMap[V]{
		shards:     make([]*shard[V], shardCount),
		shardCount: uint32(shardCount),
		shardMask:  uint32(shardCount) - 1,
	}

	for i := 0; i < shardCount; i++ {
		m.shards[i] = &shard[V]{
			data: make(map[string]V),
			mu:   concurrency.NewSmartRWMutex(concurrency.MutexConfig{Name: "ShardedMap"}),
		}
	}

	return m
}

const (
	offset32 = 2166136261
	prime32  = 16777619
)

func (m *ShardedMap[V]) getShard(key string) *shard[V] {
	var hash uint32 = offset32
	for i := 0; i < len(key); i++ {
		hash ^= uint32(key[i])
		hash *= prime32
	}
	return m.shards[hash&m.shardMask]
}

// Get retrieves a value.
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.getShard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	return val, ok
}

// Set sets a value.
func (m *ShardedMap[V]) Set(key string, value V) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes a value.
func (m *ShardedMap[V]) Delete(key string) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// GetOrCreate returns the existing value for key, or calls create and
// stores its result if no entry exists yet. The shard's write lock is
// held for the duration of create, so create must be cheap and must not
// itself call back into the map.
func (m *ShardedMap[V]) GetOrCreate(key string, create func() V) V {
	s := m.getShard(key)

	s.mu.RLock()
	if val, ok := s.data[key]; ok {
		s.mu.RUnlock()
		return val
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if val, ok := s.data[key]; ok {
		return val
	}
	val := create()
	s.data[key] = val
	return val
}

// Range calls fn for every entry across all shards. fn returning false
// stops iteration early. A shard is read-locked only while fn runs over
// its own entries, so Range observes a per-shard, not whole-map,
// consistent snapshot.
func (m *ShardedMap[V]) Range(fn func(key string, value V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		cont := true
		for k, v := range s.data {
			if !fn(k, v) {
				cont = false
				break
			}
		}
		s.mu.RUnlock()
		if !cont {
			return
		}
	}
}

// DeleteIf removes every entry for which should returns true, taking
// each shard's write lock once per shard rather than once per key.
func (m *ShardedMap[V]) DeleteIf(should func(key string, value V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.data {
			if should(k, v) {
				delete(s.data, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the total number of items.
func (m *ShardedMap[V]) Len() int {
	count := 0
	for _, s := range m.shards {
		s.mu.RLock()
		count += len(s.data)
		s.mu.RUnlock()
	}
	return count
}
