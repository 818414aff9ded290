package ratelimit

import (
	"hash/fnv"
	"sync"
)

const numShards = 64

// shard is a single partition of the sharded map.
type shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// shardedMap is a concurrent map split into fixed shards to bound lock
// contention so unrelated tenants never serialize on the same mutex.
type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	var m shardedMap[V]
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return &m
}

func (m *shardedMap[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%numShards]
}

// withLock runs fn while holding the shard lock for key, creating the entry
// with init if it does not yet exist. Keep fn cheap: it runs under the lock.
func (m *shardedMap[V]) withLock(key string, init func() V, fn func(v *V)) {
	s := m.getShard(key)
	s.mu.Lock()
	v, ok := s.items[key]
	if !ok {
		v = init()
	}
	fn(&v)
	s.items[key] = v
	s.mu.Unlock()
}

// get returns the value for key and whether it existed.
func (m *shardedMap[V]) get(key string) (V, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	v, ok := s.items[key]
	s.mu.Unlock()
	return v, ok
}

// deleteFunc iterates all shards and deletes entries for which fn returns
// true. Each shard's lock is held only for its own scan, so eviction never
// blocks admission across the whole map.
func (m *shardedMap[V]) deleteFunc(fn func(key string, v V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

func (m *shardedMap[V]) len() int {
	n := 0
	for i := range m.shards {
		m.shards[i].mu.Lock()
		n += len(m.shards[i].items)
		m.shards[i].mu.Unlock()
	}
	return n
}
