// Package syncutil provides per-key synchronization primitives with bounded
// lock overhead.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// DefaultShardCount is the number of shards used by NewShards when a
// non-positive count is requested.
const DefaultShardCount = 256

// Shards is an arena of per-key slots split across a fixed number of shards.
// Each shard owns one mutex and the slots of every key hashing to it, so
// callers for different keys proceed in parallel (unless they collide on a
// shard) while callers for the same key are serialized. Memory for locks is
// bounded by the shard count rather than by the number of keys seen.
type Shards[V any] struct {
	shards []shard[V]
}

type shard[V any] struct {
	mu    sync.Mutex
	slots map[string]*V
}

// NewShards creates a sharded arena with n shards.
func NewShards[V any](n int) *Shards[V] {
	if n <= 0 {
		n = DefaultShardCount
	}
	s := &Shards[V]{shards: make([]shard[V], n)}
	for i := range s.shards {
		s.shards[i].slots = make(map[string]*V)
	}
	return s
}

// With runs fn with exclusive access to the slot for key, allocating a zero
// slot on first use. fn must not block on I/O and must not retain the pointer
// after it returns.
func (s *Shards[V]) With(key string, fn func(slot *V)) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	slot, ok := sh.slots[key]
	if !ok {
		slot = new(V)
		sh.slots[key] = slot
	}
	fn(slot)
}

// Peek runs fn with exclusive access to the slot for key if it exists and
// reports whether it did. No slot is allocated for unknown keys.
func (s *Shards[V]) Peek(key string, fn func(slot *V)) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	slot, ok := sh.slots[key]
	if !ok {
		return false
	}
	fn(slot)
	return true
}

// Delete drops the slot for key.
func (s *Shards[V]) Delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.slots, key)
	sh.mu.Unlock()
}

// Len returns the number of allocated slots. Shards are locked one at a
// time, so the result is approximate under concurrent writes.
func (s *Shards[V]) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.slots)
		sh.mu.Unlock()
	}
	return n
}

func (s *Shards[V]) shard(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}
