// Package quote implements the shared quote cache: a sharded map from
// contract symbol to the latest known NBBO. Sharding by symbol hash keeps
// writes single-writer-per-shard without a single global lock, matching the
// teacher corpus's per-stream single-writer convention.
package quote

import (
	"hash/fnv"
	"sync"
	"time"

	"optionsflow/internal/model"
)

const defaultShardCount = 32

type entry struct {
	quote      model.Quote
	lastUpdate time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Cache is a sharded, softly-capped, LRU-evicting map of contract symbol to
// latest Quote. Entries are advisory: a missing entry never fails a trade,
// it only causes the classifier to report execution_level = UNKNOWN.
type Cache struct {
	shards     []*shard
	shardMask  uint32
	softCap    int // per-shard soft cap; 0 disables eviction
}

// New builds a Cache with the given shard count (rounded up to a power of
// two) and a per-shard soft cap on entry count. A softCapPerShard of 0
// disables eviction.
func New(shardCount, softCapPerShard int) *Cache {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	shardCount = nextPowerOfTwo(shardCount)

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}

	return &Cache{
		shards:    shards,
		shardMask: uint32(shardCount - 1),
		softCap:   softCapPerShard,
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (c *Cache) shardFor(symbol string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return c.shards[h.Sum32()&c.shardMask]
}

// Store records the latest quote for a symbol, overwriting any prior value.
func (c *Cache) Store(symbol string, q model.Quote) {
	s := c.shardFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[symbol] = &entry{quote: q, lastUpdate: time.Now()}
	if c.softCap > 0 && len(s.entries) > c.softCap {
		s.evictLRULocked()
	}
}

// Lookup returns the latest quote for a symbol, or the zero Quote and false
// if none is cached.
func (c *Cache) Lookup(symbol string) (model.Quote, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[symbol]
	if !ok {
		return model.Quote{}, false
	}
	return e.quote, true
}

// evictLRULocked removes the least-recently-updated entry. Caller must hold
// the shard's write lock.
func (s *shard) evictLRULocked() {
	var oldestSymbol string
	var oldestTime time.Time
	first := true
	for sym, e := range s.entries {
		if first || e.lastUpdate.Before(oldestTime) {
			oldestSymbol = sym
			oldestTime = e.lastUpdate
			first = false
		}
	}
	if !first {
		delete(s.entries, oldestSymbol)
	}
}

// Len returns the total number of cached entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}
