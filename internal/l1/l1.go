// Package l1 provides a sharded, concurrent in-memory byte cache with TTL and eviction.
package l1

import (
	"container/list"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AndrewDonelson/stash/internal/clock"
)

const defaultShards = 256

// EvictionPolicy determines which entry is removed when a shard is full.
type EvictionPolicy int

const (
	LRU  EvictionPolicy = iota // Least Recently Used
	LFU                        // Least Frequently Used
	FIFO                       // First In, First Out
)

// String returns the lower-case policy name.
func (p EvictionPolicy) String() string {
	switch p {
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	}
	return "lru"
}

// Options configures an L1 Store.
type Options struct {
	// TTL is used when Set is called with ttl == 0.
	TTL time.Duration
	// MaxEntries caps the whole cache; it is split evenly across shards.
	// Zero means unbounded.
	MaxEntries    int
	Eviction      EvictionPolicy
	SweepInterval time.Duration
	// Shards must be a power of two; zero means 256.
	Shards  int
	Clock   clock.Clock
	OnEvict func(key string, value []byte)
}

// entry holds a cached payload and metadata.
type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
	freq      int
	elem      *list.Element
}

// shard is one partition of the cache.
type shard struct {
	mu         sync.RWMutex
	items      map[string]*entry
	evictList  *list.List
	maxEntries int
	policy     EvictionPolicy
	onEvict    func(key string, value []byte)
}

// Store is the sharded in-memory cache. Values are copied on Set; slices
// returned by Get must not be modified.
type Store struct {
	shards    []*shard
	mask      uint32
	opts      Options
	clock     clock.Clock
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	stopCh    chan struct{}
	closeOnce sync.Once
}

// New creates a new L1 Store and starts its expiry sweeper.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Shards <= 0 || opts.Shards&(opts.Shards-1) != 0 {
		opts.Shards = defaultShards
	}
	perShard := 0
	if opts.MaxEntries > 0 {
		perShard = (opts.MaxEntries + opts.Shards - 1) / opts.Shards
	}
	s := &Store{
		shards: make([]*shard, opts.Shards),
		mask:   uint32(opts.Shards - 1),
		opts:   opts,
		clock:  opts.Clock,
		stopCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			items:      make(map[string]*entry),
			evictList:  list.New(),
			maxEntries: perShard,
			policy:     opts.Eviction,
			onEvict:    s.countEviction(opts.OnEvict),
		}
	}
	go s.sweepLoop()
	return s
}

func (s *Store) countEviction(next func(string, []byte)) func(string, []byte) {
	return func(key string, value []byte) {
		s.evictions.Add(1)
		if next != nil {
			next(key, value)
		}
	}
}

func (s *Store) getShard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()&s.mask]
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Set stores a copy of value under key. ttl == 0 uses Options.TTL; a
// negative ttl stores the entry without expiry.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = s.opts.TTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clock.Now().Add(ttl)
	}
	data := make([]byte, len(value))
	copy(data, value)

	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.items[key]; ok {
		e.value = data
		e.expiresAt = expiresAt
		e.freq++
		if sh.policy == LRU {
			sh.evictList.MoveToFront(e.elem)
		}
		return
	}

	if sh.maxEntries > 0 && len(sh.items) >= sh.maxEntries {
		sh.evict()
	}

	e := &entry{key: key, value: data, expiresAt: expiresAt, freq: 1}
	switch sh.policy {
	case LRU, FIFO:
		e.elem = sh.evictList.PushFront(e)
	case LFU:
		e.elem = sh.evictList.PushBack(e)
	}
	sh.items[key] = e
}

// Get retrieves a payload by key.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	if s.expired(e, s.clock.Now()) {
		sh.removeEntry(e, false)
		s.misses.Add(1)
		return nil, false
	}
	e.freq++
	if sh.policy == LRU {
		sh.evictList.MoveToFront(e.elem)
	}
	s.hits.Add(1)
	return e.value, true
}

// Has reports whether key holds a live entry without touching hit counters
// or recency.
func (s *Store) Has(key string) bool {
	sh := s.getShard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.items[key]
	return ok && !s.expired(e, s.clock.Now())
}

// Delete removes a key from the cache.
func (s *Store) Delete(key string) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.items[key]; ok {
		sh.removeEntry(e, false)
	}
}

// Flush removes all entries from all shards.
func (s *Store) Flush() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.items = make(map[string]*entry)
		sh.evictList.Init()
		sh.mu.Unlock()
	}
}

// FlushPrefix removes all entries whose key starts with prefix.
func (s *Store) FlushPrefix(prefix string) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if strings.HasPrefix(k, prefix) {
				sh.removeEntry(e, false)
			}
		}
		sh.mu.Unlock()
	}
}

// Keys returns the live keys starting with prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	now := s.clock.Now()
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.items {
			if strings.HasPrefix(k, prefix) && !s.expired(e, now) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// Stats holds hit/miss/entry counts.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int64
}

// Stats returns current statistics.
func (s *Store) Stats() Stats {
	var total int64
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += int64(len(sh.items))
		sh.mu.RUnlock()
	}
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Entries:   total,
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep drops every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.items {
			if s.expired(e, now) {
				sh.removeEntry(e, false)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (sh *shard) evict() {
	switch sh.policy {
	case LRU, FIFO:
		if back := sh.evictList.Back(); back != nil {
			sh.removeEntry(back.Value.(*entry), true)
		}
	case LFU:
		var minEntry *entry
		for el := sh.evictList.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if minEntry == nil || e.freq < minEntry.freq {
				minEntry = e
			}
		}
		if minEntry != nil {
			sh.removeEntry(minEntry, true)
		}
	}
}

// removeEntry unlinks e; evicted marks capacity evictions, which fire onEvict.
func (sh *shard) removeEntry(e *entry, evicted bool) {
	delete(sh.items, e.key)
	if e.elem != nil {
		sh.evictList.Remove(e.elem)
	}
	if evicted && sh.onEvict != nil {
		sh.onEvict(e.key, e.value)
	}
}
