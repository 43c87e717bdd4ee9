// Package cache is the bounded in-memory table of decoded values that
// fronts the host store.
//
// Values are held in serialized form (JSON) so a cached read returns the
// same bytes a host read would decode to. Size is only enforced by
// Optimize; Set never evicts on its own.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/keepstore/internal/storage/eviction"
	"github.com/yndnr/keepstore/pkg/cmap"
)

// DefaultMaxSize is the entry limit used when none is configured.
const DefaultMaxSize = 1000

// Entry is a cached value with its access metadata.
type Entry struct {
	Key              string          `json:"key"`
	Value            json.RawMessage `json:"value"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastAccessedAt   time.Time       `json:"lastAccessedAt"`
	AccessCount      uint64          `json:"accessCount"`
	SizeBytes        int             `json:"sizeBytes"`
	CompressionRatio float64         `json:"compressionRatio,omitempty"`
	Seq              uint64          `json:"seq"`
}

func (e Entry) candidate() eviction.Candidate {
	return eviction.Candidate{
		Key:            e.Key,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		SizeBytes:      e.SizeBytes,
		Seq:            e.Seq,
	}
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size      int
	MaxSize   int
	Strategy  eviction.Strategy
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	entries *cmap.Map[Entry]

	// mu guards maxSize and policy, and serializes Optimize.
	mu      sync.Mutex
	maxSize int
	policy  eviction.Policy

	now       func() time.Time
	seq       atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache holding at most maxSize entries after Optimize.
// A nil policy selects adaptive eviction.
func New(maxSize int, policy eviction.Policy, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if policy == nil {
		policy = eviction.New(eviction.Adaptive)
	}
	c := &Cache{
		entries: cmap.New[Entry](),
		maxSize: maxSize,
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key and refreshes its access metadata.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	var (
		value json.RawMessage
		found bool
	)
	now := c.now()
	c.entries.Update(key, func(e Entry, ok bool) (Entry, bool) {
		if !ok {
			return e, false
		}
		e.LastAccessedAt = now
		e.AccessCount++
		value, found = e.Value, true
		return e, true
	})

	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, found
}

// Peek returns the entry for key without touching it.
func (c *Cache) Peek(key string) (Entry, bool) {
	return c.entries.Get(key)
}

// Set stores value under key. An existing entry keeps its creation time
// and insertion order and counts the write as an access.
func (c *Cache) Set(key string, value json.RawMessage, ratio float64) {
	now := c.now()
	c.entries.Update(key, func(e Entry, ok bool) (Entry, bool) {
		if !ok {
			e = Entry{Key: key, CreatedAt: now, Seq: c.seq.Add(1)}
		}
		e.Value = value
		e.SizeBytes = len(value)
		e.CompressionRatio = ratio
		e.LastAccessedAt = now
		e.AccessCount++
		return e, true
	})
}

// Refresh replaces the value of an existing entry without touching its
// access metadata. It reports whether the key was cached.
func (c *Cache) Refresh(key string, value json.RawMessage, ratio float64) bool {
	var found bool
	c.entries.Update(key, func(e Entry, ok bool) (Entry, bool) {
		if !ok {
			return e, false
		}
		e.Value = value
		e.SizeBytes = len(value)
		e.CompressionRatio = ratio
		found = true
		return e, true
	})
	return found
}

// Delete removes keys.
func (c *Cache) Delete(keys ...string) {
	for _, k := range keys {
		c.entries.Delete(k)
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.entries.Clear()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return c.entries.Count()
}

// Keys returns every cached key.
func (c *Cache) Keys() []string {
	return c.entries.Keys()
}

// MaxSize returns the configured capacity.
func (c *Cache) MaxSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

// Retune changes capacity and policy. Zero or nil leaves a setting alone.
// The new limit takes effect at the next Optimize.
func (c *Cache) Retune(maxSize int, policy eviction.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxSize > 0 {
		c.maxSize = maxSize
	}
	if policy != nil {
		c.policy = policy
	}
}

// Strategy returns the active eviction strategy.
func (c *Cache) Strategy() eviction.Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.Strategy()
}

// OverCapacity reports whether the cache holds more than its maximum.
func (c *Cache) OverCapacity() bool {
	return c.Len() > c.MaxSize()
}

// Optimize evicts entries chosen by the policy until the cache is within
// capacity, returning the evicted keys. Concurrent calls are serialized,
// and a call on a cache already within capacity does nothing.
func (c *Cache) Optimize() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	excess := c.entries.Count() - c.maxSize
	if excess <= 0 {
		return nil
	}

	candidates := make([]eviction.Candidate, 0, c.entries.Count())
	c.entries.Range(func(_ string, e Entry) bool {
		candidates = append(candidates, e.candidate())
		return true
	})

	victims := c.policy.Select(candidates, excess, c.now())
	for _, k := range victims {
		c.entries.Delete(k)
	}
	c.evictions.Add(uint64(len(victims)))
	return victims
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	maxSize, strategy := c.maxSize, c.policy.Strategy()
	c.mu.Unlock()

	return Stats{
		Size:      c.entries.Count(),
		MaxSize:   maxSize,
		Strategy:  strategy,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Snapshot serializes every entry.
func (c *Cache) Snapshot() ([]byte, error) {
	entries := make([]Entry, 0, c.entries.Count())
	c.entries.Range(func(_ string, e Entry) bool {
		entries = append(entries, e)
		return true
	})
	return json.Marshal(entries)
}

// Load merges a Snapshot into the cache. Entries already present win, so
// a value written after startup is never replaced by a stale snapshot.
func (c *Cache) Load(data []byte) (int, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("cache: load snapshot: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if _, existed := c.entries.GetOrSet(e.Key, e); !existed {
			loaded++
		}
		for {
			cur := c.seq.Load()
			if e.Seq <= cur || c.seq.CompareAndSwap(cur, e.Seq) {
				break
			}
		}
	}
	return loaded, nil
}
