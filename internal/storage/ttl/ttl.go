// Package ttl tracks per-key expiry deadlines independently of the cache.
//
// Expiry is lazy: a key past its deadline stays readable until Sweep runs
// and the purge callback removes it from the host store and the cache.
package ttl

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PurgeFunc removes expired keys from wherever they are persisted.
type PurgeFunc func(ctx context.Context, keys []string) error

// Option configures an Index.
type Option func(*Index)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Index) {
		i.now = now
	}
}

// Index maps keys to expiry deadlines. It is safe for concurrent use.
type Index struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// New creates an empty index.
func New(opts ...Option) *Index {
	i := &Index{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// AddEntry sets key to expire ttl after base. A zero base means now.
// It returns the computed deadline.
func (i *Index) AddEntry(key string, ttl time.Duration, base time.Time) time.Time {
	if base.IsZero() {
		base = i.now()
	}
	expiresAt := base.Add(ttl)

	i.mu.Lock()
	i.entries[key] = expiresAt
	i.mu.Unlock()
	return expiresAt
}

// ExpiresAt returns the deadline for key.
func (i *Index) ExpiresAt(key string) (time.Time, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.entries[key]
	return t, ok
}

// HasExpired reports whether key is tracked and now is past its deadline.
func (i *Index) HasExpired(key string) bool {
	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.entries[key]
	return ok && now.After(t)
}

// Remove stops tracking keys.
func (i *Index) Remove(keys ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, k := range keys {
		delete(i.entries, k)
	}
}

// Clear drops every entry.
func (i *Index) Clear() {
	i.mu.Lock()
	i.entries = make(map[string]time.Time)
	i.mu.Unlock()
}

// Len returns the number of tracked keys.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}

// Expired returns the keys past their deadline at now, sorted.
func (i *Index) Expired(now time.Time) []string {
	i.mu.Lock()
	var keys []string
	for k, t := range i.entries {
		if now.After(t) {
			keys = append(keys, k)
		}
	}
	i.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Sweep purges every expired key and stops tracking it. Keys whose purge
// failed stay tracked so the next sweep retries them. Running two sweeps
// at once is harmless: the second purges whatever the first left.
func (i *Index) Sweep(ctx context.Context, purge PurgeFunc) ([]string, error) {
	expired := i.Expired(i.now())
	if len(expired) == 0 {
		return nil, nil
	}
	if err := purge(ctx, expired); err != nil {
		return nil, fmt.Errorf("ttl: purge %d keys: %w", len(expired), err)
	}

	i.mu.Lock()
	for _, k := range expired {
		// A key re-armed during the purge keeps its new deadline.
		if t, ok := i.entries[k]; ok && !i.now().After(t) {
			continue
		}
		delete(i.entries, k)
	}
	i.mu.Unlock()
	return expired, nil
}

// Snapshot serializes the index as key -> unix milliseconds.
func (i *Index) Snapshot() ([]byte, error) {
	i.mu.Lock()
	out := make(map[string]int64, len(i.entries))
	for k, t := range i.entries {
		out[k] = t.UnixMilli()
	}
	i.mu.Unlock()
	return json.Marshal(out)
}

// Restore replaces the index with a Snapshot.
func (i *Index) Restore(data []byte) error {
	var in map[string]int64
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("ttl: restore: %w", err)
	}
	entries := make(map[string]time.Time, len(in))
	for k, ms := range in {
		entries[k] = time.UnixMilli(ms)
	}
	i.mu.Lock()
	i.entries = entries
	i.mu.Unlock()
	return nil
}
