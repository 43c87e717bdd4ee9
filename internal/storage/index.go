package storage

import (
	"sort"
	"sync"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/pkg/cmap"
)

// keySet is a concurrent-safe set of keys.
type keySet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newKeySet() *keySet {
	return &keySet{items: make(map[string]struct{})}
}

func (s *keySet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = struct{}{}
}

func (s *keySet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func (s *keySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Items returns a sorted copy of the keys.
func (s *keySet) Items() []string {
	s.mu.RLock()
	items := make([]string, 0, len(s.items))
	for k := range s.items {
		items = append(items, k)
	}
	s.mu.RUnlock()
	sort.Strings(items)
	return items
}

// keyIndex tracks every user key and, for prefixed keys, the set of keys
// per domain. It is updated alongside each write and removal so domain
// listings never scan the host store.
type keyIndex struct {
	all     *cmap.Map[struct{}]
	domains *cmap.Map[*keySet]
}

func newKeyIndex() *keyIndex {
	return &keyIndex{
		all:     cmap.New[struct{}](),
		domains: cmap.New[*keySet](),
	}
}

func (i *keyIndex) Add(keys ...string) {
	for _, key := range keys {
		i.all.Set(key, struct{}{})
		d, ok := domain.DomainOf(key)
		if !ok {
			continue
		}
		i.domains.Update(d, func(set *keySet, exists bool) (*keySet, bool) {
			if !exists {
				set = newKeySet()
			}
			set.Add(key)
			return set, true
		})
	}
}

func (i *keyIndex) Remove(keys ...string) {
	for _, key := range keys {
		i.all.Delete(key)
		d, ok := domain.DomainOf(key)
		if !ok {
			continue
		}
		// Empty sets are dropped under the shard lock so a concurrent Add
		// cannot land in a set that is being discarded.
		i.domains.Update(d, func(set *keySet, exists bool) (*keySet, bool) {
			if !exists {
				return set, false
			}
			set.Remove(key)
			return set, set.Len() > 0
		})
	}
}

func (i *keyIndex) Has(key string) bool {
	return i.all.Has(key)
}

// Keys returns every user key, sorted.
func (i *keyIndex) Keys() []string {
	keys := i.all.Keys()
	sort.Strings(keys)
	return keys
}

// Domain returns the keys of one domain, sorted.
func (i *keyIndex) Domain(name string) []string {
	set, ok := i.domains.Get(name)
	if !ok {
		return nil
	}
	return set.Items()
}

// Counts returns the number of keys per domain.
func (i *keyIndex) Counts() map[string]int {
	out := make(map[string]int)
	i.domains.Range(func(d string, set *keySet) bool {
		out[d] = set.Len()
		return true
	})
	return out
}

func (i *keyIndex) Len() int {
	return i.all.Count()
}

func (i *keyIndex) Clear() {
	i.all.Clear()
	i.domains.Clear()
}
