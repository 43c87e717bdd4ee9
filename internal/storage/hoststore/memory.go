package hoststore

import (
	"context"
	"sync"
	"sync/atomic"
)

// CallStats counts calls into a Memory store.
type CallStats struct {
	Get, Set, Remove, Clear, BytesInUse int64
}

// Total returns the number of calls of any kind.
func (c CallStats) Total() int64 {
	return c.Get + c.Set + c.Remove + c.Clear + c.BytesInUse
}

// Memory is an in-process Store. Besides serving as the default driver it
// records call counts and can be told to fail, which tests rely on.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
	used  int64
	quota int64
	fail  error

	gets, sets, removes, clears, usage atomic.Int64
}

// NewMemory creates an empty store. A non-positive quota disables the limit.
func NewMemory(quota int64) *Memory {
	return &Memory{items: make(map[string][]byte), quota: quota}
}

// Calls returns the call counters.
func (m *Memory) Calls() CallStats {
	return CallStats{
		Get:        m.gets.Load(),
		Set:        m.sets.Load(),
		Remove:     m.removes.Load(),
		Clear:      m.clears.Load(),
		BytesInUse: m.usage.Load(),
	}
}

// ResetCalls zeroes the call counters.
func (m *Memory) ResetCalls() {
	m.gets.Store(0)
	m.sets.Store(0)
	m.removes.Store(0)
	m.clears.Store(0)
	m.usage.Store(0)
}

// FailWith makes every subsequent call return err. Nil restores service.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// SetQuota changes the quota.
func (m *Memory) SetQuota(quota int64) {
	m.mu.Lock()
	m.quota = quota
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	m.gets.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return nil, hostErr("get", m.fail)
	}

	out := make(map[string][]byte, len(keys))
	if keys == nil {
		for k, v := range m.items {
			out[k] = append([]byte(nil), v...)
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := m.items[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, items map[string][]byte) error {
	m.sets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return hostErr("set", m.fail)
	}

	replaced := make(map[string]int)
	for k := range items {
		if old, ok := m.items[k]; ok {
			replaced[k] = len(old)
		}
	}
	next := projectedUsage(m.used, items, replaced)
	if err := checkQuota(m.quota, next); err != nil {
		return err
	}

	for k, v := range items {
		m.items[k] = append([]byte(nil), v...)
	}
	m.used = next
	return nil
}

func (m *Memory) Remove(_ context.Context, keys []string) error {
	m.removes.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return hostErr("remove", m.fail)
	}
	for _, k := range keys {
		if v, ok := m.items[k]; ok {
			m.used -= entrySize(k, v)
			delete(m.items, k)
		}
	}
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.clears.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return hostErr("clear", m.fail)
	}
	m.items = make(map[string][]byte)
	m.used = 0
	return nil
}

func (m *Memory) BytesInUse(context.Context) (int64, error) {
	m.usage.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fail != nil {
		return 0, hostErr("bytes in use", m.fail)
	}
	return m.used, nil
}

func (m *Memory) Close() error { return nil }
