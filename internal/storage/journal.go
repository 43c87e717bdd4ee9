package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/yndnr/keepstore/pkg/cmap"
)

// journal records the last write time of each user key. Incremental
// backups read it to find what changed since the previous backup.
type journal struct {
	writes *cmap.Map[int64]
}

func newJournal() *journal {
	return &journal{writes: cmap.New[int64]()}
}

func (j *journal) Record(t time.Time, keys ...string) {
	ms := t.UnixMilli()
	for _, k := range keys {
		j.writes.Set(k, ms)
	}
}

func (j *journal) Forget(keys ...string) {
	for _, k := range keys {
		j.writes.Delete(k)
	}
}

// Since returns the keys written at or after t, sorted.
func (j *journal) Since(t time.Time) []string {
	ms := t.UnixMilli()
	var keys []string
	j.writes.Range(func(k string, at int64) bool {
		if at >= ms {
			keys = append(keys, k)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func (j *journal) Clear() {
	j.writes.Clear()
}

func (j *journal) Snapshot() ([]byte, error) {
	out := make(map[string]int64, j.writes.Count())
	j.writes.Range(func(k string, at int64) bool {
		out[k] = at
		return true
	})
	return json.Marshal(out)
}

// Restore merges a snapshot. Entries recorded since startup win.
func (j *journal) Restore(data []byte) error {
	var in map[string]int64
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("journal: restore: %w", err)
	}
	for k, at := range in {
		j.writes.GetOrSet(k, at)
	}
	return nil
}
