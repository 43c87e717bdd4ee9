// Package cmap provides a sharded concurrent map keyed by strings.
//
// Keys are spread over a power-of-two number of shards by a seeded maphash,
// each shard guarded by its own RWMutex. Iteration locks one shard at a
// time, so Range sees a consistent view per shard, not across the map.
//
//	m := cmap.New[*Entry]()
//	m.Set("playlist_42", e)
//	e, ok := m.Get("playlist_42")
package cmap
