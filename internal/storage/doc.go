// Package storage provides the storage engine for keepstore.
//
// The engine fronts a quota-limited host key-value store with an in-memory
// cache and owns the encode pipeline between them.
//
// Architecture:
//
//   - Cache: bounded table of decoded values with pluggable eviction
//   - Pipeline: serialize, compress above a threshold, optionally encrypt
//   - TTL index: per-key deadlines, purged by a periodic sweep
//   - Key index: every user key, grouped by domain prefix
//   - Quota: recency tracker and cleanup near the host's capacity
//   - Migrations: version-tagged transforms applied on read and at startup
//   - Backups: registry of compressed, sealed snapshots in the host store
//
// Reads go cache, then host store, then migrate, decrypt, decompress.
// Writes run the inverse and update the cache with the serialized value.
// Codec failures on read degrade to the raw payload or the caller's
// default; host store failures are returned.
//
// Keys starting with domain.ReservedPrefix belong to the engine: the
// install key, cache snapshot, TTL index, write journal and backups.
package storage
