// Package metric provides Prometheus metrics for keepstore.
//
// This package implements metrics collection:
//
//   - prometheus.go: counters and gauges updated by the engine
//   - collector.go: scrape-time gauges read from engine state
//
// Metrics include:
//
//   - Cache hits, misses and evictions
//   - Host store calls by operation and outcome
//   - Codec degradations, migrations and schema rejections
//   - Quota utilization and cleanups
//   - Backups created and restored
//
// Every method on *Registry is safe on a nil receiver, so components run
// unchanged when no registry is configured.
package metric
