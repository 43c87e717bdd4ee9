package metric

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every keepstore metric.
const Namespace = "keepstore"

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Registry holds the engine's metrics.
type Registry struct {
	// Cache metrics
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	evictions   *prometheus.CounterVec

	// Expiry and quota metrics
	ttlExpired    prometheus.Counter
	quotaUtil     prometheus.Gauge
	quotaCleanups prometheus.Counter
	quotaCleaned  prometheus.Counter

	// Host store metrics
	hostCalls *prometheus.CounterVec

	// Pipeline metrics
	degradations *prometheus.CounterVec
	migrations   *prometheus.CounterVec
	rejections   *prometheus.CounterVec

	// Backup metrics
	backups *prometheus.CounterVec
}

// NewRegistry creates the engine metrics and registers them with reg.
// A nil reg creates unregistered collectors.
func NewRegistry(reg prometheus.Registerer) (*Registry, error) {
	r := &Registry{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Reads served from the in-memory cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Reads that went to the host store",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cache entries evicted, by strategy",
		}, []string{"strategy"}),
		ttlExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ttl",
			Name:      "expired_total",
			Help:      "Keys removed by the TTL sweep",
		}),
		quotaUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "quota",
			Name:      "utilization_ratio",
			Help:      "Host store bytes in use divided by the quota",
		}),
		quotaCleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "quota",
			Name:      "cleanups_total",
			Help:      "Quota cleanups run",
		}),
		quotaCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "quota",
			Name:      "cleaned_keys_total",
			Help:      "Keys removed by quota cleanup",
		}),
		hostCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "host",
			Name:      "calls_total",
			Help:      "Host store calls, by operation and outcome",
		}, []string{"op", "outcome"}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "codec",
			Name:      "degradations_total",
			Help:      "Reads that fell back after a codec failure, by kind",
		}, []string{"kind"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "migration",
			Name:      "records_total",
			Help:      "Records migrated, by outcome",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "schema",
			Name:      "rejections_total",
			Help:      "Writes rejected by schema validation, by schema",
		}, []string{"schema"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "backup",
			Name:      "operations_total",
			Help:      "Backup operations, by operation and outcome",
		}, []string{"op", "outcome"}),
	}

	if reg == nil {
		return r, nil
	}
	for _, c := range r.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.cacheHits, r.cacheMisses, r.evictions,
		r.ttlExpired, r.quotaUtil, r.quotaCleanups, r.quotaCleaned,
		r.hostCalls, r.degradations, r.migrations, r.rejections, r.backups,
	}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// CacheHit counts a read served from cache.
func (r *Registry) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Inc()
}

// CacheMiss counts a read that missed the cache.
func (r *Registry) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheMisses.Inc()
}

// Evicted counts n evictions under strategy.
func (r *Registry) Evicted(strategy string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.evictions.WithLabelValues(strategy).Add(float64(n))
}

// Expired counts keys purged by the TTL sweep.
func (r *Registry) Expired(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.ttlExpired.Add(float64(n))
}

// QuotaUtilization records the latest utilization ratio.
func (r *Registry) QuotaUtilization(u float64) {
	if r == nil {
		return
	}
	r.quotaUtil.Set(u)
}

// QuotaCleanup counts one cleanup that removed n keys.
func (r *Registry) QuotaCleanup(n int) {
	if r == nil {
		return
	}
	r.quotaCleanups.Inc()
	r.quotaCleaned.Add(float64(n))
}

// HostCall counts a host store call.
func (r *Registry) HostCall(op string, err error) {
	if r == nil {
		return
	}
	r.hostCalls.WithLabelValues(op, outcome(err)).Inc()
}

// Degraded counts a read that fell back after a codec failure.
func (r *Registry) Degraded(kind string) {
	if r == nil {
		return
	}
	r.degradations.WithLabelValues(kind).Inc()
}

// Migrated counts a record migration.
func (r *Registry) Migrated(err error) {
	if r == nil {
		return
	}
	r.migrations.WithLabelValues(outcome(err)).Inc()
}

// Rejected counts a write refused by schema.
func (r *Registry) Rejected(schema string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(schema).Inc()
}

// Backup counts a backup operation.
func (r *Registry) Backup(op string, err error) {
	if r == nil {
		return
	}
	r.backups.WithLabelValues(op, outcome(err)).Inc()
}

