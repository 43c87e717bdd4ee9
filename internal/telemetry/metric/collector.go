package metric

import "github.com/prometheus/client_golang/prometheus"

// Snapshot is the engine state read at scrape time.
type Snapshot struct {
	CacheEntries  int
	CacheCapacity int
	TTLTracked    int
	Keys          int
	Domains       map[string]int
}

// Collector exports a Snapshot as gauges on every scrape.
type Collector struct {
	snapshot func() Snapshot

	cacheEntries  *prometheus.Desc
	cacheCapacity *prometheus.Desc
	ttlTracked    *prometheus.Desc
	keys          *prometheus.Desc
	domainKeys    *prometheus.Desc
}

// NewCollector creates a collector that calls snapshot on each scrape.
func NewCollector(snapshot func() Snapshot) *Collector {
	return &Collector{
		snapshot: snapshot,
		cacheEntries: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "cache", "entries"),
			"Entries currently cached", nil, nil),
		cacheCapacity: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "cache", "capacity"),
			"Configured cache capacity", nil, nil),
		ttlTracked: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "ttl", "tracked_keys"),
			"Keys with an expiry deadline", nil, nil),
		keys: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "keys"),
			"User keys in the store", nil, nil),
		domainKeys: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "domain", "keys"),
			"User keys per domain", []string{"domain"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntries
	ch <- c.cacheCapacity
	ch <- c.ttlTracked
	ch <- c.keys
	ch <- c.domainKeys
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(s.CacheEntries))
	ch <- prometheus.MustNewConstMetric(c.cacheCapacity, prometheus.GaugeValue, float64(s.CacheCapacity))
	ch <- prometheus.MustNewConstMetric(c.ttlTracked, prometheus.GaugeValue, float64(s.TTLTracked))
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(s.Keys))
	for d, n := range s.Domains {
		ch <- prometheus.MustNewConstMetric(c.domainKeys, prometheus.GaugeValue, float64(n), d)
	}
}
