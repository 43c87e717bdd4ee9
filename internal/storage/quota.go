package storage

import (
	"context"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultTrackedKeys bounds the quota tracker. Keys beyond it fall out
// of the tracker first and are never chosen for cleanup.
const defaultTrackedKeys = 1 << 16

// QuotaReport is the result of CheckQuota.
type QuotaReport struct {
	BytesInUse  int64
	Quota       int64
	Utilization float64

	// Cleaned lists the keys removed, least recently used first.
	Cleaned []string

	// UtilizationAfter is measured again after a cleanup. Without one it
	// equals Utilization.
	UtilizationAfter float64
}

// quotaTracker orders user keys by recency of access for quota cleanup.
type quotaTracker struct {
	keys *lru.Cache[string, struct{}]
}

func newQuotaTracker(size int) (*quotaTracker, error) {
	if size <= 0 {
		size = defaultTrackedKeys
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("storage: quota tracker: %w", err)
	}
	return &quotaTracker{keys: c}, nil
}

// Touch marks keys as most recently used.
func (q *quotaTracker) Touch(keys ...string) {
	for _, k := range keys {
		q.keys.Add(k, struct{}{})
	}
}

func (q *quotaTracker) Forget(keys ...string) {
	for _, k := range keys {
		q.keys.Remove(k)
	}
}

// Oldest returns up to n keys, least recently used first.
func (q *quotaTracker) Oldest(n int) []string {
	keys := q.keys.Keys()
	if n < len(keys) {
		keys = keys[:n]
	}
	return keys
}

func (q *quotaTracker) Len() int {
	return q.keys.Len()
}

func (q *quotaTracker) Reset() {
	q.keys.Purge()
}

func (e *Engine) utilization(ctx context.Context) (int64, float64, error) {
	used, err := e.host.BytesInUse(ctx)
	if err != nil {
		return 0, 0, err
	}
	quota := e.cfg.Quota.Bytes
	if quota <= 0 {
		return used, 0, nil
	}
	u := float64(used) / float64(quota)
	e.metrics.QuotaUtilization(u)
	return used, u, nil
}

// CheckQuota measures host usage and, above the high watermark, removes
// the least recently used share of tracked keys.
func (e *Engine) CheckQuota(ctx context.Context) (QuotaReport, error) {
	if err := e.ready(); err != nil {
		return QuotaReport{}, err
	}

	used, u, err := e.utilization(ctx)
	if err != nil {
		return QuotaReport{}, err
	}
	report := QuotaReport{
		BytesInUse:       used,
		Quota:            e.cfg.Quota.Bytes,
		Utilization:      u,
		UtilizationAfter: u,
	}
	if u <= e.cfg.Quota.HighWatermark {
		return report, nil
	}

	e.logger.Warn("storage quota high, cleaning up",
		"bytes_in_use", used,
		"quota", e.cfg.Quota.Bytes,
		"utilization", u)

	cleaned, err := e.cleanup(ctx)
	report.Cleaned = cleaned
	if err != nil {
		return report, err
	}
	if _, after, err := e.utilization(ctx); err == nil {
		report.UtilizationAfter = after
	}
	return report, nil
}

// cleanup removes ceil(CleanupRatio x tracked) least recently used keys.
func (e *Engine) cleanup(ctx context.Context) ([]string, error) {
	tracked := e.quota.Len()
	n := int(math.Ceil(e.cfg.Quota.CleanupRatio * float64(tracked)))
	if n <= 0 {
		return nil, nil
	}

	victims := e.quota.Oldest(n)
	if err := e.purge(ctx, victims); err != nil {
		return nil, fmt.Errorf("storage: quota cleanup: %w", err)
	}
	e.ttl.Remove(victims...)
	e.metrics.QuotaCleanup(len(victims))
	e.logger.Info("quota cleanup completed", "removed", len(victims), "tracked", tracked)
	return victims, nil
}
