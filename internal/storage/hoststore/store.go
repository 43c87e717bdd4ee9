// Package hoststore is the quota-limited key-value store the engine
// persists into, with adapters for several backends.
//
// Usage is measured as the sum of len(key)+len(value) over every entry.
// A Set that would push usage above the quota writes nothing and fails
// with domain.ErrQuotaExceeded.
package hoststore

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/keepstore/internal/core/domain"
)

// DefaultQuota is the reference host capacity, 5 MiB.
const DefaultQuota int64 = 5 << 20

// Store is the host key-value primitive.
type Store interface {
	// Get returns the values for keys that exist. Nil keys returns every entry.
	Get(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set writes every item or none of them.
	Set(ctx context.Context, items map[string][]byte) error

	// Remove deletes keys. Missing keys are ignored.
	Remove(ctx context.Context, keys []string) error

	// Clear deletes every entry.
	Clear(ctx context.Context) error

	// BytesInUse returns the current usage.
	BytesInUse(ctx context.Context) (int64, error)

	Close() error
}

// Driver names a Store implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverBadger Driver = "badger"
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
)

// Config selects and configures a driver.
type Config struct {
	Driver Driver
	Quota  int64

	// Dir is the badger data directory.
	Dir string

	// DSN is the sqlite database path.
	DSN string

	Redis RedisConfig
}

// RedisConfig configures the redis adapter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string

	// TLS enables TLS when non-nil.
	TLS *tls.Config
}

// Open builds the store named by cfg.Driver. reg may be nil.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, reg prometheus.Registerer) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case DriverMemory, "":
		return NewMemory(cfg.Quota), nil
	case DriverBadger:
		return OpenBadger(BadgerConfig{Dir: cfg.Dir, Quota: cfg.Quota}, logger, reg)
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.DSN, cfg.Quota)
	case DriverRedis:
		return OpenRedis(ctx, cfg.Redis, cfg.Quota)
	default:
		return nil, fmt.Errorf("hoststore: unknown driver %q", cfg.Driver)
	}
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// projectedUsage returns usage after writing items, given the sizes of
// the values they replace.
func projectedUsage(used int64, items map[string][]byte, replaced map[string]int) int64 {
	next := used
	for k, v := range items {
		if old, ok := replaced[k]; ok {
			next -= int64(len(k) + old)
		}
		next += entrySize(k, v)
	}
	return next
}

func checkQuota(quota, next int64) error {
	if quota > 0 && next > quota {
		return domain.ErrQuotaExceeded.WithDetails(fmt.Sprintf("%d of %d bytes", next, quota))
	}
	return nil
}

func hostErr(op string, err error) error {
	return domain.ErrHostStore.WithDetails(op).WithCause(err)
}

func isQuota(err error) bool {
	return domain.IsDomainError(err, domain.ErrQuotaExceeded.Code)
}
