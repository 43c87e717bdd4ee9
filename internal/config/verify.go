package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/yndnr/keepstore/internal/storage/compress"
	"github.com/yndnr/keepstore/internal/storage/eviction"
)

// Verify validates the configuration.
func Verify(cfg *Config) error {
	if err := verifyCache(&cfg.Cache); err != nil {
		return err
	}
	if _, err := compress.ParseLevel(cfg.Codec.CompressLevel); err != nil {
		return fmt.Errorf("codec.compress_level: %w", err)
	}
	if cfg.Codec.CompressThreshold < 0 {
		return errors.New("codec.compress_threshold must not be negative")
	}
	if err := verifyQuota(&cfg.Quota); err != nil {
		return err
	}
	if err := verifyBatch(&cfg.Batch); err != nil {
		return err
	}
	if cfg.Backup.MaxBackups < 1 {
		return errors.New("backup.max_backups must be at least 1")
	}
	if _, err := semver.NewVersion(cfg.Schema.CurrentVersion); err != nil {
		return fmt.Errorf("schema.current_version %q: %w", cfg.Schema.CurrentVersion, err)
	}
	if err := verifyHost(&cfg.Host); err != nil {
		return err
	}
	return verifyLog(&cfg.Log)
}

func verifyCache(cfg *CacheSection) error {
	if cfg.MaxSize < 1 {
		return errors.New("cache.max_size must be at least 1")
	}
	if _, err := eviction.Parse(cfg.Eviction); err != nil {
		return fmt.Errorf("cache.eviction: %w", err)
	}
	if cfg.FlushEvery < 1 {
		return errors.New("cache.flush_every must be at least 1")
	}
	return nil
}

func verifyQuota(cfg *QuotaSection) error {
	if cfg.Bytes < 0 {
		return errors.New("quota.bytes must not be negative")
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > 1 {
		return errors.New("quota.high_watermark must be in (0, 1]")
	}
	if cfg.CleanupRatio <= 0 || cfg.CleanupRatio > 1 {
		return errors.New("quota.cleanup_ratio must be in (0, 1]")
	}
	return nil
}

func verifyBatch(cfg *BatchSection) error {
	if cfg.ChunkSize < 1 {
		return errors.New("batch.chunk_size must be at least 1")
	}
	if cfg.Concurrency < 1 {
		return errors.New("batch.concurrency must be at least 1")
	}
	if cfg.RatePerSecond < 0 {
		return errors.New("batch.rate_per_second must not be negative")
	}
	return nil
}

func verifyHost(cfg *HostSection) error {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
	case "badger":
		// An empty dir runs badger in memory.
	case "sqlite":
		if cfg.DSN == "" {
			return errors.New("host.dsn is required for the sqlite driver")
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("host.redis.addr is required for the redis driver")
		}
		if tls := cfg.Redis.TLS; tls.Enabled && (tls.CertFile == "") != (tls.KeyFile == "") {
			return errors.New("host.redis.tls.cert_file and key_file must be set together")
		}
	default:
		return fmt.Errorf("host.driver %q is not one of memory, badger, sqlite, redis", cfg.Driver)
	}
	return nil
}

func verifyLog(cfg *LogSection) error {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q is not one of json, text", cfg.Format)
	}
	return nil
}
