package config

import "time"

// Config is the root keepstore configuration.
type Config struct {
	Cache  CacheSection  `koanf:"cache"`
	Codec  CodecSection  `koanf:"codec"`
	TTL    TTLSection    `koanf:"ttl"`
	Quota  QuotaSection  `koanf:"quota"`
	Batch  BatchSection  `koanf:"batch"`
	Backup BackupSection `koanf:"backup"`
	Schema SchemaSection `koanf:"schema"`
	Host   HostSection   `koanf:"host"`
	Log    LogSection    `koanf:"log"`
}

// CacheSection configures the in-memory cache. MaxSize and Eviction can
// be changed at runtime.
type CacheSection struct {
	MaxSize          int           `koanf:"max_size"`
	Eviction         string        `koanf:"eviction"`
	OptimizeInterval time.Duration `koanf:"optimize_interval"`

	// FlushEvery is the number of writes between durable cache snapshots.
	FlushEvery int `koanf:"flush_every"`
}

// CodecSection configures compression.
type CodecSection struct {
	CompressThreshold int    `koanf:"compress_threshold"`
	CompressLevel     string `koanf:"compress_level"`
}

// TTLSection configures expiry.
type TTLSection struct {
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// QuotaSection configures quota monitoring.
type QuotaSection struct {
	Bytes         int64         `koanf:"bytes"`
	HighWatermark float64       `koanf:"high_watermark"`
	CleanupRatio  float64       `koanf:"cleanup_ratio"`
	CheckInterval time.Duration `koanf:"check_interval"`
}

// BatchSection configures batch execution.
type BatchSection struct {
	ChunkSize   int `koanf:"chunk_size"`
	Concurrency int `koanf:"concurrency"`

	// RatePerSecond throttles chunk starts. Zero means unlimited.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// BackupSection configures backups.
type BackupSection struct {
	MaxBackups   int  `koanf:"max_backups"`
	SafetyBackup bool `koanf:"safety_backup"`
}

// SchemaSection configures record versioning.
type SchemaSection struct {
	CurrentVersion string `koanf:"current_version"`
}

// HostSection selects the host store.
type HostSection struct {
	// Driver is one of memory, badger, sqlite, redis.
	Driver string `koanf:"driver"`

	// Dir is the badger data directory.
	Dir string `koanf:"dir"`

	// DSN is the sqlite database path.
	DSN string `koanf:"dsn"`

	Redis RedisSection `koanf:"redis"`
}

// RedisSection configures the redis host store.
type RedisSection struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	Namespace string `koanf:"namespace"`

	TLS TLSSection `koanf:"tls"`
}

// TLSSection configures client TLS to a network host store.
type TLSSection struct {
	Enabled         bool   `koanf:"enabled"`
	CAFile          string `koanf:"ca_file"`
	CADir           string `koanf:"ca_dir"`
	SkipSystemRoots bool   `koanf:"skip_system_roots"`
	CertFile        string `koanf:"cert_file"`
	KeyFile         string `koanf:"key_file"`
	ServerName      string `koanf:"server_name"`
	Insecure        bool   `koanf:"insecure"`
}

// LogSection configures logging. Level can be changed at runtime.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
