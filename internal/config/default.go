package config

import "time"

// Default configuration values.
const (
	DefaultCacheMaxSize     = 1000
	DefaultEviction         = "adaptive"
	DefaultOptimizeInterval = 5 * time.Minute
	DefaultFlushEvery       = 10

	DefaultCompressThreshold = 1000
	DefaultCompressLevel     = "default"

	DefaultSweepInterval = time.Minute

	DefaultQuotaBytes         int64 = 5 << 20
	DefaultHighWatermark            = 0.9
	DefaultCleanupRatio             = 0.2
	DefaultQuotaCheckInterval       = 5 * time.Minute

	DefaultChunkSize   = 10
	DefaultConcurrency = 3

	DefaultMaxBackups = 10

	DefaultSchemaVersion = "1.0.0"

	DefaultHostDriver     = "memory"
	DefaultRedisAddr      = "127.0.0.1:6379"
	DefaultRedisNamespace = "keepstore"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Cache: CacheSection{
			MaxSize:          DefaultCacheMaxSize,
			Eviction:         DefaultEviction,
			OptimizeInterval: DefaultOptimizeInterval,
			FlushEvery:       DefaultFlushEvery,
		},
		Codec: CodecSection{
			CompressThreshold: DefaultCompressThreshold,
			CompressLevel:     DefaultCompressLevel,
		},
		TTL: TTLSection{
			SweepInterval: DefaultSweepInterval,
		},
		Quota: QuotaSection{
			Bytes:         DefaultQuotaBytes,
			HighWatermark: DefaultHighWatermark,
			CleanupRatio:  DefaultCleanupRatio,
			CheckInterval: DefaultQuotaCheckInterval,
		},
		Batch: BatchSection{
			ChunkSize:   DefaultChunkSize,
			Concurrency: DefaultConcurrency,
		},
		Backup: BackupSection{
			MaxBackups:   DefaultMaxBackups,
			SafetyBackup: true,
		},
		Schema: SchemaSection{
			CurrentVersion: DefaultSchemaVersion,
		},
		Host: HostSection{
			Driver: DefaultHostDriver,
			Redis: RedisSection{
				Addr:      DefaultRedisAddr,
				Namespace: DefaultRedisNamespace,
			},
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
