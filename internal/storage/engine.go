package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/internal/storage/backup"
	"github.com/yndnr/keepstore/internal/storage/batch"
	"github.com/yndnr/keepstore/internal/storage/cache"
	"github.com/yndnr/keepstore/internal/storage/compress"
	"github.com/yndnr/keepstore/internal/storage/crypt"
	"github.com/yndnr/keepstore/internal/storage/eviction"
	"github.com/yndnr/keepstore/internal/storage/hoststore"
	"github.com/yndnr/keepstore/internal/storage/migration"
	"github.com/yndnr/keepstore/internal/storage/record"
	"github.com/yndnr/keepstore/internal/storage/schema"
	"github.com/yndnr/keepstore/internal/storage/ttl"
	"github.com/yndnr/keepstore/internal/telemetry/metric"
)

// Default configuration values.
const (
	DefaultOptimizeInterval   = 5 * time.Minute
	DefaultSweepInterval      = time.Minute
	DefaultQuotaCheckInterval = 5 * time.Minute
	DefaultFlushEvery         = 10
	DefaultSchemaVersion      = "1.0.0"
	DefaultHighWatermark      = 0.9
	DefaultCleanupRatio       = 0.2

	maintenanceTimeout = 30 * time.Second
)

// Engine-owned keys.
var (
	installKeyKey    = domain.ReservedKey("install_key")
	cacheSnapshotKey = domain.ReservedKey("cache")
	ttlIndexKey      = domain.ReservedKey("ttl_index")
	journalKey       = domain.ReservedKey("journal")
)

// backupKeyInfo names the HKDF subkey that seals backups.
const backupKeyInfo = "keepstore backup"

// QuotaConfig configures quota monitoring.
type QuotaConfig struct {
	// Bytes is the capacity utilization is measured against.
	Bytes int64

	// HighWatermark is the utilization above which cleanup runs.
	HighWatermark float64

	// CleanupRatio is the share of tracked keys a cleanup removes.
	CleanupRatio float64

	CheckInterval time.Duration

	// TrackedKeys bounds the recency tracker.
	TrackedKeys int
}

// Config configures the storage engine.
type Config struct {
	// Cache
	CacheSize        int
	Eviction         eviction.Strategy
	OptimizeInterval time.Duration

	// FlushEvery is the number of writes between durable cache snapshots.
	FlushEvery int

	// Codec
	CompressThreshold int
	CompressLevel     compress.Level

	SweepInterval time.Duration
	Quota         QuotaConfig
	Batch         batch.Config

	// Backups
	MaxBackups   int
	SafetyBackup bool

	// SchemaVersion is stamped on new records and is the migration target.
	SchemaVersion string

	// Schemas validates writes. Nil loads the built-in domain schemas.
	Schemas *schema.Registry

	Metrics *metric.Registry
	Logger  *slog.Logger
	Clock   func() time.Time
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CacheSize:         cache.DefaultMaxSize,
		Eviction:          eviction.Adaptive,
		OptimizeInterval:  DefaultOptimizeInterval,
		FlushEvery:        DefaultFlushEvery,
		CompressThreshold: compress.DefaultThreshold,
		CompressLevel:     compress.LevelDefault,
		SweepInterval:     DefaultSweepInterval,
		Quota: QuotaConfig{
			Bytes:         hoststore.DefaultQuota,
			HighWatermark: DefaultHighWatermark,
			CleanupRatio:  DefaultCleanupRatio,
			CheckInterval: DefaultQuotaCheckInterval,
		},
		Batch: batch.Config{
			ChunkSize:   batch.DefaultChunkSize,
			Concurrency: batch.DefaultConcurrency,
		},
		MaxBackups:    backup.DefaultMaxBackups,
		SafetyBackup:  true,
		SchemaVersion: DefaultSchemaVersion,
	}
}

// Engine states.
const (
	stateNew int32 = iota
	stateOpen
	stateClosed
)

// Engine is the storage façade: a cache in front of the host store, with
// the encode pipeline, expiry, quota, migrations and backups behind one
// get/set/remove API.
//
// The host store is the source of truth. The cache, TTL index, key index
// and write journal are owned by the engine and mutated only through its
// methods; each is safe for concurrent use on its own. Writers racing on
// one key get last-writer-wins.
type Engine struct {
	cfg     Config
	host    hoststore.Store
	logger  *slog.Logger
	metrics *metric.Registry
	now     func() time.Time

	// Components
	compressor *compress.Codec
	codec      *crypt.Codec
	pipeline   *record.Pipeline
	schemas    *schema.Registry
	migrations *migration.Engine
	cache      *cache.Cache
	ttl        *ttl.Index
	index      *keyIndex
	journal    *journal
	quota      *quotaTracker
	batch      *batch.Coordinator
	backups    *backup.Coordinator

	// writes counts writes since the last flush.
	writes  atomic.Int64
	flushMu sync.Mutex

	state     atomic.Int32
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates an engine over host. Register migrations, then call Open.
func New(host hoststore.Store, cfg Config) (*Engine, error) {
	if host == nil {
		return nil, errors.New("storage: host store is required")
	}
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = def.FlushEvery
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = def.SchemaVersion
	}
	if cfg.Quota.HighWatermark <= 0 {
		cfg.Quota.HighWatermark = def.Quota.HighWatermark
	}
	if cfg.Quota.CleanupRatio <= 0 {
		cfg.Quota.CleanupRatio = def.Quota.CleanupRatio
	}

	policy, err := eviction.Parse(string(cfg.Eviction))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	compressor, err := compress.New(cfg.CompressThreshold, cfg.CompressLevel)
	if err != nil {
		return nil, fmt.Errorf("storage: create compressor: %w", err)
	}

	schemas := cfg.Schemas
	if schemas == nil {
		if schemas, err = schema.NewDefaultRegistry(); err != nil {
			compressor.Close()
			return nil, fmt.Errorf("storage: load schemas: %w", err)
		}
	}

	migrations, err := migration.New(cfg.SchemaVersion, cfg.Logger)
	if err != nil {
		compressor.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	quota, err := newQuotaTracker(cfg.Quota.TrackedKeys)
	if err != nil {
		compressor.Close()
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		host:       instrument(host, cfg.Metrics),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Clock,
		compressor: compressor,
		schemas:    schemas,
		migrations: migrations,
		cache:      cache.New(cfg.CacheSize, policy, cache.WithClock(cfg.Clock)),
		ttl:        ttl.New(ttl.WithClock(cfg.Clock)),
		index:      newKeyIndex(),
		journal:    newJournal(),
		quota:      quota,
		batch:      batch.New(cfg.Batch, cfg.Logger),
		stopCh:     make(chan struct{}),
	}, nil
}

// Migrations returns the migration registry. Migrations registered before
// Open run in the startup scan; later ones apply on read.
func (e *Engine) Migrations() *migration.Engine {
	return e.migrations
}

// Schemas returns the schema registry.
func (e *Engine) Schemas() *schema.Registry {
	return e.schemas
}

// Open loads the install key and engine state, runs the startup scan and
// starts background maintenance.
//
// Startup process:
//  1. Load or generate the install key
//  2. Restore the cache snapshot, TTL index and write journal
//  3. Scan every record: rebuild the key index, run pending migrations,
//     and reconcile cached values with the host store
//  4. Start the optimize, sweep and quota loops
func (e *Engine) Open(ctx context.Context) error {
	if e.state.Load() != stateNew {
		return domain.ErrEngineClosed.WithDetails("engine already opened")
	}
	start := time.Now()

	codec, err := crypt.LoadOrCreate(ctx, e.host, installKeyKey, e.logger)
	if err != nil {
		return fmt.Errorf("storage: install key: %w", err)
	}
	e.codec = codec
	e.pipeline = record.NewPipeline(e.compressor, codec, e.migrations.Current())

	backupCodec, err := codec.Derive(backupKeyInfo)
	if err != nil {
		return fmt.Errorf("storage: backup key: %w", err)
	}
	e.backups, err = backup.New(backup.Config{
		MaxBackups:   e.cfg.MaxBackups,
		SafetyBackup: e.cfg.SafetyBackup,
		Compressor:   e.compressor,
		Encryptor:    backupCodec,
		Logger:       e.logger,
		Clock:        e.now,
	}, e.host, e)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := e.recover(ctx); err != nil {
		return err
	}

	e.state.Store(stateOpen)
	e.wg.Add(1)
	go e.backgroundLoop()

	e.logger.Info("storage engine opened",
		"keys", e.index.Len(),
		"cached", e.cache.Len(),
		"ttl_tracked", e.ttl.Len(),
		"schema_version", e.migrations.Current(),
		"cipher", string(codec.Type()),
		"elapsed", time.Since(start))
	return nil
}

// recover restores engine state and scans every stored record.
func (e *Engine) recover(ctx context.Context) error {
	frames, err := e.host.Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: startup scan: %w", err)
	}

	if data, ok := e.openState(frames, cacheSnapshotKey); ok {
		if n, err := e.cache.Load(data); err != nil {
			e.logger.Warn("cache snapshot unreadable, starting cold", "error", err)
		} else {
			e.logger.Debug("cache snapshot loaded", "entries", n)
		}
	}
	if data, ok := e.openState(frames, ttlIndexKey); ok {
		if err := e.ttl.Restore(data); err != nil {
			e.logger.Warn("ttl index unreadable", "error", err)
		}
	}
	if data, ok := e.openState(frames, journalKey); ok {
		if err := e.journal.Restore(data); err != nil {
			e.logger.Warn("write journal unreadable", "error", err)
		}
	}

	var (
		rewrites = make(map[string][]byte)
		failed   int
	)
	for key, frame := range frames {
		if domain.IsReserved(key) {
			continue
		}
		e.index.Add(key)
		e.quota.Touch(key)

		stale := false
		if r, err := record.Unmarshal(frame); err == nil {
			stale = e.migrations.NeedsMigration(r.SchemaVersion)
		}
		_, cached := e.cache.Peek(key)
		if !stale && !cached {
			continue
		}

		l, err := e.load(key, frame)
		if err != nil {
			e.cache.Delete(key)
			continue
		}
		if l.rewrite != nil {
			rewrites[key] = l.rewrite
		}
		if l.migrateErr != nil {
			failed++
		}
		if cached {
			if l.degraded {
				e.cache.Delete(key)
			} else {
				e.cache.Refresh(key, l.plain, l.ratio)
			}
		}
	}

	// A snapshot may name keys removed after it was taken.
	for _, k := range e.cache.Keys() {
		if !e.index.Has(k) {
			e.cache.Delete(k)
		}
	}

	if len(rewrites) > 0 {
		if err := e.host.Set(ctx, rewrites); err != nil {
			e.logger.Warn("migrated records not written back", "count", len(rewrites), "error", err)
		}
	}

	e.logger.Info("startup scan completed",
		"keys", e.index.Len(),
		"migrated", len(rewrites),
		"migration_failed", failed)
	return nil
}

// sealState encodes engine state with the install key. The cache
// snapshot holds decrypted values, so it must never be stored in clear.
func (e *Engine) sealState(data []byte) ([]byte, error) {
	enc, err := e.pipeline.EncodePlain(data, record.EncodeOptions{Encrypt: true})
	if err != nil {
		return nil, err
	}
	return record.Marshal(enc.Record)
}

func (e *Engine) openState(frames map[string][]byte, key string) ([]byte, bool) {
	frame, ok := frames[key]
	if !ok {
		return nil, false
	}
	r, err := record.Unmarshal(frame)
	if err != nil {
		e.logger.Warn("engine state unreadable", "key", key, "error", err)
		return nil, false
	}
	data, err := e.pipeline.Decode(r)
	if err != nil {
		e.logger.Warn("engine state unreadable", "key", key, "error", err)
		return nil, false
	}
	return data, true
}

// Flush writes the cache snapshot, TTL index and write journal.
func (e *Engine) Flush(ctx context.Context) error {
	if e.state.Load() == stateNew {
		return domain.ErrEngineClosed.WithDetails("engine not open")
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	items := make(map[string][]byte, 3)
	for key, snapshot := range map[string]func() ([]byte, error){
		cacheSnapshotKey: e.cache.Snapshot,
		ttlIndexKey:      e.ttl.Snapshot,
		journalKey:       e.journal.Snapshot,
	} {
		data, err := snapshot()
		if err != nil {
			return fmt.Errorf("storage: snapshot %s: %w", key, err)
		}
		if items[key], err = e.sealState(data); err != nil {
			return fmt.Errorf("storage: seal %s: %w", key, err)
		}
	}
	if err := e.host.Set(ctx, items); err != nil {
		return fmt.Errorf("storage: flush: %w", err)
	}
	e.writes.Store(0)
	return nil
}

// noteWrites flushes once every FlushEvery writes.
func (e *Engine) noteWrites(ctx context.Context, n int) {
	if e.writes.Add(int64(n)) < int64(e.cfg.FlushEvery) {
		return
	}
	if err := e.Flush(ctx); err != nil {
		e.logger.Warn("cache flush failed", "error", err)
	}
}

func (e *Engine) persistTTL(ctx context.Context) error {
	data, err := e.ttl.Snapshot()
	if err != nil {
		return err
	}
	sealed, err := e.sealState(data)
	if err != nil {
		return err
	}
	return e.host.Set(ctx, map[string][]byte{ttlIndexKey: sealed})
}

// ready reports whether the engine accepts calls.
func (e *Engine) ready() error {
	switch e.state.Load() {
	case stateOpen:
		return nil
	case stateNew:
		return domain.ErrEngineClosed.WithDetails("engine not open")
	default:
		return domain.ErrEngineClosed
	}
}

// backgroundLoop runs cache optimization, the TTL sweep and the quota
// check on independent timers. Each task is idempotent and safe to run
// alongside its foreground equivalent.
func (e *Engine) backgroundLoop() {
	defer e.wg.Done()

	optimizeC, stopOptimize := ticker(e.cfg.OptimizeInterval)
	defer stopOptimize()
	sweepC, stopSweep := ticker(e.cfg.SweepInterval)
	defer stopSweep()
	quotaC, stopQuota := ticker(e.cfg.Quota.CheckInterval)
	defer stopQuota()

	for {
		select {
		case <-optimizeC:
			e.optimize()

		case <-sweepC:
			ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			if _, err := e.SweepExpired(ctx); err != nil {
				e.logger.Error("ttl sweep failed", "error", err)
			}
			cancel()

		case <-quotaC:
			ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
			if _, err := e.CheckQuota(ctx); err != nil {
				e.logger.Error("quota check failed", "error", err)
			}
			cancel()

		case <-e.stopCh:
			return
		}
	}
}

// ticker returns a nil channel for a non-positive interval, which
// disables that task.
func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// optimize shrinks the cache to capacity.
func (e *Engine) optimize() {
	evicted := e.cache.Optimize()
	if len(evicted) == 0 {
		return
	}
	strategy := e.cache.Strategy()
	e.metrics.Evicted(string(strategy), len(evicted))
	e.logger.Debug("cache optimized", "evicted", len(evicted), "strategy", string(strategy))
}

func (e *Engine) maybeOptimize() {
	if e.cache.OverCapacity() {
		e.optimize()
	}
}

// SweepExpired removes every key past its TTL from the host store and the
// cache, persists the shrunk index, and returns the removed keys.
func (e *Engine) SweepExpired(ctx context.Context) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	removed, err := e.ttl.Sweep(ctx, e.purge)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}
	e.metrics.Expired(len(removed))
	e.logger.Info("expired keys removed", "count", len(removed))
	if err := e.persistTTL(ctx); err != nil {
		e.logger.Warn("ttl index not persisted", "error", err)
	}
	return removed, nil
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Cache            cache.Stats
	Keys             int
	Domains          map[string]int
	TTLTracked       int
	QuotaTracked     int
	WritesSinceFlush int64
}

// Stats returns current engine statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Cache:            e.cache.Stats(),
		Keys:             e.index.Len(),
		Domains:          e.index.Counts(),
		TTLTracked:       e.ttl.Len(),
		QuotaTracked:     e.quota.Len(),
		WritesSinceFlush: e.writes.Load(),
	}
}

// MetricsSnapshot feeds the scrape-time collector.
func (e *Engine) MetricsSnapshot() metric.Snapshot {
	cs := e.cache.Stats()
	return metric.Snapshot{
		CacheEntries:  cs.Size,
		CacheCapacity: cs.MaxSize,
		TTLTracked:    e.ttl.Len(),
		Keys:          e.index.Len(),
		Domains:       e.index.Counts(),
	}
}

// Retune applies a new cache capacity and eviction strategy to the live
// engine. Zero or empty values leave a setting unchanged.
func (e *Engine) Retune(maxSize int, strategy string) error {
	var policy eviction.Policy
	if strategy != "" {
		p, err := eviction.Parse(strategy)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		policy = p
	}
	e.cache.Retune(maxSize, policy)
	e.optimize()

	e.logger.Info("cache retuned",
		"max_size", e.cache.MaxSize(),
		"strategy", string(e.cache.Strategy()))
	return nil
}

// Close stops background maintenance and flushes engine state. The host
// store is left open; its owner closes it.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		prev := e.state.Swap(stateClosed)
		if prev != stateOpen {
			e.compressor.Close()
			return
		}
		e.logger.Info("shutting down storage engine")

		close(e.stopCh)
		e.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
		defer cancel()
		if err = e.Flush(ctx); err != nil {
			e.logger.Error("final flush failed", "error", err)
		}
		e.compressor.Close()
		e.logger.Info("storage engine shutdown complete")
	})
	return err
}
