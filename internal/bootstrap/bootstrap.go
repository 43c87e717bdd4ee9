package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/keepstore/internal/config"
	"github.com/yndnr/keepstore/internal/infra/buildinfo"
	"github.com/yndnr/keepstore/internal/infra/confloader"
	"github.com/yndnr/keepstore/internal/infra/tlsroots"
	"github.com/yndnr/keepstore/internal/storage"
	"github.com/yndnr/keepstore/internal/storage/batch"
	"github.com/yndnr/keepstore/internal/storage/compress"
	"github.com/yndnr/keepstore/internal/storage/eviction"
	"github.com/yndnr/keepstore/internal/storage/hoststore"
	"github.com/yndnr/keepstore/internal/storage/migration"
	"github.com/yndnr/keepstore/internal/telemetry/logger"
	"github.com/yndnr/keepstore/internal/telemetry/metric"
)

// Options control Open.
type Options struct {
	// ConfigFile is an optional YAML file.
	ConfigFile string

	// Overrides are dotted keys applied above file and environment.
	Overrides map[string]any

	// Watch reloads ConfigFile on change and applies the runtime-tunable
	// settings: cache size, eviction strategy and log level.
	Watch bool

	// Registry receives the metrics. Nil leaves them unregistered.
	Registry prometheus.Registerer

	// Logger overrides the logger built from the log section.
	Logger *slog.Logger

	// LogOutput is where a built logger writes. Default os.Stderr.
	LogOutput io.Writer

	// Migrations are registered before the startup scan.
	Migrations []migration.Migration
}

// Handle owns one running keepstore.
type Handle struct {
	Engine *storage.Engine

	mu        sync.Mutex
	cfg       *config.Config
	loader    *confloader.Loader
	host      hoststore.Store
	watcher   *confloader.Watcher
	collector prometheus.Collector
	registry  prometheus.Registerer
	logger    *slog.Logger
	closeOnce sync.Once
}

// Open loads configuration, builds every component and opens the engine.
//
// Startup process:
//  1. Load defaults, the config file, environment and overrides; verify
//  2. Build the logger and the metrics registry
//  3. Open the host store named by host.driver
//  4. Create the engine, register migrations, open it
//  5. Optionally watch the config file
func Open(ctx context.Context, opts Options) (*Handle, error) {
	loaderOpts := []confloader.Option{}
	if opts.ConfigFile != "" {
		loaderOpts = append(loaderOpts, confloader.WithConfigFile(opts.ConfigFile))
	}
	loader := confloader.NewLoader(loaderOpts...)
	if opts.Overrides != nil {
		if err := loader.LoadMap(opts.Overrides); err != nil {
			return nil, err
		}
	}

	cfg, err := load(loader)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		out := opts.LogOutput
		if out == nil {
			out = os.Stderr
		}
		if log, err = logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out}); err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	log.Debug("configuration loaded", "config", config.Sanitize(cfg))

	metrics, err := metric.NewRegistry(opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	hostCfg, err := HostConfig(cfg)
	if err != nil {
		return nil, err
	}
	host, err := hoststore.Open(ctx, hostCfg, log, opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("open host store: %w", err)
	}

	engineCfg, err := EngineConfig(cfg)
	if err != nil {
		host.Close()
		return nil, err
	}
	engineCfg.Metrics = metrics
	engineCfg.Logger = log

	engine, err := storage.New(host, engineCfg)
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	for _, m := range opts.Migrations {
		if err := engine.Migrations().Register(m); err != nil {
			engine.Close()
			host.Close()
			return nil, fmt.Errorf("register migration %s -> %s: %w", m.From, m.To, err)
		}
	}
	if err := engine.Open(ctx); err != nil {
		engine.Close()
		host.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	h := &Handle{
		Engine:   engine,
		cfg:      cfg,
		loader:   loader,
		host:     host,
		registry: opts.Registry,
		logger:   log,
	}

	if opts.Registry != nil {
		c := metric.NewCollector(engine.MetricsSnapshot)
		if err := opts.Registry.Register(c); err != nil {
			log.Warn("engine collector not registered", "error", err)
		} else {
			h.collector = c
		}
	}

	if opts.Watch && opts.ConfigFile != "" {
		if err := h.watch(opts.ConfigFile); err != nil {
			h.Close()
			return nil, fmt.Errorf("watch config: %w", err)
		}
	}

	log.Info("keepstore started",
		"version", buildinfo.Version,
		"host_driver", cfg.Host.Driver,
		"schema_version", cfg.Schema.CurrentVersion,
		"config", opts.ConfigFile)
	return h, nil
}

func load(loader *confloader.Loader) (*config.Config, error) {
	cfg := config.Default()
	if err := loader.Load(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// HostConfig maps the host section to a hoststore config, loading TLS
// material when redis TLS is enabled.
func HostConfig(cfg *config.Config) (hoststore.Config, error) {
	out := hoststore.Config{
		Driver: hoststore.Driver(cfg.Host.Driver),
		Quota:  cfg.Quota.Bytes,
		Dir:    cfg.Host.Dir,
		DSN:    cfg.Host.DSN,
		Redis: hoststore.RedisConfig{
			Addr:      cfg.Host.Redis.Addr,
			Password:  cfg.Host.Redis.Password,
			DB:        cfg.Host.Redis.DB,
			Namespace: cfg.Host.Redis.Namespace,
		},
	}
	if t := cfg.Host.Redis.TLS; t.Enabled {
		tlsCfg, err := tlsroots.ClientConfig(tlsroots.Options{
			CAFile:             t.CAFile,
			CADir:              t.CADir,
			SkipSystemRoots:    t.SkipSystemRoots,
			CertFile:           t.CertFile,
			KeyFile:            t.KeyFile,
			ServerName:         t.ServerName,
			InsecureSkipVerify: t.Insecure,
		})
		if err != nil {
			return hoststore.Config{}, fmt.Errorf("host.redis.tls: %w", err)
		}
		out.Redis.TLS = tlsCfg
	}
	return out, nil
}

// EngineConfig maps a verified configuration to the engine's.
func EngineConfig(cfg *config.Config) (storage.Config, error) {
	level, err := compress.ParseLevel(cfg.Codec.CompressLevel)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.DefaultConfig()
	out.CacheSize = cfg.Cache.MaxSize
	out.Eviction = eviction.Strategy(cfg.Cache.Eviction)
	out.OptimizeInterval = cfg.Cache.OptimizeInterval
	out.FlushEvery = cfg.Cache.FlushEvery
	out.CompressThreshold = cfg.Codec.CompressThreshold
	out.CompressLevel = level
	out.SweepInterval = cfg.TTL.SweepInterval
	out.Quota = storage.QuotaConfig{
		Bytes:         cfg.Quota.Bytes,
		HighWatermark: cfg.Quota.HighWatermark,
		CleanupRatio:  cfg.Quota.CleanupRatio,
		CheckInterval: cfg.Quota.CheckInterval,
	}
	out.Batch = batch.Config{
		ChunkSize:     cfg.Batch.ChunkSize,
		Concurrency:   cfg.Batch.Concurrency,
		RatePerSecond: cfg.Batch.RatePerSecond,
		Burst:         cfg.Batch.Burst,
	}
	out.MaxBackups = cfg.Backup.MaxBackups
	out.SafetyBackup = cfg.Backup.SafetyBackup
	out.SchemaVersion = cfg.Schema.CurrentVersion
	return out, nil
}

func (h *Handle) watch(path string) error {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(h.logger))
	if err != nil {
		return err
	}
	if err := w.Watch(path); err != nil {
		w.Stop()
		return err
	}
	w.OnChange(func(string) {
		if err := h.Reload(); err != nil {
			h.logger.Error("configuration reload failed", "error", err)
		}
	})
	w.StartAsync()
	h.watcher = w
	return nil
}

// Config returns the configuration in effect.
func (h *Handle) Config() config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.cfg
}

// Reload re-reads configuration and applies the runtime-tunable settings.
// Changes to other settings are logged and take effect on the next Open.
func (h *Handle) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next, err := load(h.loader)
	if err != nil {
		return err
	}
	prev := h.cfg

	if next.Cache.MaxSize != prev.Cache.MaxSize || next.Cache.Eviction != prev.Cache.Eviction {
		if err := h.Engine.Retune(next.Cache.MaxSize, next.Cache.Eviction); err != nil {
			return err
		}
	}
	if next.Log.Level != prev.Log.Level {
		if err := logger.SetLevel(next.Log.Level); err != nil {
			return err
		}
		h.logger.Info("log level changed", "level", next.Log.Level)
	}
	if restartNeeded(prev, next) {
		h.logger.Warn("configuration changed outside the runtime-tunable settings, restart to apply")
	}

	h.cfg = next
	return nil
}

// restartNeeded reports whether a and b differ beyond the settings Reload
// applies.
func restartNeeded(a, b *config.Config) bool {
	x, y := *a, *b
	x.Cache.MaxSize, y.Cache.MaxSize = 0, 0
	x.Cache.Eviction, y.Cache.Eviction = "", ""
	x.Log.Level, y.Log.Level = "", ""
	return x != y
}

// Close stops the watcher, closes the engine, then the host store.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		start := time.Now()
		if h.watcher != nil {
			h.watcher.Stop()
		}
		if h.collector != nil {
			h.registry.Unregister(h.collector)
		}
		err = errors.Join(h.Engine.Close(), h.host.Close())
		h.logger.Info("keepstore stopped", "elapsed", time.Since(start))
	})
	return err
}
