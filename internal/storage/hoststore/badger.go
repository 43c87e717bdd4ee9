package hoststore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// BadgerConfig configures the badger adapter.
type BadgerConfig struct {
	// Dir is the data directory. Empty runs badger in memory.
	Dir   string
	Quota int64

	// GCInterval is the pause between value-log GC runs. Default 10m.
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC. Default 0.5.
	GCDiscardRatio float64

	SyncWrites bool
}

// Badger is a Store on an embedded badger database.
type Badger struct {
	db     *badger.DB
	cfg    BadgerConfig
	logger *slog.Logger

	// mu serializes writers so quota accounting stays exact.
	mu   sync.Mutex
	used atomic.Int64

	lastGC atomic.Int64

	lsmSize   prometheus.Gauge
	vlogSize  prometheus.Gauge
	usedBytes prometheus.Gauge
	gcRuns    prometheus.Counter

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// OpenBadger opens (or creates) a badger store. reg may be nil.
func OpenBadger(cfg BadgerConfig, logger *slog.Logger, reg prometheus.Registerer) (*Badger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}
	if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio >= 1 {
		cfg.GCDiscardRatio = 0.5
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(&badgerLogger{logger: logger}).
		WithSyncWrites(cfg.SyncWrites)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, hostErr("badger open", err)
	}

	b := &Badger{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	used, err := b.scanUsage()
	if err != nil {
		db.Close()
		return nil, hostErr("badger usage scan", err)
	}
	b.used.Store(used)

	if reg != nil {
		b.registerMetrics(reg)
	}

	go b.gcLoop()

	logger.Info("badger host store opened",
		"dir", cfg.Dir,
		"bytes_in_use", used,
		"gc_interval", cfg.GCInterval)
	return b, nil
}

func (b *Badger) scanUsage() (int64, error) {
	var used int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			used += int64(len(item.Key())) + item.ValueSize()
		}
		return nil
	})
	return used, err
}

func (b *Badger) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		if keys == nil {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				v, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				out[string(item.KeyCopy(nil))] = v
			}
			return nil
		}

		for _, k := range keys {
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, hostErr("badger get", err)
	}
	return out, nil
}

func (b *Badger) Set(ctx context.Context, items map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var next int64
	err := b.db.Update(func(txn *badger.Txn) error {
		replaced := make(map[string]int)
		for k := range items {
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			replaced[k] = int(item.ValueSize())
		}

		next = projectedUsage(b.used.Load(), items, replaced)
		if err := checkQuota(b.cfg.Quota, next); err != nil {
			return err
		}
		for k, v := range items {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isQuota(err) {
			return err
		}
		return hostErr("badger set", err)
	}
	b.used.Store(next)
	b.observeUsage()
	return nil
}

func (b *Badger) Remove(ctx context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var freed int64
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			freed += int64(len(k)) + item.ValueSize()
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return hostErr("badger remove", err)
	}
	b.used.Add(-freed)
	b.observeUsage()
	return nil
}

func (b *Badger) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.db.DropAll(); err != nil {
		return hostErr("badger clear", err)
	}
	b.used.Store(0)
	b.observeUsage()
	return nil
}

func (b *Badger) BytesInUse(context.Context) (int64, error) {
	return b.used.Load(), nil
}

// GC runs value-log garbage collection until badger reports nothing left
// to rewrite, returning the number of rewrites.
func (b *Badger) GC() (int, error) {
	if b.cfg.Dir == "" {
		return 0, nil
	}
	runs := 0
	for {
		err := b.db.RunValueLogGC(b.cfg.GCDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			break
		}
		if err != nil {
			return runs, fmt.Errorf("badger gc: %w", err)
		}
		runs++
	}
	b.lastGC.Store(time.Now().UnixMilli())
	if b.gcRuns != nil {
		b.gcRuns.Add(float64(runs))
	}
	return runs, nil
}

func (b *Badger) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
		if cerr := b.db.Close(); cerr != nil {
			err = fmt.Errorf("badger close: %w", cerr)
		}
		b.logger.Info("badger host store closed")
	})
	return err
}

func (b *Badger) gcLoop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			runs, err := b.GC()
			if err != nil {
				b.logger.Error("badger gc failed", "error", err)
				continue
			}
			b.logger.Debug("badger gc completed", "rewrites", runs, "elapsed", time.Since(start))
			b.observeSize()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Badger) registerMetrics(reg prometheus.Registerer) {
	b.lsmSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keepstore",
		Subsystem: "badger",
		Name:      "lsm_size_bytes",
		Help:      "Badger LSM tree size in bytes.",
	})
	b.vlogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keepstore",
		Subsystem: "badger",
		Name:      "value_log_size_bytes",
		Help:      "Badger value log size in bytes.",
	})
	b.usedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keepstore",
		Subsystem: "badger",
		Name:      "quota_used_bytes",
		Help:      "Bytes counted against the host quota.",
	})
	b.gcRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "keepstore",
		Subsystem: "badger",
		Name:      "gc_rewrites_total",
		Help:      "Value log files rewritten by garbage collection.",
	})
	for _, c := range []prometheus.Collector{b.lsmSize, b.vlogSize, b.usedBytes, b.gcRuns} {
		if err := reg.Register(c); err != nil {
			b.logger.Warn("badger metric not registered", "error", err)
		}
	}
	b.observeSize()
	b.observeUsage()
}

func (b *Badger) observeSize() {
	if b.lsmSize == nil {
		return
	}
	lsm, vlog := b.db.Size()
	b.lsmSize.Set(float64(lsm))
	b.vlogSize.Set(float64(vlog))
}

func (b *Badger) observeUsage() {
	if b.usedBytes != nil {
		b.usedBytes.Set(float64(b.used.Load()))
	}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
