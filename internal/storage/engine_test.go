package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/internal/storage/backup"
	"github.com/yndnr/keepstore/internal/storage/batch"
	"github.com/yndnr/keepstore/internal/storage/compress"
	"github.com/yndnr/keepstore/internal/storage/hoststore"
	"github.com/yndnr/keepstore/internal/storage/migration"
	"github.com/yndnr/keepstore/internal/storage/record"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig disables background loops and periodic flushes.
func testConfig(clock *fakeClock) Config {
	cfg := DefaultConfig()
	cfg.OptimizeInterval = 0
	cfg.SweepInterval = 0
	cfg.Quota.CheckInterval = 0
	cfg.FlushEvery = 1000
	cfg.SafetyBackup = false
	cfg.Logger = quietLogger()
	cfg.Clock = clock.Now
	return cfg
}

func openEngine(t *testing.T, host hoststore.Store, cfg Config) *Engine {
	t.Helper()
	e, err := New(host, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func newTestEngine(t *testing.T) (*Engine, *hoststore.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mem := hoststore.NewMemory(0)
	return openEngine(t, mem, testConfig(clock)), mem, clock
}

func storedRecord(t *testing.T, mem *hoststore.Memory, key string) record.Record {
	t.Helper()
	found, err := mem.Get(context.Background(), []string{key})
	if err != nil {
		t.Fatalf("host Get() error = %v", err)
	}
	frame, ok := found[key]
	if !ok {
		t.Fatalf("%s not in host store", key)
	}
	r, err := record.Unmarshal(frame)
	if err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", key, err)
	}
	return r
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.CacheSize != 1000 {
		t.Errorf("CacheSize = %d, want 1000", cfg.CacheSize)
	}
	if cfg.FlushEvery != DefaultFlushEvery {
		t.Errorf("FlushEvery = %d, want %d", cfg.FlushEvery, DefaultFlushEvery)
	}
	if cfg.Quota.Bytes != 5<<20 {
		t.Errorf("Quota.Bytes = %d, want 5 MiB", cfg.Quota.Bytes)
	}
	if cfg.Batch.ChunkSize != 10 || cfg.Batch.Concurrency != 3 {
		t.Errorf("Batch = %+v", cfg.Batch)
	}
}

func TestEngine_New(t *testing.T) {
	t.Run("missing host", func(t *testing.T) {
		if _, err := New(nil, DefaultConfig()); err == nil {
			t.Error("expected error for missing host store")
		}
	})

	t.Run("unknown eviction strategy", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Eviction = "random"
		if _, err := New(hoststore.NewMemory(0), cfg); err == nil {
			t.Error("expected error for unknown strategy")
		}
	})

	t.Run("invalid schema version", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SchemaVersion = "latest"
		if _, err := New(hoststore.NewMemory(0), cfg); !errors.Is(err, domain.ErrInvalidVersion) {
			t.Errorf("New() error = %v, want ErrInvalidVersion", err)
		}
	})

	t.Run("not opened", func(t *testing.T) {
		e, err := New(hoststore.NewMemory(0), DefaultConfig())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer e.Close()
		if _, err := e.Get(context.Background(), "k", nil); !errors.Is(err, domain.ErrEngineClosed) {
			t.Errorf("Get() before Open error = %v", err)
		}
	})
}

func TestEngine_CacheHitMakesNoHostCalls(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "k1", "hello"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	mem.ResetCalls()

	got, err := e.Get(ctx, "k1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("Get() = %v, want hello", got)
	}
	if calls := mem.Calls(); calls.Total() != 0 {
		t.Errorf("host calls = %+v, want none", calls)
	}
}

func TestEngine_RoundTripEncodings(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		key        string
		value      any
		opts       []SetOption
		compressed bool
		encrypted  bool
	}{
		{"plain", "small", "hi", nil, false, false},
		{"compressed", "big", strings.Repeat("a", 2000), nil, true, false},
		{"encrypted", "secret", map[string]any{"token": "abc"}, []SetOption{WithEncrypt()}, false, true},
		{"compressed and encrypted", "bigsecret", strings.Repeat("b", 5000), []SetOption{WithEncrypt()}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.Set(ctx, tt.key, tt.value, tt.opts...); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			r := storedRecord(t, mem, tt.key)
			if r.Encoding.IsCompressed() != tt.compressed || r.Encoding.IsEncrypted() != tt.encrypted {
				t.Errorf("stored encoding = %s", r.Encoding)
			}
			if tt.encrypted && bytes.Contains(r.Payload, []byte("abc")) {
				t.Error("encrypted payload contains plaintext")
			}

			// Force the read through the host store.
			e.cache.Delete(tt.key)
			got, err := e.Get(ctx, tt.key, nil)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.value) {
				t.Errorf("Get() = %v, want %v", got, tt.value)
			}
			if _, ok := e.cache.Peek(tt.key); !ok {
				t.Error("host read did not populate the cache")
			}
		})
	}
}

func TestEngine_CacheCompressionRatio(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "big", strings.Repeat("a", 2000)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	written, _ := e.cache.Peek("big")

	e.cache.Delete("big")
	if _, err := e.Get(ctx, "big", nil); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	read, ok := e.cache.Peek("big")
	if !ok {
		t.Fatal("host read did not populate the cache")
	}

	r := storedRecord(t, mem, "big")
	want := compress.Ratio(len(read.Value), len(r.Payload))
	if read.CompressionRatio != want || want >= 1 {
		t.Errorf("CompressionRatio after read = %v, want %v", read.CompressionRatio, want)
	}
	if written.CompressionRatio != want {
		t.Errorf("CompressionRatio after write = %v, want %v", written.CompressionRatio, want)
	}
}

func TestEngine_GetDefault(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	got, err := e.Get(ctx, "missing", "fallback")
	if err != nil || got != "fallback" {
		t.Errorf("Get(missing) = %v, %v", got, err)
	}

	t.Run("undecodable record", func(t *testing.T) {
		frame, _ := record.Marshal(record.Record{
			Encoding:      record.Encrypted,
			SchemaVersion: DefaultSchemaVersion,
			Payload:       []byte("not a ciphertext at all"),
		})
		mem.Set(ctx, map[string][]byte{"broken": frame})

		got, err := e.Get(ctx, "broken", "fallback")
		if err != nil || got != "fallback" {
			t.Errorf("Get(broken) = %v, %v, want fallback", got, err)
		}
		if _, ok := e.cache.Peek("broken"); ok {
			t.Error("undecodable record was cached")
		}
	})

	t.Run("raw JSON without frame", func(t *testing.T) {
		mem.Set(ctx, map[string][]byte{"legacy": []byte(`{"a":1}`)})

		got, err := e.Get(ctx, "legacy", nil)
		if err != nil {
			t.Fatalf("Get(legacy) error = %v", err)
		}
		want := map[string]any{"a": float64(1)}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Get(legacy) = %v, want %v", got, want)
		}
	})

	t.Run("host failure", func(t *testing.T) {
		mem.FailWith(errors.New("disk gone"))
		defer mem.FailWith(nil)

		got, err := e.Get(ctx, "missing", "fallback")
		if !domain.IsHostStoreError(err) {
			t.Errorf("Get() error = %v, want host store error", err)
		}
		if got != "fallback" {
			t.Errorf("Get() = %v, want fallback", got)
		}
	})
}

func TestEngine_GetInto(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	type track struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := e.Set(ctx, "track", track{ID: "t1", Title: "Song"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var got track
	found, err := e.GetInto(ctx, "track", &got)
	if err != nil || !found {
		t.Fatalf("GetInto() = %v, %v", found, err)
	}
	if got.Title != "Song" {
		t.Errorf("GetInto() = %+v", got)
	}

	found, err = e.GetInto(ctx, "nope", &got)
	if err != nil || found {
		t.Errorf("GetInto(missing) = %v, %v", found, err)
	}
}

func TestEngine_TTLSweep(t *testing.T) {
	e, mem, clock := newTestEngine(t)
	ctx := context.Background()

	if err := e.Set(ctx, "temp", "v", WithTTL(10*time.Millisecond)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := e.Set(ctx, "keep", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if removed, _ := e.SweepExpired(ctx); len(removed) != 0 {
		t.Errorf("early sweep removed %v", removed)
	}

	clock.Advance(11 * time.Millisecond)
	removed, err := e.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != "temp" {
		t.Errorf("SweepExpired() = %v, want [temp]", removed)
	}

	got, err := e.Get(ctx, "temp", "gone")
	if err != nil || got != "gone" {
		t.Errorf("Get(temp) = %v, %v, want gone", got, err)
	}
	found, _ := mem.Get(ctx, []string{"temp", "keep"})
	if _, ok := found["temp"]; ok {
		t.Error("expired key still in host store")
	}
	if _, ok := found["keep"]; !ok {
		t.Error("key without TTL was swept")
	}
}

func TestEngine_SetWithoutTTLClearsExpiry(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()

	e.Set(ctx, "k", "v1", WithTTL(time.Millisecond))
	e.Set(ctx, "k", "v2")
	clock.Advance(time.Second)

	if removed, _ := e.SweepExpired(ctx); len(removed) != 0 {
		t.Errorf("SweepExpired() = %v, want none", removed)
	}
}

func TestEngine_SchemaValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	valid := map[string]any{
		"id":     "p1",
		"name":   "Road trip",
		"tracks": []any{map[string]any{"id": "t1"}},
	}
	if err := e.Set(ctx, "playlist_p1", valid); err != nil {
		t.Errorf("Set(valid playlist) error = %v", err)
	}

	err := e.Set(ctx, "playlist_p2", map[string]any{"id": "p2"})
	if !errors.Is(err, domain.ErrEncoding) {
		t.Errorf("Set(invalid playlist) error = %v, want ErrEncoding", err)
	}
	if _, ok := e.cache.Peek("playlist_p2"); ok {
		t.Error("rejected value was cached")
	}

	err = e.Set(ctx, "prefs", map[string]any{"theme": "neon"}, WithSchema("settings"))
	if !errors.Is(err, domain.ErrEncoding) {
		t.Errorf("Set(WithSchema) error = %v, want ErrEncoding", err)
	}

	err = e.Set(ctx, "prefs", map[string]any{}, WithSchema("nope"))
	if !errors.Is(err, domain.ErrUnknownSchema) {
		t.Errorf("Set(unknown schema) error = %v, want ErrUnknownSchema", err)
	}

	// Domains without a schema are not validated.
	if err := e.Set(ctx, "note_1", 42); err != nil {
		t.Errorf("Set(note_1) error = %v", err)
	}
}

func TestEngine_ReservedKeys(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	key := domain.ReservedKey("install_key")
	if err := e.Set(ctx, key, "x"); !errors.Is(err, domain.ErrInvalidKey) {
		t.Errorf("Set(reserved) error = %v", err)
	}
	if _, err := e.Get(ctx, key, nil); !errors.Is(err, domain.ErrInvalidKey) {
		t.Errorf("Get(reserved) error = %v", err)
	}
	if err := e.Remove(ctx, key); !errors.Is(err, domain.ErrInvalidKey) {
		t.Errorf("Remove(reserved) error = %v", err)
	}
	if err := e.Set(ctx, "", "x"); !errors.Is(err, domain.ErrInvalidKey) {
		t.Errorf("Set(empty) error = %v", err)
	}
}

func TestEngine_DomainIndex(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, k := range []string{"note_b", "note_a", "mix_day", "loose"} {
		if err := e.Set(ctx, k, k); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	if got := e.DomainKeys("note"); !reflect.DeepEqual(got, []string{"note_a", "note_b"}) {
		t.Errorf("DomainKeys(note) = %v", got)
	}
	if got := e.DomainKeys("missing"); len(got) != 0 {
		t.Errorf("DomainKeys(missing) = %v", got)
	}

	if err := e.Remove(ctx, "note_a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	values, err := e.GetDomain(ctx, "note")
	if err != nil {
		t.Fatalf("GetDomain() error = %v", err)
	}
	if len(values) != 1 || values["note_b"] != "note_b" {
		t.Errorf("GetDomain() = %v", values)
	}

	if got := e.Keys(); !reflect.DeepEqual(got, []string{"loose", "mix_day", "note_b"}) {
		t.Errorf("Keys() = %v", got)
	}
	if counts := e.Stats().Domains; counts["note"] != 1 || counts["mix"] != 1 {
		t.Errorf("Stats().Domains = %v", counts)
	}
}

func TestEngine_GetMultipleSingleHostCall(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.SetMultiple(ctx, map[string]any{"a": 1, "b": 2, "c": 3}); err != nil {
		t.Fatalf("SetMultiple() error = %v", err)
	}
	e.cache.Delete("b", "c")
	mem.ResetCalls()

	got, err := e.GetMultiple(ctx, []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("GetMultiple() error = %v", err)
	}
	want := map[string]any{"a": float64(1), "b": float64(2), "c": float64(3)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetMultiple() = %v, want %v", got, want)
	}
	if calls := mem.Calls(); calls.Get != 1 {
		t.Errorf("host gets = %d, want 1", calls.Get)
	}
}

func TestEngine_SetMultipleAllOrNothing(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	err := e.SetMultiple(ctx, map[string]any{
		"settings_ok":  map[string]any{"theme": "dark"},
		"settings_bad": map[string]any{"theme": "neon"},
	})
	if !errors.Is(err, domain.ErrEncoding) {
		t.Fatalf("SetMultiple() error = %v, want ErrEncoding", err)
	}
	found, _ := mem.Get(ctx, []string{"settings_ok"})
	if len(found) != 0 {
		t.Error("SetMultiple wrote a partial batch")
	}
}

func TestEngine_BatchPartialFailure(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var ops []batch.Operation
	for i := 0; i < 25; i++ {
		ops = append(ops, batch.Operation{
			Kind:  batch.Set,
			Key:   fmt.Sprintf("settings_%02d", i),
			Value: map[string]any{"volume": i},
		})
	}
	ops[17].Value = map[string]any{"volume": 500}

	results := e.Batch(ctx, ops)
	if len(results) != len(ops) {
		t.Fatalf("Batch() returned %d results, want %d", len(results), len(ops))
	}
	failed := 0
	for i, r := range results {
		if r.Key != ops[i].Key {
			t.Errorf("result %d key = %s, want %s", i, r.Key, ops[i].Key)
		}
		if !r.OK() {
			failed++
			if i != 17 || !errors.Is(r.Err, domain.ErrEncoding) {
				t.Errorf("result %d failed: %v", i, r.Err)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if got := len(e.DomainKeys("settings")); got != 24 {
		t.Errorf("stored settings = %d, want 24", got)
	}
}

func TestEngine_BatchMixed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	e.Set(ctx, "old", "x")

	results := e.Batch(ctx, []batch.Operation{
		{Kind: batch.Set, Key: "a", Value: "1"},
		{Kind: batch.Get, Key: "a"},
		{Kind: batch.Get, Key: "missing"},
		{Kind: batch.Remove, Key: "old"},
		{Kind: batch.Get, Key: "old"},
		{Kind: batch.Set, Key: domain.ReservedKey("x"), Value: "1"},
	})

	if !results[0].OK() {
		t.Errorf("set a: %v", results[0].Err)
	}
	if !results[1].Found || results[1].Value != "1" {
		t.Errorf("get a = %+v", results[1])
	}
	if results[2].Found || !results[2].OK() {
		t.Errorf("get missing = %+v", results[2])
	}
	if !results[3].OK() {
		t.Errorf("remove old: %v", results[3].Err)
	}
	if results[4].Found {
		t.Errorf("get old after remove = %+v", results[4])
	}
	if !errors.Is(results[5].Err, domain.ErrInvalidKey) {
		t.Errorf("set reserved: %v", results[5].Err)
	}
}

func TestEngine_QuotaCleanup(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := e.Set(ctx, fmt.Sprintf("k%d", i), strings.Repeat("x", 100)); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	// k0 becomes the most recently used.
	e.Get(ctx, "k0", nil)

	used, _ := mem.BytesInUse(ctx)
	e.cfg.Quota.Bytes = used

	report, err := e.CheckQuota(ctx)
	if err != nil {
		t.Fatalf("CheckQuota() error = %v", err)
	}
	if report.Utilization <= DefaultHighWatermark {
		t.Fatalf("Utilization = %v, want above watermark", report.Utilization)
	}
	if !reflect.DeepEqual(report.Cleaned, []string{"k1", "k2"}) {
		t.Errorf("Cleaned = %v, want [k1 k2]", report.Cleaned)
	}
	if report.UtilizationAfter >= report.Utilization {
		t.Errorf("utilization %v -> %v, want a decrease", report.Utilization, report.UtilizationAfter)
	}
	if got, _ := e.Get(ctx, "k1", "gone"); got != "gone" {
		t.Errorf("Get(k1) = %v, want gone", got)
	}

	e.cfg.Quota.Bytes = used * 10
	report, err = e.CheckQuota(ctx)
	if err != nil || len(report.Cleaned) != 0 {
		t.Errorf("CheckQuota() below watermark = %+v, %v", report, err)
	}
}

func TestEngine_QuotaExceededTriggersCleanup(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e.Set(ctx, fmt.Sprintf("k%d", i), strings.Repeat("x", 100))
	}
	used, _ := mem.BytesInUse(ctx)
	mem.SetQuota(used + 50)

	err := e.Set(ctx, "huge", strings.Repeat("y", 500))
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("Set() error = %v, want ErrQuotaExceeded", err)
	}
	if !domain.IsHostStoreError(err) {
		t.Error("quota error should belong to the host store family")
	}
	if got := len(e.Keys()); got != 8 {
		t.Errorf("keys after cleanup = %d, want 8", got)
	}
	after, _ := mem.BytesInUse(ctx)
	if after >= used {
		t.Errorf("bytes in use %d -> %d, want a decrease", used, after)
	}
}

func TestEngine_OptimizeOnWrite(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	cfg.CacheSize = 3
	e := openEngine(t, hoststore.NewMemory(0), cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		clock.Advance(time.Second)
		e.Set(ctx, fmt.Sprintf("k%d", i), i)
	}
	stats := e.Stats()
	if stats.Cache.Size > 3 {
		t.Errorf("cache size = %d, want <= 3", stats.Cache.Size)
	}
	if stats.Cache.Evictions != 3 {
		t.Errorf("evictions = %d, want 3", stats.Cache.Evictions)
	}
	// Evicted entries are still readable from the host store.
	if got, _ := e.Get(ctx, "k0", nil); got != float64(0) {
		t.Errorf("Get(k0) = %v", got)
	}
}

func TestEngine_Retune(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		e.Set(ctx, fmt.Sprintf("k%d", i), i)
	}

	if err := e.Retune(2, "lru"); err != nil {
		t.Fatalf("Retune() error = %v", err)
	}
	stats := e.Stats().Cache
	if stats.Size != 2 || stats.MaxSize != 2 || stats.Strategy != "lru" {
		t.Errorf("stats after Retune = %+v", stats)
	}
	if _, ok := e.cache.Peek("k4"); !ok {
		t.Error("LRU retune evicted the newest entry")
	}
	if err := e.Retune(0, "fifo"); err == nil {
		t.Error("Retune() with unknown strategy should fail")
	}
}

func TestEngine_Clear(t *testing.T) {
	e, mem, _ := newTestEngine(t)
	ctx := context.Background()
	e.Set(ctx, "playlist_x", map[string]any{"id": "x", "name": "n", "tracks": []any{}})
	e.Set(ctx, "t", 1, WithTTL(time.Hour))

	if err := e.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n := len(e.Keys()); n != 0 {
		t.Errorf("keys after Clear = %d", n)
	}
	if got, _ := e.Get(ctx, "t", "gone"); got != "gone" {
		t.Errorf("Get(t) after Clear = %v", got)
	}
	stats := e.Stats()
	if stats.Cache.Size != 0 || stats.TTLTracked != 0 {
		t.Errorf("stats after Clear = %+v", stats)
	}
	found, _ := mem.Get(ctx, []string{installKeyKey})
	if _, ok := found[installKeyKey]; !ok {
		t.Error("Clear removed the install key")
	}
}

func TestEngine_RestartKeepsState(t *testing.T) {
	clock := newFakeClock()
	mem := hoststore.NewMemory(0)
	ctx := context.Background()

	first, err := New(mem, testConfig(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	first.Set(ctx, "secret", map[string]any{"token": "abc"}, WithEncrypt())
	first.Set(ctx, "temp", "v", WithTTL(time.Hour))
	first.Set(ctx, "gone", "v")
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Removed behind the snapshot's back.
	mem.Remove(ctx, []string{"gone"})

	second := openEngine(t, mem, testConfig(clock))
	if _, ok := second.ttl.ExpiresAt("temp"); !ok {
		t.Error("TTL index not restored")
	}
	if _, ok := second.cache.Peek("secret"); !ok {
		t.Error("cache snapshot not restored")
	}
	if _, ok := second.cache.Peek("gone"); ok {
		t.Error("snapshot entry for a removed key survived")
	}

	mem.ResetCalls()
	got, err := second.Get(ctx, "secret", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any{"token": "abc"}) {
		t.Errorf("Get(secret) = %v", got)
	}
	if mem.Calls().Total() != 0 {
		t.Error("restored cache entry went to the host store")
	}

	found, _ := mem.Get(ctx, []string{cacheSnapshotKey})
	if bytes.Contains(found[cacheSnapshotKey], []byte("abc")) {
		t.Error("cache snapshot stored decrypted values in clear")
	}
}

func TestEngine_FlushEvery(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	cfg.FlushEvery = 3
	mem := hoststore.NewMemory(0)
	e := openEngine(t, mem, cfg)
	ctx := context.Background()

	e.Set(ctx, "a", 1)
	e.Set(ctx, "b", 2)
	if e.Stats().WritesSinceFlush != 2 {
		t.Errorf("WritesSinceFlush = %d, want 2", e.Stats().WritesSinceFlush)
	}
	found, _ := mem.Get(ctx, []string{cacheSnapshotKey})
	if len(found) != 0 {
		t.Error("flushed before FlushEvery writes")
	}

	e.Set(ctx, "c", 3)
	found, _ = mem.Get(ctx, []string{cacheSnapshotKey})
	if len(found) != 1 {
		t.Error("no flush after FlushEvery writes")
	}
	if e.Stats().WritesSinceFlush != 0 {
		t.Errorf("WritesSinceFlush = %d, want 0", e.Stats().WritesSinceFlush)
	}
}

func TestEngine_Migrations(t *testing.T) {
	clock := newFakeClock()
	mem := hoststore.NewMemory(0)
	ctx := context.Background()

	v1 := testConfig(clock)
	v1.SchemaVersion = "2.0.0"
	first, err := New(mem, v1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	first.Set(ctx, "doc", map[string]any{"name": "a"})
	first.Set(ctx, "cold", map[string]any{"name": "b"})
	first.cache.Delete("cold")
	first.Close()

	orphan, _ := record.Marshal(record.Record{
		Encoding:      record.Raw,
		SchemaVersion: "1.5.0",
		Payload:       []byte(`{"keep":"me"}`),
	})
	mem.Set(ctx, map[string][]byte{"orphan": orphan})

	v3 := testConfig(clock)
	v3.SchemaVersion = "3.0.0"
	second, err := New(mem, v3)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { second.Close() })
	err = second.Migrations().Register(migration.Migration{
		From: "2.0.0",
		To:   "3.0.0",
		Transform: func(data any) (any, error) {
			m, ok := data.(map[string]any)
			if !ok {
				return nil, errors.New("not an object")
			}
			m["migrated"] = true
			return m, nil
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := second.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for _, key := range []string{"doc", "cold"} {
		if v := storedRecord(t, mem, key).SchemaVersion; v != "3.0.0" {
			t.Errorf("%s stored version = %s, want 3.0.0", key, v)
		}
		got, _ := second.Get(ctx, key, nil)
		m, _ := got.(map[string]any)
		if m["migrated"] != true {
			t.Errorf("Get(%s) = %v, want migrated field", key, got)
		}
	}

	got, _ := second.Get(ctx, "orphan", nil)
	if !reflect.DeepEqual(got, map[string]any{"keep": "me"}) {
		t.Errorf("Get(orphan) = %v", got)
	}
	found, _ := mem.Get(ctx, []string{"orphan"})
	if !bytes.Equal(found["orphan"], orphan) {
		t.Error("record without a migration path was rewritten")
	}
}

func TestEngine_MigrationFailureKeepsRecord(t *testing.T) {
	clock := newFakeClock()
	mem := hoststore.NewMemory(0)
	ctx := context.Background()

	frame, _ := record.Marshal(record.Record{
		Encoding:      record.Raw,
		SchemaVersion: "1.0.0",
		Payload:       []byte(`"just a string"`),
	})
	mem.Set(ctx, map[string][]byte{"odd": frame})

	cfg := testConfig(clock)
	cfg.SchemaVersion = "2.0.0"
	e, err := New(mem, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	e.Migrations().Register(migration.Migration{
		From: "1.0.0",
		To:   "2.0.0",
		Transform: func(data any) (any, error) {
			if _, ok := data.(map[string]any); !ok {
				return nil, errors.New("not an object")
			}
			return data, nil
		},
	})
	if err := e.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if v := storedRecord(t, mem, "odd").SchemaVersion; v != "1.0.0" {
		t.Errorf("stored version = %s, want 1.0.0", v)
	}
	if got, _ := e.Get(ctx, "odd", nil); got != "just a string" {
		t.Errorf("Get(odd) = %v", got)
	}
}

func TestEngine_MigrationPanicKeepsRecord(t *testing.T) {
	clock := newFakeClock()
	mem := hoststore.NewMemory(0)
	ctx := context.Background()

	for key, payload := range map[string]string{"doc_bad": `{"a":1}`, "doc_good": `{"a":2}`} {
		frame, _ := record.Marshal(record.Record{
			Encoding:      record.Raw,
			SchemaVersion: "1.0.0",
			Payload:       []byte(payload),
		})
		mem.Set(ctx, map[string][]byte{key: frame})
	}

	cfg := testConfig(clock)
	cfg.SchemaVersion = "2.0.0"
	e, err := New(mem, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	e.Migrations().Register(migration.Migration{
		From: "1.0.0",
		To:   "2.0.0",
		Transform: func(data any) (any, error) {
			m := data.(map[string]any)
			if m["a"] == float64(1) {
				var missing map[string]any
				missing["b"] = true
			}
			m["migrated"] = true
			return m, nil
		},
	})
	if err := e.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if v := storedRecord(t, mem, "doc_bad").SchemaVersion; v != "1.0.0" {
		t.Errorf("doc_bad stored version = %s, want 1.0.0", v)
	}
	if v := storedRecord(t, mem, "doc_good").SchemaVersion; v != "2.0.0" {
		t.Errorf("doc_good stored version = %s, want 2.0.0", v)
	}
	got, _ := e.Get(ctx, "doc_good", nil)
	if m, _ := got.(map[string]any); m["migrated"] != true {
		t.Errorf("Get(doc_good) = %v", got)
	}
}

func TestEngine_StartupScanCountsMigrationFailures(t *testing.T) {
	clock := newFakeClock()
	mem := hoststore.NewMemory(0)
	ctx := context.Background()

	records := map[string]string{
		"doc_ok":     "1.0.0",
		"doc_fail":   "1.0.0",
		"doc_orphan": "1.5.0",
	}
	for key, version := range records {
		frame, _ := record.Marshal(record.Record{
			Encoding:      record.Raw,
			SchemaVersion: version,
			Payload:       []byte(`{"name":"` + key + `"}`),
		})
		mem.Set(ctx, map[string][]byte{key: frame})
	}

	var logs bytes.Buffer
	cfg := testConfig(clock)
	cfg.SchemaVersion = "2.0.0"
	cfg.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	e, err := New(mem, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	e.Migrations().Register(migration.Migration{
		From: "1.0.0",
		To:   "2.0.0",
		Transform: func(data any) (any, error) {
			if data.(map[string]any)["name"] == "doc_fail" {
				return nil, errors.New("cannot upgrade")
			}
			return data, nil
		},
	})
	if err := e.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var summary struct {
		Migrated int `json:"migrated"`
		Failed   int `json:"migration_failed"`
	}
	found := false
	for _, line := range bytes.Split(logs.Bytes(), []byte("\n")) {
		if bytes.Contains(line, []byte(`"msg":"startup scan completed"`)) {
			if err := json.Unmarshal(line, &summary); err != nil {
				t.Fatalf("Unmarshal(%s) error = %v", line, err)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("no startup summary in logs:\n%s", logs.String())
	}
	if summary.Migrated != 1 || summary.Failed != 1 {
		t.Errorf("startup summary = %+v, want 1 migrated and 1 failed", summary)
	}
}

func TestEngine_ExportImport(t *testing.T) {
	src, _, _ := newTestEngine(t)
	ctx := context.Background()
	src.Set(ctx, "secret", "s3cr3t", WithEncrypt())
	src.Set(ctx, "settings_main", map[string]any{"theme": "dark"})

	env, err := src.Export(ctx)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if env.Version != DefaultSchemaVersion || len(env.Data) != 2 {
		t.Errorf("envelope = %+v", env)
	}
	if !reflect.DeepEqual(env.Sealed, []string{"secret"}) {
		t.Errorf("Sealed = %v", env.Sealed)
	}
	if !strings.HasPrefix(env.Generator, "keepstore/") {
		t.Errorf("Generator = %q", env.Generator)
	}

	dst, dstMem, _ := newTestEngine(t)
	dst.Set(ctx, "stale", 1)
	written, err := dst.Import(ctx, env, true)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if !reflect.DeepEqual(written, []string{"secret", "settings_main"}) {
		t.Errorf("Import() = %v", written)
	}
	if got := dst.Keys(); !reflect.DeepEqual(got, []string{"secret", "settings_main"}) {
		t.Errorf("Keys() after import = %v", got)
	}
	if !storedRecord(t, dstMem, "secret").Encoding.IsEncrypted() {
		t.Error("sealed key imported without encryption")
	}
	if got, _ := dst.Get(ctx, "secret", nil); got != "s3cr3t" {
		t.Errorf("Get(secret) = %v", got)
	}
}

func TestEngine_BackupRestore(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(clock)
	cfg.SafetyBackup = true
	mem := hoststore.NewMemory(0)
	e := openEngine(t, mem, cfg)
	ctx := context.Background()

	e.Set(ctx, "secret", "s", WithEncrypt())
	e.Set(ctx, "plain", "p")

	clock.Advance(time.Second)
	full, err := e.CreateBackup(ctx, backup.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}
	if !reflect.DeepEqual(full.Keys, []string{"plain", "secret"}) {
		t.Errorf("backup keys = %v", full.Keys)
	}

	clock.Advance(time.Second)
	e.Set(ctx, "later", "l")
	clock.Advance(time.Second)
	inc, err := e.CreateBackup(ctx, backup.CreateOptions{Type: backup.Incremental})
	if err != nil {
		t.Fatalf("CreateBackup(incremental) error = %v", err)
	}
	if !reflect.DeepEqual(inc.Keys, []string{"later"}) || inc.Parent != full.ID {
		t.Errorf("incremental = %+v", inc)
	}

	e.Remove(ctx, "secret")
	e.Set(ctx, "plain", "changed")

	clock.Advance(time.Second)
	res, err := e.RestoreBackup(ctx, full.ID, backup.RestoreOptions{ClearExisting: true})
	if err != nil {
		t.Fatalf("RestoreBackup() error = %v", err)
	}
	if res.SafetyBackupID == "" {
		t.Error("no safety backup taken")
	}
	if got := e.Keys(); !reflect.DeepEqual(got, []string{"plain", "secret"}) {
		t.Errorf("Keys() after restore = %v", got)
	}
	if got, _ := e.Get(ctx, "plain", nil); got != "p" {
		t.Errorf("Get(plain) = %v", got)
	}
	if !storedRecord(t, mem, "secret").Encoding.IsEncrypted() {
		t.Error("restored secret not encrypted")
	}

	list, err := e.ListBackups(ctx)
	if err != nil || len(list) != 3 {
		t.Errorf("ListBackups() = %d, %v", len(list), err)
	}
	if err := e.DeleteBackup(ctx, inc.ID); err != nil {
		t.Errorf("DeleteBackup() error = %v", err)
	}

	// Backups are engine state: user-facing Clear leaves them.
	e.Clear(ctx)
	if list, _ := e.ListBackups(ctx); len(list) != 2 {
		t.Errorf("backups after Clear = %d, want 2", len(list))
	}
}

func TestEngine_Closed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := e.Set(ctx, "k", 1); !errors.Is(err, domain.ErrEngineClosed) {
		t.Errorf("Set() after Close error = %v", err)
	}
	if _, err := e.Get(ctx, "k", nil); !errors.Is(err, domain.ErrEngineClosed) {
		t.Errorf("Get() after Close error = %v", err)
	}
	results := e.Batch(ctx, []batch.Operation{{Kind: batch.Get, Key: "k"}})
	if !errors.Is(results[0].Err, domain.ErrEngineClosed) {
		t.Errorf("Batch() after Close error = %v", results[0].Err)
	}
}

func TestEngine_BadgerHost(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := newFakeClock()

	open := func() *hoststore.Badger {
		b, err := hoststore.OpenBadger(hoststore.BadgerConfig{Dir: dir, Quota: hoststore.DefaultQuota}, quietLogger(), nil)
		if err != nil {
			t.Fatalf("OpenBadger() error = %v", err)
		}
		return b
	}

	host := open()
	e, err := New(host, testConfig(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := e.Set(ctx, "collection_1", map[string]any{"id": "1", "kind": "album", "items": []any{"t1"}}, WithEncrypt()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	e.Close()
	host.Close()

	host = open()
	defer host.Close()
	e, err = New(host, testConfig(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer e.Close()

	if got := e.DomainKeys("collection"); len(got) != 1 {
		t.Errorf("DomainKeys() after reopen = %v", got)
	}
	e.cache.Delete("collection_1")
	got, err := e.Get(ctx, "collection_1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if m, _ := got.(map[string]any); m["kind"] != "album" {
		t.Errorf("Get() = %v", got)
	}
}
