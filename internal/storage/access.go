package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/internal/storage/batch"
	"github.com/yndnr/keepstore/internal/storage/compress"
	"github.com/yndnr/keepstore/internal/storage/record"
)

type setOptions struct {
	encrypt bool
	ttl     time.Duration
	schema  string
}

// SetOption configures a write.
type SetOption func(*setOptions)

// WithEncrypt seals the stored record with the install key.
func WithEncrypt() SetOption {
	return func(o *setOptions) { o.encrypt = true }
}

// WithTTL expires the key d after the write. A write without it clears
// any previous expiry.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// WithSchema validates the value against a named schema instead of the
// schema of the key's domain.
func WithSchema(name string) SetOption {
	return func(o *setOptions) { o.schema = name }
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// loaded is a decoded record.
type loaded struct {
	plain     json.RawMessage
	ratio     float64
	encrypted bool

	// degraded marks a raw payload returned after a codec failure.
	degraded bool

	// rewrite is the re-encoded frame after a migration.
	rewrite []byte

	// migrateErr is set when a pending migration failed.
	migrateErr error
}

// pending is an encoded write.
type pending struct {
	key   string
	frame []byte
	plain json.RawMessage
	ratio float64
	ttl   time.Duration
}

// Get returns the value stored under key, decoded from JSON, or def when
// the key is absent or its record cannot be decoded. Only host store
// failures are returned as errors.
func (e *Engine) Get(ctx context.Context, key string, def any) (any, error) {
	raw, ok, err := e.read(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return def, nil
	}
	return v, nil
}

// GetInto decodes the value stored under key into dst and reports whether
// it was found.
func (e *Engine) GetInto(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := e.read(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, domain.ErrSerialize.WithDetails(key).WithCause(err)
	}
	return true, nil
}

func (e *Engine) read(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := e.ready(); err != nil {
		return nil, false, err
	}
	if err := domain.ValidateKey(key); err != nil {
		return nil, false, err
	}
	out, err := e.readMany(ctx, []string{key})
	if err != nil {
		return nil, false, err
	}
	raw, ok := out[key]
	return raw, ok, nil
}

// readMany serves keys from cache and fetches the rest in one host call.
// Keys that are absent or undecodable are left out of the result.
func (e *Engine) readMany(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	var misses []string
	for _, k := range keys {
		if raw, ok := e.cache.Get(k); ok {
			e.metrics.CacheHit()
			e.quota.Touch(k)
			out[k] = raw
			continue
		}
		e.metrics.CacheMiss()
		misses = append(misses, k)
	}
	if len(misses) == 0 {
		return out, nil
	}

	found, err := e.host.Get(ctx, misses)
	if err != nil {
		return nil, err
	}

	rewrites := make(map[string][]byte)
	for _, k := range misses {
		frame, ok := found[k]
		if !ok {
			continue
		}
		l, err := e.load(k, frame)
		if err != nil {
			continue
		}
		e.index.Add(k)
		e.quota.Touch(k)
		if l.rewrite != nil {
			rewrites[k] = l.rewrite
		}
		if !l.degraded {
			e.cache.Set(k, l.plain, l.ratio)
		}
		out[k] = l.plain
	}

	if len(rewrites) > 0 {
		if err := e.host.Set(ctx, rewrites); err != nil {
			e.logger.Warn("migrated records not written back", "count", len(rewrites), "error", err)
		}
	}
	e.maybeOptimize()
	return out, nil
}

// load reverses the write pipeline for one stored frame and brings the
// value up to the current schema version.
func (e *Engine) load(key string, frame []byte) (loaded, error) {
	r, err := record.Unmarshal(frame)
	if err != nil {
		return e.degrade(key, "frame", frame, err)
	}
	plain, err := e.pipeline.Decode(r)
	if err != nil {
		return e.degrade(key, degradeKind(err), r.Payload, err)
	}

	l := loaded{
		plain:     plain,
		ratio:     storedRatio(r, plain),
		encrypted: r.Encoding.IsEncrypted(),
	}

	if e.migrations.NeedsMigration(r.SchemaVersion) {
		res, err := e.migrations.Migrate(plain, r.SchemaVersion)
		switch {
		case err != nil:
			l.migrateErr = err
			e.metrics.Migrated(err)
			e.logger.Warn("record migration failed, keeping stored version",
				"key", key,
				"version", r.SchemaVersion,
				"error", err)
		case res.Applied > 0:
			enc, err := e.pipeline.Reencode(r, res.Data, res.Version)
			if err == nil {
				l.rewrite, err = record.Marshal(enc.Record)
			}
			if err != nil {
				l.migrateErr = err
				e.metrics.Migrated(err)
				e.logger.Warn("migrated record not re-encoded", "key", key, "error", err)
				break
			}
			e.metrics.Migrated(nil)
			e.logger.Debug("record migrated",
				"key", key,
				"from", r.SchemaVersion,
				"to", res.Version,
				"steps", res.Applied)
			l.plain = res.Data
			l.ratio = enc.CompressionRatio
		}
	}

	if name := e.schemaFor(key, ""); name != "" {
		if res, err := e.schemas.ValidateJSON(l.plain, name); err == nil && !res.Valid {
			e.logger.Warn("stored record does not match schema",
				"key", key,
				"schema", name,
				"errors", res.Errors)
		}
	}
	return l, nil
}

// degrade handles a codec failure: the raw payload is returned when it is
// valid JSON, otherwise the value is unavailable. The stored record is
// left untouched either way.
func (e *Engine) degrade(key, kind string, payload []byte, cause error) (loaded, error) {
	e.metrics.Degraded(kind)
	if json.Valid(payload) {
		e.logger.Warn("record decode failed, returning raw payload",
			"key", key,
			"kind", kind,
			"error", cause)
		return loaded{plain: payload, ratio: 1, degraded: true}, nil
	}
	e.logger.Warn("record decode failed, value unavailable",
		"key", key,
		"kind", kind,
		"error", cause)
	return loaded{}, cause
}

func degradeKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrCrypto), errors.Is(err, domain.ErrKeyUnavailable):
		return "crypto"
	case errors.Is(err, domain.ErrCompression):
		return "compression"
	case errors.Is(err, domain.ErrRecordCorrupted):
		return "frame"
	default:
		return "decode"
	}
}

func storedRatio(r record.Record, plain []byte) float64 {
	if !r.Encoding.IsCompressed() {
		return 1
	}
	return compress.Ratio(len(plain), len(r.Payload))
}

// Set encodes value and writes it. The cache receives the serialized
// value, never the encoded record.
func (e *Engine) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	p, err := e.encode(key, value, applySetOptions(opts))
	if err != nil {
		return err
	}
	return e.write(ctx, []pending{p})
}

// SetMultiple writes every item in one host call, or none of them if any
// fails to encode.
func (e *Engine) SetMultiple(ctx context.Context, items map[string]any, opts ...SetOption) error {
	if err := e.ready(); err != nil {
		return err
	}
	o := applySetOptions(opts)
	writes := make([]pending, 0, len(items))
	for k, v := range items {
		if err := domain.ValidateKey(k); err != nil {
			return err
		}
		p, err := e.encode(k, v, o)
		if err != nil {
			return fmt.Errorf("storage: %s: %w", k, err)
		}
		writes = append(writes, p)
	}
	if len(writes) == 0 {
		return nil
	}
	return e.write(ctx, writes)
}

// GetMultiple returns the values found for keys. Cached keys cost no host
// call; the rest are fetched together.
func (e *Engine) GetMultiple(ctx context.Context, keys []string) (map[string]any, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := domain.ValidateKey(k); err != nil {
			return nil, err
		}
	}
	raws, err := e.readMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raws))
	for k, raw := range raws {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	return out, nil
}

func (e *Engine) encode(key string, value any, o setOptions) (pending, error) {
	plain, err := record.Serialize(value)
	if err != nil {
		return pending{}, err
	}
	if name := e.schemaFor(key, o.schema); name != "" {
		if err := e.validate(plain, name); err != nil {
			return pending{}, err
		}
	}
	enc, err := e.pipeline.EncodePlain(plain, record.EncodeOptions{Encrypt: o.encrypt})
	if err != nil {
		return pending{}, err
	}
	frame, err := record.Marshal(enc.Record)
	if err != nil {
		return pending{}, err
	}
	return pending{
		key:   key,
		frame: frame,
		plain: plain,
		ratio: enc.CompressionRatio,
		ttl:   o.ttl,
	}, nil
}

// schemaFor picks the schema guarding key: the explicit one, else the one
// named after the key's domain, if registered.
func (e *Engine) schemaFor(key, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if d, ok := domain.DomainOf(key); ok && e.schemas.Has(d) {
		return d
	}
	return ""
}

func (e *Engine) validate(plain []byte, name string) error {
	res, err := e.schemas.ValidateJSON(plain, name)
	if err != nil {
		return err
	}
	if !res.Valid {
		e.metrics.Rejected(name)
		return res.Err(name)
	}
	return nil
}

// write stores encoded records in one host call and updates engine state.
// A quota failure triggers cleanup; the write itself still fails.
func (e *Engine) write(ctx context.Context, writes []pending) error {
	frames := make(map[string][]byte, len(writes))
	for _, p := range writes {
		frames[p.key] = p.frame
	}
	if err := e.host.Set(ctx, frames); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			e.logger.Warn("host quota exceeded on write, cleaning up", "keys", len(writes))
			if _, cerr := e.cleanup(ctx); cerr != nil {
				e.logger.Error("quota cleanup failed", "error", cerr)
			}
		}
		return err
	}

	now := e.now()
	for _, p := range writes {
		e.cache.Set(p.key, p.plain, p.ratio)
		e.index.Add(p.key)
		e.quota.Touch(p.key)
		e.journal.Record(now, p.key)
		if p.ttl > 0 {
			e.ttl.AddEntry(p.key, p.ttl, now)
		} else {
			e.ttl.Remove(p.key)
		}
	}
	e.noteWrites(ctx, len(writes))
	e.maybeOptimize()
	return nil
}

// Remove deletes keys from the host store and the cache.
func (e *Engine) Remove(ctx context.Context, keys ...string) error {
	if err := e.ready(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := domain.ValidateKey(k); err != nil {
			return err
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := e.purge(ctx, keys); err != nil {
		return err
	}
	e.ttl.Remove(keys...)
	return nil
}

// purge removes keys from the host store, then from every index but the
// TTL index, whose owner decides.
func (e *Engine) purge(ctx context.Context, keys []string) error {
	if err := e.host.Remove(ctx, keys); err != nil {
		return err
	}
	e.cache.Delete(keys...)
	e.index.Remove(keys...)
	e.quota.Forget(keys...)
	e.journal.Forget(keys...)
	return nil
}

// Clear removes every user key and the engine's cache, TTL and journal
// state. The install key and backups survive.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	keys := e.index.Keys()
	remove := append(keys, cacheSnapshotKey, ttlIndexKey, journalKey)
	if err := e.host.Remove(ctx, remove); err != nil {
		return err
	}

	e.cache.Clear()
	e.index.Clear()
	e.ttl.Clear()
	e.journal.Clear()
	e.quota.Reset()
	e.writes.Store(0)

	e.logger.Info("storage cleared", "keys", len(keys))
	return nil
}

// Keys returns every user key, sorted.
func (e *Engine) Keys() []string {
	return e.index.Keys()
}

// DomainKeys returns the keys of one domain, sorted, from the key index.
func (e *Engine) DomainKeys(name string) []string {
	return e.index.Domain(name)
}

// GetDomain returns every value of one domain.
func (e *Engine) GetDomain(ctx context.Context, name string) (map[string]any, error) {
	return e.GetMultiple(ctx, e.index.Domain(name))
}

// Batch runs mixed operations in chunks and returns one result per
// operation. A failing operation does not fail the others.
func (e *Engine) Batch(ctx context.Context, ops []batch.Operation) []batch.Result {
	if err := e.ready(); err != nil {
		results := make([]batch.Result, len(ops))
		for i, op := range ops {
			results[i] = batch.Result{Key: op.Key, Kind: op.Kind, Err: err}
		}
		return results
	}
	return e.batch.Run(ctx, ops, e.runChunk)
}

// runChunk executes consecutive operations of one kind together, keeping
// the chunk's order between kinds.
func (e *Engine) runChunk(ctx context.Context, ops []batch.Operation) ([]batch.Result, error) {
	results := make([]batch.Result, len(ops))
	for i, op := range ops {
		results[i] = batch.Result{Key: op.Key, Kind: op.Kind}
	}

	for start := 0; start < len(ops); {
		end := start + 1
		for end < len(ops) && ops[end].Kind == ops[start].Kind {
			end++
		}
		run, out := ops[start:end], results[start:end]

		switch ops[start].Kind {
		case batch.Get:
			e.batchGet(ctx, run, out)
		case batch.Set:
			e.batchSet(ctx, run, out)
		case batch.Remove:
			e.batchRemove(ctx, run, out)
		default:
			for i := range out {
				out[i].Err = fmt.Errorf("storage: unknown batch operation %s", ops[start].Kind)
			}
		}
		start = end
	}
	return results, nil
}

// validKeys marks invalid keys failed and returns the indexes of the rest.
func validKeys(run []batch.Operation, out []batch.Result) []int {
	var valid []int
	for i, op := range run {
		if err := domain.ValidateKey(op.Key); err != nil {
			out[i].Err = err
			continue
		}
		valid = append(valid, i)
	}
	return valid
}

func (e *Engine) batchGet(ctx context.Context, run []batch.Operation, out []batch.Result) {
	valid := validKeys(run, out)
	keys := make([]string, len(valid))
	for j, i := range valid {
		keys[j] = run[i].Key
	}
	raws, err := e.readMany(ctx, keys)
	for _, i := range valid {
		if err != nil {
			out[i].Err = err
			continue
		}
		raw, ok := raws[run[i].Key]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out[i].Value, out[i].Found = v, true
	}
}

func (e *Engine) batchSet(ctx context.Context, run []batch.Operation, out []batch.Result) {
	var (
		writes []pending
		idx    []int
	)
	for _, i := range validKeys(run, out) {
		p, err := e.encode(run[i].Key, run[i].Value, setOptions{})
		if err != nil {
			out[i].Err = err
			continue
		}
		writes = append(writes, p)
		idx = append(idx, i)
	}
	if len(writes) == 0 {
		return
	}
	if err := e.write(ctx, writes); err != nil {
		for _, i := range idx {
			out[i].Err = err
		}
	}
}

func (e *Engine) batchRemove(ctx context.Context, run []batch.Operation, out []batch.Result) {
	valid := validKeys(run, out)
	if len(valid) == 0 {
		return
	}
	keys := make([]string, len(valid))
	for j, i := range valid {
		keys[j] = run[i].Key
	}
	if err := e.purge(ctx, keys); err != nil {
		for _, i := range valid {
			out[i].Err = err
		}
		return
	}
	e.ttl.Remove(keys...)
}
