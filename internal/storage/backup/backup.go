// Package backup snapshots the engine's namespace into self-contained
// blobs kept in the host store, and restores them.
//
// A blob's data is the JSON envelope, compressed, then sealed with the
// backup subkey of the install key, then optionally sealed again with a
// passphrase. The registry of descriptors lives under a reserved key,
// newest first, capped at MaxBackups; pruning removes the blob with the
// descriptor.
package backup

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/internal/storage/crypt"
)

// DefaultMaxBackups bounds the registry.
const DefaultMaxBackups = 10

// maxImportSize bounds blobs read by ImportFrom.
const maxImportSize = 64 << 20

var registryKey = domain.ReservedKey("backup_registry")

func blobKey(id string) string {
	return domain.ReservedKey("backup_" + id)
}

// Type is full or incremental.
type Type string

const (
	Full        Type = "full"
	Incremental Type = "incremental"
)

// Flags describe how a blob's data is encoded.
type Flags struct {
	Compressed bool `json:"compressed"`
	Encrypted  bool `json:"encrypted"`
	Passphrase bool `json:"passphrase"`
}

// Descriptor is the registry entry for one backup.
type Descriptor struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Keys      []string  `json:"keys"`
	SizeBytes int64     `json:"sizeBytes"`
	Flags     Flags     `json:"flags"`
	Parent    string    `json:"parent,omitempty"`
	Label     string    `json:"label,omitempty"`
}

// Envelope is the exported form of the namespace.
type Envelope struct {
	Version   string                     `json:"version"`
	Timestamp int64                      `json:"timestamp"`
	Data      map[string]json.RawMessage `json:"data"`

	// Sealed lists keys stored encrypted at rest, so a restore writes
	// them back encrypted.
	Sealed []string `json:"sealed,omitempty"`

	// Generator names the build that wrote the envelope.
	Generator string `json:"generator,omitempty"`
}

// Keys returns the envelope's keys, sorted.
func (e Envelope) Keys() []string {
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Filter returns a copy holding only the keys keep accepts.
func (e Envelope) Filter(keep func(key string) bool) Envelope {
	out := Envelope{Version: e.Version, Timestamp: e.Timestamp, Generator: e.Generator, Data: make(map[string]json.RawMessage)}
	for k, v := range e.Data {
		if keep(k) {
			out.Data[k] = v
		}
	}
	for _, k := range e.Sealed {
		if _, ok := out.Data[k]; ok {
			out.Sealed = append(out.Sealed, k)
		}
	}
	return out
}

// Source is the engine side of a backup.
type Source interface {
	// ExportKeys decodes the named user keys, or all of them when keys is nil.
	ExportKeys(ctx context.Context, keys []string) (Envelope, error)

	// ImportEnvelope writes env back, clearing user keys first if clear is set.
	ImportEnvelope(ctx context.Context, env Envelope, clear bool) ([]string, error)

	// ChangedSince lists user keys written at or after t.
	ChangedSince(t time.Time) []string
}

// BlobStore holds blobs and the registry.
type BlobStore interface {
	Get(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, items map[string][]byte) error
	Remove(ctx context.Context, keys []string) error
}

// Compressor compresses blob data.
type Compressor interface {
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
}

// Encryptor seals blob data with a device-bound key.
type Encryptor interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// Config configures a Coordinator. Compressor is required.
type Config struct {
	MaxBackups   int
	SafetyBackup bool

	Compressor Compressor

	// Encryptor may be nil, leaving blobs unencrypted unless a passphrase
	// is given.
	Encryptor Encryptor
	Sealer    *crypt.PassphraseCodec

	Logger *slog.Logger
	Clock  func() time.Time
}

// CreateOptions control Create.
type CreateOptions struct {
	Type       Type
	Filter     func(key string) bool
	Passphrase []byte
	Label      string
}

// RestoreOptions control Restore.
type RestoreOptions struct {
	Passphrase []byte

	// Keys restricts the restore to these keys when non-nil.
	Keys []string

	// ClearExisting removes every user key before a full restore.
	ClearExisting bool

	SkipSafetyBackup bool
}

// RestoreResult reports what Restore wrote.
type RestoreResult struct {
	Restored       []string
	SafetyBackupID string
}

// Coordinator creates, restores and prunes backups.
type Coordinator struct {
	store  BlobStore
	source Source
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// mu serializes registry read-modify-write cycles.
	mu sync.Mutex
}

// New creates a coordinator.
func New(cfg Config, store BlobStore, source Source) (*Coordinator, error) {
	if cfg.Compressor == nil {
		return nil, errors.New("backup: compressor is required")
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	if cfg.Sealer == nil {
		cfg.Sealer = crypt.NewPassphraseCodec(crypt.PassphraseParams{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Coordinator{
		store:  store,
		source: source,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Clock,
	}, nil
}

// Create snapshots the namespace and records it in the registry.
func (c *Coordinator) Create(ctx context.Context, opts CreateOptions) (Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.create(ctx, opts, "")
}

// create takes a backup. keep names a backup that registry pruning must
// not drop.
func (c *Coordinator) create(ctx context.Context, opts CreateOptions, keep string) (Descriptor, error) {
	reg, err := c.loadRegistry(ctx)
	if err != nil {
		return Descriptor{}, err
	}

	typ := opts.Type
	if typ == "" {
		typ = Full
	}
	if typ != Full && typ != Incremental {
		return Descriptor{}, fmt.Errorf("backup: unknown type %q", typ)
	}

	var (
		keys   []string
		parent string
	)
	if typ == Incremental {
		if len(reg) == 0 {
			c.logger.Info("no previous backup, taking a full backup instead of incremental")
			typ = Full
		} else {
			keys = c.source.ChangedSince(reg[0].Timestamp)
			if keys == nil {
				keys = []string{}
			}
			parent = reg[0].ID
		}
	}

	env, err := c.source.ExportKeys(ctx, keys)
	if err != nil {
		return Descriptor{}, fmt.Errorf("backup: export: %w", err)
	}
	if opts.Filter != nil {
		env = env.Filter(opts.Filter)
	}

	now := c.now()
	id, err := newID(now)
	if err != nil {
		return Descriptor{}, err
	}
	desc := Descriptor{
		ID:        id,
		Timestamp: now,
		Type:      typ,
		Keys:      env.Keys(),
		Parent:    parent,
		Label:     opts.Label,
	}

	blob, desc, err := c.seal(env, desc, opts.Passphrase, true)
	if err != nil {
		return Descriptor{}, err
	}

	if err := c.commit(ctx, desc, blob, reg, keep); err != nil {
		return Descriptor{}, err
	}
	c.logger.Info("backup created",
		"id", desc.ID,
		"type", string(desc.Type),
		"keys", len(desc.Keys),
		"size", desc.SizeBytes)
	return desc, nil
}

// commit writes the blob and the updated registry in one host call, then
// drops whatever fell off the end of the registry. The backup named by keep
// survives pruning; the next oldest goes instead.
func (c *Coordinator) commit(ctx context.Context, desc Descriptor, blob []byte, reg []Descriptor, keep string) error {
	next := make([]Descriptor, 0, len(reg)+1)
	next = append(next, desc)
	for _, d := range reg {
		if d.ID != desc.ID {
			next = append(next, d)
		}
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].Timestamp.After(next[j].Timestamp) })

	var pruned []Descriptor
	for len(next) > c.cfg.MaxBackups {
		i := len(next) - 1
		if next[i].ID == keep && i > 0 && next[i-1].ID != desc.ID {
			i--
		}
		if next[i].ID == keep {
			c.logger.Warn("registry full, backup being restored is pruned", "id", keep)
		}
		pruned = append(pruned, next[i])
		next = append(next[:i], next[i+1:]...)
	}

	regJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("backup: marshal registry: %w", err)
	}
	items := map[string][]byte{registryKey: regJSON}
	if blob != nil {
		items[blobKey(desc.ID)] = blob
	}
	if err := c.store.Set(ctx, items); err != nil {
		return err
	}

	if len(pruned) > 0 {
		keys := make([]string, len(pruned))
		for i, d := range pruned {
			keys[i] = blobKey(d.ID)
		}
		if err := c.store.Remove(ctx, keys); err != nil {
			c.logger.Warn("pruned backup blobs not removed", "count", len(keys), "error", err)
		} else {
			c.logger.Debug("backups pruned", "count", len(keys))
		}
	}
	return nil
}

// seal encodes env into a blob. deviceBound applies the install subkey.
func (c *Coordinator) seal(env Envelope, desc Descriptor, passphrase []byte, deviceBound bool) ([]byte, Descriptor, error) {
	plain, err := json.Marshal(env)
	if err != nil {
		return nil, desc, fmt.Errorf("backup: marshal envelope: %w", err)
	}

	data := c.cfg.Compressor.Compress(plain)
	desc.Flags = Flags{Compressed: true}

	if deviceBound && c.cfg.Encryptor != nil {
		if data, err = c.cfg.Encryptor.Encrypt(data); err != nil {
			return nil, desc, err
		}
		desc.Flags.Encrypted = true
	}
	if len(passphrase) > 0 {
		if data, err = c.cfg.Sealer.Seal(passphrase, data); err != nil {
			return nil, desc, err
		}
		desc.Flags.Passphrase = true
	}

	desc.SizeBytes = int64(len(data))
	blob, err := writeBlob(desc, data)
	if err != nil {
		return nil, desc, err
	}
	return blob, desc, nil
}

// open reverses seal.
func (c *Coordinator) open(blob, passphrase []byte) (Descriptor, Envelope, error) {
	desc, data, err := readBlob(blob)
	if err != nil {
		return Descriptor{}, Envelope{}, err
	}

	if desc.Flags.Passphrase {
		if len(passphrase) == 0 {
			return desc, Envelope{}, domain.ErrPassphraseRequired.WithDetails(desc.ID)
		}
		if data, err = c.cfg.Sealer.Open(passphrase, data); err != nil {
			return desc, Envelope{}, err
		}
	}
	if desc.Flags.Encrypted {
		if c.cfg.Encryptor == nil {
			return desc, Envelope{}, domain.ErrKeyUnavailable.WithDetails("backup sealed with install key")
		}
		if data, err = c.cfg.Encryptor.Decrypt(data); err != nil {
			return desc, Envelope{}, err
		}
	}
	if desc.Flags.Compressed {
		if data, err = c.cfg.Compressor.Decompress(data); err != nil {
			return desc, Envelope{}, err
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return desc, Envelope{}, domain.ErrBackupCorrupted.WithDetails("unreadable envelope").WithCause(err)
	}
	if env.Data == nil {
		env.Data = make(map[string]json.RawMessage)
	}
	return desc, env, nil
}

func newID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", fmt.Errorf("backup: generate id: %w", err)
	}
	return id.String(), nil
}

func (c *Coordinator) load(ctx context.Context, id string, passphrase []byte) (Descriptor, Envelope, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return Descriptor{}, Envelope{}, domain.ErrBackupNotFound.WithDetails(id)
	}
	found, err := c.store.Get(ctx, []string{blobKey(id)})
	if err != nil {
		return Descriptor{}, Envelope{}, err
	}
	blob, ok := found[blobKey(id)]
	if !ok {
		return Descriptor{}, Envelope{}, domain.ErrBackupNotFound.WithDetails(id)
	}
	return c.open(blob, passphrase)
}

// Restore writes a backup back into the namespace. Unless disabled, a full
// safety backup of the current state is taken first; if that fails the
// restore does not start. Incremental backups never clear.
func (c *Coordinator) Restore(ctx context.Context, id string, opts RestoreOptions) (RestoreResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc, env, err := c.load(ctx, id, opts.Passphrase)
	if err != nil {
		return RestoreResult{}, err
	}

	if opts.Keys != nil {
		want := make(map[string]struct{}, len(opts.Keys))
		for _, k := range opts.Keys {
			want[k] = struct{}{}
		}
		env = env.Filter(func(k string) bool {
			_, ok := want[k]
			return ok
		})
	}
	clear := opts.ClearExisting && desc.Type == Full && opts.Keys == nil

	var res RestoreResult
	if c.cfg.SafetyBackup && !opts.SkipSafetyBackup {
		safety, err := c.create(ctx, CreateOptions{Type: Full, Label: "pre-restore " + id}, id)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("backup: safety backup: %w", err)
		}
		res.SafetyBackupID = safety.ID
	}

	restored, err := c.source.ImportEnvelope(ctx, env, clear)
	if err != nil {
		return res, fmt.Errorf("backup: restore %s: %w", id, err)
	}
	res.Restored = restored

	c.logger.Info("backup restored",
		"id", id,
		"keys", len(restored),
		"cleared", clear,
		"safety_backup", res.SafetyBackupID)
	return res, nil
}

// List returns the registry, newest first.
func (c *Coordinator) List(ctx context.Context) ([]Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadRegistry(ctx)
}

// Get returns the descriptor for id.
func (c *Coordinator) Get(ctx context.Context, id string) (Descriptor, error) {
	reg, err := c.List(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range reg {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, domain.ErrBackupNotFound.WithDetails(id)
}

// Delete removes a backup and its blob.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, err := c.loadRegistry(ctx)
	if err != nil {
		return err
	}
	next := make([]Descriptor, 0, len(reg))
	for _, d := range reg {
		if d.ID != id {
			next = append(next, d)
		}
	}
	if len(next) == len(reg) {
		return domain.ErrBackupNotFound.WithDetails(id)
	}

	regJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("backup: marshal registry: %w", err)
	}
	if err := c.store.Set(ctx, map[string][]byte{registryKey: regJSON}); err != nil {
		return err
	}
	return c.store.Remove(ctx, []string{blobKey(id)})
}

// ExportTo writes backup id to w in a portable form: compressed and, when
// a passphrase is given, sealed with it, but never bound to this device's
// key. The passphrase also opens a passphrase-protected stored backup.
func (c *Coordinator) ExportTo(ctx context.Context, w io.Writer, id string, passphrase []byte) (Descriptor, error) {
	c.mu.Lock()
	desc, env, err := c.load(ctx, id, passphrase)
	c.mu.Unlock()
	if err != nil {
		return Descriptor{}, err
	}

	blob, desc, err := c.seal(env, desc, passphrase, false)
	if err != nil {
		return Descriptor{}, err
	}
	if _, err := w.Write(blob); err != nil {
		return Descriptor{}, fmt.Errorf("backup: write export: %w", err)
	}
	return desc, nil
}

// ImportFrom reads a blob written by ExportTo and adds it to the registry,
// sealed for this device (and with the passphrase, if given). A backup
// with the same ID is replaced.
func (c *Coordinator) ImportFrom(ctx context.Context, r io.Reader, passphrase []byte) (Descriptor, error) {
	blob, err := io.ReadAll(io.LimitReader(r, maxImportSize+1))
	if err != nil {
		return Descriptor{}, fmt.Errorf("backup: read import: %w", err)
	}
	if len(blob) > maxImportSize {
		return Descriptor{}, domain.ErrBackupCorrupted.WithDetails("import exceeds size limit")
	}

	desc, env, err := c.open(blob, passphrase)
	if err != nil {
		return Descriptor{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reg, err := c.loadRegistry(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	sealed, desc, err := c.seal(env, desc, passphrase, true)
	if err != nil {
		return Descriptor{}, err
	}
	if err := c.commit(ctx, desc, sealed, reg, ""); err != nil {
		return Descriptor{}, err
	}
	c.logger.Info("backup imported", "id", desc.ID, "keys", len(desc.Keys))
	return desc, nil
}

func (c *Coordinator) loadRegistry(ctx context.Context) ([]Descriptor, error) {
	found, err := c.store.Get(ctx, []string{registryKey})
	if err != nil {
		return nil, err
	}
	raw, ok := found[registryKey]
	if !ok {
		return nil, nil
	}
	var reg []Descriptor
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, domain.ErrBackupCorrupted.WithDetails("unreadable registry").WithCause(err)
	}
	return reg, nil
}
