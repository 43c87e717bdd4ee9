package storage

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/yndnr/keepstore/internal/core/domain"
	"github.com/yndnr/keepstore/internal/infra/buildinfo"
	"github.com/yndnr/keepstore/internal/storage/backup"
	"github.com/yndnr/keepstore/internal/storage/batch"
	"github.com/yndnr/keepstore/internal/storage/record"
)

// transferChunk bounds the keys moved per host call by export and import.
const transferChunk = 256

// Export returns every user key's decoded value in the envelope format
// {version, timestamp, data}.
func (e *Engine) Export(ctx context.Context) (backup.Envelope, error) {
	if err := e.ready(); err != nil {
		return backup.Envelope{}, err
	}
	return e.ExportKeys(ctx, nil)
}

// ExportKeys exports the named keys, or every user key when keys is nil.
// Records that cannot be decoded are skipped. It implements backup.Source.
func (e *Engine) ExportKeys(ctx context.Context, keys []string) (backup.Envelope, error) {
	if keys == nil {
		keys = e.index.Keys()
	}
	env := backup.Envelope{
		Version:   e.pipeline.SchemaVersion(),
		Timestamp: e.now().UnixMilli(),
		Generator: buildinfo.Product(),
		Data:      make(map[string]json.RawMessage, len(keys)),
	}

	for _, chunk := range batch.Chunk(keys, transferChunk) {
		found, err := e.host.Get(ctx, chunk)
		if err != nil {
			return backup.Envelope{}, err
		}
		for _, k := range chunk {
			frame, ok := found[k]
			if !ok || domain.IsReserved(k) {
				continue
			}
			l, err := e.load(k, frame)
			if err != nil {
				e.logger.Warn("record skipped in export", "key", k, "error", err)
				continue
			}
			env.Data[k] = l.plain
			if l.encrypted {
				env.Sealed = append(env.Sealed, k)
			}
		}
	}
	sort.Strings(env.Sealed)
	return env, nil
}

// Import writes an envelope into the store, clearing user keys first when
// clear is set. Values from an older schema version are migrated on the
// way in; those that fail keep the envelope's version for the next scan.
func (e *Engine) Import(ctx context.Context, env backup.Envelope, clear bool) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.ImportEnvelope(ctx, env, clear)
}

// ImportEnvelope implements backup.Source.
func (e *Engine) ImportEnvelope(ctx context.Context, env backup.Envelope, clear bool) ([]string, error) {
	if clear {
		if err := e.Clear(ctx); err != nil {
			return nil, err
		}
	}

	sealed := make(map[string]bool, len(env.Sealed))
	for _, k := range env.Sealed {
		sealed[k] = true
	}
	migrate := e.migrations.NeedsMigration(env.Version)

	var written []string
	for _, chunk := range batch.Chunk(env.Keys(), transferChunk) {
		frames := make(map[string][]byte, len(chunk))
		keys := make([]string, 0, len(chunk))
		for _, k := range chunk {
			if err := domain.ValidateKey(k); err != nil {
				e.logger.Warn("key skipped in import", "key", k, "error", err)
				continue
			}
			plain, version := []byte(env.Data[k]), ""
			if migrate {
				res, err := e.migrations.Migrate(plain, env.Version)
				if err != nil {
					e.logger.Warn("imported record not migrated", "key", k, "error", err)
				}
				e.metrics.Migrated(err)
				plain, version = res.Data, res.Version
			}
			enc, err := e.pipeline.EncodePlain(plain, record.EncodeOptions{
				Encrypt:       sealed[k],
				SchemaVersion: version,
			})
			if err != nil {
				return written, err
			}
			frame, err := record.Marshal(enc.Record)
			if err != nil {
				return written, err
			}
			frames[k] = frame
			keys = append(keys, k)
		}
		if len(frames) == 0 {
			continue
		}
		if err := e.host.Set(ctx, frames); err != nil {
			return written, err
		}

		now := e.now()
		e.cache.Delete(keys...)
		e.index.Add(keys...)
		e.quota.Touch(keys...)
		e.journal.Record(now, keys...)
		e.ttl.Remove(keys...)
		written = append(written, keys...)
	}

	if len(written) > 0 {
		e.noteWrites(ctx, len(written))
	}
	e.logger.Info("envelope imported", "keys", len(written), "cleared", clear)
	return written, nil
}

// ChangedSince implements backup.Source.
func (e *Engine) ChangedSince(t time.Time) []string {
	return e.journal.Since(t)
}

// CreateBackup snapshots the namespace.
func (e *Engine) CreateBackup(ctx context.Context, opts backup.CreateOptions) (backup.Descriptor, error) {
	if err := e.ready(); err != nil {
		return backup.Descriptor{}, err
	}
	d, err := e.backups.Create(ctx, opts)
	e.metrics.Backup("create", err)
	return d, err
}

// RestoreBackup writes a backup back into the namespace.
func (e *Engine) RestoreBackup(ctx context.Context, id string, opts backup.RestoreOptions) (backup.RestoreResult, error) {
	if err := e.ready(); err != nil {
		return backup.RestoreResult{}, err
	}
	res, err := e.backups.Restore(ctx, id, opts)
	e.metrics.Backup("restore", err)
	return res, err
}

// ListBackups returns the backup registry, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]backup.Descriptor, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.backups.List(ctx)
}

// DeleteBackup removes a backup and its blob.
func (e *Engine) DeleteBackup(ctx context.Context, id string) error {
	if err := e.ready(); err != nil {
		return err
	}
	err := e.backups.Delete(ctx, id)
	e.metrics.Backup("delete", err)
	return err
}

// ExportBackup writes a portable copy of backup id to w.
func (e *Engine) ExportBackup(ctx context.Context, w io.Writer, id string, passphrase []byte) (backup.Descriptor, error) {
	if err := e.ready(); err != nil {
		return backup.Descriptor{}, err
	}
	d, err := e.backups.ExportTo(ctx, w, id, passphrase)
	e.metrics.Backup("export", err)
	return d, err
}

// ImportBackup adds a backup written by ExportBackup to the registry.
func (e *Engine) ImportBackup(ctx context.Context, r io.Reader, passphrase []byte) (backup.Descriptor, error) {
	if err := e.ready(); err != nil {
		return backup.Descriptor{}, err
	}
	d, err := e.backups.ImportFrom(ctx, r, passphrase)
	e.metrics.Backup("import", err)
	return d, err
}
