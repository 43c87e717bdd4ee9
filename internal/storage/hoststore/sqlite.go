package hoststore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// sqliteMaxParams keeps IN lists below SQLite's bound-parameter limit.
const sqliteMaxParams = 500

// SQLite is a Store on a single SQLite table.
type SQLite struct {
	db    *sql.DB
	quota int64

	mu   sync.Mutex
	used int64
}

// OpenSQLite opens the database at path, creating the table if needed.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, quota int64) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("hoststore: sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, hostErr("sqlite open", err)
	}
	// One connection: an in-memory database is per connection, and writes
	// are serialized anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, hostErr("sqlite ping", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, hostErr("sqlite schema", err)
	}

	s := &SQLite{db: db, quota: quota}
	row := db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(value)), 0) FROM kv`)
	if err := row.Scan(&s.used); err != nil {
		_ = db.Close()
		return nil, hostErr("sqlite usage scan", err)
	}
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if keys == nil {
		if err := s.query(ctx, out, `SELECT key, value FROM kv`); err != nil {
			return nil, err
		}
		return out, nil
	}

	for start := 0; start < len(keys); start += sqliteMaxParams {
		chunk := keys[start:min(start+sqliteMaxParams, len(keys))]
		q := `SELECT key, value FROM kv WHERE key IN (` + placeholders(len(chunk)) + `)`
		if err := s.query(ctx, out, q, toArgs(chunk)...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) query(ctx context.Context, out map[string][]byte, q string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return hostErr("sqlite get", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return hostErr("sqlite get", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return hostErr("sqlite get", err)
	}
	return nil
}

func (s *SQLite) Set(ctx context.Context, items map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hostErr("sqlite begin", err)
	}
	defer tx.Rollback()

	replaced := make(map[string]int)
	for k := range items {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT length(value) FROM kv WHERE key = ?`, k).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return hostErr("sqlite set", err)
		}
		replaced[k] = n
	}

	next := projectedUsage(s.used, items, replaced)
	if err := checkQuota(s.quota, next); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return hostErr("sqlite set", err)
	}
	defer stmt.Close()
	for k, v := range items {
		if v == nil {
			v = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return hostErr("sqlite set", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return hostErr("sqlite commit", err)
	}
	s.used = next
	return nil
}

func (s *SQLite) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hostErr("sqlite begin", err)
	}
	defer tx.Rollback()

	var freed int64
	for start := 0; start < len(keys); start += sqliteMaxParams {
		chunk := keys[start:min(start+sqliteMaxParams, len(keys))]
		in := placeholders(len(chunk))
		var n int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(value)), 0) FROM kv WHERE key IN (`+in+`)`,
			toArgs(chunk)...).Scan(&n)
		if err != nil {
			return hostErr("sqlite remove", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+in+`)`, toArgs(chunk)...); err != nil {
			return hostErr("sqlite remove", err)
		}
		freed += n
	}
	if err := tx.Commit(); err != nil {
		return hostErr("sqlite commit", err)
	}
	s.used -= freed
	return nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return hostErr("sqlite clear", err)
	}
	s.used = 0
	return nil
}

func (s *SQLite) BytesInUse(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
