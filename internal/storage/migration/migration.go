// Package migration upgrades records written under an older schema
// version by chaining registered version-to-version transforms.
//
// Path resolution is greedy: from the record's version it follows the
// first registered edge whose source matches, repeating until the target
// is reached. Alternative edges sharing a source are never considered.
// Every edge must move strictly forward in semver order, which also makes
// the walk terminate.
package migration

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/yndnr/keepstore/internal/core/domain"
)

// Transform rewrites a decoded record. It may mutate and return data.
type Transform func(data any) (any, error)

// Migration is one edge of the version graph.
type Migration struct {
	From        string
	To          string
	Description string
	Transform   Transform

	from, to *semver.Version
}

// Result is the outcome of Migrate.
type Result struct {
	Data    []byte
	Version string
	Applied int
}

// Engine holds the registered migrations and the current version.
type Engine struct {
	mu         sync.RWMutex
	migrations []Migration
	current    *semver.Version
	logger     *slog.Logger
}

// New creates an engine whose target is current.
func New(current string, logger *slog.Logger) (*Engine, error) {
	v, err := parseVersion(current)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{current: v, logger: logger}, nil
}

func parseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, domain.ErrInvalidVersion.WithDetails(s).WithCause(err)
	}
	return v, nil
}

// Current returns the version new records are written with.
func (e *Engine) Current() string {
	return e.current.Original()
}

// Register appends an edge. Registration order decides which edge wins
// when several share a source version.
func (e *Engine) Register(m Migration) error {
	from, err := parseVersion(m.From)
	if err != nil {
		return err
	}
	to, err := parseVersion(m.To)
	if err != nil {
		return err
	}
	if !from.LessThan(to) {
		return domain.ErrInvalidVersion.WithDetails(fmt.Sprintf("migration %s -> %s does not move forward", m.From, m.To))
	}
	if m.Transform == nil {
		return fmt.Errorf("migration: %s -> %s has no transform", m.From, m.To)
	}
	m.from, m.to = from, to

	e.mu.Lock()
	e.migrations = append(e.migrations, m)
	e.mu.Unlock()
	return nil
}

// NeedsMigration reports whether a record stamped version is older than
// the current version. Unparseable or empty versions never migrate.
func (e *Engine) NeedsMigration(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return v.LessThan(e.current)
}

// Path returns the chain of migrations leading from one version to
// another, or nil when the greedy walk cannot reach the target.
func (e *Engine) Path(from, to string) []Migration {
	fv, err := semver.NewVersion(from)
	if err != nil {
		return nil
	}
	tv, err := semver.NewVersion(to)
	if err != nil {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var path []Migration
	cur := fv
	for !cur.Equal(tv) {
		next, ok := e.firstFrom(cur)
		if !ok || next.to.GreaterThan(tv) {
			return nil
		}
		path = append(path, next)
		cur = next.to
	}
	return path
}

func (e *Engine) firstFrom(v *semver.Version) (Migration, bool) {
	for _, m := range e.migrations {
		if m.from.Equal(v) {
			return m, true
		}
	}
	return Migration{}, false
}

// Migrate brings a serialized record from version from to the current
// version. Without a path the input is returned unchanged. A failing
// transform aborts the whole chain and leaves the record as it was.
func (e *Engine) Migrate(data []byte, from string) (Result, error) {
	unchanged := Result{Data: data, Version: from}
	if !e.NeedsMigration(from) {
		return unchanged, nil
	}

	path := e.Path(from, e.Current())
	if len(path) == 0 {
		e.logger.Debug("no migration path", "from", from, "to", e.Current())
		return unchanged, nil
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return unchanged, domain.ErrMigration.WithDetails("decode record").WithCause(err)
	}

	version := from
	for _, m := range path {
		next, err := m.apply(value)
		if err != nil {
			return unchanged, domain.ErrMigration.
				WithDetails(fmt.Sprintf("%s -> %s", m.From, m.To)).
				WithCause(err)
		}
		value = next
		version = m.To
	}

	out, err := json.Marshal(value)
	if err != nil {
		return unchanged, domain.ErrMigration.WithDetails("encode record").WithCause(err)
	}
	return Result{Data: out, Version: version, Applied: len(path)}, nil
}

// apply runs the transform, turning a panic into an error.
func (m Migration) apply(value any) (next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("transform panicked: %v", r)
		}
	}()
	return m.Transform(value)
}
