// Package schema validates domain records against named JSON Schemas.
//
// A Registry starts empty (NewRegistry) or preloaded with the built-in
// domain schemas (NewDefaultRegistry). Validation failures are reported as
// a Result listing every leaf violation with its instance location.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/yndnr/keepstore/internal/core/domain"
)

//go:embed schemas/*.json
var builtin embed.FS

// Result is the outcome of a validation.
type Result struct {
	Valid  bool
	Errors []string
}

// Err converts an invalid result into ErrEncoding. Valid results return nil.
func (r Result) Err(name string) error {
	if r.Valid {
		return nil
	}
	return domain.ErrEncoding.WithDetails(name + ": " + strings.Join(r.Errors, "; "))
}

// Registry holds compiled schemas by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	printer *message.Printer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*jsonschema.Schema),
		printer: message.NewPrinter(language.English),
	}
}

// NewDefaultRegistry returns a registry holding the built-in domain schemas
// (playlist, collection, settings, analytics).
func NewDefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	entries, err := builtin.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("schema: read built-ins: %w", err)
	}
	for _, e := range entries {
		doc, err := builtin.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if err := r.Register(name, doc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles doc and stores it under name, replacing any previous
// schema with that name.
func (r *Registry) Register(name string, doc []byte) error {
	if name == "" {
		return errors.New("schema: empty name")
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("schema: parse %s: %w", name, err)
	}

	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return fmt.Errorf("schema: add %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema: compile %s: %w", name, err)
	}

	r.mu.Lock()
	r.schemas[name] = compiled
	r.mu.Unlock()
	return nil
}

// Has reports whether a schema named name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[name]
	return ok
}

// Names returns the registered schema names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.schemas))
	for n := range r.schemas {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Validate checks a Go value against the named schema. The value is
// normalized through JSON first so structs and maps validate alike.
func (r *Registry) Validate(data any, name string) (Result, error) {
	plain, err := json.Marshal(data)
	if err != nil {
		return Result{}, domain.ErrSerialize.WithCause(err)
	}
	return r.ValidateJSON(plain, name)
}

// ValidateJSON checks serialized JSON against the named schema.
func (r *Registry) ValidateJSON(plain []byte, name string) (Result, error) {
	r.mu.RLock()
	sch, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, domain.ErrUnknownSchema.WithDetails(name)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(plain))
	if err != nil {
		return Result{Valid: false, Errors: []string{"invalid JSON: " + err.Error()}}, nil
	}

	err = sch.Validate(inst)
	if err == nil {
		return Result{Valid: true}, nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return Result{}, fmt.Errorf("schema: validate %s: %w", name, err)
	}

	var msgs []string
	r.collect(verr, &msgs)
	return Result{Valid: false, Errors: msgs}, nil
}

// collect flattens the validation tree to its leaves.
func (r *Registry) collect(verr *jsonschema.ValidationError, out *[]string) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		*out = append(*out, loc+": "+verr.ErrorKind.LocalizedString(r.printer))
		return
	}
	for _, c := range verr.Causes {
		r.collect(c, out)
	}
}
