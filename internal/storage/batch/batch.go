// Package batch splits bulk get/set/remove requests into fixed-size chunks
// and runs a bounded number of chunks at a time.
//
// Every operation gets exactly one Result, aligned by index with the
// input. A failing chunk only marks its own operations failed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultChunkSize   = 10
	DefaultConcurrency = 3
)

// Kind is the type of a batched operation.
type Kind int

const (
	Get Kind = iota + 1
	Set
	Remove
)

func (k Kind) String() string {
	switch k {
	case Get:
		return "get"
	case Set:
		return "set"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is a single request inside a batch.
type Operation struct {
	Kind  Kind
	Key   string
	Value any
}

// Result is the outcome of one Operation.
type Result struct {
	Key   string
	Kind  Kind
	Value any
	Found bool
	Err   error
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// ChunkFunc executes one chunk and returns one result per operation, in
// order. Returning an error fails every operation in the chunk.
type ChunkFunc func(ctx context.Context, ops []Operation) ([]Result, error)

// Config holds coordinator settings.
type Config struct {
	ChunkSize   int
	Concurrency int

	// RatePerSecond throttles chunk starts; zero disables throttling.
	RatePerSecond float64
	Burst         int
}

// Coordinator runs batches.
type Coordinator struct {
	chunkSize   int
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// New creates a coordinator. Zero values select the defaults.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		chunkSize:   cfg.ChunkSize,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

// Run executes ops through fn and returns one result per operation.
func (c *Coordinator) Run(ctx context.Context, ops []Operation, fn ChunkFunc) []Result {
	results := make([]Result, len(ops))
	if len(ops) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for start := 0; start < len(ops); start += c.chunkSize {
		end := min(start+c.chunkSize, len(ops))
		chunk := ops[start:end]
		out := results[start:end]

		g.Go(func() error {
			c.runChunk(ctx, chunk, out, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) runChunk(ctx context.Context, chunk []Operation, out []Result, fn ChunkFunc) {
	fail := func(err error) {
		for i, op := range chunk {
			out[i] = Result{Key: op.Key, Kind: op.Kind, Err: err}
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			fail(err)
			return
		}
	}
	if err := ctx.Err(); err != nil {
		fail(err)
		return
	}

	res, err := fn(ctx, chunk)
	if err != nil {
		c.logger.Warn("batch chunk failed", "size", len(chunk), "first_key", chunk[0].Key, "error", err)
		fail(err)
		return
	}
	if len(res) != len(chunk) {
		fail(errors.New("batch: chunk returned a mismatched result count"))
		return
	}
	copy(out, res)
}

// Chunk splits items into slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		chunks = append(chunks, items[start:min(start+size, len(items))])
	}
	return chunks
}
