// Package eviction chooses which cache entries to drop when the cache is
// over capacity.
package eviction

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Strategy names an eviction policy.
type Strategy string

const (
	LRU      Strategy = "lru"
	LFU      Strategy = "lfu"
	Adaptive Strategy = "adaptive"
)

// Candidate is the access metadata a policy ranks.
type Candidate struct {
	Key            string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	SizeBytes      int

	// Seq is the insertion order; it breaks score ties.
	Seq uint64
}

// Policy ranks candidates for eviction.
type Policy interface {
	Strategy() Strategy

	// Select returns the n keys to evict, lowest priority first.
	Select(candidates []Candidate, n int, now time.Time) []string
}

// Parse returns the policy for a strategy name. Empty selects Adaptive.
func Parse(name string) (Policy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case LRU:
		return lruPolicy{}, nil
	case LFU:
		return lfuPolicy{}, nil
	case Adaptive, "":
		return adaptivePolicy{}, nil
	default:
		return nil, fmt.Errorf("eviction: unknown strategy %q", name)
	}
}

// New returns the policy for s, falling back to Adaptive for unknown names.
func New(s Strategy) Policy {
	p, err := Parse(string(s))
	if err != nil {
		return adaptivePolicy{}
	}
	return p
}

type lruPolicy struct{}

func (lruPolicy) Strategy() Strategy { return LRU }

func (lruPolicy) Select(c []Candidate, n int, _ time.Time) []string {
	return lowest(c, n, func(x Candidate) float64 {
		return float64(x.LastAccessedAt.UnixMilli())
	})
}

type lfuPolicy struct{}

func (lfuPolicy) Strategy() Strategy { return LFU }

func (lfuPolicy) Select(c []Candidate, n int, _ time.Time) []string {
	return lowest(c, n, func(x Candidate) float64 {
		return float64(x.AccessCount)
	})
}

type adaptivePolicy struct{}

func (adaptivePolicy) Strategy() Strategy { return Adaptive }

func (adaptivePolicy) Select(c []Candidate, n int, now time.Time) []string {
	return lowest(c, n, func(x Candidate) float64 {
		return Score(x, now)
	})
}

// Score is the adaptive retention score: higher means keep longer. It
// rewards frequency, then recency and youth, and penalizes size. Times are
// in milliseconds and sizes below one byte count as one.
func Score(c Candidate, now time.Time) float64 {
	sinceAccess := float64(now.Sub(c.LastAccessedAt).Milliseconds())
	age := float64(now.Sub(c.CreatedAt).Milliseconds())
	size := float64(max(c.SizeBytes, 1))

	return math.Log(float64(c.AccessCount)+1) +
		1/(math.Max(sinceAccess, 0)+1000) +
		1/(math.Max(age, 0)+1000) +
		1/math.Log(size+1)
}

// lowest returns the keys of the n lowest-scoring candidates, ties broken
// by insertion order.
func lowest(c []Candidate, n int, score func(Candidate) float64) []string {
	if n <= 0 || len(c) == 0 {
		return nil
	}
	if n > len(c) {
		n = len(c)
	}

	type ranked struct {
		key   string
		seq   uint64
		score float64
	}
	r := make([]ranked, len(c))
	for i, x := range c {
		r[i] = ranked{key: x.Key, seq: x.Seq, score: score(x)}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].seq < r[j].seq })
	sort.SliceStable(r, func(i, j int) bool { return r[i].score < r[j].score })

	keys := make([]string, n)
	for i := range keys {
		keys[i] = r[i].key
	}
	return keys
}
