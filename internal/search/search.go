// Package search runs progressive retrieval: tiers are consulted cheapest
// first, each through the query cache, until the accumulated results are
// sufficient.
package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"

	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Stop reasons recorded on a Result.
const (
	ReasonMinResults     = "min_results"
	ReasonTierCoverage   = "tier_coverage"
	ReasonTiersExhausted = "tiers_exhausted"
)

// DefaultLimit is the result limit when a query does not set one.
const DefaultLimit = 10

// Query is one progressive search request.
type Query struct {
	Text string

	// Embedding is the query vector; nil switches retrievers to text search.
	Embedding []float32

	// Context holds recent conversation turns folded into the cache key.
	Context []string

	Category types.Category
	Limit    int
	UseCache bool
}

// Retriever searches one tier.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]querycache.Result, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, q Query) ([]querycache.Result, error)

// Retrieve calls f.
func (f RetrieverFunc) Retrieve(ctx context.Context, q Query) ([]querycache.Result, error) {
	return f(ctx, q)
}

// Tier is a named retrieval stage.
type Tier struct {
	Name      string
	Retriever Retriever
}

// Sufficiency decides when to stop consulting tiers. Zero fields disable
// their criterion.
type Sufficiency struct {
	// MinResults is the number of unique hits that, together with
	// MinAvgScore, is enough.
	MinResults int

	// MinAvgScore is the average score the accumulated hits need.
	MinAvgScore float64

	// TierCoverage stops the loop when one tier alone returned at least
	// this fraction of the limit.
	TierCoverage float64
}

// DefaultSufficiency returns the default stop criteria.
func DefaultSufficiency() Sufficiency {
	return Sufficiency{MinResults: 5, MinAvgScore: 0.5, TierCoverage: 1.0}
}

// Hit is one merged search result.
type Hit struct {
	ID    string
	Score float64

	// Tier is the first tier the record surfaced in; Tiers lists all of them.
	Tier  string
	Tiers []string

	// Cached is true when every tier that returned the record served it
	// from the cache.
	Cached bool

	tierIndex int
}

// Result is the outcome of a progressive search.
type Result struct {
	Hits           []Hit
	TiersConsulted []string
	StoppedEarly   bool
	Reason         string
	StoppedAt      string
	CacheHits      int
}

// Cache is the query cache surface search needs.
type Cache interface {
	Generation(key string) querycache.Generation
	Lookup(ctx context.Context, key string) (*querycache.Entry, bool)
	PopulateAt(ctx context.Context, key string, gen querycache.Generation, results []querycache.Result) bool
}

// Engine is the progressive search engine.
type Engine struct {
	tiers []Tier
	cache Cache
	keys  *querycache.KeyBuilder
}

// New creates an engine over tiers in order. cache may be nil.
func New(tiers []Tier, cache Cache, keys *querycache.KeyBuilder) (*Engine, error) {
	if len(tiers) == 0 {
		return nil, errors.New("search: at least one tier is required")
	}
	seen := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		if t.Name == "" || t.Retriever == nil {
			return nil, errors.New("search: tiers need a name and a retriever")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("search: duplicate tier %q", t.Name)
		}
		seen[t.Name] = true
	}
	if keys == nil {
		keys = querycache.NewKeyBuilder(true, 0)
	}
	return &Engine{tiers: tiers, cache: cache, keys: keys}, nil
}

// TierNames lists the configured tiers in order.
func (e *Engine) TierNames() []string {
	names := make([]string, len(e.tiers))
	for i, t := range e.tiers {
		names[i] = t.Name
	}
	return names
}

// selectTiers returns the named tiers in the given order, or every tier
// when names is empty.
func (e *Engine) selectTiers(names []string) ([]Tier, error) {
	if len(names) == 0 {
		return e.tiers, nil
	}
	byName := make(map[string]Tier, len(e.tiers))
	for _, t := range e.tiers {
		byName[t.Name] = t
	}
	out := make([]Tier, 0, len(names))
	for _, n := range names {
		t, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: unknown search tier %q", storage.ErrInvalidInput, n)
		}
		out = append(out, t)
	}
	return out, nil
}

// Key returns the cache key for q on tier.
func (e *Engine) Key(q Query, tier string) string {
	mode := "text"
	if len(q.Embedding) > 0 {
		mode = "vector"
	}
	return e.keys.Key(querycache.KeyInput{
		Query:      q.Text,
		Context:    q.Context,
		Scope:      tier,
		Qualifiers: []string{"category=" + string(q.Category), "limit=" + strconv.Itoa(q.Limit), "mode=" + mode},
	})
}

// Search consults the selected tiers in order until suff is met. A failing
// tier counts as empty. Only a store-wide outage, seen on every consulted
// tier, is returned as an error.
func (e *Engine) Search(ctx context.Context, q Query, tierNames []string, suff Sufficiency) (*Result, error) {
	tiers, err := e.selectTiers(tierNames)
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	res := &Result{}
	hits := make(map[string]*Hit)
	failures := 0
	var unavailable error

	for i, tier := range tiers {
		res.TiersConsulted = append(res.TiersConsulted, tier.Name)

		results, cached, err := e.retrieve(ctx, q, tier)
		if err != nil {
			failures++
			if errors.Is(err, types.ErrStoreUnavailable) {
				unavailable = err
			}
			log.Printf("WARNING: search: tier %s failed, treating as empty: %v", tier.Name, err)
		}
		if cached {
			res.CacheHits++
		}
		if len(results) > q.Limit {
			results = results[:q.Limit]
		}

		for _, r := range results {
			h, ok := hits[r.ID]
			if !ok {
				hits[r.ID] = &Hit{ID: r.ID, Score: r.Score, Tier: tier.Name, Tiers: []string{tier.Name}, Cached: cached, tierIndex: i}
				continue
			}
			if h.Tiers[len(h.Tiers)-1] != tier.Name {
				h.Tiers = append(h.Tiers, tier.Name)
			}
			h.Score = math.Max(h.Score, r.Score)
			h.Cached = h.Cached && cached
		}

		if reason := sufficient(hits, len(results), q.Limit, suff); reason != "" {
			res.Reason = reason
			res.StoppedAt = tier.Name
			res.StoppedEarly = i < len(tiers)-1
			break
		}
	}
	if res.Reason == "" {
		res.Reason = ReasonTiersExhausted
	}

	if failures == len(res.TiersConsulted) && unavailable != nil {
		return nil, fmt.Errorf("search: %w", unavailable)
	}

	res.Hits = make([]Hit, 0, len(hits))
	for _, h := range hits {
		res.Hits = append(res.Hits, *h)
	}
	sort.Slice(res.Hits, func(i, j int) bool {
		a, b := res.Hits[i], res.Hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.tierIndex != b.tierIndex {
			return a.tierIndex < b.tierIndex
		}
		return a.ID < b.ID
	})
	if len(res.Hits) > q.Limit {
		res.Hits = res.Hits[:q.Limit]
	}
	return res, nil
}

// retrieve serves tier from the cache when possible, otherwise computes and
// caches it. Failed retrievals are not cached, and neither are results a
// concurrent write invalidated while they were computed.
func (e *Engine) retrieve(ctx context.Context, q Query, tier Tier) ([]querycache.Result, bool, error) {
	var (
		key string
		gen querycache.Generation
	)
	if q.UseCache && e.cache != nil {
		key = e.Key(q, tier.Name)
		gen = e.cache.Generation(key)
		if entry, ok := e.cache.Lookup(ctx, key); ok {
			return entry.Results, true, nil
		}
	}

	results, err := tier.Retriever.Retrieve(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if key != "" {
		e.cache.PopulateAt(ctx, key, gen, results)
	}
	return results, false, nil
}

// sufficient returns the stop reason, or "" to keep going.
func sufficient(hits map[string]*Hit, tierCount, limit int, suff Sufficiency) string {
	if suff.MinResults > 0 && len(hits) >= suff.MinResults {
		var sum float64
		for _, h := range hits {
			sum += h.Score
		}
		if sum/float64(len(hits)) >= suff.MinAvgScore {
			return ReasonMinResults
		}
	}
	if suff.TierCoverage > 0 && tierCount > 0 && float64(tierCount) >= suff.TierCoverage*float64(limit) {
		return ReasonTierCoverage
	}
	return ""
}
