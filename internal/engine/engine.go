package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/scrypster/recall/internal/collab"
	"github.com/scrypster/recall/internal/dedup"
	"github.com/scrypster/recall/internal/embedding"
	"github.com/scrypster/recall/internal/evolution"
	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/search"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// maxRetiredHops bounds how far Get follows merge survivors.
const maxRetiredHops = 4

// Engine is the knowledge engine facade. Its API methods are safe for
// concurrent use and do not require Start; Start only launches the
// background maintenance jobs.
type Engine struct {
	config Config

	store     storage.Store
	cache     *querycache.Cache
	keys      *querycache.KeyBuilder
	embedder  embedding.Embedder
	publisher Publisher

	dedup     *dedup.Service
	evolution *evolution.Engine
	search    *search.Engine
	collab    *collab.Engine

	scheduler *evolution.Scheduler
	started   bool
	mu        sync.Mutex

	now   func() time.Time
	newID func() string
}

// Options carries the collaborators built by the composition root.
type Options struct {
	// Cache is required. Its persistent tier is chosen by the caller.
	Cache *querycache.Cache

	// Keys derives cache keys. Default: diacritics stripped, no context.
	Keys *querycache.KeyBuilder

	// Embedder may be nil, in which case the engine runs text-only.
	Embedder embedding.Embedder

	// Publisher may be nil.
	Publisher Publisher

	// Tiers replaces the store-backed search tiers when set.
	Tiers []search.Tier
}

// New creates an engine over store.
func New(store storage.Store, cfg Config, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("query cache is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	fp, err := fingerprint.New(cfg.Fingerprint)
	if err != nil {
		return nil, err
	}
	dd, err := dedup.New(cfg.Dedup, fp, store, opts.Cache)
	if err != nil {
		return nil, err
	}
	evo, err := evolution.New(cfg.Evolution, store)
	if err != nil {
		return nil, err
	}
	cf, err := collab.New(cfg.Collab, store)
	if err != nil {
		return nil, err
	}

	keys := opts.Keys
	if keys == nil {
		keys = querycache.NewKeyBuilder(true, 0)
	}
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = search.StoreTiers(store, cfg.MinVectorScore)
	}
	se, err := search.New(tiers, opts.Cache, keys)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.DefaultTiers {
		if !slices.Contains(se.TierNames(), name) {
			return nil, fmt.Errorf("invalid config: unknown default tier %q", name)
		}
	}

	publisher := opts.Publisher
	if publisher == nil {
		publisher = Publishers(nil)
	}

	return &Engine{
		config:    cfg,
		store:     store,
		cache:     opts.Cache,
		keys:      keys,
		embedder:  opts.Embedder,
		publisher: publisher,
		dedup:     dd,
		evolution: evo,
		search:    se,
		collab:    cf,
		now:       time.Now,
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// TierNames lists the search tiers in order.
func (e *Engine) TierNames() []string { return e.search.TierNames() }

// CacheStats returns query cache counters.
func (e *Engine) CacheStats() querycache.Stats { return e.cache.Stats() }

// Anonymize exposes the interaction key derivation so callers can correlate
// their own logs without handling raw user identifiers.
func (e *Engine) Anonymize(userID string) string { return e.collab.Anonymize(userID) }

// Ping checks the durable store.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

func (e *Engine) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	e.publisher.Publish(ev)
}

// embed returns the embedding of text, or nil without error when no
// embedder is configured.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.config.EmbedTimeout)
	defer cancel()

	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, types.ErrEmbeddingUnavailable) {
			err = fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}
	return vec, nil
}

// Store validates, embeds, deduplicates and persists one piece of content,
// then assigns it a subcategory and invalidates its search tier.
func (e *Engine) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	category := req.Category
	if category == "" {
		category = types.CategoryGeneral
	}
	if !types.IsValidCategory(category) {
		return nil, fmt.Errorf("%w: unknown category %q", storage.ErrInvalidInput, category)
	}
	kind := req.Kind
	if kind == "" {
		kind = types.KindConversation
	}
	if !types.IsValidKind(kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", storage.ErrInvalidInput, kind)
	}

	record := &types.Memory{
		ID:        e.newID(),
		Content:   req.Content,
		Kind:      kind,
		Category:  category,
		Tags:      types.MergeTags(nil, req.Tags),
		Metadata:  req.Metadata,
		CreatedAt: e.now().UTC(),
	}

	vec, err := e.embed(ctx, req.Content)
	switch {
	case err != nil:
		log.Printf("WARNING: embedding unavailable, storing %s degraded: %v", record.ID, err)
		record.Degraded = true
	case vec != nil:
		record.Embedding = vec
		record.EmbeddingModel = e.embedder.Model()
	}

	res, err := e.dedup.Resolve(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}

	out := &StoreResult{
		ID:           res.Record.ID,
		Deduplicated: res.Deduplicated(),
		MergedWith:   res.MergedWith,
		Subcategory:  res.Record.Subcategory,
		Degraded:     res.Record.Degraded,
	}
	if res.Action == dedup.ActionSkipped {
		return out, nil
	}

	assignment, err := e.evolution.AssignSubcategory(ctx, res.Record)
	if err != nil {
		log.Printf("WARNING: subcategory assignment failed for %s: %v", res.Record.ID, err)
	} else if assignment.SubcategoryID != "" {
		out.Subcategory = assignment.SubcategoryID
	}

	scope := res.Record.Kind.TierName()
	removed := e.cache.InvalidateByPrefix(ctx, scope)

	if res.Action == dedup.ActionMerged {
		e.publish(Event{Type: EventMemoryMerged, RecordID: out.ID, MergedWith: out.MergedWith, Category: category, Scope: scope})
	} else {
		e.publish(Event{Type: EventMemoryStored, RecordID: out.ID, Category: category, Scope: scope})
	}
	if removed > 0 {
		e.publish(Event{Type: EventCacheInvalidated, Scope: scope, Removed: removed})
	}
	return out, nil
}

// Search runs a progressive search and hydrates the hits. When the query
// cannot be embedded the search runs on text only.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	if req.Category != "" && !types.IsValidCategory(req.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", storage.ErrInvalidInput, req.Category)
	}
	if req.Limit <= 0 {
		req.Limit = e.config.DefaultLimit
	}
	tiers := req.Tiers
	if len(tiers) == 0 {
		tiers = e.config.DefaultTiers
	}
	suff := e.config.Sufficiency
	if req.Sufficiency != nil {
		suff = *req.Sufficiency
	}

	vec, err := e.embed(ctx, req.Query)
	if err != nil {
		log.Printf("WARNING: query embedding unavailable, searching text only: %v", err)
	}

	res, err := e.search.Search(ctx, search.Query{
		Text:      req.Query,
		Embedding: vec,
		Context:   req.Context,
		Category:  req.Category,
		Limit:     req.Limit,
		UseCache:  req.UseCache,
	}, tiers, suff)
	if err != nil {
		return nil, err
	}

	resp := &SearchResponse{
		Results:        make([]SearchResult, 0, len(res.Hits)),
		TiersConsulted: res.TiersConsulted,
		CacheHits:      res.CacheHits,
		StoppedEarly:   res.StoppedEarly,
		Reason:         res.Reason,
		TextOnly:       len(vec) == 0,
	}

	var computed []string
	for _, hit := range res.Hits {
		m, err := storage.RetryRead(ctx, func(ctx context.Context) (*types.Memory, error) {
			return e.store.GetRecord(ctx, hit.ID)
		})
		if err != nil {
			if errors.Is(err, types.ErrStoreUnavailable) {
				return nil, fmt.Errorf("search: %w", err)
			}
			if !errors.Is(err, storage.ErrNotFound) {
				log.Printf("WARNING: search: skipping hit %s: %v", hit.ID, err)
			}
			continue
		}
		if m.IsRetired() {
			continue
		}
		resp.Results = append(resp.Results, SearchResult{
			Memory: m,
			Score:  hit.Score,
			Tier:   hit.Tier,
			Tiers:  hit.Tiers,
			Cached: hit.Cached,
		})
		if !hit.Cached {
			computed = append(computed, m.ID)
		}
	}

	// Cached hits are touched by the cache itself.
	if len(computed) > 0 {
		if err := e.store.TouchRecords(ctx, computed, e.now().UTC()); err != nil {
			log.Printf("WARNING: search: failed to record access for %d records: %v", len(computed), err)
		}
	}
	return resp, nil
}

// EvolveCategory reorganizes one category's subcategories. cfg overrides
// the configured evolution settings when non-nil. A snapshot is returned
// for every call, including failed ones.
func (e *Engine) EvolveCategory(ctx context.Context, category types.Category, cfg *evolution.Config) (*types.EvolutionSnapshot, error) {
	snap, err := e.evolution.Evolve(ctx, category, cfg)
	if snap != nil {
		e.publish(Event{Type: EventCategoryEvolved, Category: category, Outcome: snap.Outcome})
	}
	return snap, err
}

// DecayCategory archives stale subcategories of one category.
func (e *Engine) DecayCategory(ctx context.Context, category types.Category) (*types.EvolutionSnapshot, error) {
	snap, err := e.evolution.Decay(ctx, category)
	if snap != nil {
		e.publish(Event{Type: EventCategoryEvolved, Category: category, Outcome: snap.Outcome})
	}
	return snap, err
}

// Snapshots lists evolution snapshots, newest first.
func (e *Engine) Snapshots(ctx context.Context, category types.Category, limit int) ([]*types.EvolutionSnapshot, error) {
	return e.evolution.Snapshots(ctx, category, limit)
}

// Subcategories lists the active subcategories of category.
func (e *Engine) Subcategories(ctx context.Context, category types.Category) ([]*types.Subcategory, error) {
	if !types.IsValidCategory(category) {
		return nil, fmt.Errorf("%w: unknown category %q", storage.ErrInvalidInput, category)
	}
	return storage.RetryRead(ctx, func(ctx context.Context) ([]*types.Subcategory, error) {
		return e.store.ListSubcategories(ctx, category)
	})
}

// RecordInteraction appends one user interaction.
func (e *Engine) RecordInteraction(ctx context.Context, in collab.Interaction) error {
	return e.collab.RecordInteraction(ctx, in)
}

// Recommend returns items for userID from similar users, or the popularity
// fallback for users without neighbours.
func (e *Engine) Recommend(ctx context.Context, userID string, limit int) ([]types.Recommendation, error) {
	return e.collab.Recommend(ctx, userID, limit)
}

// FallbackRecommend returns the popularity baseline.
func (e *Engine) FallbackRecommend(ctx context.Context, limit int) ([]types.Recommendation, error) {
	return e.collab.FallbackRecommend(ctx, limit)
}

// InvalidateCache evicts cached search results. scope is empty or "all" for
// everything, a tier label for one tier, or "id:<record id>" for every entry
// referencing one record. It returns the number of entries removed.
func (e *Engine) InvalidateCache(ctx context.Context, scope string) (int, error) {
	scope = strings.TrimSpace(scope)

	var removed int
	switch {
	case scope == "" || scope == querycache.ScopeAll:
		scope = querycache.ScopeAll
		removed = e.cache.Clear(ctx)
	case strings.HasPrefix(scope, "id:"):
		id := strings.TrimSpace(strings.TrimPrefix(scope, "id:"))
		if id == "" {
			return 0, fmt.Errorf("%w: record id is required", storage.ErrInvalidInput)
		}
		removed = e.cache.InvalidateByContent(ctx, id)
	case slices.Contains(e.search.TierNames(), scope):
		removed = e.cache.InvalidateByPrefix(ctx, scope)
	default:
		return 0, fmt.Errorf("%w: unknown cache scope %q", storage.ErrInvalidInput, scope)
	}

	e.publish(Event{Type: EventCacheInvalidated, Scope: scope, Removed: removed})
	return removed, nil
}

// Get returns a record by ID. A record merged away resolves to its survivor.
func (e *Engine) Get(ctx context.Context, id string) (*types.Memory, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}
	for hop := 0; hop <= maxRetiredHops; hop++ {
		m, err := storage.RetryRead(ctx, func(ctx context.Context) (*types.Memory, error) {
			return e.store.GetRecord(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		if !m.IsRetired() {
			return m, nil
		}
		id = m.RetiredInto
	}
	return nil, fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
}

// Start launches the background maintenance jobs: scheduled evolution and
// decay, expired cache purging and the popularity baseline refresh.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	log.Println("Starting knowledge engine...")

	limiter := rate.NewLimiter(rate.Limit(e.config.CategoryRate), 1)
	maxRun := e.config.Evolution.MaxRunDuration * time.Duration(len(types.Categories))

	e.scheduler = evolution.NewScheduler(maxRun,
		evolution.Job{Name: "evolve", Interval: e.config.EvolveInterval, Run: func(ctx context.Context) error {
			snaps, err := e.evolution.EvolveAll(ctx, limiter)
			e.publishSnapshots(snaps)
			return err
		}},
		evolution.Job{Name: "decay", Interval: e.config.DecayInterval, Run: func(ctx context.Context) error {
			snaps, err := e.evolution.DecayAll(ctx, limiter)
			e.publishSnapshots(snaps)
			return err
		}},
		evolution.Job{Name: "cache-purge", Interval: e.config.CachePurgeInterval, Run: func(ctx context.Context) error {
			if n := e.cache.PurgeExpired(ctx); n > 0 {
				log.Printf("Purged %d expired cache entries", n)
			}
			return nil
		}},
		evolution.Job{Name: "baseline", Interval: e.config.BaselineInterval, Run: func(ctx context.Context) error {
			_, err := e.collab.RefreshBaseline(ctx)
			return err
		}},
	)
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}

	e.started = true
	log.Println("Knowledge engine started successfully")
	return nil
}

func (e *Engine) publishSnapshots(snaps []*types.EvolutionSnapshot) {
	for _, s := range snaps {
		if s.Outcome == types.OutcomeBusy || s.Outcome == types.OutcomeInsufficientData {
			continue
		}
		e.publish(Event{Type: EventCategoryEvolved, Category: s.Category, Outcome: s.Outcome})
	}
}

// Shutdown stops the background jobs, waiting at most ShutdownTimeout for
// in-flight runs. The store is owned by the caller and stays open.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("engine not started")
	}

	log.Println("Shutting down knowledge engine...")

	if e.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ShutdownTimeout)
		defer cancel()
	}
	if err := e.scheduler.Stop(ctx); err != nil {
		log.Printf("WARNING: scheduler shutdown had errors: %v", err)
	}

	e.started = false
	log.Println("Knowledge engine shut down successfully")
	return nil
}
