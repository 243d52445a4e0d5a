// Package evolution clusters the records of a category into subcategories,
// decays subcategories nobody uses, and assigns new records to the nearest
// subcategory. Every run is recorded as one evolution snapshot.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// snapshotWriteTimeout bounds the snapshot write after a run, which happens
// even when the run's own context has expired.
const snapshotWriteTimeout = 5 * time.Second

// busyCountTimeout bounds the subcategory count read for a busy snapshot.
const busyCountTimeout = 2 * time.Second

// Store is the storage surface evolution needs.
type Store interface {
	ListRecords(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error)
	storage.SubcategoryStore
	storage.SnapshotStore
}

// Assignment is the result of AssignSubcategory.
type Assignment struct {
	// SubcategoryID is empty when the record was left unassigned.
	SubcategoryID string
	Confidence    float64

	// FromStable is true when the category was evolving and the assignment
	// used its last stable subcategory list.
	FromStable bool
}

// Engine runs category evolution. Each category has its own evolving flag;
// runs for different categories proceed in parallel.
type Engine struct {
	cfg   Config
	store Store

	flags map[types.Category]*atomic.Bool

	stableMu sync.RWMutex
	stable   map[types.Category][]*types.Subcategory

	now   func() time.Time
	newID func() string
}

// New creates an evolution engine.
func New(cfg Config, store Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid evolution config: %w", err)
	}
	if store == nil {
		return nil, errors.New("evolution: store is required")
	}

	flags := make(map[types.Category]*atomic.Bool, len(types.Categories))
	for _, c := range types.Categories {
		flags[c] = &atomic.Bool{}
	}

	return &Engine{
		cfg:    cfg,
		store:  store,
		flags:  flags,
		stable: make(map[types.Category][]*types.Subcategory),
		now:    time.Now,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}, nil
}

// Config returns the engine's default configuration.
func (e *Engine) Config() Config { return e.cfg }

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// IsEvolving reports whether category has a run in progress.
func (e *Engine) IsEvolving(category types.Category) bool {
	flag, ok := e.flags[category]
	return ok && flag.Load()
}

// LastStable returns a copy of the subcategory list category had before
// its current or most recent run.
func (e *Engine) LastStable(category types.Category) []*types.Subcategory {
	e.stableMu.RLock()
	defer e.stableMu.RUnlock()
	return append([]*types.Subcategory(nil), e.stable[category]...)
}

func (e *Engine) rememberStable(category types.Category, subs []*types.Subcategory) {
	e.stableMu.Lock()
	defer e.stableMu.Unlock()
	e.stable[category] = append([]*types.Subcategory(nil), subs...)
}

// acquire sets the category's evolving flag, returning false when a run is
// already in progress.
func (e *Engine) acquire(category types.Category) (release func(), ok bool) {
	flag := e.flags[category]
	if !flag.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { flag.Store(false) }, true
}

func (e *Engine) resolveConfig(category types.Category, override *Config) (Config, error) {
	if !types.IsValidCategory(category) {
		return Config{}, fmt.Errorf("%w: unknown category %q", storage.ErrInvalidInput, category)
	}
	if override == nil {
		return e.cfg, nil
	}
	if err := override.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return *override, nil
}

// Evolve re-clusters category. override replaces the engine configuration
// for this run when non-nil. Exactly one snapshot is appended whatever the
// outcome; the returned error is the snapshot's outcome error (busy,
// insufficient data, aborted) or a failure to record the snapshot.
func (e *Engine) Evolve(ctx context.Context, category types.Category, override *Config) (*types.EvolutionSnapshot, error) {
	cfg, err := e.resolveConfig(category, override)
	if err != nil {
		return nil, err
	}

	start := e.now()
	snap := e.newSnapshot(category, start)

	release, ok := e.acquire(category)
	if !ok {
		e.markBusy(ctx, snap)
		return e.finish(ctx, snap, start)
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, cfg.MaxRunDuration)
	defer cancel()

	e.evolve(runCtx, category, cfg, snap)
	return e.finish(ctx, snap, start)
}

func (e *Engine) newSnapshot(category types.Category, at time.Time) *types.EvolutionSnapshot {
	return &types.EvolutionSnapshot{
		ID:        e.newID(),
		Category:  category,
		CreatedAt: at.UTC(),
	}
}

// markBusy records a run refused because another is in progress. The
// count comes from the store; the last stable list is the fallback.
func (e *Engine) markBusy(ctx context.Context, snap *types.EvolutionSnapshot) {
	countCtx, cancel := context.WithTimeout(ctx, busyCountTimeout)
	defer cancel()

	n := len(e.LastStable(snap.Category))
	if subs, err := e.store.ListSubcategories(countCtx, snap.Category); err == nil {
		n = len(subs)
	} else {
		log.Printf("WARNING: evolution: busy %s: failed to count subcategories: %v", snap.Category, err)
	}
	snap.Outcome = types.OutcomeBusy
	snap.SubcategoriesBefore = n
	snap.SubcategoriesAfter = n
	snap.Message = "category evolution already in progress"
}

func (e *Engine) evolve(ctx context.Context, category types.Category, cfg Config, snap *types.EvolutionSnapshot) {
	subs, err := storage.RetryRead(ctx, func(ctx context.Context) ([]*types.Subcategory, error) {
		return e.store.ListSubcategories(ctx, category)
	})
	if err != nil {
		e.abort(snap, cfg, err)
		return
	}
	snap.SubcategoriesBefore = len(subs)
	snap.SubcategoriesAfter = len(subs)
	e.rememberStable(category, subs)

	loaded, err := storage.RetryRead(ctx, func(ctx context.Context) ([]*types.Memory, error) {
		return e.store.ListRecords(ctx, storage.ListOptions{
			Category:      category,
			WithEmbedding: true,
			Limit:         cfg.MaxRecords,
		})
	})
	if err != nil {
		e.abort(snap, cfg, err)
		return
	}
	partial := len(loaded) >= cfg.MaxRecords
	records := sameDimension(loaded)
	snap.RecordsConsidered = len(records)

	if len(records) < cfg.MinClusterSize {
		snap.Outcome = types.OutcomeInsufficientData
		snap.Message = fmt.Sprintf("%d embedded records, need at least %d", len(records), cfg.MinClusterSize)
		return
	}

	snap.QualityBefore = currentQuality(records, subs)
	snap.QualityAfter = snap.QualityBefore

	result, err := runClustering(ctx, records, subs, cfg, partial, e.newID)
	if err != nil {
		e.abort(snap, cfg, err)
		return
	}
	snap.QualityAfter = Quality(embeddings(records), result.labels, centroids(result.kept))

	now := e.now().UTC()
	plan := e.buildPlan(category, records, result, cfg, now)
	decayed := planDecay(plan, subs, result.touched, cfg, now)
	emptied := planEmpty(plan, result.empty, cfg, now)

	added := 0
	for _, c := range result.kept {
		if c.existing == nil {
			added++
		}
	}
	after := len(subs) - len(result.dissolved) - emptied - decayed + added
	assigned := 0
	for _, id := range plan.Assignments {
		if id != "" {
			assigned++
		}
	}

	snap.Regressed = e.regressed(ctx, category, snap.QualityAfter, cfg)
	if snap.Regressed && cfg.RollbackOnRegression {
		snap.Outcome = types.OutcomeRolledBack
		snap.Message = fmt.Sprintf("quality regressed to %.3f; plan discarded", snap.QualityAfter)
		log.Printf("WARNING: evolution: %s quality regressed to %.3f, rolled back", category, snap.QualityAfter)
		return
	}

	if err := ctx.Err(); err != nil {
		e.abort(snap, cfg, err)
		return
	}
	if err := e.store.ApplyEvolution(ctx, plan); err != nil {
		e.abort(snap, cfg, err)
		return
	}

	snap.Outcome = types.OutcomeCompleted
	snap.SubcategoriesAfter = after
	snap.RecordsAssigned = assigned
	snap.SubcategoriesDecayed = decayed
	if snap.Regressed {
		snap.Message = fmt.Sprintf("quality regressed to %.3f", snap.QualityAfter)
		log.Printf("WARNING: evolution: %s quality regressed to %.3f", category, snap.QualityAfter)
	}

	if fresh, err := e.store.ListSubcategories(ctx, category); err == nil {
		e.rememberStable(category, fresh)
	} else {
		log.Printf("WARNING: evolution: failed to refresh stable subcategories for %s: %v", category, err)
	}
}

// buildPlan turns a clustering into upserts and assignments. Dissolved
// subcategories are archived.
func (e *Engine) buildPlan(category types.Category, records []*types.Memory, result *clustering, cfg Config, now time.Time) *storage.EvolutionPlan {
	plan := &storage.EvolutionPlan{
		Category:    category,
		Assignments: make(map[string]string, len(records)),
		AppliedAt:   now,
	}

	for _, c := range result.kept {
		docs := make([]string, len(c.members))
		for i, idx := range c.members {
			docs[i] = records[idx].Content
		}
		keywords := topKeywords(docs, cfg.KeywordCount)

		sc := &types.Subcategory{
			ID:                  c.id,
			Category:            category,
			Name:                subcategoryName(keywords),
			Keywords:            keywords,
			Centroid:            c.centroid,
			CentroidFingerprint: c.fp,
			MemberCount:         len(c.members),
		}
		if c.existing != nil {
			sc.CreatedAt = c.existing.CreatedAt
			sc.LastAccessedAt = c.existing.LastAccessedAt
			sc.AccessCount = c.existing.AccessCount
		}
		plan.Upserts = append(plan.Upserts, sc)
	}

	for i, r := range records {
		if label := result.labels[i]; label >= 0 {
			plan.Assignments[r.ID] = result.kept[label].id
		} else {
			plan.Assignments[r.ID] = ""
		}
	}

	for _, sc := range result.dissolved {
		plan.Retire = append(plan.Retire, types.RetiredSubcategory{
			Subcategory: *sc,
			Reason:      types.RetiredDissolved,
			RetiredAt:   now,
		})
	}
	return plan
}

// planEmpty dissolves the subcategories that attracted no record, except
// those planDecay already retired. It returns the number dissolved.
func planEmpty(plan *storage.EvolutionPlan, empty []*types.Subcategory, cfg Config, now time.Time) int {
	n := 0
	for _, sc := range empty {
		if isStale(sc, cfg, now) {
			continue
		}
		plan.Retire = append(plan.Retire, types.RetiredSubcategory{
			Subcategory: *sc,
			Reason:      types.RetiredDissolved,
			RetiredAt:   now,
		})
		n++
	}
	return n
}

// regressed compares quality with the previous completed run.
func (e *Engine) regressed(ctx context.Context, category types.Category, quality float64, cfg Config) bool {
	prev, err := storage.RetryRead(ctx, func(ctx context.Context) (*types.EvolutionSnapshot, error) {
		return e.store.LatestSnapshot(ctx, category, types.OutcomeCompleted)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Printf("WARNING: evolution: failed to load previous snapshot for %s: %v", category, err)
		return false
	}
	return prev.QualityAfter-quality > cfg.RegressionMargin
}

// abort records a run that stopped before applying anything.
func (e *Engine) abort(snap *types.EvolutionSnapshot, cfg Config, err error) {
	snap.SubcategoriesAfter = snap.SubcategoriesBefore
	snap.Message = err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		snap.Outcome = types.OutcomeTimeout
		log.Printf("WARNING: evolution: %s timed out after %v, nothing applied", snap.Category, cfg.MaxRunDuration)
	case errors.Is(err, context.Canceled):
		snap.Outcome = types.OutcomeCancelled
		log.Printf("evolution: %s cancelled, nothing applied", snap.Category)
	default:
		snap.Outcome = types.OutcomeFailed
		log.Printf("ERROR: evolution: %s failed: %v", snap.Category, err)
	}
}

// finish stamps the duration and appends the snapshot, even when ctx has
// expired.
func (e *Engine) finish(ctx context.Context, snap *types.EvolutionSnapshot, start time.Time) (*types.EvolutionSnapshot, error) {
	snap.Duration = e.now().Sub(start)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotWriteTimeout)
	defer cancel()
	if err := e.store.AppendSnapshot(writeCtx, snap); err != nil {
		return snap, fmt.Errorf("evolution: failed to record snapshot for %s: %w", snap.Category, err)
	}

	if err := snap.Err(); err != nil {
		return snap, fmt.Errorf("evolution: %s: %w", snap.Category, err)
	}
	return snap, nil
}

// Decay runs temporal decay alone for category under the same evolving
// flag, recording one decayed (or busy) snapshot.
func (e *Engine) Decay(ctx context.Context, category types.Category) (*types.EvolutionSnapshot, error) {
	cfg, err := e.resolveConfig(category, nil)
	if err != nil {
		return nil, err
	}

	start := e.now()
	snap := e.newSnapshot(category, start)

	release, ok := e.acquire(category)
	if !ok {
		e.markBusy(ctx, snap)
		return e.finish(ctx, snap, start)
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, cfg.MaxRunDuration)
	defer cancel()

	subs, err := storage.RetryRead(runCtx, func(ctx context.Context) ([]*types.Subcategory, error) {
		return e.store.ListSubcategories(ctx, category)
	})
	if err != nil {
		e.abort(snap, cfg, err)
		return e.finish(ctx, snap, start)
	}
	snap.SubcategoriesBefore = len(subs)
	snap.SubcategoriesAfter = len(subs)
	e.rememberStable(category, subs)

	now := e.now().UTC()
	plan := &storage.EvolutionPlan{Category: category, AppliedAt: now}
	decayed := planDecay(plan, subs, nil, cfg, now)

	if decayed > 0 {
		if err := e.store.ApplyEvolution(runCtx, plan); err != nil {
			e.abort(snap, cfg, err)
			return e.finish(ctx, snap, start)
		}
		if fresh, err := e.store.ListSubcategories(runCtx, category); err == nil {
			e.rememberStable(category, fresh)
		}
	}

	snap.Outcome = types.OutcomeDecayed
	snap.SubcategoriesDecayed = decayed
	snap.SubcategoriesAfter = len(subs) - decayed
	return e.finish(ctx, snap, start)
}

// AssignSubcategory attaches one record to the nearest subcategory of its
// category. While the category is evolving the last stable list is used
// instead of waiting. Records without an embedding, or without a
// subcategory reaching MinConfidence, stay unassigned.
func (e *Engine) AssignSubcategory(ctx context.Context, record *types.Memory) (Assignment, error) {
	if record == nil || !record.HasEmbedding() {
		return Assignment{}, nil
	}

	var (
		subs       []*types.Subcategory
		fromStable bool
	)
	if e.IsEvolving(record.Category) {
		subs, fromStable = e.LastStable(record.Category), true
	} else {
		var err error
		subs, err = storage.RetryRead(ctx, func(ctx context.Context) ([]*types.Subcategory, error) {
			return e.store.ListSubcategories(ctx, record.Category)
		})
		if err != nil {
			return Assignment{}, fmt.Errorf("evolution: failed to load subcategories: %w", err)
		}
	}

	best, sim := nearest(record.Embedding, record.Fingerprint, seedClusters(subs, len(record.Embedding)), e.cfg.FingerprintFloor)
	if best == nil || sim < e.cfg.MinConfidence {
		return Assignment{FromStable: fromStable}, nil
	}

	if err := e.store.AssignSubcategory(ctx, record.ID, best.id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The subcategory was retired by a concurrent run.
			return Assignment{FromStable: fromStable}, nil
		}
		return Assignment{}, fmt.Errorf("evolution: failed to assign %s: %w", record.ID, err)
	}
	record.Subcategory = best.id
	return Assignment{SubcategoryID: best.id, Confidence: sim, FromStable: fromStable}, nil
}

// Snapshots lists the newest snapshots for category, or for all
// categories when category is empty.
func (e *Engine) Snapshots(ctx context.Context, category types.Category, limit int) ([]*types.EvolutionSnapshot, error) {
	if category != "" && !types.IsValidCategory(category) {
		return nil, fmt.Errorf("%w: unknown category %q", storage.ErrInvalidInput, category)
	}
	return storage.RetryRead(ctx, func(ctx context.Context) ([]*types.EvolutionSnapshot, error) {
		return e.store.ListSnapshots(ctx, category, limit)
	})
}
