package evolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/sqlite"
	"github.com/scrypster/recall/pkg/types"
)

var now = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEngine(t *testing.T, store Store, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, store)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	e.SetClock(func() time.Time { return now })
	return e
}

// seed stores n records in category pointing roughly along axis.
func seed(t *testing.T, store *sqlite.Store, category types.Category, prefix string, axis int, n int, content string) []*types.Memory {
	t.Helper()
	var out []*types.Memory
	for i := 0; i < n; i++ {
		emb := []float32{0.05, 0.05, 0.05}
		emb[axis] = 1
		emb[(axis+1)%3] += float32(i) * 0.02

		m := &types.Memory{
			ID:          fmt.Sprintf("%s-%02d", prefix, i),
			Content:     fmt.Sprintf("%s (note %d)", content, i),
			ContentHash: fmt.Sprintf("%s-hash-%d", prefix, i),
			Kind:        types.KindInsight,
			Category:    category,
			Embedding:   emb,
			CreatedAt:   now.Add(-time.Duration(n-i) * time.Minute),
		}
		if err := store.PutRecord(context.Background(), m); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func snapshotCount(t *testing.T, store *sqlite.Store, category types.Category) int {
	t.Helper()
	snaps, err := store.ListSnapshots(context.Background(), category, 100)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	return len(snaps)
}

func TestEvolveInsufficientData(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()

	seed(t, store, types.CategoryDebugging, "d", 0, 4, "auth token refresh failure")

	snap, err := e.Evolve(ctx, types.CategoryDebugging, nil)
	if !errors.Is(err, types.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if snap.Outcome != types.OutcomeInsufficientData {
		t.Errorf("expected insufficient_data, got %s", snap.Outcome)
	}
	if snap.SubcategoriesBefore != snap.SubcategoriesAfter || snap.QualityBefore != snap.QualityAfter {
		t.Errorf("insufficient data must not change state: %+v", snap)
	}
	if snap.RecordsConsidered != 4 {
		t.Errorf("expected 4 records considered, got %d", snap.RecordsConsidered)
	}

	subs, _ := store.ListSubcategories(ctx, types.CategoryDebugging)
	if len(subs) != 0 {
		t.Errorf("expected no subcategories, got %d", len(subs))
	}
	if n := snapshotCount(t, store, types.CategoryDebugging); n != 1 {
		t.Errorf("expected exactly 1 snapshot, got %d", n)
	}
}

func TestEvolveBuildsSubcategories(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()

	seed(t, store, types.CategoryDebugging, "auth", 0, 6, "auth token refresh failure in login handler")
	seed(t, store, types.CategoryDebugging, "db", 1, 6, "database index missing on query planner")

	snap, err := e.Evolve(ctx, types.CategoryDebugging, nil)
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}
	if snap.Outcome != types.OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%s)", snap.Outcome, snap.Message)
	}
	if snap.SubcategoriesBefore != 0 || snap.SubcategoriesAfter != 2 {
		t.Errorf("expected 0 -> 2 subcategories, got %d -> %d", snap.SubcategoriesBefore, snap.SubcategoriesAfter)
	}
	if snap.RecordsAssigned != 12 {
		t.Errorf("expected 12 records assigned, got %d", snap.RecordsAssigned)
	}
	if snap.QualityAfter <= 0.5 || snap.QualityAfter > 1 {
		t.Errorf("expected well separated clusters, quality %.3f", snap.QualityAfter)
	}

	subs, err := store.ListSubcategories(ctx, types.CategoryDebugging)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subcategories, got %d", len(subs))
	}
	names := subs[0].Name + " " + subs[1].Name
	if !strings.Contains(names, "auth") || !strings.Contains(names, "database") {
		t.Errorf("expected keyword-derived names, got %q", names)
	}
	for _, sc := range subs {
		if sc.MemberCount != 6 {
			t.Errorf("subcategory %s: expected 6 members, got %d", sc.Name, sc.MemberCount)
		}
	}

	rec, err := store.GetRecord(ctx, "auth-00")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Subcategory == "" {
		t.Error("record should be assigned")
	}
	if len(e.LastStable(types.CategoryDebugging)) != 2 {
		t.Error("last stable list should be refreshed after a completed run")
	}

	// A second run keeps the same subcategories and quality.
	again, err := e.Evolve(ctx, types.CategoryDebugging, nil)
	if err != nil {
		t.Fatalf("second Evolve failed: %v", err)
	}
	if again.SubcategoriesBefore != 2 || again.SubcategoriesAfter != 2 {
		t.Errorf("expected stable 2 -> 2, got %d -> %d", again.SubcategoriesBefore, again.SubcategoriesAfter)
	}
	if again.Regressed {
		t.Error("re-running on unchanged data must not regress")
	}
	if n := snapshotCount(t, store, types.CategoryDebugging); n != 2 {
		t.Errorf("expected 2 snapshots, got %d", n)
	}
}

func TestEvolveBusy(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()

	// Stored before this engine ever ran, as after a restart.
	putSubcategory(t, store, &types.Subcategory{
		ID: "sub-fixtures", Category: types.CategoryTesting, Name: "fixtures",
		Centroid: []float32{1, 0, 0}, CreatedAt: now.Add(-time.Hour),
	})

	release, ok := e.acquire(types.CategoryTesting)
	if !ok {
		t.Fatal("failed to acquire flag")
	}

	snap, err := e.Evolve(ctx, types.CategoryTesting, nil)
	if !errors.Is(err, types.ErrEvolutionBusy) {
		t.Fatalf("expected ErrEvolutionBusy, got %v", err)
	}
	if snap.Outcome != types.OutcomeBusy || snap.SubcategoriesBefore != snap.SubcategoriesAfter {
		t.Errorf("unexpected busy snapshot %+v", snap)
	}
	if snap.SubcategoriesBefore != 1 {
		t.Errorf("busy snapshot must count stored subcategories, got %d", snap.SubcategoriesBefore)
	}

	// Other categories are unaffected.
	if _, err := e.Evolve(ctx, types.CategorySecurity, nil); errors.Is(err, types.ErrEvolutionBusy) {
		t.Error("a run in one category must not block another")
	}

	release()
	if e.IsEvolving(types.CategoryTesting) {
		t.Error("flag should be released")
	}
	if n := snapshotCount(t, store, types.CategoryTesting); n != 1 {
		t.Errorf("expected 1 busy snapshot, got %d", n)
	}
}

// blockingStore stalls ListRecords until the run deadline passes.
type blockingStore struct {
	*sqlite.Store
}

func (b blockingStore) ListRecords(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEvolveTimeout(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, blockingStore{store}, func(c *Config) { c.MaxRunDuration = 20 * time.Millisecond })

	snap, err := e.Evolve(context.Background(), types.CategoryWorkflow, nil)
	if !errors.Is(err, types.ErrEvolutionAborted) {
		t.Fatalf("expected ErrEvolutionAborted, got %v", err)
	}
	if snap.Outcome != types.OutcomeTimeout {
		t.Errorf("expected timeout outcome, got %s", snap.Outcome)
	}
	if e.IsEvolving(types.CategoryWorkflow) {
		t.Error("flag must be released after a timeout")
	}
	if n := snapshotCount(t, store, types.CategoryWorkflow); n != 1 {
		t.Errorf("timeout run must still write a snapshot, got %d", n)
	}
}

func TestEvolveRegression(t *testing.T) {
	for _, rollback := range []bool{false, true} {
		t.Run(fmt.Sprintf("rollback=%v", rollback), func(t *testing.T) {
			store := newTestStore(t)
			e := newTestEngine(t, store, func(c *Config) { c.RollbackOnRegression = rollback })
			ctx := context.Background()

			// A single cluster scores 0; the previous run scored 0.5.
			seed(t, store, types.CategoryTooling, "t", 2, 6, "makefile target for lint")
			if err := store.AppendSnapshot(ctx, &types.EvolutionSnapshot{
				ID:           "prev",
				Category:     types.CategoryTooling,
				Outcome:      types.OutcomeCompleted,
				QualityAfter: 0.5,
				CreatedAt:    now.Add(-time.Hour),
			}); err != nil {
				t.Fatal(err)
			}

			snap, err := e.Evolve(ctx, types.CategoryTooling, nil)
			if err != nil {
				t.Fatalf("Evolve failed: %v", err)
			}
			if !snap.Regressed {
				t.Fatal("expected regression flag")
			}

			subs, _ := store.ListSubcategories(ctx, types.CategoryTooling)
			if rollback {
				if snap.Outcome != types.OutcomeRolledBack || len(subs) != 0 {
					t.Errorf("expected rollback with nothing applied, got %s and %d subcategories", snap.Outcome, len(subs))
				}
				if snap.SubcategoriesAfter != snap.SubcategoriesBefore {
					t.Error("rolled back run must report unchanged counts")
				}
			} else if snap.Outcome != types.OutcomeCompleted || len(subs) != 1 {
				t.Errorf("advisory regression must still apply, got %s and %d subcategories", snap.Outcome, len(subs))
			}
		})
	}
}

func putSubcategory(t *testing.T, store *sqlite.Store, sc *types.Subcategory) {
	t.Helper()
	err := store.ApplyEvolution(context.Background(), &storage.EvolutionPlan{
		Category: sc.Category,
		Upserts:  []*types.Subcategory{sc},
	})
	if err != nil {
		t.Fatalf("failed to insert subcategory: %v", err)
	}
}

func TestEvolveDissolvesAndDecays(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()

	seed(t, store, types.CategoryArchitecture, "svc", 0, 6, "service boundary between api and worker")
	small := seed(t, store, types.CategoryArchitecture, "ev", 2, 2, "event bus topic layout")

	// Seeded along axis 2: picks up the two event records, then dissolves.
	putSubcategory(t, store, &types.Subcategory{
		ID: "sub-events", Category: types.CategoryArchitecture, Name: "events",
		Centroid: []float32{0.05, 0.05, 1}, CreatedAt: now.Add(-24 * time.Hour),
	})
	// Far from every record and unused for 200 days: decays.
	putSubcategory(t, store, &types.Subcategory{
		ID: "sub-stale", Category: types.CategoryArchitecture, Name: "stale",
		Centroid: []float32{-1, -1, -1}, CreatedAt: now.Add(-200 * 24 * time.Hour),
	})
	if err := store.AssignSubcategory(ctx, small[0].ID, "sub-events"); err != nil {
		t.Fatal(err)
	}

	snap, err := e.Evolve(ctx, types.CategoryArchitecture, nil)
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}
	if snap.SubcategoriesDecayed != 1 {
		t.Errorf("expected 1 decayed subcategory, got %d", snap.SubcategoriesDecayed)
	}
	if snap.SubcategoriesBefore != 2 || snap.SubcategoriesAfter != 1 {
		t.Errorf("expected 2 -> 1 subcategories, got %d -> %d", snap.SubcategoriesBefore, snap.SubcategoriesAfter)
	}

	retired, err := store.ListRetiredSubcategories(ctx, types.CategoryArchitecture)
	if err != nil {
		t.Fatal(err)
	}
	reasons := map[string]types.RetirementReason{}
	for _, r := range retired {
		reasons[r.ID] = r.Reason
	}
	if reasons["sub-events"] != types.RetiredDissolved || reasons["sub-stale"] != types.RetiredDecayed {
		t.Errorf("unexpected retirements %v", reasons)
	}

	rec, _ := store.GetRecord(ctx, small[0].ID)
	if rec.Subcategory != "" {
		t.Error("members of a dissolved subcategory must be unassigned")
	}
}

func TestEvolveDissolvesEmptySubcategory(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()

	seed(t, store, types.CategoryWorkflow, "wf", 0, 6, "squash commits before merging the release branch")
	// Recently created, so not stale, but no record is anywhere near it.
	putSubcategory(t, store, &types.Subcategory{
		ID: "sub-orphan", Category: types.CategoryWorkflow, Name: "orphan",
		Centroid: []float32{0, 0, 1}, CreatedAt: now.Add(-time.Hour),
	})

	snap, err := e.Evolve(ctx, types.CategoryWorkflow, nil)
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}
	if snap.SubcategoriesBefore != 1 || snap.SubcategoriesAfter != 1 || snap.SubcategoriesDecayed != 0 {
		t.Errorf("expected 1 -> 1 with the orphan replaced, got %+v", snap)
	}

	subs, err := store.ListSubcategories(ctx, types.CategoryWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].ID == "sub-orphan" || subs[0].MemberCount != 6 {
		t.Fatalf("expected only the new 6-member subcategory, got %+v", subs)
	}

	retired, err := store.ListRetiredSubcategories(ctx, types.CategoryWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	if len(retired) != 1 || retired[0].ID != "sub-orphan" || retired[0].Reason != types.RetiredDissolved {
		t.Errorf("expected the orphan dissolved, got %+v", retired)
	}

	// A second pass is stable.
	again, err := e.Evolve(ctx, types.CategoryWorkflow, nil)
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}
	if again.SubcategoriesBefore != 1 || again.SubcategoriesAfter != 1 {
		t.Errorf("expected 1 -> 1 on the second pass, got %d -> %d", again.SubcategoriesBefore, again.SubcategoriesAfter)
	}
}

func TestDecayModes(t *testing.T) {
	for _, mode := range []DecayMode{DecayArchive, DecayDelete} {
		t.Run(string(mode), func(t *testing.T) {
			store := newTestStore(t)
			e := newTestEngine(t, store, func(c *Config) { c.DecayMode = mode })
			ctx := context.Background()

			old := now.Add(-120 * 24 * time.Hour)
			putSubcategory(t, store, &types.Subcategory{ID: "old", Category: types.CategorySecurity, Name: "old", CreatedAt: old})
			putSubcategory(t, store, &types.Subcategory{ID: "popular", Category: types.CategorySecurity, Name: "popular", CreatedAt: old, AccessCount: 9})
			putSubcategory(t, store, &types.Subcategory{ID: "fresh", Category: types.CategorySecurity, Name: "fresh", CreatedAt: now.Add(-time.Hour)})

			snap, err := e.Decay(ctx, types.CategorySecurity)
			if err != nil {
				t.Fatalf("Decay failed: %v", err)
			}
			if snap.Outcome != types.OutcomeDecayed || snap.SubcategoriesDecayed != 1 {
				t.Fatalf("unexpected snapshot %+v", snap)
			}

			subs, _ := store.ListSubcategories(ctx, types.CategorySecurity)
			if len(subs) != 2 {
				t.Errorf("expected 2 remaining subcategories, got %d", len(subs))
			}
			retired, _ := store.ListRetiredSubcategories(ctx, types.CategorySecurity)
			wantRetired := 0
			if mode == DecayArchive {
				wantRetired = 1
			}
			if len(retired) != wantRetired {
				t.Errorf("expected %d archived, got %d", wantRetired, len(retired))
			}
		})
	}
}

func TestAssignSubcategory(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, nil)
	ctx := context.Background()

	seed(t, store, types.CategoryDebugging, "auth", 0, 6, "auth token refresh failure")
	if _, err := e.Evolve(ctx, types.CategoryDebugging, nil); err != nil {
		t.Fatal(err)
	}

	near := &types.Memory{
		ID: "new-near", Content: "another auth token issue", ContentHash: "h1",
		Kind: types.KindConversation, Category: types.CategoryDebugging,
		Embedding: []float32{1, 0.1, 0.05}, CreatedAt: now,
	}
	far := &types.Memory{
		ID: "new-far", Content: "unrelated", ContentHash: "h2",
		Kind: types.KindConversation, Category: types.CategoryDebugging,
		Embedding: []float32{0, 0, 1}, CreatedAt: now,
	}
	for _, m := range []*types.Memory{near, far} {
		if err := store.PutRecord(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	a, err := e.AssignSubcategory(ctx, near)
	if err != nil {
		t.Fatalf("AssignSubcategory failed: %v", err)
	}
	if a.SubcategoryID == "" || a.Confidence < 0.6 || a.FromStable {
		t.Errorf("expected confident assignment from the store, got %+v", a)
	}
	got, _ := store.GetRecord(ctx, near.ID)
	if got.Subcategory != a.SubcategoryID {
		t.Errorf("assignment not persisted: %q", got.Subcategory)
	}

	a, err = e.AssignSubcategory(ctx, far)
	if err != nil {
		t.Fatal(err)
	}
	if a.SubcategoryID != "" {
		t.Errorf("low-confidence record must stay unassigned, got %s", a.SubcategoryID)
	}

	// While evolving, the last stable list is used instead of blocking.
	release, _ := e.acquire(types.CategoryDebugging)
	defer release()
	near2 := *near
	near2.ID, near2.ContentHash = "new-near-2", "h3"
	if err := store.PutRecord(ctx, &near2); err != nil {
		t.Fatal(err)
	}
	a, err = e.AssignSubcategory(ctx, &near2)
	if err != nil {
		t.Fatal(err)
	}
	if !a.FromStable || a.SubcategoryID == "" {
		t.Errorf("expected assignment from the stable list, got %+v", a)
	}

	// No embedding: nothing to compare.
	if a, err := e.AssignSubcategory(ctx, &types.Memory{ID: "x", Category: types.CategoryDebugging}); err != nil || a.SubcategoryID != "" {
		t.Errorf("expected no assignment, got %+v %v", a, err)
	}
}

func TestEvolveRejectsUnknownCategory(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), nil)
	if _, err := e.Evolve(context.Background(), "gardening", nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	bad := DefaultConfig()
	bad.MinClusterSize = 0
	if _, err := e.Evolve(context.Background(), types.CategoryGeneral, &bad); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad override, got %v", err)
	}
}

func TestEvolveAllSkipsExpectedOutcomes(t *testing.T) {
	store := newTestStore(t)
	e := newTestEngine(t, store, nil)

	snaps, err := e.EvolveAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("EvolveAll failed: %v", err)
	}
	if len(snaps) != len(types.Categories) {
		t.Errorf("expected one snapshot per category, got %d", len(snaps))
	}

	all, err := e.Snapshots(context.Background(), "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(types.Categories) {
		t.Errorf("expected %d snapshots listed, got %d", len(types.Categories), len(all))
	}
}
