package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// newTestStore creates an in-memory SQLite store with every migration applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testRecord(id string, kind types.Kind, category types.Category, content string, offset time.Duration) *types.Memory {
	return &types.Memory{
		ID:           id,
		Content:      content,
		ContentHash:  "hash-" + id,
		Kind:         kind,
		Category:     category,
		Tags:         []string{"go"},
		Embedding:    []float32{1, 0, 0},
		Fingerprint:  types.Signature{1, 2, 3, 4},
		Deduplicable: true,
		CreatedAt:    base.Add(offset),
		Metadata:     types.Metadata{SessionID: "s1", Project: "recall"},
	}
}

func TestPutAndGetRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := testRecord("m1", types.KindInsight, types.CategoryDebugging, "Fix the auth bug", 0)
	if err := store.PutRecord(ctx, m); err != nil {
		t.Fatalf("PutRecord() failed: %v", err)
	}

	got, err := store.GetRecord(ctx, "m1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}

	if got.Content != m.Content || got.Kind != m.Kind || got.Category != m.Category {
		t.Errorf("basic fields mismatch: %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 1 {
		t.Errorf("Embedding: got %v", got.Embedding)
	}
	if len(got.Fingerprint) != 4 || got.Fingerprint[3] != 4 {
		t.Errorf("Fingerprint: got %v", got.Fingerprint)
	}
	if !got.Deduplicable {
		t.Error("Deduplicable: got false, want true")
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, m.CreatedAt)
	}
	if got.Metadata.Project != "recall" || got.Metadata.SessionID != "s1" {
		t.Errorf("Metadata: got %+v", got.Metadata)
	}
	if got.LastAccessedAt != nil {
		t.Errorf("LastAccessedAt: got %v, want nil", got.LastAccessedAt)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRecord(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRecordValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []*types.Memory{
		nil,
		{Content: "no id", Kind: types.KindInsight, Category: types.CategoryGeneral},
		{ID: "x", Kind: types.KindInsight, Category: types.CategoryGeneral},
		{ID: "x", Content: "c", Kind: types.KindInsight, Category: "gardening"},
		{ID: "x", Content: "c", Kind: "poem", Category: types.CategoryGeneral},
	}
	for i, m := range cases {
		if err := store.PutRecord(ctx, m); !errors.Is(err, storage.ErrInvalidInput) {
			t.Errorf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestListRecordsFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []*types.Memory{
		testRecord("a", types.KindInsight, types.CategoryDebugging, "alpha", 1*time.Minute),
		testRecord("b", types.KindSummary, types.CategoryDebugging, "beta", 2*time.Minute),
		testRecord("c", types.KindInsight, types.CategoryTesting, "gamma", 3*time.Minute),
	}
	records[2].Fingerprint = nil
	records[2].Embedding = nil
	for _, m := range records {
		if err := store.PutRecord(ctx, m); err != nil {
			t.Fatalf("PutRecord(%s): %v", m.ID, err)
		}
	}

	all, err := store.ListRecords(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("expected newest first, got %v", ids(all))
	}

	debugging, _ := store.ListRecords(ctx, storage.ListOptions{Category: types.CategoryDebugging})
	if len(debugging) != 2 {
		t.Errorf("category filter: got %v", ids(debugging))
	}

	insights, _ := store.ListRecords(ctx, storage.ListOptions{Kind: types.KindInsight})
	if len(insights) != 2 {
		t.Errorf("kind filter: got %v", ids(insights))
	}

	withFP, _ := store.ListRecords(ctx, storage.ListOptions{WithFingerprint: true})
	if len(withFP) != 2 {
		t.Errorf("fingerprint filter: got %v", ids(withFP))
	}

	n, err := store.CountRecords(ctx, storage.ListOptions{WithEmbedding: true})
	if err != nil || n != 2 {
		t.Errorf("CountRecords: n=%d err=%v", n, err)
	}
}

func TestFindByContentHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := testRecord("m1", types.KindInsight, types.CategoryDebugging, "content", 0)
	m.ContentHash = "abc"
	_ = store.PutRecord(ctx, m)

	got, err := store.FindByContentHash(ctx, "abc", "")
	if err != nil || got.ID != "m1" {
		t.Fatalf("FindByContentHash: %v %v", got, err)
	}
	if _, err := store.FindByContentHash(ctx, "abc", types.CategoryTesting); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("category scoped lookup should miss, got %v", err)
	}
}

func TestTouchRecordsUpdatesRecordAndSubcategory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.ApplyEvolution(ctx, &storage.EvolutionPlan{
		Category: types.CategoryDebugging,
		Upserts: []*types.Subcategory{{
			ID: "sc1", Category: types.CategoryDebugging, Name: "auth", Centroid: []float32{1, 0, 0},
		}},
	})
	if err != nil {
		t.Fatalf("ApplyEvolution: %v", err)
	}

	m := testRecord("m1", types.KindInsight, types.CategoryDebugging, "content", 0)
	m.Subcategory = "sc1"
	_ = store.PutRecord(ctx, m)

	at := base.Add(time.Hour)
	if err := store.TouchRecords(ctx, []string{"m1"}, at); err != nil {
		t.Fatalf("TouchRecords: %v", err)
	}

	got, _ := store.GetRecord(ctx, "m1")
	if got.AccessCount != 1 || got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(at) {
		t.Errorf("record access not updated: %+v", got)
	}

	subs, _ := store.ListSubcategories(ctx, types.CategoryDebugging)
	if len(subs) != 1 || subs[0].AccessCount != 1 || subs[0].MemberCount != 1 {
		t.Errorf("subcategory not updated: %+v", subs)
	}
}

func TestMergeRecordsRetiresAndRepoints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testRecord("old", types.KindInsight, types.CategoryDebugging, "fix auth bug", 0)
	older := testRecord("older", types.KindInsight, types.CategoryDebugging, "fix the auth bug", -time.Hour)
	_ = store.PutRecord(ctx, older)
	_ = store.PutRecord(ctx, old)

	// older was already merged into old earlier.
	first := testRecord("old2", types.KindInsight, types.CategoryDebugging, "x", time.Minute)
	if err := store.MergeRecords(ctx, first, []string{"older"}); err != nil {
		t.Fatalf("first merge: %v", err)
	}

	survivor := testRecord("new", types.KindInsight, types.CategoryDebugging, "fix the auth bug now", 2*time.Minute)
	if err := store.MergeRecords(ctx, survivor, []string{"old2"}); err != nil {
		t.Fatalf("MergeRecords: %v", err)
	}

	retired, _ := store.GetRecord(ctx, "old2")
	if retired.RetiredInto != "new" || retired.RetiredAt == nil {
		t.Errorf("old2 not retired into survivor: %+v", retired)
	}
	chained, _ := store.GetRecord(ctx, "older")
	if chained.RetiredInto != "new" {
		t.Errorf("chain not flattened, older -> %s", chained.RetiredInto)
	}

	live, _ := store.ListRecords(ctx, storage.ListOptions{})
	for _, m := range live {
		if m.IsRetired() {
			t.Errorf("retired record %s listed", m.ID)
		}
	}

	// Retiring twice is a conflict and rolls back the survivor insert.
	again := testRecord("again", types.KindInsight, types.CategoryDebugging, "y", 3*time.Minute)
	if err := store.MergeRecords(ctx, again, []string{"old2"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.GetRecord(ctx, "again"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("survivor of a failed merge must not persist")
	}
}

func TestBumpRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.PutRecord(ctx, testRecord("m1", types.KindInsight, types.CategoryDebugging, "c", 0))
	if err := store.BumpRecord(ctx, "m1", []string{"auth"}, base.Add(time.Hour)); err != nil {
		t.Fatalf("BumpRecord: %v", err)
	}
	got, _ := store.GetRecord(ctx, "m1")
	if got.AccessCount != 1 || len(got.Tags) != 2 {
		t.Errorf("unexpected bumped record: %+v", got)
	}
}

func TestSearchVectorAndText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testRecord("a", types.KindInsight, types.CategoryDebugging, "token refresh fails after deploy", 0)
	a.Embedding = []float32{1, 0, 0}
	b := testRecord("b", types.KindInsight, types.CategoryDebugging, "flaky integration tests", time.Minute)
	b.Embedding = []float32{0.6, 0.8, 0}
	c := testRecord("c", types.KindSummary, types.CategoryDebugging, "token refresh summary", 2*time.Minute)
	c.Embedding = []float32{1, 0, 0}
	for _, m := range []*types.Memory{a, b, c} {
		_ = store.PutRecord(ctx, m)
	}

	hits, err := store.SearchVector(ctx, storage.VectorQuery{Embedding: []float32{1, 0, 0}, Kind: types.KindInsight, Limit: 5})
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != 2 || hits[0].Memory.ID != "a" || hits[0].Score < 0.99 {
		t.Errorf("unexpected vector hits: %+v", hits)
	}

	text, err := store.SearchText(ctx, storage.TextQuery{Query: "token refresh", Limit: 5})
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(text) != 2 {
		t.Errorf("expected both token records, got %d", len(text))
	}
}

func TestApplyEvolutionRetiresAndDeletes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cat := types.CategoryDebugging

	plan := &storage.EvolutionPlan{
		Category: cat,
		Upserts: []*types.Subcategory{
			{ID: "keep", Category: cat, Name: "keep"},
			{ID: "stale", Category: cat, Name: "stale"},
			{ID: "gone", Category: cat, Name: "gone"},
		},
	}
	if err := store.ApplyEvolution(ctx, plan); err != nil {
		t.Fatalf("ApplyEvolution: %v", err)
	}

	for i := 0; i < 3; i++ {
		m := testRecord(fmt.Sprintf("m%d", i), types.KindInsight, cat, "c", time.Duration(i)*time.Minute)
		_ = store.PutRecord(ctx, m)
	}

	err := store.ApplyEvolution(ctx, &storage.EvolutionPlan{
		Category:    cat,
		Assignments: map[string]string{"m0": "keep", "m1": "stale", "m2": "gone"},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	err = store.ApplyEvolution(ctx, &storage.EvolutionPlan{
		Category: cat,
		Retire: []types.RetiredSubcategory{{
			Subcategory: types.Subcategory{ID: "stale", Category: cat, Name: "stale"},
			Reason:      types.RetiredDecayed,
		}},
		Delete: []string{"gone"},
	})
	if err != nil {
		t.Fatalf("retire: %v", err)
	}

	subs, _ := store.ListSubcategories(ctx, cat)
	if len(subs) != 1 || subs[0].ID != "keep" || subs[0].MemberCount != 1 {
		t.Errorf("unexpected active subcategories: %+v", subs)
	}

	retired, _ := store.ListRetiredSubcategories(ctx, cat)
	if len(retired) != 1 || retired[0].Reason != types.RetiredDecayed {
		t.Errorf("unexpected retired subcategories: %+v", retired)
	}

	for _, id := range []string{"m1", "m2"} {
		m, _ := store.GetRecord(ctx, id)
		if m.Subcategory != "" {
			t.Errorf("%s should be unassigned, got %q", id, m.Subcategory)
		}
	}
}

func TestAssignSubcategory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cat := types.CategoryTesting

	_ = store.ApplyEvolution(ctx, &storage.EvolutionPlan{
		Category: cat,
		Upserts:  []*types.Subcategory{{ID: "s1", Category: cat, Name: "a"}, {ID: "s2", Category: cat, Name: "b"}},
	})
	_ = store.PutRecord(ctx, testRecord("m1", types.KindInsight, cat, "c", 0))

	if err := store.AssignSubcategory(ctx, "m1", "s1"); err != nil {
		t.Fatalf("assign s1: %v", err)
	}
	if err := store.AssignSubcategory(ctx, "m1", "s2"); err != nil {
		t.Fatalf("assign s2: %v", err)
	}

	subs, _ := store.ListSubcategories(ctx, cat)
	counts := map[string]int{}
	for _, s := range subs {
		counts[s.ID] = s.MemberCount
	}
	if counts["s1"] != 0 || counts["s2"] != 1 {
		t.Errorf("unexpected member counts %v", counts)
	}

	if err := store.AssignSubcategory(ctx, "m1", "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown subcategory, got %v", err)
	}
}

func TestSnapshotsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cat := types.CategoryArchitecture

	for i, outcome := range []types.EvolutionOutcome{types.OutcomeCompleted, types.OutcomeBusy, types.OutcomeCompleted} {
		snap := &types.EvolutionSnapshot{
			ID:           fmt.Sprintf("snap-%d", i),
			Category:     cat,
			Outcome:      outcome,
			QualityAfter: float64(i) / 10,
			Duration:     1500 * time.Millisecond,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendSnapshot(ctx, snap); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}

	list, err := store.ListSnapshots(ctx, cat, 10)
	if err != nil || len(list) != 3 || list[0].ID != "snap-2" {
		t.Fatalf("ListSnapshots: %v %v", list, err)
	}
	if list[0].Duration != 1500*time.Millisecond {
		t.Errorf("Duration: got %v", list[0].Duration)
	}

	latest, err := store.LatestSnapshot(ctx, cat, types.OutcomeCompleted)
	if err != nil || latest.ID != "snap-2" {
		t.Errorf("LatestSnapshot: %v %v", latest, err)
	}
	if _, err := store.LatestSnapshot(ctx, types.CategorySecurity, types.OutcomeCompleted); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInteractionAggregates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	add := func(user, item string, ok bool) {
		t.Helper()
		if err := store.AppendInteraction(ctx, &types.UserInteraction{UserKey: user, ItemID: item, Success: ok, Timestamp: base}); err != nil {
			t.Fatalf("AppendInteraction: %v", err)
		}
	}
	add("u1", "A", true)
	add("u1", "A", false)
	add("u1", "B", true)
	add("u2", "A", true)
	add("u2", "C", false)

	sets, err := store.CompletedItemSets(ctx)
	if err != nil {
		t.Fatalf("CompletedItemSets: %v", err)
	}
	if len(sets["u1"]) != 2 || len(sets["u2"]) != 1 {
		t.Errorf("unexpected sets %v", sets)
	}

	stats, _ := store.ItemStats(ctx)
	byID := map[string]types.ItemStat{}
	for _, s := range stats {
		byID[s.ItemID] = s
	}
	if byID["A"].Invocations != 3 || byID["A"].Successes != 2 {
		t.Errorf("unexpected stat for A: %+v", byID["A"])
	}
	if byID["C"].Successes != 0 {
		t.Errorf("unexpected stat for C: %+v", byID["C"])
	}

	user, _ := store.UserItemStats(ctx, "u1")
	if len(user) != 2 {
		t.Errorf("expected two items for u1, got %+v", user)
	}
}

func TestPersistentCacheTier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	put := func(key string, ids ...string) {
		t.Helper()
		e := &querycache.Entry{Key: key, CreatedAt: now, LastAccessedAt: now, ExpiresAt: now.Add(time.Hour)}
		for _, id := range ids {
			e.Results = append(e.Results, querycache.Result{ID: id, Score: 0.5})
		}
		if err := store.PutCacheEntry(ctx, e); err != nil {
			t.Fatalf("PutCacheEntry: %v", err)
		}
	}

	put("all:1", "m1", "m2")
	put("insights:2", "m2")
	put("summaries:3", "m3")

	got, err := store.GetCacheEntry(ctx, "all:1")
	if err != nil || got == nil || len(got.Results) != 2 {
		t.Fatalf("GetCacheEntry: %+v %v", got, err)
	}

	n, err := store.DeleteCacheByContent(ctx, "m2")
	if err != nil || n != 2 {
		t.Errorf("DeleteCacheByContent: n=%d err=%v", n, err)
	}
	if e, _ := store.GetCacheEntry(ctx, "insights:2"); e != nil {
		t.Error("entry referencing m2 must be gone")
	}

	n, err = store.DeleteCacheByPrefix(ctx, "summaries:")
	if err != nil || n != 1 {
		t.Errorf("DeleteCacheByPrefix: n=%d err=%v", n, err)
	}

	put("all:4", "m4")
	n, err = store.PurgeExpiredCache(ctx, now.Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("PurgeExpiredCache: n=%d err=%v", n, err)
	}
}

func TestClassify(t *testing.T) {
	if err := classify(errors.New("database is locked")); !errors.Is(err, types.ErrTransientStore) {
		t.Errorf("locked should be transient, got %v", err)
	}
	if err := classify(errors.New("sql: database is closed")); !errors.Is(err, types.ErrStoreUnavailable) {
		t.Errorf("closed should be unavailable, got %v", err)
	}
	plain := errors.New("syntax error")
	if err := classify(plain); err != plain {
		t.Errorf("unclassified errors pass through, got %v", err)
	}
}

func TestDBPathFromDSN(t *testing.T) {
	cases := map[string]string{
		":memory:":                "",
		"/tmp/recall.db":          "/tmp/recall.db",
		"file:/tmp/x.db?mode=rwc": "/tmp/x.db",
	}
	for dsn, want := range cases {
		if got := dbPathFromDSN(dsn); got != want {
			t.Errorf("dbPathFromDSN(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func ids(ms []*types.Memory) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
