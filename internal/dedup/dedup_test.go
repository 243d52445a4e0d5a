package dedup_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/recall/internal/dedup"
	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/sqlite"
	"github.com/scrypster/recall/pkg/types"
)

const baseText = "When the login handler refreshes an expired session token it must " +
	"re-read the signing key from the keyring, otherwise requests that race " +
	"the rotation window fail with an invalid signature and the user is " +
	"logged out. Guard the refresh with a mutex and retry verification once."

type fixture struct {
	store *sqlite.Store
	cache *querycache.Cache
	fp    *fingerprint.Engine
	svc   *dedup.Service
}

func newFixture(t *testing.T, cfg dedup.Config) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cache, err := querycache.New(querycache.DefaultConfig(), store, store)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	fp, err := fingerprint.New(fingerprint.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create fingerprint engine: %v", err)
	}

	svc, err := dedup.New(cfg, fp, store, cache)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return &fixture{store: store, cache: cache, fp: fp, svc: svc}
}

// mergeConfig sets thresholds so the test texts merge deterministically.
func mergeConfig() dedup.Config {
	cfg := dedup.DefaultConfig()
	cfg.SkipThreshold = 0.99
	cfg.MergeThreshold = 0.6
	return cfg
}

func newMemory(content string, tags ...string) *types.Memory {
	return &types.Memory{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Content:   content,
		Kind:      types.KindInsight,
		Category:  types.CategoryDebugging,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.store.CountRecords(context.Background(), storage.ListOptions{})
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	return n
}

func TestResolveExactDuplicateIsSkipped(t *testing.T) {
	f := newFixture(t, dedup.DefaultConfig())
	ctx := context.Background()

	first, err := f.svc.Resolve(ctx, newMemory("Fix the auth bug", "auth"))
	if err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if first.Action != dedup.ActionStored || first.Deduplicated() {
		t.Fatalf("expected first record stored, got %s", first.Action)
	}

	second, err := f.svc.Resolve(ctx, newMemory("fix the auth bug ", "bug"))
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if !second.Deduplicated() || second.Action != dedup.ActionSkipped {
		t.Fatalf("expected skip, got %s", second.Action)
	}
	if second.Record.ID != first.Record.ID {
		t.Errorf("expected reference to %s, got %s", first.Record.ID, second.Record.ID)
	}
	if len(second.MergedWith) != 1 || second.MergedWith[0] != first.Record.ID {
		t.Errorf("unexpected MergedWith %v", second.MergedWith)
	}
	if n := f.count(t); n != 1 {
		t.Errorf("expected 1 stored record, got %d", n)
	}

	got, err := f.store.GetRecord(ctx, first.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 1 {
		t.Errorf("expected access count bumped to 1, got %d", got.AccessCount)
	}
	if strings.Join(got.Tags, ",") != "auth,bug" {
		t.Errorf("expected tags unioned, got %v", got.Tags)
	}
}

func TestCheckDuplicateDoesNotWrite(t *testing.T) {
	f := newFixture(t, dedup.DefaultConfig())
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, newMemory(baseText)); err != nil {
		t.Fatal(err)
	}

	v, err := f.svc.CheckDuplicate(ctx, strings.ToUpper(baseText), types.CategoryDebugging)
	if err != nil {
		t.Fatalf("CheckDuplicate failed: %v", err)
	}
	if v.Kind != dedup.KindExact || v.Score != 1 {
		t.Errorf("expected exact match, got %s (%.2f)", v.Kind, v.Score)
	}

	v, err = f.svc.CheckDuplicate(ctx, "completely unrelated note about benchmark flags", types.CategoryDebugging)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != dedup.KindNone || v.ExistingID() != "" {
		t.Errorf("expected no match, got %s", v.Kind)
	}

	if n := f.count(t); n != 1 {
		t.Errorf("CheckDuplicate must not write, got %d records", n)
	}
}

func TestResolveNearDuplicateMerges(t *testing.T) {
	f := newFixture(t, mergeConfig())
	ctx := context.Background()

	existingText := baseText + " Also log the key id on every failure path."
	existing, err := f.svc.Resolve(ctx, newMemory(existingText, "auth"))
	if err != nil {
		t.Fatal(err)
	}

	// Cache a search result that references the record about to be retired.
	f.cache.Populate(ctx, "insights:abc", []querycache.Result{{ID: existing.Record.ID, Score: 0.9}})

	incoming := newMemory(baseText, "session")
	res, err := f.svc.Resolve(ctx, incoming)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != dedup.ActionMerged {
		t.Fatalf("expected merge, got %s", res.Action)
	}
	if res.Record.ID != incoming.ID {
		t.Errorf("survivor must keep the incoming id %s, got %s", incoming.ID, res.Record.ID)
	}
	if len(res.MergedWith) != 1 || res.MergedWith[0] != existing.Record.ID {
		t.Errorf("unexpected MergedWith %v", res.MergedWith)
	}
	if n := f.count(t); n != 1 {
		t.Errorf("expected 1 live record, got %d", n)
	}

	old, err := f.store.GetRecord(ctx, existing.Record.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.RetiredInto != incoming.ID {
		t.Errorf("expected %s retired into %s, got %q", old.ID, incoming.ID, old.RetiredInto)
	}

	if _, ok := f.cache.Lookup(ctx, "insights:abc"); ok {
		t.Error("cached result referencing the retired id must be invalidated")
	}
	f.cache.Populate(ctx, "insights:abc", []querycache.Result{{ID: existing.Record.ID, Score: 0.9}})
	if _, ok := f.cache.Lookup(ctx, "insights:abc"); ok {
		t.Error("stale populate with a retired id must be dropped")
	}

	// The union fingerprint agrees with each input at least as well as the
	// inputs agree with each other.
	a, _ := f.fp.Fingerprint(existingText)
	b, _ := f.fp.Fingerprint(baseText)
	pair := fingerprint.Similarity(a, b)
	if fingerprint.Similarity(res.Record.Fingerprint, a) < pair || fingerprint.Similarity(res.Record.Fingerprint, b) < pair {
		t.Error("union fingerprint must dominate the pairwise similarity")
	}

	survivor, err := f.store.GetRecord(ctx, incoming.ID)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(survivor.Tags, ",") != "auth,session" {
		t.Errorf("expected unioned tags, got %v", survivor.Tags)
	}
}

func TestResolveRechecksAfterMerge(t *testing.T) {
	f := newFixture(t, mergeConfig())
	ctx := context.Background()

	// Seed two near-duplicates directly so they are not merged with each other.
	var seeded []string
	for _, suffix := range []string{" Also log the key id on every failure path.", " Emit a metric whenever the retry branch runs."} {
		m := newMemory(baseText + suffix)
		m.ContentHash = f.fp.ContentHash(m.Content)
		m.Fingerprint, _ = f.fp.Fingerprint(m.Content)
		m.Deduplicable = true
		if err := f.store.PutRecord(ctx, m); err != nil {
			t.Fatal(err)
		}
		seeded = append(seeded, m.ID)
	}

	res, err := f.svc.Resolve(ctx, newMemory(baseText))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != dedup.ActionMerged {
		t.Fatalf("expected merge, got %s", res.Action)
	}
	if len(res.MergedWith) != 2 {
		t.Fatalf("expected both near-duplicates folded in, got %v", res.MergedWith)
	}
	if n := f.count(t); n != 1 {
		t.Errorf("expected 1 live record, got %d", n)
	}
	for _, id := range seeded {
		if !f.cache.IsRetired(id) {
			t.Errorf("expected %s remembered as retired", id)
		}
	}
}

func TestResolveShortTextIsNotDeduplicable(t *testing.T) {
	f := newFixture(t, dedup.DefaultConfig())

	res, err := f.svc.Resolve(context.Background(), newMemory("ok"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != dedup.ActionStored {
		t.Fatalf("expected stored, got %s", res.Action)
	}
	if res.Record.Deduplicable || len(res.Record.Fingerprint) != 0 {
		t.Error("short text must be stored without a fingerprint")
	}
}

func TestResolveDisabledStoresEverything(t *testing.T) {
	cfg := dedup.DefaultConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.svc.Resolve(ctx, newMemory("Fix the auth bug"))
		if err != nil {
			t.Fatal(err)
		}
		if res.Deduplicated() {
			t.Fatal("disabled dedup must never skip or merge")
		}
		if !res.Record.Deduplicable {
			t.Error("fingerprint should still be computed")
		}
	}
	if n := f.count(t); n != 2 {
		t.Errorf("expected 2 records, got %d", n)
	}
}

func TestMergeFollowsConcurrentRetirement(t *testing.T) {
	f := newFixture(t, mergeConfig())
	ctx := context.Background()

	a, err := f.svc.Resolve(ctx, newMemory(baseText+" First variant of the note."))
	if err != nil {
		t.Fatal(err)
	}
	stale := *a.Record

	// Another writer merges a into c first.
	c := newMemory(baseText + " Second variant of the note.")
	c.Fingerprint, _ = f.fp.Fingerprint(c.Content)
	if err := f.store.MergeRecords(ctx, c, []string{a.Record.ID}); err != nil {
		t.Fatal(err)
	}

	incoming := newMemory(baseText)
	incoming.Fingerprint, _ = f.fp.Fingerprint(incoming.Content)
	survivor, err := f.svc.Merge(ctx, incoming, &stale)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if survivor.ID != incoming.ID {
		t.Errorf("unexpected survivor %s", survivor.ID)
	}

	got, err := f.store.GetRecord(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RetiredInto != incoming.ID {
		t.Errorf("expected %s retired into the survivor, got %q", c.ID, got.RetiredInto)
	}
}

func TestMergeRequiresExisting(t *testing.T) {
	f := newFixture(t, dedup.DefaultConfig())
	if _, err := f.svc.Merge(context.Background(), newMemory(baseText)); err == nil {
		t.Fatal("expected error")
	}
}

func TestCombine(t *testing.T) {
	accessed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	incoming := &types.Memory{
		ID:          "new",
		Tags:        []string{"b"},
		Embedding:   []float32{1, 0},
		Fingerprint: types.Signature{5, 5, 5},
		AccessCount: 1,
		Degraded:    false,
	}
	existing := &types.Memory{
		ID:             "old",
		Tags:           []string{"a", "b"},
		Embedding:      []float32{0, 1},
		Fingerprint:    types.Signature{3, 9, 5},
		AccessCount:    4,
		LastAccessedAt: &accessed,
		Subcategory:    "sub-1",
	}

	got := dedup.Combine(incoming, []*types.Memory{existing})

	if got.ID != "new" {
		t.Errorf("survivor must keep incoming id, got %s", got.ID)
	}
	if strings.Join(got.Tags, ",") != "a,b" {
		t.Errorf("unexpected tags %v", got.Tags)
	}
	if got.AccessCount != 5 {
		t.Errorf("expected summed access count 5, got %d", got.AccessCount)
	}
	want := types.Signature{3, 5, 5}
	for i := range want {
		if got.Fingerprint[i] != want[i] {
			t.Fatalf("expected union %v, got %v", want, got.Fingerprint)
		}
	}
	if got.Embedding[0] != 0.5 || got.Embedding[1] != 0.5 {
		t.Errorf("expected averaged embedding, got %v", got.Embedding)
	}
	if got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(accessed) {
		t.Errorf("expected latest access time carried over")
	}
	if got.Subcategory != "" {
		t.Error("survivor starts unassigned")
	}
	if incoming.Fingerprint[0] != 5 || len(incoming.Tags) != 1 {
		t.Error("inputs must not be modified")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*dedup.Config)
		wantErr bool
	}{
		{"defaults", func(c *dedup.Config) {}, false},
		{"merge above skip", func(c *dedup.Config) { c.MergeThreshold = 0.97 }, true},
		{"zero merge", func(c *dedup.Config) { c.MergeThreshold = 0 }, true},
		{"skip above one", func(c *dedup.Config) { c.SkipThreshold = 1.2 }, true},
		{"zero window", func(c *dedup.Config) { c.Window = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := dedup.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	if _, err := dedup.New(dedup.DefaultConfig(), nil, nil, nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := dedup.New(dedup.Config{}, nil, nil, nil); err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Fatal("expected validation error")
	}
}
