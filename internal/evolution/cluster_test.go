package evolution

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/scrypster/recall/pkg/types"
)

func TestQuality(t *testing.T) {
	points := [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}, {0.1, 0.9}}
	centroids := [][]float32{{1, 0}, {0, 1}}

	good := Quality(points, []int{0, 0, 1, 1}, centroids)
	if good < 0.7 || good > 1 {
		t.Errorf("expected high quality for a good split, got %.3f", good)
	}

	bad := Quality(points, []int{1, 1, 0, 0}, centroids)
	if bad > -0.7 || bad < -1 {
		t.Errorf("expected negative quality for a swapped split, got %.3f", bad)
	}

	if q := Quality(points, []int{0, 0, 0, 0}, centroids[:1]); q != 0 {
		t.Errorf("expected 0 with a single centroid, got %.3f", q)
	}
	if q := Quality(points, []int{-1, -1, -1, -1}, centroids); q != 0 {
		t.Errorf("expected 0 with nothing assigned, got %.3f", q)
	}
}

func TestRunClusteringCapsClusters(t *testing.T) {
	var records []*types.Memory
	for axis := 0; axis < 3; axis++ {
		for i := 0; i < 3+axis; i++ {
			emb := []float32{0, 0, 0}
			emb[axis] = 1
			emb[(axis+1)%3] = float32(i) * 0.01
			records = append(records, &types.Memory{ID: fmt.Sprintf("r%d-%d", axis, i), Embedding: emb})
		}
	}

	cfg := DefaultConfig()
	cfg.MinClusterSize = 3
	cfg.MaxSubcategories = 2

	n := 0
	res, err := runClustering(context.Background(), records, nil, cfg, false, func() string { n++; return fmt.Sprintf("c%d", n) })
	if err != nil {
		t.Fatal(err)
	}
	if len(res.kept) != 2 {
		t.Fatalf("expected cap of 2 clusters, got %d", len(res.kept))
	}
	// The smallest cluster (axis 0, 3 members) loses the cap.
	for i, r := range records[:3] {
		if res.labels[i] != -1 {
			t.Errorf("record %s should be unassigned", r.ID)
		}
	}
	if len(res.kept[0].members) != 5 || len(res.kept[1].members) != 4 {
		t.Errorf("expected largest clusters first, got %d and %d", len(res.kept[0].members), len(res.kept[1].members))
	}
}

func TestRunClusteringEmptySeededClusters(t *testing.T) {
	var records []*types.Memory
	for i := 0; i < 5; i++ {
		records = append(records, &types.Memory{
			ID:        fmt.Sprintf("r%d", i),
			Embedding: []float32{1, float32(i) * 0.01, 0},
		})
	}
	subs := []*types.Subcategory{
		{ID: "small", Centroid: []float32{0, 0, 1}, MemberCount: 2},
		{ID: "large", Centroid: []float32{0, 1, 0}, MemberCount: 40},
	}

	cfg := DefaultConfig()
	cfg.MinClusterSize = 3
	newID := func() string { return "new" }

	tests := []struct {
		name    string
		partial bool
		want    []string
	}{
		{"whole category", false, []string{"small", "large"}},
		{"capped window", true, []string{"small"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := runClustering(context.Background(), records, subs, cfg, tc.partial, newID)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, sc := range res.empty {
				got = append(got, sc.ID)
				if res.touched[sc.ID] {
					t.Errorf("%s must stay eligible for decay", sc.ID)
				}
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Errorf("expected empty %v, got %v", tc.want, got)
			}
			if len(res.kept) != 1 || len(res.kept[0].members) != 5 {
				t.Errorf("expected one new cluster of 5, got %d kept", len(res.kept))
			}
		})
	}
}

func TestNearestFingerprintPrefilter(t *testing.T) {
	a := &cluster{id: "a", centroid: []float32{1, 0}, fp: types.Signature{1, 2, 3, 4}}
	b := &cluster{id: "b", centroid: []float32{0.8, 0.2}, fp: types.Signature{9, 9, 9, 9}}

	best, _ := nearest([]float32{1, 0}, types.Signature{9, 9, 9, 4}, []*cluster{a, b}, 0.5)
	if best == nil || best.id != "b" {
		t.Fatalf("expected prefilter to skip a, got %v", best)
	}

	best, sim := nearest([]float32{1, 0}, types.Signature{9, 9, 9, 4}, []*cluster{a, b}, 0)
	if best.id != "a" || math.Abs(sim-1) > 1e-6 {
		t.Errorf("without a floor the nearest centroid wins, got %s %.3f", best.id, sim)
	}
}

func TestTopKeywords(t *testing.T) {
	docs := []string{
		"Auth token refresh failed",
		"auth token expired during refresh",
		"the login handler and the auth flow",
	}
	got := topKeywords(docs, 3)
	want := []string{"auth", "refresh", "token"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if subcategoryName(got) != "auth-refresh-token" {
		t.Errorf("unexpected name %q", subcategoryName(got))
	}
	if subcategoryName(nil) != "misc" {
		t.Error("empty keyword list should name misc")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero cluster size", func(c *Config) { c.MinClusterSize = 0 }, true},
		{"threshold above one", func(c *Config) { c.SimilarityThreshold = 1.5 }, true},
		{"unknown decay mode", func(c *Config) { c.DecayMode = "shred" }, true},
		{"no run bound", func(c *Config) { c.MaxRunDuration = 0 }, true},
		{"records below cluster size", func(c *Config) { c.MaxRecords = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
