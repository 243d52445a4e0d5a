package evolution

import (
	"context"
	"sort"

	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/similarity"
	"github.com/scrypster/recall/pkg/types"
)

// cluster is one working group during a pass. existing is set when the
// cluster was seeded from a stored subcategory.
type cluster struct {
	id       string
	existing *types.Subcategory
	centroid []float32
	fp       types.Signature
	members  []int
}

// clustering is the outcome of one clustering pass.
type clustering struct {
	// kept are the clusters that survive, with at least MinClusterSize members.
	kept []*cluster

	// dissolved are seeded clusters that ended up too small.
	dissolved []*types.Subcategory

	// empty are seeded clusters that attracted no record. They are left
	// out of touched so decay gets the first say; the rest are dissolved.
	empty []*types.Subcategory

	// touched holds the IDs of every stored subcategory the pass kept or
	// dissolved. Only the others are eligible for decay.
	touched map[string]bool

	// labels[i] is the index into kept for records[i], or -1.
	labels []int
}

// nearest returns the cluster with the highest cosine similarity to emb.
// Clusters whose fingerprint similarity to fp is below floor are skipped
// without an embedding comparison.
func nearest(emb []float32, fp types.Signature, clusters []*cluster, floor float64) (*cluster, float64) {
	var best *cluster
	bestSim := -2.0
	for _, c := range clusters {
		if len(c.centroid) != len(emb) {
			continue
		}
		if floor > 0 && len(fp) > 0 && len(c.fp) == len(fp) && fingerprint.Similarity(fp, c.fp) < floor {
			continue
		}
		if sim := similarity.Cosine(emb, c.centroid); sim > bestSim {
			best, bestSim = c, sim
		}
	}
	return best, bestSim
}

// seedClusters turns stored subcategories with a centroid of dimension dim
// into clusters.
func seedClusters(subs []*types.Subcategory, dim int) []*cluster {
	out := make([]*cluster, 0, len(subs))
	for _, sc := range subs {
		if len(sc.Centroid) != dim {
			continue
		}
		out = append(out, &cluster{
			id:       sc.ID,
			existing: sc,
			centroid: sc.Centroid,
			fp:       sc.CentroidFingerprint,
		})
	}
	return out
}

// recompute sets each non-empty cluster's centroid to the mean of its
// members and its fingerprint to the union of theirs.
func recompute(records []*types.Memory, clusters []*cluster) {
	for _, c := range clusters {
		if len(c.members) == 0 {
			continue
		}
		vectors := make([][]float32, len(c.members))
		var fp types.Signature
		for i, idx := range c.members {
			vectors[i] = records[idx].Embedding
			fp = fingerprint.Union(fp, records[idx].Fingerprint)
		}
		c.centroid = similarity.Mean(vectors)
		c.fp = fp
	}
}

// runClustering seeds from subs, opens leader clusters for records below
// the similarity threshold, refines with k-means, then dissolves small
// clusters and applies the cap. All records must share one embedding
// dimension. newID names new clusters. partial means records is a capped
// window of the category, so a stored subcategory that found no member in
// it may still have members outside and is only emptied when its stored
// member count is below the minimum.
func runClustering(ctx context.Context, records []*types.Memory, subs []*types.Subcategory, cfg Config, partial bool, newID func() string) (*clustering, error) {
	if len(records) == 0 {
		return &clustering{touched: map[string]bool{}}, nil
	}
	dim := len(records[0].Embedding)
	clusters := seedClusters(subs, dim)

	// Leader seeding.
	for i, r := range records {
		best, sim := nearest(r.Embedding, r.Fingerprint, clusters, cfg.FingerprintFloor)
		if best == nil || sim < cfg.SimilarityThreshold {
			clusters = append(clusters, &cluster{
				id:       newID(),
				centroid: append([]float32(nil), r.Embedding...),
				fp:       append(types.Signature(nil), r.Fingerprint...),
				members:  []int{i},
			})
			continue
		}
		best.members = append(best.members, i)
	}

	// K-means refinement.
	for iter := 0; iter < cfg.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recompute(records, clusters)

		next := make(map[*cluster][]int, len(clusters))
		changed := false
		for _, c := range clusters {
			for _, idx := range c.members {
				r := records[idx]
				target, _ := nearest(r.Embedding, r.Fingerprint, clusters, cfg.FingerprintFloor)
				if target == nil {
					target = c
				}
				if target != c {
					changed = true
				}
				next[target] = append(next[target], idx)
			}
		}
		for _, c := range clusters {
			c.members = next[c]
			sort.Ints(c.members)
		}
		if !changed {
			break
		}
	}
	recompute(records, clusters)

	res := &clustering{
		touched: make(map[string]bool),
		labels:  make([]int, len(records)),
	}
	for i := range res.labels {
		res.labels[i] = -1
	}

	var candidates []*cluster
	for _, c := range clusters {
		switch {
		case len(c.members) >= cfg.MinClusterSize:
			candidates = append(candidates, c)
		case c.existing == nil:
		case len(c.members) > 0:
			res.dissolved = append(res.dissolved, c.existing)
			res.touched[c.id] = true
		case !partial || c.existing.MemberCount < cfg.MinClusterSize:
			res.empty = append(res.empty, c.existing)
		}
	}

	// Largest clusters win the cap; seeded ones before new ones on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if len(candidates[i].members) != len(candidates[j].members) {
			return len(candidates[i].members) > len(candidates[j].members)
		}
		return candidates[i].existing != nil && candidates[j].existing == nil
	})
	for i, c := range candidates {
		if i >= cfg.MaxSubcategories {
			if c.existing != nil {
				res.dissolved = append(res.dissolved, c.existing)
				res.touched[c.id] = true
			}
			continue
		}
		res.kept = append(res.kept, c)
		if c.existing != nil {
			res.touched[c.id] = true
		}
		for _, idx := range c.members {
			res.labels[idx] = len(res.kept) - 1
		}
	}
	return res, nil
}

// centroids returns the centroids of clusters in order.
func centroids(clusters []*cluster) [][]float32 {
	out := make([][]float32, len(clusters))
	for i, c := range clusters {
		out[i] = c.centroid
	}
	return out
}

// embeddings returns the embedding of each record.
func embeddings(records []*types.Memory) [][]float32 {
	out := make([][]float32, len(records))
	for i, r := range records {
		out[i] = r.Embedding
	}
	return out
}

// currentQuality scores the stored assignment of records to subs.
func currentQuality(records []*types.Memory, subs []*types.Subcategory) float64 {
	if len(records) == 0 {
		return 0
	}
	seeded := seedClusters(subs, len(records[0].Embedding))
	index := make(map[string]int, len(seeded))
	for i, c := range seeded {
		index[c.id] = i
	}

	labels := make([]int, len(records))
	for i, r := range records {
		if idx, ok := index[r.Subcategory]; ok {
			labels[i] = idx
		} else {
			labels[i] = -1
		}
	}
	return Quality(embeddings(records), labels, centroids(seeded))
}

// sameDimension keeps the records whose embedding matches the first
// embedded record's dimension.
func sameDimension(records []*types.Memory) []*types.Memory {
	var dim int
	out := records[:0:0]
	for _, r := range records {
		if !r.HasEmbedding() {
			continue
		}
		if dim == 0 {
			dim = len(r.Embedding)
		}
		if len(r.Embedding) == dim {
			out = append(out, r)
		}
	}
	return out
}
