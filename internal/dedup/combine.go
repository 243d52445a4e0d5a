package dedup

import (
	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/similarity"
	"github.com/scrypster/recall/pkg/types"
)

// Combine builds the merge survivor: incoming's identity and content with
// the fingerprints unioned, the embeddings averaged, the tags unioned and
// the access counts summed. Neither input is modified.
func Combine(incoming *types.Memory, existing []*types.Memory) *types.Memory {
	out := *incoming
	out.Tags = append([]string(nil), incoming.Tags...)
	out.Fingerprint = append(types.Signature(nil), incoming.Fingerprint...)
	out.RetiredInto = ""
	out.RetiredAt = nil

	vectors := make([][]float32, 0, len(existing)+1)
	if incoming.HasEmbedding() {
		vectors = append(vectors, incoming.Embedding)
	}

	for _, e := range existing {
		out.Tags = types.MergeTags(out.Tags, e.Tags)
		out.AccessCount += e.AccessCount
		if len(e.Fingerprint) > 0 {
			if len(out.Fingerprint) == 0 {
				out.Fingerprint = append(types.Signature(nil), e.Fingerprint...)
			} else {
				out.Fingerprint = fingerprint.Union(out.Fingerprint, e.Fingerprint)
			}
		}
		if e.LastAccessedAt != nil && (out.LastAccessedAt == nil || e.LastAccessedAt.After(*out.LastAccessedAt)) {
			t := *e.LastAccessedAt
			out.LastAccessedAt = &t
		}
		if e.HasEmbedding() && (len(vectors) == 0 || len(e.Embedding) == len(vectors[0])) {
			vectors = append(vectors, e.Embedding)
			if out.EmbeddingModel == "" {
				out.EmbeddingModel = e.EmbeddingModel
			}
		}
	}

	if len(vectors) > 0 {
		out.Embedding = similarity.Mean(vectors)
		out.Degraded = false
	}
	out.Deduplicable = len(out.Fingerprint) > 0
	out.Subcategory = ""
	return &out
}
