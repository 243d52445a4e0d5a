package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/scrypster/recall/internal/textnorm"
	"github.com/scrypster/recall/pkg/types"
)

// HashEmbedder is a deterministic feature-hashing embedder. Each token and
// token bigram is hashed into one of Dimension buckets with a hash-derived
// sign; the result is L2-normalized. Texts sharing vocabulary get a high
// cosine similarity. It needs no network and serves as the offline provider.
type HashEmbedder struct {
	dim int
}

var _ Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder returns a hash embedder with dim buckets (default 256).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Model returns a name that encodes the dimension.
func (h *HashEmbedder) Model() string {
	return fmt.Sprintf("hash-%d", h.dim)
}

// Embed hashes text into a unit vector. Text without tokens fails with
// types.ErrEmbeddingUnavailable.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("hash embed: %w: %v", types.ErrEmbeddingUnavailable, err)
	}

	tokens := textnorm.Tokens(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("hash embed: %w: no tokens", types.ErrEmbeddingUnavailable)
	}

	vec := make([]float64, h.dim)
	add := func(feature string, weight float64) {
		f := fnv.New64a()
		f.Write([]byte(feature))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, h.dim)
	if norm == 0 {
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}
