package sqlstore

import (
	"context"
	"sort"
	"strings"

	"github.com/scrypster/recall/internal/similarity"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/textnorm"
	"github.com/scrypster/recall/pkg/types"
)

// maxVectorCandidates bounds the in-process cosine scan.
const maxVectorCandidates = 10000

// SearchVector ranks records by brute-force cosine similarity over at most
// maxVectorCandidates of the newest embedded records.
func (s *Store) SearchVector(ctx context.Context, q storage.VectorQuery) ([]storage.ScoredRecord, error) {
	q.Normalize()
	if len(q.Embedding) == 0 {
		return nil, nil
	}

	candidates, err := s.ListRecords(ctx, storage.ListOptions{
		Category:      q.Category,
		Kind:          q.Kind,
		WithEmbedding: true,
		Limit:         maxVectorCandidates,
	})
	if err != nil {
		return nil, err
	}

	return RankByCosine(candidates, q.Embedding, q.MinScore, q.Limit), nil
}

// RankByCosine scores candidates against query and returns the top limit.
func RankByCosine(candidates []*types.Memory, query []float32, minScore float64, limit int) []storage.ScoredRecord {
	results := make([]storage.ScoredRecord, 0, len(candidates))
	for _, m := range candidates {
		score := similarity.Cosine(query, m.Embedding)
		if score <= 0 || score < minScore {
			continue
		}
		results = append(results, storage.ScoredRecord{Memory: m, Score: score})
	}
	sortScored(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// SearchText ranks records by the fraction of query keywords present in
// their content.
func (s *Store) SearchText(ctx context.Context, q storage.TextQuery) ([]storage.ScoredRecord, error) {
	q.Normalize()

	terms := queryTerms(q.Query)
	if len(terms) == 0 {
		return nil, nil
	}

	candidates, err := s.ListRecords(ctx, storage.ListOptions{
		Category: q.Category,
		Kind:     q.Kind,
		Limit:    storage.MaxListLimit,
	})
	if err != nil {
		return nil, err
	}

	results := make([]storage.ScoredRecord, 0)
	for _, m := range candidates {
		score := TermOverlap(terms, m.Content)
		if score == 0 {
			continue
		}
		results = append(results, storage.ScoredRecord{Memory: m, Score: score})
	}
	sortScored(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// queryTerms returns the distinct keywords of query, falling back to all
// tokens when the query is made only of stopwords.
func queryTerms(query string) []string {
	terms := textnorm.Keywords(query)
	if len(terms) == 0 {
		terms = textnorm.Tokens(query)
	}
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TermOverlap is the fraction of terms that occur as tokens of content.
func TermOverlap(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	tokens := similarity.Set(textnorm.Tokens(content))
	hit := 0
	for _, t := range terms {
		if _, ok := tokens[t]; ok {
			hit++
			continue
		}
		// Allow simple prefix matches ("deploy" vs "deployment").
		for tok := range tokens {
			if len(t) >= 4 && strings.HasPrefix(tok, t) {
				hit++
				break
			}
		}
	}
	return float64(hit) / float64(len(terms))
}

// sortScored orders by score descending, newest first on ties.
func sortScored(results []storage.ScoredRecord) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})
}
