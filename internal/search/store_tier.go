package search

import (
	"context"

	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Searcher is the store surface StoreTier needs.
type Searcher interface {
	SearchVector(ctx context.Context, q storage.VectorQuery) ([]storage.ScoredRecord, error)
	SearchText(ctx context.Context, q storage.TextQuery) ([]storage.ScoredRecord, error)
}

// StoreTier retrieves records of one kind from the store: vector search
// when the query has an embedding, term-overlap text search otherwise.
type StoreTier struct {
	Kind     types.Kind
	Store    Searcher
	MinScore float64
}

// Retrieve implements Retriever.
func (t *StoreTier) Retrieve(ctx context.Context, q Query) ([]querycache.Result, error) {
	var (
		scored []storage.ScoredRecord
		err    error
	)
	if len(q.Embedding) > 0 {
		scored, err = storage.RetryRead(ctx, func(ctx context.Context) ([]storage.ScoredRecord, error) {
			return t.Store.SearchVector(ctx, storage.VectorQuery{
				Embedding: q.Embedding,
				Kind:      t.Kind,
				Category:  q.Category,
				Limit:     q.Limit,
				MinScore:  t.MinScore,
			})
		})
	} else {
		scored, err = storage.RetryRead(ctx, func(ctx context.Context) ([]storage.ScoredRecord, error) {
			return t.Store.SearchText(ctx, storage.TextQuery{
				Query:    q.Text,
				Kind:     t.Kind,
				Category: q.Category,
				Limit:    q.Limit,
			})
		})
	}
	if err != nil {
		return nil, err
	}

	out := make([]querycache.Result, len(scored))
	for i, s := range scored {
		out[i] = querycache.Result{ID: s.Memory.ID, Score: s.Score}
	}
	return out, nil
}

// StoreTiers builds one StoreTier per record kind, named by the kind's tier
// label, in the default order.
func StoreTiers(store Searcher, minScore float64) []Tier {
	tiers := make([]Tier, len(types.Kinds))
	for i, k := range types.Kinds {
		tiers[i] = Tier{Name: k.TierName(), Retriever: &StoreTier{Kind: k, Store: store, MinScore: minScore}}
	}
	return tiers
}
