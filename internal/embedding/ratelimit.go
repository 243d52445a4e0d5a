package embedding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/scrypster/recall/pkg/types"
)

// RateLimited paces calls to an underlying embedder with a token bucket.
type RateLimited struct {
	next    Embedder
	limiter *rate.Limiter
}

var _ Embedder = (*RateLimited)(nil)

// NewRateLimited wraps next with a limiter allowing perSecond calls and the
// given burst.
func NewRateLimited(next Embedder, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Model returns the wrapped embedder's model.
func (r *RateLimited) Model() string { return r.next.Model() }

// Embed waits for a token, then delegates. A wait cut short by the context
// deadline counts as the embedding being unavailable.
func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w: %v", types.ErrEmbeddingUnavailable, err)
	}
	return r.next.Embed(ctx, text)
}
