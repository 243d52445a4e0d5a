package handlers

import (
	"time"

	"github.com/scrypster/recall/internal/evolution"
	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/search"
	"github.com/scrypster/recall/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	Query    string         `json:"query"`
	Tiers    []string       `json:"tiers,omitempty"`
	UseCache *bool          `json:"use_cache,omitempty"` // defaults to true
	Context  []string       `json:"context,omitempty"`
	Category types.Category `json:"category,omitempty"`
	Limit    int            `json:"limit,omitempty"`

	// Sufficiency overrides the configured stop criteria for this call.
	Sufficiency *SufficiencyRequest `json:"sufficiency,omitempty"`
}

// SufficiencyRequest carries per-call stop criteria.
type SufficiencyRequest struct {
	MinResults   int     `json:"min_results"`
	MinAvgScore  float64 `json:"min_avg_score"`
	TierCoverage float64 `json:"tier_coverage"`
}

func (s *SufficiencyRequest) toSearch() *search.Sufficiency {
	if s == nil {
		return nil
	}
	return &search.Sufficiency{
		MinResults:   s.MinResults,
		MinAvgScore:  s.MinAvgScore,
		TierCoverage: s.TierCoverage,
	}
}

// EvolveRequest is the optional body of POST /api/categories/{category}/evolve.
// Unset fields keep the configured evolution settings.
type EvolveRequest struct {
	MinClusterSize      *int     `json:"min_cluster_size,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	MaxSubcategories    *int     `json:"max_subcategories,omitempty"`
	MaxRunSeconds       *int     `json:"max_run_seconds,omitempty"`
}

// apply returns nil when nothing is overridden so the engine keeps its
// configured settings.
func (r EvolveRequest) apply(base evolution.Config) *evolution.Config {
	if r.MinClusterSize == nil && r.SimilarityThreshold == nil && r.MaxSubcategories == nil && r.MaxRunSeconds == nil {
		return nil
	}
	cfg := base
	if r.MinClusterSize != nil {
		cfg.MinClusterSize = *r.MinClusterSize
	}
	if r.SimilarityThreshold != nil {
		cfg.SimilarityThreshold = *r.SimilarityThreshold
	}
	if r.MaxSubcategories != nil {
		cfg.MaxSubcategories = *r.MaxSubcategories
	}
	if r.MaxRunSeconds != nil {
		cfg.MaxRunDuration = time.Duration(*r.MaxRunSeconds) * time.Second
	}
	return &cfg
}

// InteractionRequest is the body of POST /api/interactions.
type InteractionRequest struct {
	UserID    string     `json:"user_id"`
	ItemID    string     `json:"item_id"`
	SessionID string     `json:"session_id,omitempty"`
	Success   bool       `json:"success"`
	Rating    *float64   `json:"rating,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// RecommendationsResponse is the response of the recommendation endpoints.
type RecommendationsResponse struct {
	Recommendations []types.Recommendation `json:"recommendations"`
	Count           int                    `json:"count"`
}

// InvalidateResponse is the response of DELETE /api/cache.
type InvalidateResponse struct {
	Scope   string `json:"scope"`
	Removed int    `json:"removed"`
}

// CacheStatsResponse is the response of GET /api/cache/stats.
type CacheStatsResponse struct {
	querycache.Stats
	HitRate float64 `json:"hit_rate"`
}

// HealthResponse is the response of GET /health.
type HealthResponse struct {
	Status string   `json:"status"`
	Store  string   `json:"store"`
	Tiers  []string `json:"tiers"`
}
