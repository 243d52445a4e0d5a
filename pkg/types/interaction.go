package types

import "time"

// UserInteraction is one append-only entry in the interaction log. UserKey
// is always the anonymized key, never the caller's raw identifier.
type UserInteraction struct {
	UserKey   string    `json:"user_key"`
	ItemID    string    `json:"item_id"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Rating    *float64  `json:"rating,omitempty"`
}

// ItemStat aggregates interactions for one item, optionally scoped to one user.
type ItemStat struct {
	ItemID      string `json:"item_id"`
	Invocations int    `json:"invocations"`
	Successes   int    `json:"successes"`
}

// CompletionRate is Successes / Invocations, or 0 when never invoked.
func (s ItemStat) CompletionRate() float64 {
	if s.Invocations <= 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Invocations)
}

// RecommendationSource tells whether a recommendation came from similar
// users or from the global popularity fallback.
type RecommendationSource string

const (
	SourceCollaborative RecommendationSource = "collaborative"
	SourcePopularity    RecommendationSource = "popularity"
)

// Recommendation is one ranked item suggestion.
type Recommendation struct {
	ItemID          string               `json:"item_id"`
	Score           float64              `json:"score"`
	CompletionRate  float64              `json:"completion_rate"`
	SupportingUsers int                  `json:"supporting_users"`
	Source          RecommendationSource `json:"source"`
}
