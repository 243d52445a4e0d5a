package querycache

import (
	"context"
	"slices"
	"time"
)

// Result is one ranked record reference inside a cached result set.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Entry maps a cache key to an ordered result set. Published entries are
// never mutated; readers always receive a copy.
type Entry struct {
	Key            string    `json:"key"`
	Results        []Result  `json:"results"`
	HitCount       int       `json:"hit_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// References reports whether id appears in the result set.
func (e *Entry) References(id string) bool {
	return slices.ContainsFunc(e.Results, func(r Result) bool { return r.ID == id })
}

// IDs returns the record identifiers in result order.
func (e *Entry) IDs() []string {
	ids := make([]string, len(e.Results))
	for i, r := range e.Results {
		ids[i] = r.ID
	}
	return ids
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Results = slices.Clone(e.Results)
	return &out
}

// PersistentTier is the slower, unbounded cache tier. Implementations return
// (nil, nil) from GetCacheEntry on a miss. An empty prefix in
// DeleteCacheByPrefix means every entry.
type PersistentTier interface {
	GetCacheEntry(ctx context.Context, key string) (*Entry, error)
	PutCacheEntry(ctx context.Context, entry *Entry) error
	DeleteCacheByContent(ctx context.Context, id string) (int, error)
	DeleteCacheByPrefix(ctx context.Context, prefix string) (int, error)
	PurgeExpiredCache(ctx context.Context, now time.Time) (int, error)
}

// AccessRecorder receives the identifiers returned by every successful lookup
// so their access metadata can feed temporal decay.
type AccessRecorder interface {
	TouchRecords(ctx context.Context, ids []string, at time.Time) error
}
