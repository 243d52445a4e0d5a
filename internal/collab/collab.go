// Package collab recommends items from the completion history of similar
// users, falling back to global popularity for cold starts. User
// identifiers are anonymized with a keyed HMAC before they reach storage,
// cache keys or logs.
package collab

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/scrypster/recall/internal/similarity"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Config holds collaborative filtering settings.
type Config struct {
	// MinCommonItems is the minimum number of shared completed items for two
	// users to be compared. Default: 3
	MinCommonItems int

	// MaxNeighbours bounds the similar users consulted per recommendation.
	// Default: 20
	MaxNeighbours int

	// FallbackMinInvocations is the minimum invocation count for an item to
	// appear in popularity recommendations. Default: 3
	FallbackMinInvocations int

	// SimilarityTTL is how long similar-user lists are cached. Default: 1h
	SimilarityTTL time.Duration

	// CacheSize bounds the similar-user cache. Default: 1024
	CacheSize int

	// BaselineTTL is how long the popularity baseline is reused before it is
	// recomputed on demand. Default: 1h
	BaselineTTL time.Duration

	// Salt keys the HMAC that anonymizes user identifiers. Required.
	Salt string
}

// DefaultConfig returns the default settings. Salt is left empty and must
// be supplied.
func DefaultConfig() Config {
	return Config{
		MinCommonItems:         3,
		MaxNeighbours:          20,
		FallbackMinInvocations: 3,
		SimilarityTTL:          time.Hour,
		CacheSize:              1024,
		BaselineTTL:            time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Salt == "" {
		return errors.New("collab: an anonymization salt is required")
	}
	if c.MinCommonItems < 1 {
		return fmt.Errorf("collab: min common items must be at least 1, got %d", c.MinCommonItems)
	}
	if c.MaxNeighbours < 1 || c.CacheSize < 1 {
		return errors.New("collab: max neighbours and cache size must be positive")
	}
	if c.FallbackMinInvocations < 0 {
		return errors.New("collab: fallback min invocations must not be negative")
	}
	if c.SimilarityTTL <= 0 || c.BaselineTTL <= 0 {
		return errors.New("collab: TTLs must be positive")
	}
	return nil
}

// Store is the interaction log surface the engine needs.
type Store interface {
	storage.InteractionStore
}

// Interaction is an interaction as reported by a caller, before
// anonymization.
type Interaction struct {
	UserID    string
	ItemID    string
	SessionID string
	Success   bool
	Rating    *float64
	Timestamp time.Time
}

// SimilarUser is one neighbour of a target user.
type SimilarUser struct {
	UserKey     string
	Similarity  float64
	CommonItems int
}

// Engine is the collaborative filtering engine.
type Engine struct {
	cfg   Config
	store Store
	key   []byte

	similar *expirable.LRU[string, []SimilarUser]

	baselineMu sync.Mutex
	baseline   []types.Recommendation
	baselineAt time.Time

	now func() time.Time
}

// New creates an engine.
func New(cfg Config, store Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("collab: store is required")
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		key:     []byte(cfg.Salt),
		similar: expirable.NewLRU[string, []SimilarUser](cfg.CacheSize, nil, cfg.SimilarityTTL),
		now:     time.Now,
	}, nil
}

// Anonymize derives the opaque key stored for userID.
func (e *Engine) Anonymize(userID string) string {
	mac := hmac.New(sha256.New, e.key)
	mac.Write([]byte(strings.TrimSpace(userID)))
	return hex.EncodeToString(mac.Sum(nil))
}

// shortKey trims a user key for log lines.
func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// RecordInteraction anonymizes and appends one interaction, then drops the
// user's cached neighbours.
func (e *Engine) RecordInteraction(ctx context.Context, in Interaction) error {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.ItemID) == "" {
		return fmt.Errorf("%w: interaction needs a user and an item", storage.ErrInvalidInput)
	}
	if in.Rating != nil && (*in.Rating < 0 || *in.Rating > 5) {
		return fmt.Errorf("%w: rating must be in [0, 5]", storage.ErrInvalidInput)
	}

	key := e.Anonymize(in.UserID)
	ts := in.Timestamp
	if ts.IsZero() {
		ts = e.now().UTC()
	}
	rec := &types.UserInteraction{
		UserKey:   key,
		ItemID:    in.ItemID,
		SessionID: in.SessionID,
		Timestamp: ts,
		Success:   in.Success,
		Rating:    in.Rating,
	}
	if err := e.store.AppendInteraction(ctx, rec); err != nil {
		return fmt.Errorf("collab: failed to record interaction: %w", err)
	}
	e.invalidate(key)
	return nil
}

// invalidate drops every cached neighbour list of the user key.
func (e *Engine) invalidate(key string) {
	prefix := key + "|"
	for _, k := range e.similar.Keys() {
		if strings.HasPrefix(k, prefix) {
			e.similar.Remove(k)
		}
	}
}

// SimilarUsers returns users whose completed items overlap userID's by at
// least minCommon items, most similar first. minCommon <= 0 uses the
// configured minimum.
func (e *Engine) SimilarUsers(ctx context.Context, userID string, minCommon, limit int) ([]SimilarUser, error) {
	return e.similarByKey(ctx, e.Anonymize(userID), minCommon, limit)
}

func (e *Engine) similarByKey(ctx context.Context, key string, minCommon, limit int) ([]SimilarUser, error) {
	if minCommon <= 0 {
		minCommon = e.cfg.MinCommonItems
	}
	cacheKey := fmt.Sprintf("%s|%d", key, minCommon)

	all, ok := e.similar.Get(cacheKey)
	if !ok {
		sets, err := storage.RetryRead(ctx, e.store.CompletedItemSets)
		if err != nil {
			return nil, fmt.Errorf("collab: failed to load completed items: %w", err)
		}
		all = Neighbours(key, sets, minCommon)
		e.similar.Add(cacheKey, all)
	}

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return append([]SimilarUser(nil), all...), nil
}

// Neighbours ranks every other user in sets by Jaccard similarity of
// completed items to target, excluding users sharing fewer than minCommon
// items.
func Neighbours(target string, sets map[string][]string, minCommon int) []SimilarUser {
	mine := similarity.Set(sets[target])
	if len(mine) == 0 {
		return nil
	}

	var out []SimilarUser
	for user, items := range sets {
		if user == target {
			continue
		}
		theirs := similarity.Set(items)
		common := similarity.Intersection(mine, theirs)
		if common < minCommon {
			continue
		}
		out = append(out, SimilarUser{
			UserKey:     user,
			Similarity:  similarity.Jaccard(mine, theirs),
			CommonItems: common,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].CommonItems != out[j].CommonItems {
			return out[i].CommonItems > out[j].CommonItems
		}
		return out[i].UserKey < out[j].UserKey
	})
	return out
}

// Recommend ranks items completed by similar users that userID has not
// completed. Without similar users, or with nothing left to suggest, it
// returns FallbackRecommend.
func (e *Engine) Recommend(ctx context.Context, userID string, limit int) ([]types.Recommendation, error) {
	if limit <= 0 {
		limit = 10
	}
	key := e.Anonymize(userID)

	recs, err := e.collaborative(ctx, key, limit)
	if err != nil {
		if errors.Is(err, types.ErrStoreUnavailable) {
			return nil, err
		}
		log.Printf("WARNING: collab: collaborative path failed for user %s, using popularity: %v", shortKey(key), err)
	}
	if len(recs) > 0 {
		return recs, nil
	}
	return e.FallbackRecommend(ctx, limit)
}

func (e *Engine) collaborative(ctx context.Context, key string, limit int) ([]types.Recommendation, error) {
	neighbours, err := e.similarByKey(ctx, key, 0, e.cfg.MaxNeighbours)
	if err != nil || len(neighbours) == 0 {
		return nil, err
	}

	mine, err := storage.RetryRead(ctx, func(ctx context.Context) ([]types.ItemStat, error) {
		return e.store.UserItemStats(ctx, key)
	})
	if err != nil {
		return nil, fmt.Errorf("collab: failed to load user stats: %w", err)
	}
	completed := make(map[string]bool, len(mine))
	for _, st := range mine {
		if st.Successes > 0 {
			completed[st.ItemID] = true
		}
	}

	byItem := make(map[string]*types.Recommendation)
	for _, n := range neighbours {
		stats, err := storage.RetryRead(ctx, func(ctx context.Context) ([]types.ItemStat, error) {
			return e.store.UserItemStats(ctx, n.UserKey)
		})
		if err != nil {
			return nil, fmt.Errorf("collab: failed to load neighbour stats: %w", err)
		}
		for _, st := range stats {
			rate := st.CompletionRate()
			if completed[st.ItemID] || rate <= 0 {
				continue
			}
			score := n.Similarity * rate
			rec, ok := byItem[st.ItemID]
			if !ok {
				rec = &types.Recommendation{ItemID: st.ItemID, Source: types.SourceCollaborative}
				byItem[st.ItemID] = rec
			}
			rec.SupportingUsers++
			if score > rec.Score {
				rec.Score = score
				rec.CompletionRate = rate
			}
		}
	}

	out := make([]types.Recommendation, 0, len(byItem))
	for _, rec := range byItem {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].SupportingUsers != out[j].SupportingUsers {
			return out[i].SupportingUsers > out[j].SupportingUsers
		}
		return out[i].ItemID < out[j].ItemID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FallbackRecommend returns the globally most completed items among those
// invoked at least FallbackMinInvocations times: completion rate first,
// then invocations, then item ID.
func (e *Engine) FallbackRecommend(ctx context.Context, limit int) ([]types.Recommendation, error) {
	if limit <= 0 {
		limit = 10
	}

	e.baselineMu.Lock()
	fresh := e.baseline != nil && e.now().Sub(e.baselineAt) < e.cfg.BaselineTTL
	baseline := e.baseline
	e.baselineMu.Unlock()

	if !fresh {
		var err error
		if baseline, err = e.RefreshBaseline(ctx); err != nil {
			return nil, err
		}
	}

	if len(baseline) > limit {
		baseline = baseline[:limit]
	}
	return append([]types.Recommendation(nil), baseline...), nil
}

// RefreshBaseline recomputes the community popularity baseline.
func (e *Engine) RefreshBaseline(ctx context.Context) ([]types.Recommendation, error) {
	stats, err := storage.RetryRead(ctx, e.store.ItemStats)
	if err != nil {
		return nil, fmt.Errorf("collab: failed to load item stats: %w", err)
	}

	baseline := Popularity(stats, e.cfg.FallbackMinInvocations)

	e.baselineMu.Lock()
	e.baseline = baseline
	e.baselineAt = e.now()
	e.baselineMu.Unlock()
	return baseline, nil
}

// Popularity ranks items with at least minInvocations invocations.
func Popularity(stats []types.ItemStat, minInvocations int) []types.Recommendation {
	eligible := make([]types.ItemStat, 0, len(stats))
	for _, st := range stats {
		if st.Invocations >= minInvocations && st.Invocations > 0 {
			eligible = append(eligible, st)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		ri, rj := eligible[i].CompletionRate(), eligible[j].CompletionRate()
		if ri != rj {
			return ri > rj
		}
		if eligible[i].Invocations != eligible[j].Invocations {
			return eligible[i].Invocations > eligible[j].Invocations
		}
		return eligible[i].ItemID < eligible[j].ItemID
	})

	out := make([]types.Recommendation, len(eligible))
	for i, st := range eligible {
		rate := st.CompletionRate()
		out[i] = types.Recommendation{
			ItemID:         st.ItemID,
			Score:          rate,
			CompletionRate: rate,
			Source:         types.SourcePopularity,
		}
	}
	return out
}
