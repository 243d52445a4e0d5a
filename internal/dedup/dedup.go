// Package dedup decides, at store time, whether incoming content is new, an
// exact duplicate to skip, or a near duplicate to merge with an existing
// record.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Config holds deduplication thresholds.
type Config struct {
	// Enabled turns duplicate detection on. When false every record is stored.
	Enabled bool

	// SkipThreshold is the similarity at or above which the incoming record is
	// discarded as an exact duplicate. Default: 0.95
	SkipThreshold float64

	// MergeThreshold is the similarity at or above which the incoming record is
	// merged with the existing one. Default: 0.85
	MergeThreshold float64

	// Window is the number of most recent fingerprinted records compared
	// against. Default: 500
	Window int

	// SameCategory restricts candidates to the incoming record's category.
	SameCategory bool
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		SkipThreshold:  0.95,
		MergeThreshold: 0.85,
		Window:         500,
		SameCategory:   true,
	}
}

// Validate checks 0 < merge <= skip <= 1 and a positive window.
func (c Config) Validate() error {
	if c.MergeThreshold <= 0 || c.MergeThreshold > c.SkipThreshold || c.SkipThreshold > 1 {
		return fmt.Errorf("dedup thresholds must satisfy 0 < merge (%.2f) <= skip (%.2f) <= 1", c.MergeThreshold, c.SkipThreshold)
	}
	if c.Window <= 0 {
		return fmt.Errorf("dedup window must be positive, got %d", c.Window)
	}
	return nil
}

// Kind classifies a duplicate check.
type Kind string

const (
	KindNone          Kind = "none"
	KindNearDuplicate Kind = "near_duplicate"
	KindExact         Kind = "exact"
)

// Verdict is the result of CheckDuplicate.
type Verdict struct {
	Kind     Kind
	Existing *types.Memory
	Score    float64
}

// ExistingID returns the matched record's ID, or "" for KindNone.
func (v Verdict) ExistingID() string {
	if v.Existing == nil {
		return ""
	}
	return v.Existing.ID
}

// Action is what Resolve did with the incoming record.
type Action string

const (
	ActionStored  Action = "stored"
	ActionSkipped Action = "skipped"
	ActionMerged  Action = "merged"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Action Action

	// Record is the record now representing the content: the stored record,
	// the existing record on skip, or the survivor on merge.
	Record *types.Memory

	// MergedWith lists the existing records the content was folded into
	// (skip) or that were retired into the survivor (merge).
	MergedWith []string
}

// Deduplicated reports whether the content was skipped or merged.
func (r *Resolution) Deduplicated() bool {
	return r.Action != ActionStored
}

// Store is the storage surface the service needs.
type Store interface {
	PutRecord(ctx context.Context, m *types.Memory) error
	GetRecord(ctx context.Context, id string) (*types.Memory, error)
	ListRecords(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error)
	FindByContentHash(ctx context.Context, hash string, category types.Category) (*types.Memory, error)
	storage.MergeStore
}

// Guard runs a merge while excluding cache readers, then drops every cached
// result referencing the retired IDs. *querycache.Cache implements it.
type Guard interface {
	Guard(ctx context.Context, retired []string, fn func() error) error
}

// Service is the deduplication service.
type Service struct {
	cfg   Config
	fp    *fingerprint.Engine
	store Store
	guard Guard
	now   func() time.Time
}

// New creates a Service. guard may be nil when no cache is configured.
func New(cfg Config, fp *fingerprint.Engine, store Store, guard Guard) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fp == nil || store == nil {
		return nil, errors.New("dedup: fingerprint engine and store are required")
	}
	return &Service{cfg: cfg, fp: fp, store: store, guard: guard, now: time.Now}, nil
}

// Config returns the active configuration.
func (s *Service) Config() Config { return s.cfg }

// CheckDuplicate compares text against stored records without writing
// anything. A matching normalized content hash short-circuits to KindExact.
func (s *Service) CheckDuplicate(ctx context.Context, text string, category types.Category) (Verdict, error) {
	if existing, err := s.findExact(ctx, s.fp.ContentHash(text), category); err != nil || existing != nil {
		return Verdict{Kind: exactOrNone(existing), Existing: existing, Score: 1}, err
	}

	sig, err := s.fp.Fingerprint(text)
	if err != nil {
		// Too short to fingerprint: nothing to compare.
		return Verdict{Kind: KindNone}, nil
	}
	return s.nearest(ctx, sig, category, nil)
}

func exactOrNone(m *types.Memory) Kind {
	if m == nil {
		return KindNone
	}
	return KindExact
}

func (s *Service) findExact(ctx context.Context, hash string, category types.Category) (*types.Memory, error) {
	if !s.cfg.SameCategory {
		category = ""
	}
	existing, err := storage.RetryRead(ctx, func(ctx context.Context) (*types.Memory, error) {
		return s.store.FindByContentHash(ctx, hash, category)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: exact lookup failed: %w", err)
	}
	return existing, nil
}

// nearest scans the candidate window for the best fingerprint match,
// ignoring IDs in exclude.
func (s *Service) nearest(ctx context.Context, sig types.Signature, category types.Category, exclude map[string]bool) (Verdict, error) {
	opts := storage.ListOptions{WithFingerprint: true, Limit: s.cfg.Window}
	if s.cfg.SameCategory {
		opts.Category = category
	}
	candidates, err := storage.RetryRead(ctx, func(ctx context.Context) ([]*types.Memory, error) {
		return s.store.ListRecords(ctx, opts)
	})
	if err != nil {
		return Verdict{Kind: KindNone}, fmt.Errorf("dedup: failed to load candidates: %w", err)
	}

	var best *types.Memory
	bestScore := 0.0
	for _, c := range candidates {
		if exclude[c.ID] || len(c.Fingerprint) != len(sig) {
			continue
		}
		if score := fingerprint.Similarity(sig, c.Fingerprint); score > bestScore {
			best, bestScore = c, score
		}
	}

	switch {
	case best != nil && bestScore >= s.cfg.SkipThreshold:
		return Verdict{Kind: KindExact, Existing: best, Score: bestScore}, nil
	case best != nil && bestScore >= s.cfg.MergeThreshold:
		return Verdict{Kind: KindNearDuplicate, Existing: best, Score: bestScore}, nil
	default:
		return Verdict{Kind: KindNone, Score: bestScore}, nil
	}
}

// Resolve fingerprints incoming, decides between store, skip and merge, and
// performs the write. incoming must carry a fresh ID.
func (s *Service) Resolve(ctx context.Context, incoming *types.Memory) (*Resolution, error) {
	incoming.ContentHash = s.fp.ContentHash(incoming.Content)
	sig, err := s.fp.Fingerprint(incoming.Content)
	if err != nil {
		incoming.Fingerprint = nil
		incoming.Deduplicable = false
	} else {
		incoming.Fingerprint = sig
		incoming.Deduplicable = true
	}

	if !s.cfg.Enabled {
		return s.storeNew(ctx, incoming)
	}

	existing, err := s.findExact(ctx, incoming.ContentHash, incoming.Category)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.skip(ctx, incoming, existing)
	}

	if !incoming.Deduplicable {
		return s.storeNew(ctx, incoming)
	}

	verdict, err := s.nearest(ctx, incoming.Fingerprint, incoming.Category, nil)
	if err != nil {
		return nil, err
	}

	switch verdict.Kind {
	case KindExact:
		return s.skip(ctx, incoming, verdict.Existing)
	case KindNearDuplicate:
		return s.mergeWithRecheck(ctx, incoming, verdict.Existing)
	default:
		return s.storeNew(ctx, incoming)
	}
}

func (s *Service) storeNew(ctx context.Context, m *types.Memory) (*Resolution, error) {
	if err := s.store.PutRecord(ctx, m); err != nil {
		return nil, fmt.Errorf("dedup: failed to store record: %w", err)
	}
	return &Resolution{Action: ActionStored, Record: m}, nil
}

func (s *Service) skip(ctx context.Context, incoming, existing *types.Memory) (*Resolution, error) {
	at := s.now().UTC()
	if err := s.store.BumpRecord(ctx, existing.ID, incoming.Tags, at); err != nil {
		return nil, fmt.Errorf("dedup: failed to bump %s: %w", existing.ID, err)
	}
	existing.Tags = types.MergeTags(existing.Tags, incoming.Tags)
	existing.AccessCount++
	existing.LastAccessedAt = &at
	return &Resolution{Action: ActionSkipped, Record: existing, MergedWith: []string{existing.ID}}, nil
}

// mergeWithRecheck merges with the best match, re-runs the check once
// against the merged fingerprint, and folds in a second match if found.
func (s *Service) mergeWithRecheck(ctx context.Context, incoming, first *types.Memory) (*Resolution, error) {
	matched := []*types.Memory{first}

	combined := Combine(incoming, matched)
	second, err := s.nearest(ctx, combined.Fingerprint, incoming.Category, map[string]bool{first.ID: true})
	if err != nil {
		log.Printf("WARNING: dedup: re-check after merge failed, merging single match: %v", err)
	} else if second.Kind != KindNone {
		matched = append(matched, second.Existing)
	}

	survivor, err := s.Merge(ctx, incoming, matched...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matched))
	for i, m := range matched {
		ids[i] = m.ID
	}
	return &Resolution{Action: ActionMerged, Record: survivor, MergedWith: ids}, nil
}

// Merge folds existing into incoming, which survives under its own ID, and
// retires every existing record into it. The store write and the cache
// invalidation run as one unit under the cache guard. If an existing record
// was retired concurrently, the merge is retried once against its survivor.
func (s *Service) Merge(ctx context.Context, incoming *types.Memory, existing ...*types.Memory) (*types.Memory, error) {
	if len(existing) == 0 {
		return nil, errors.New("dedup: merge needs at least one existing record")
	}

	survivor := Combine(incoming, existing)
	err := s.mergeOnce(ctx, survivor, existing)
	if !errors.Is(err, storage.ErrConflict) {
		return survivor, err
	}

	live, rerr := s.followRetired(ctx, existing)
	if rerr != nil {
		return nil, fmt.Errorf("dedup: merge conflict on %s: %w", survivor.ID, err)
	}
	survivor = Combine(incoming, live)
	if err := s.mergeOnce(ctx, survivor, live); err != nil {
		return nil, err
	}
	return survivor, nil
}

func (s *Service) mergeOnce(ctx context.Context, survivor *types.Memory, existing []*types.Memory) error {
	retired := make([]string, len(existing))
	for i, m := range existing {
		retired[i] = m.ID
	}

	write := func() error {
		return s.store.MergeRecords(ctx, survivor, retired)
	}
	var err error
	if s.guard != nil {
		err = s.guard.Guard(ctx, retired, write)
	} else {
		err = write()
	}
	if err != nil {
		return fmt.Errorf("dedup: failed to merge into %s: %w", survivor.ID, err)
	}
	return nil
}

// followRetired replaces records that were merged away with their live
// survivors, dropping duplicates.
func (s *Service) followRetired(ctx context.Context, records []*types.Memory) ([]*types.Memory, error) {
	seen := make(map[string]bool, len(records))
	out := make([]*types.Memory, 0, len(records))
	for _, r := range records {
		current, err := s.store.GetRecord(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if current.IsRetired() {
			if current, err = s.store.GetRecord(ctx, current.RetiredInto); err != nil {
				return nil, err
			}
			if current.IsRetired() {
				return nil, fmt.Errorf("record %s is still retired: %w", current.ID, storage.ErrConflict)
			}
		}
		if !seen[current.ID] {
			seen[current.ID] = true
			out = append(out, current)
		}
	}
	return out, nil
}
