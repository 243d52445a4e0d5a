// Package storage provides composable storage interfaces for the recall engine.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/pkg/types"
)

// RecordStore persists memory records.
type RecordStore interface {
	// PutRecord inserts a new record. The ID must be set.
	PutRecord(ctx context.Context, m *types.Memory) error

	// GetRecord returns a record by ID, including retired records so callers
	// can follow RetiredInto. Returns ErrNotFound when absent.
	GetRecord(ctx context.Context, id string) (*types.Memory, error)

	// ListRecords returns live records matching opts, newest first. Records
	// whose stored fingerprint or embedding fails to decode are skipped.
	ListRecords(ctx context.Context, opts ListOptions) ([]*types.Memory, error)

	// CountRecords counts live records matching opts, ignoring the limit.
	CountRecords(ctx context.Context, opts ListOptions) (int, error)

	// FindByContentHash returns the newest live record with the given
	// normalized content hash. An empty category searches all categories.
	FindByContentHash(ctx context.Context, hash string, category types.Category) (*types.Memory, error)

	// TouchRecords increments access counts and sets last_accessed_at on the
	// given records and their subcategories.
	TouchRecords(ctx context.Context, ids []string, at time.Time) error

	// SearchVector ranks live records by cosine similarity to q.Embedding.
	SearchVector(ctx context.Context, q VectorQuery) ([]ScoredRecord, error)

	// SearchText ranks live records by query term overlap.
	SearchText(ctx context.Context, q TextQuery) ([]ScoredRecord, error)
}

// SubcategoryStore persists the dynamic subcategory layer.
type SubcategoryStore interface {
	ListSubcategories(ctx context.Context, category types.Category) ([]*types.Subcategory, error)
	ListRetiredSubcategories(ctx context.Context, category types.Category) ([]types.RetiredSubcategory, error)

	// AssignSubcategory points one record at a subcategory and bumps its
	// member count.
	AssignSubcategory(ctx context.Context, recordID, subcategoryID string) error

	// ApplyEvolution applies plan atomically.
	ApplyEvolution(ctx context.Context, plan *EvolutionPlan) error
}

// MergeStore applies deduplication merges.
type MergeStore interface {
	// MergeRecords inserts survivor and retires every ID in retiredIDs into it
	// in one transaction. Returns ErrConflict if any of them was already
	// retired.
	MergeRecords(ctx context.Context, survivor *types.Memory, retiredIDs []string) error

	// BumpRecord records a skipped exact duplicate against the existing record.
	BumpRecord(ctx context.Context, id string, tags []string, at time.Time) error
}

// SnapshotStore is the append-only evolution audit log.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap *types.EvolutionSnapshot) error

	// ListSnapshots returns the newest snapshots first. An empty category
	// lists all categories.
	ListSnapshots(ctx context.Context, category types.Category, limit int) ([]*types.EvolutionSnapshot, error)

	// LatestSnapshot returns the newest snapshot with the given outcome.
	// Returns ErrNotFound when none exists.
	LatestSnapshot(ctx context.Context, category types.Category, outcome types.EvolutionOutcome) (*types.EvolutionSnapshot, error)
}

// InteractionStore is the append-only user interaction log.
type InteractionStore interface {
	AppendInteraction(ctx context.Context, in *types.UserInteraction) error

	// CompletedItemSets returns, for every user, the items they completed
	// successfully at least once.
	CompletedItemSets(ctx context.Context) (map[string][]string, error)

	// UserItemStats aggregates one user's interactions per item.
	UserItemStats(ctx context.Context, userKey string) ([]types.ItemStat, error)

	// ItemStats aggregates all interactions per item.
	ItemStats(ctx context.Context) ([]types.ItemStat, error)
}

// Store is the full durable store the engine runs on.
type Store interface {
	RecordStore
	SubcategoryStore
	MergeStore
	SnapshotStore
	InteractionStore
	querycache.PersistentTier

	// Ping checks connectivity. A failure maps to types.ErrStoreUnavailable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
