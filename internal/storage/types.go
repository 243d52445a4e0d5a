package storage

import (
	"context"
	"errors"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a merge tried to retire a record that was already
	// retired.
	ErrConflict = errors.New("record already retired")
)

const (
	// DefaultListLimit applies when ListOptions.Limit is unset.
	DefaultListLimit = 100

	// MaxListLimit caps any single list or candidate scan.
	MaxListLimit = 10000
)

// ListOptions filters record listings. Results are ordered newest first and
// never include retired records.
type ListOptions struct {
	// Category restricts to one category. Empty means all.
	Category types.Category

	// Kind restricts to one record kind. Empty means all.
	Kind types.Kind

	// Subcategory restricts to members of one subcategory.
	Subcategory string

	// Unassigned restricts to records without a subcategory. Ignored when
	// Subcategory is set.
	Unassigned bool

	// WithFingerprint restricts to records carrying a fingerprint.
	WithFingerprint bool

	// WithEmbedding restricts to records carrying an embedding.
	WithEmbedding bool

	// Limit is the maximum number of records (default: 100, max: 10000).
	Limit int
}

// Normalize applies defaults and bounds.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
}

// VectorQuery describes a nearest-neighbour search over stored embeddings.
type VectorQuery struct {
	Embedding []float32
	Kind      types.Kind
	Category  types.Category
	Limit     int
	MinScore  float64
}

// TextQuery describes a term-overlap search used when no query embedding is
// available.
type TextQuery struct {
	Query    string
	Kind     types.Kind
	Category types.Category
	Limit    int
}

// Normalize applies the default and maximum limit.
func (q *VectorQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
}

// Normalize applies the default and maximum limit.
func (q *TextQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
}

// ScoredRecord pairs a record with its retrieval score.
type ScoredRecord struct {
	Memory *types.Memory
	Score  float64
}

// EvolutionPlan is everything one evolution run changes, applied in a single
// transaction.
type EvolutionPlan struct {
	Category types.Category

	// Upserts creates or updates subcategories.
	Upserts []*types.Subcategory

	// Assignments maps record ID to subcategory ID. An empty value leaves
	// the record unassigned.
	Assignments map[string]string

	// Retire archives subcategories into retired_subcategories and clears
	// their members' assignment.
	Retire []types.RetiredSubcategory

	// Delete hard-removes subcategories and clears their members' assignment.
	Delete []string

	AppliedAt time.Time
}

// Empty reports whether the plan changes nothing.
func (p *EvolutionPlan) Empty() bool {
	return len(p.Upserts) == 0 && len(p.Assignments) == 0 && len(p.Retire) == 0 && len(p.Delete) == 0
}

// RetryRead runs an idempotent read and retries it exactly once when the
// first attempt fails with types.ErrTransientStore.
func RetryRead[T any](ctx context.Context, read func(context.Context) (T, error)) (T, error) {
	v, err := read(ctx)
	if err == nil || !errors.Is(err, types.ErrTransientStore) {
		return v, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, err
	}
	return read(ctx)
}
