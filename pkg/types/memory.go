package types

import (
	"slices"
	"time"
)

// Memory is a stored unit of content: a conversation turn, a reflection, a
// curated insight or a category summary.
type Memory struct {
	// Identity
	ID          string `json:"id"`           // UUIDv7, time-sortable and immutable
	Content     string `json:"content"`      // Raw content
	ContentHash string `json:"content_hash"` // SHA-256 of the normalized content

	// Organization
	Kind        Kind     `json:"kind"`
	Category    Category `json:"category"`
	Subcategory string   `json:"subcategory,omitempty"` // Subcategory ID, empty when unassigned
	Tags        []string `json:"tags,omitempty"`

	// Similarity material
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	Fingerprint    Signature `json:"-"`
	Deduplicable   bool      `json:"deduplicable"` // false when fingerprinting failed
	Degraded       bool      `json:"degraded"`     // true when the embedding was unavailable at store time

	// Quality signals
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`

	// Merge bookkeeping
	RetiredInto string     `json:"retired_into,omitempty"` // Survivor ID when this record was merged away
	RetiredAt   *time.Time `json:"retired_at,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// Metadata holds the known optional record attributes plus one escape hatch
// for forward compatibility.
type Metadata struct {
	SessionID string            `json:"session_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	Project   string            `json:"project,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// IsRetired reports whether the record was superseded by a merge.
func (m *Memory) IsRetired() bool {
	return m.RetiredInto != ""
}

// HasEmbedding reports whether the record carries a usable vector.
func (m *Memory) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// LastTouched returns LastAccessedAt when set, falling back to CreatedAt.
func (m *Memory) LastTouched() time.Time {
	if m.LastAccessedAt != nil && !m.LastAccessedAt.IsZero() {
		return *m.LastAccessedAt
	}
	return m.CreatedAt
}

// MergeTags returns the sorted union of two tag sets without duplicates.
func MergeTags(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
