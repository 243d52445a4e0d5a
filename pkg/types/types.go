// Package types defines the core data structures shared by the recall engine:
// memory records, subcategories, evolution snapshots, user interactions and
// recommendations, plus the error taxonomy every component reports through.
package types

import "slices"

// Category is the fixed top-level topic of a memory record.
type Category string

// Top-level categories. Evolution clusters records within one category at a time.
const (
	CategoryArchitecture Category = "architecture"
	CategoryDebugging    Category = "debugging"
	CategoryTesting      Category = "testing"
	CategoryPerformance  Category = "performance"
	CategorySecurity     Category = "security"
	CategoryTooling      Category = "tooling"
	CategoryWorkflow     Category = "workflow"
	CategoryGeneral      Category = "general"
)

// Categories lists every valid category in a stable order.
var Categories = []Category{
	CategoryArchitecture,
	CategoryDebugging,
	CategoryTesting,
	CategoryPerformance,
	CategorySecurity,
	CategoryTooling,
	CategoryWorkflow,
	CategoryGeneral,
}

// IsValidCategory reports whether c is one of the fixed categories.
func IsValidCategory(c Category) bool {
	return slices.Contains(Categories, c)
}

// Kind describes what a record is. Each kind feeds one progressive-search tier.
type Kind string

// Record kinds, ordered from cheapest/broadest to most detailed.
const (
	KindSummary      Kind = "summary"
	KindInsight      Kind = "insight"
	KindReflection   Kind = "reflection"
	KindConversation Kind = "conversation"
)

// Kinds lists the record kinds in tier order.
var Kinds = []Kind{KindSummary, KindInsight, KindReflection, KindConversation}

// IsValidKind reports whether k is a known record kind.
func IsValidKind(k Kind) bool {
	return slices.Contains(Kinds, k)
}

// TierName returns the progressive-search tier label fed by records of this kind.
func (k Kind) TierName() string {
	switch k {
	case KindSummary:
		return "summaries"
	case KindInsight:
		return "insights"
	case KindReflection:
		return "reflections"
	case KindConversation:
		return "conversations"
	default:
		return string(k)
	}
}

// Signature is a fixed-length MinHash fingerprint. Components are compared
// position by position; the fraction that agree estimates Jaccard similarity
// of the underlying shingle sets.
type Signature []uint64
