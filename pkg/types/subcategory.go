package types

import "time"

// Subcategory is a dynamic cluster of records inside one top-level category.
// Subcategories are created, updated and retired only by category evolution.
type Subcategory struct {
	ID                  string     `json:"id"`
	Category            Category   `json:"category"`
	Name                string     `json:"name"`
	Keywords            []string   `json:"keywords,omitempty"`
	Centroid            []float32  `json:"-"`
	CentroidFingerprint Signature  `json:"-"`
	MemberCount         int        `json:"member_count"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	LastAccessedAt      *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount         int        `json:"access_count"`
}

// LastTouched returns LastAccessedAt when set, falling back to CreatedAt.
func (s *Subcategory) LastTouched() time.Time {
	if s.LastAccessedAt != nil && !s.LastAccessedAt.IsZero() {
		return *s.LastAccessedAt
	}
	return s.CreatedAt
}

// RetirementReason records why a subcategory left the active set.
type RetirementReason string

const (
	// RetiredDecayed marks a subcategory archived by temporal decay.
	RetiredDecayed RetirementReason = "decayed"

	// RetiredDissolved marks a subcategory whose cluster fell below the minimum size.
	RetiredDissolved RetirementReason = "dissolved"
)

// RetiredSubcategory is the archived form of a subcategory.
type RetiredSubcategory struct {
	Subcategory
	Reason    RetirementReason `json:"reason"`
	RetiredAt time.Time        `json:"retired_at"`
}

// EvolutionOutcome is the result class of one evolution call.
type EvolutionOutcome string

// Evolution outcomes. Every call records exactly one snapshot carrying one of these.
const (
	OutcomeCompleted        EvolutionOutcome = "completed"
	OutcomeInsufficientData EvolutionOutcome = "insufficient_data"
	OutcomeBusy             EvolutionOutcome = "busy"
	OutcomeTimeout          EvolutionOutcome = "timeout"
	OutcomeCancelled        EvolutionOutcome = "cancelled"
	OutcomeFailed           EvolutionOutcome = "failed"
	OutcomeRolledBack       EvolutionOutcome = "rolled_back"
	OutcomeDecayed          EvolutionOutcome = "decayed"
)

// EvolutionSnapshot is the immutable audit record of one evolution run for
// one category.
type EvolutionSnapshot struct {
	ID                   string           `json:"id"`
	Category             Category         `json:"category"`
	Outcome              EvolutionOutcome `json:"outcome"`
	SubcategoriesBefore  int              `json:"subcategories_before"`
	SubcategoriesAfter   int              `json:"subcategories_after"`
	QualityBefore        float64          `json:"quality_before"`
	QualityAfter         float64          `json:"quality_after"`
	RecordsConsidered    int              `json:"records_considered"`
	RecordsAssigned      int              `json:"records_assigned"`
	SubcategoriesDecayed int              `json:"subcategories_decayed"`
	Regressed            bool             `json:"regressed"`
	Duration             time.Duration    `json:"duration"`
	Message              string           `json:"message,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// Err maps non-success outcomes onto the error taxonomy so callers can use
// errors.Is. Completed, decayed and rolled-back runs return nil.
func (s *EvolutionSnapshot) Err() error {
	switch s.Outcome {
	case OutcomeInsufficientData:
		return ErrInsufficientData
	case OutcomeBusy:
		return ErrEvolutionBusy
	case OutcomeTimeout, OutcomeCancelled, OutcomeFailed:
		return ErrEvolutionAborted
	default:
		return nil
	}
}
