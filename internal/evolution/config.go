package evolution

import (
	"fmt"
	"time"
)

// DecayMode selects what temporal decay does with a stale subcategory.
type DecayMode string

const (
	// DecayArchive moves the subcategory to retired_subcategories.
	DecayArchive DecayMode = "archive"

	// DecayDelete removes the subcategory outright.
	DecayDelete DecayMode = "delete"
)

// Config controls clustering, decay and the run guard.
type Config struct {
	// MinClusterSize is the minimum number of embedded records a category
	// needs before it is clustered, and the minimum size of a cluster that
	// survives a pass. Default: 5
	MinClusterSize int

	// MaxRecords caps the records loaded for one run. Default: 5000
	MaxRecords int

	// SimilarityThreshold is the cosine similarity below which a record
	// starts a new cluster during leader seeding. Default: 0.75
	SimilarityThreshold float64

	// FingerprintFloor skips the embedding comparison with any centroid
	// whose fingerprint similarity to the record is below it. 0 disables
	// the pre-filter.
	FingerprintFloor float64

	// Iterations bounds the k-means refinement passes. Default: 10
	Iterations int

	// MaxSubcategories caps the clusters kept per category. Default: 20
	MaxSubcategories int

	// KeywordCount is the number of keywords kept per subcategory. Default: 5
	KeywordCount int

	// StaleAfter is how long a subcategory may go unaccessed before it is
	// eligible for decay. Default: 90 days
	StaleAfter time.Duration

	// MinAccessCount protects subcategories accessed at least this often
	// from decay. Default: 5
	MinAccessCount int

	// DecayMode is archive or delete. Default: archive
	DecayMode DecayMode

	// RegressionMargin is the quality drop, relative to the previous
	// completed run, that flags a run as regressed. Default: 0.05
	RegressionMargin float64

	// RollbackOnRegression discards a regressed run instead of applying it.
	RollbackOnRegression bool

	// MinConfidence is the cosine similarity a single-record assignment
	// needs. Default: 0.6
	MinConfidence float64

	// MaxRunDuration bounds one run. Default: 5m
	MaxRunDuration time.Duration
}

// DefaultConfig returns the default evolution settings.
func DefaultConfig() Config {
	return Config{
		MinClusterSize:      5,
		MaxRecords:          5000,
		SimilarityThreshold: 0.75,
		Iterations:          10,
		MaxSubcategories:    20,
		KeywordCount:        5,
		StaleAfter:          90 * 24 * time.Hour,
		MinAccessCount:      5,
		DecayMode:           DecayArchive,
		RegressionMargin:    0.05,
		MinConfidence:       0.6,
		MaxRunDuration:      5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinClusterSize < 1 {
		return fmt.Errorf("min cluster size must be at least 1, got %d", c.MinClusterSize)
	}
	if c.MaxRecords < c.MinClusterSize {
		return fmt.Errorf("max records (%d) must be at least the min cluster size (%d)", c.MaxRecords, c.MinClusterSize)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0, 1], got %.2f", c.SimilarityThreshold)
	}
	if c.FingerprintFloor < 0 || c.FingerprintFloor > 1 {
		return fmt.Errorf("fingerprint floor must be in [0, 1], got %.2f", c.FingerprintFloor)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative")
	}
	if c.MaxSubcategories < 1 {
		return fmt.Errorf("max subcategories must be at least 1")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale-after window must be positive")
	}
	if c.DecayMode != DecayArchive && c.DecayMode != DecayDelete {
		return fmt.Errorf("unknown decay mode %q", c.DecayMode)
	}
	if c.RegressionMargin < 0 {
		return fmt.Errorf("regression margin must not be negative")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0, 1], got %.2f", c.MinConfidence)
	}
	if c.MaxRunDuration <= 0 {
		return fmt.Errorf("max run duration must be positive")
	}
	if c.KeywordCount < 1 {
		return fmt.Errorf("keyword count must be at least 1")
	}
	return nil
}
