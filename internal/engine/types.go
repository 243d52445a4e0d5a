// Package engine composes the cache, deduplication, evolution, search and
// collaborative filtering components behind the exposed API: Store, Search,
// EvolveCategory, Recommend and InvalidateCache.
package engine

import (
	"fmt"
	"time"

	"github.com/scrypster/recall/internal/collab"
	"github.com/scrypster/recall/internal/dedup"
	"github.com/scrypster/recall/internal/evolution"
	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/search"
	"github.com/scrypster/recall/pkg/types"
)

// Config holds configuration for the engine and the components it builds.
type Config struct {
	// EmbedTimeout bounds one embedding call on the store and search paths
	// (default: 5s).
	EmbedTimeout time.Duration

	// DefaultTiers is used when a search names no tiers. Empty means every
	// tier in order.
	DefaultTiers []string

	// DefaultLimit applies when a search sets no limit (default: 10).
	DefaultLimit int

	// Sufficiency is the default progressive-search stop rule.
	Sufficiency search.Sufficiency

	// MinVectorScore drops vector hits below this cosine similarity.
	MinVectorScore float64

	// EvolveInterval schedules EvolveAll. Zero disables the job (default: 24h).
	EvolveInterval time.Duration

	// DecayInterval schedules DecayAll. Zero disables the job (default: 24h).
	DecayInterval time.Duration

	// CachePurgeInterval schedules expired cache entry removal (default: 1h).
	CachePurgeInterval time.Duration

	// BaselineInterval schedules the popularity baseline refresh (default: 1h).
	BaselineInterval time.Duration

	// CategoryRate paces scheduled evolution across categories, in
	// categories per second (default: 1).
	CategoryRate float64

	// ShutdownTimeout is the maximum time to wait for background jobs on
	// shutdown (default: 30s).
	ShutdownTimeout time.Duration

	Fingerprint fingerprint.Config
	Dedup       dedup.Config
	Evolution   evolution.Config
	Collab      collab.Config
}

// DefaultConfig returns a Config with sensible defaults. Collab.Salt is left
// empty and must be provided.
func DefaultConfig() Config {
	return Config{
		EmbedTimeout:       5 * time.Second,
		DefaultLimit:       search.DefaultLimit,
		Sufficiency:        search.DefaultSufficiency(),
		EvolveInterval:     24 * time.Hour,
		DecayInterval:      24 * time.Hour,
		CachePurgeInterval: time.Hour,
		BaselineInterval:   time.Hour,
		CategoryRate:       1,
		ShutdownTimeout:    30 * time.Second,
		Fingerprint:        fingerprint.DefaultConfig(),
		Dedup:              dedup.DefaultConfig(),
		Evolution:          evolution.DefaultConfig(),
		Collab:             collab.DefaultConfig(),
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.EmbedTimeout <= 0 {
		return fmt.Errorf("EmbedTimeout must be > 0, got %v", c.EmbedTimeout)
	}
	if c.DefaultLimit < 1 {
		return fmt.Errorf("DefaultLimit must be >= 1, got %d", c.DefaultLimit)
	}
	if c.CategoryRate <= 0 {
		return fmt.Errorf("CategoryRate must be > 0, got %v", c.CategoryRate)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}
	if err := c.Fingerprint.Validate(); err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	if err := c.Dedup.Validate(); err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if err := c.Evolution.Validate(); err != nil {
		return fmt.Errorf("evolution: %w", err)
	}
	if err := c.Collab.Validate(); err != nil {
		return fmt.Errorf("collab: %w", err)
	}
	return nil
}

// StoreRequest is the input of Store.
type StoreRequest struct {
	Content string `json:"content"`

	// Category defaults to general.
	Category types.Category `json:"category,omitempty"`

	// Kind defaults to conversation.
	Kind types.Kind `json:"kind,omitempty"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata types.Metadata `json:"metadata"`
}

// StoreResult reports what Store did with the content.
type StoreResult struct {
	// ID is the record that now holds the content: the new record, the
	// survivor of a merge, or the existing record of a skipped duplicate.
	ID string `json:"id"`

	Deduplicated bool     `json:"deduplicated"`
	MergedWith   []string `json:"merged_with,omitempty"`

	// Subcategory is set when the record was assigned on write.
	Subcategory string `json:"subcategory,omitempty"`

	// Degraded is true when the record was stored without an embedding.
	Degraded bool `json:"degraded"`
}

// SearchRequest is the input of Search.
type SearchRequest struct {
	Query    string         `json:"query"`
	Tiers    []string       `json:"tiers,omitempty"`
	UseCache bool           `json:"use_cache"`
	Context  []string       `json:"context,omitempty"`
	Category types.Category `json:"category,omitempty"`
	Limit    int            `json:"limit,omitempty"`

	// Sufficiency overrides the configured stop rule when set.
	Sufficiency *search.Sufficiency `json:"sufficiency,omitempty"`
}

// SearchResult is one hydrated hit.
type SearchResult struct {
	Memory *types.Memory `json:"memory"`
	Score  float64       `json:"score"`
	Tier   string        `json:"tier"`
	Tiers  []string      `json:"tiers"`
	Cached bool          `json:"cached"`
}

// SearchResponse is the output of Search.
type SearchResponse struct {
	Results        []SearchResult `json:"results"`
	TiersConsulted []string       `json:"tiers_consulted"`
	CacheHits      int            `json:"cache_hits"`
	StoppedEarly   bool           `json:"stopped_early"`
	Reason         string         `json:"reason"`

	// TextOnly is true when the query could not be embedded.
	TextOnly bool `json:"text_only"`
}

// EventType names an engine event.
type EventType string

const (
	EventMemoryStored     EventType = "memory_stored"
	EventMemoryMerged     EventType = "memory_merged"
	EventCacheInvalidated EventType = "cache_invalidated"
	EventCategoryEvolved  EventType = "category_evolved"
)

// Valid reports whether t is an event the engine publishes.
func (t EventType) Valid() bool {
	switch t {
	case EventMemoryStored, EventMemoryMerged, EventCacheInvalidated, EventCategoryEvolved:
		return true
	}
	return false
}

// Event is published after a state change completes.
type Event struct {
	Type       EventType              `json:"type"`
	RecordID   string                 `json:"record_id,omitempty"`
	MergedWith []string               `json:"merged_with,omitempty"`
	Category   types.Category         `json:"category,omitempty"`
	Outcome    types.EvolutionOutcome `json:"outcome,omitempty"`
	Scope      string                 `json:"scope,omitempty"` // cache scope the change invalidates
	Removed    int                    `json:"removed,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Publisher receives engine events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Publishers fans one event out to several publishers.
type Publishers []Publisher

// Publish implements Publisher.
func (ps Publishers) Publish(ev Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ev)
		}
	}
}
