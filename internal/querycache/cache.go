// Package querycache is the two-tier result cache in front of search. The
// fast tier is a bounded in-process LRU; the persistent tier survives
// restarts. Every read and write goes through one RWMutex so a merge that
// retires a record and evicts the entries referencing it is observed
// atomically.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/recall/pkg/types"
)

// Config controls cache sizing and lifetime.
type Config struct {
	// FastEntries bounds the in-process tier. Default: 1024
	FastEntries int

	// TTL is the lifetime of a populated entry in both tiers. Default: 7 days
	TTL time.Duration

	// RetiredMemory bounds how many retired record IDs are remembered to
	// block stale re-population. Default: 10000
	RetiredMemory int

	// TouchTimeout bounds the access-metadata update issued after a hit.
	// Default: 2s
	TouchTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FastEntries:   1024,
		TTL:           7 * 24 * time.Hour,
		RetiredMemory: 10000,
		TouchTimeout:  2 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FastEntries < 1 {
		return fmt.Errorf("fast entries must be >= 1, got %d", c.FastEntries)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %v", c.TTL)
	}
	if c.RetiredMemory < 1 {
		return fmt.Errorf("retired memory must be >= 1, got %d", c.RetiredMemory)
	}
	return nil
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	PersistentHits int64 `json:"persistent_hits"`
	TierErrors     int64 `json:"tier_errors"`
	Invalidations  int64 `json:"invalidations"`
	FastEntries    int   `json:"fast_entries"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// slot is the fast-tier value. The entry is immutable; counters are atomic so
// hits can be recorded under the read lock.
type slot struct {
	entry      *Entry
	hits       atomic.Int64
	lastAccess atomic.Int64
}

// Generation identifies the invalidation state a key was read under. A
// result set computed under one generation is only cached if no
// invalidation touching its scope happened since.
type Generation struct {
	all   uint64
	scope uint64
}

// Cache is the two-tier query cache. It is safe for concurrent use.
type Cache struct {
	cfg Config

	mu         sync.RWMutex
	genAll     uint64
	genScope   map[string]uint64
	fast       *lru.Cache[string, *slot]
	retired    *lru.Cache[string, struct{}]
	persistent PersistentTier
	recorder   AccessRecorder

	now func() time.Time

	hits           atomic.Int64
	misses         atomic.Int64
	persistentHits atomic.Int64
	tierErrors     atomic.Int64
	invalidations  atomic.Int64
}

// New creates a cache. persistent and recorder may be nil: the cache then
// runs fast-tier only and skips access recording.
func New(cfg Config, persistent PersistentTier, recorder AccessRecorder) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	fast, err := lru.New[string, *slot](cfg.FastEntries)
	if err != nil {
		return nil, fmt.Errorf("create fast tier: %w", err)
	}
	retired, err := lru.New[string, struct{}](cfg.RetiredMemory)
	if err != nil {
		return nil, fmt.Errorf("create retired set: %w", err)
	}

	return &Cache{
		cfg:        cfg,
		fast:       fast,
		retired:    retired,
		genScope:   make(map[string]uint64),
		persistent: persistent,
		recorder:   recorder,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.cfg.TTL }

// Lookup returns a copy of the entry stored under key. The fast tier is
// consulted first; a persistent hit is promoted. Tier failures are logged
// and reported as a miss. Every hit records an access on the referenced
// records.
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, bool) {
	entry, ok := c.lookup(ctx, key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.touch(ctx, entry)
	return entry, true
}

func (c *Cache) lookup(ctx context.Context, key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()

	if s, ok := c.fast.Get(key); ok {
		if s.entry.Expired(now) || c.referencesRetired(s.entry) {
			c.fast.Remove(key)
		} else {
			hits := s.hits.Add(1)
			s.lastAccess.Store(now.UnixNano())
			out := s.entry.Clone()
			out.HitCount = int(hits)
			out.LastAccessedAt = now
			return out, true
		}
	}

	if c.persistent == nil {
		return nil, false
	}

	entry, err := c.persistent.GetCacheEntry(ctx, key)
	if err != nil {
		c.tierErrors.Add(1)
		log.Printf("WARNING: persistent cache lookup failed for %s: %v", key, fmt.Errorf("%w: %v", types.ErrCacheUnavailable, err))
		return nil, false
	}
	if entry == nil || entry.Expired(now) || c.referencesRetired(entry) {
		return nil, false
	}

	c.persistentHits.Add(1)
	s := &slot{entry: entry.Clone()}
	s.hits.Store(int64(entry.HitCount) + 1)
	s.lastAccess.Store(now.UnixNano())
	c.fast.Add(key, s)

	out := entry.Clone()
	out.HitCount = int(s.hits.Load())
	out.LastAccessedAt = now
	return out, true
}

// referencesRetired must be called with mu held.
func (c *Cache) referencesRetired(e *Entry) bool {
	for _, r := range e.Results {
		if c.retired.Contains(r.ID) {
			return true
		}
	}
	return false
}

func (c *Cache) touch(ctx context.Context, e *Entry) {
	if c.recorder == nil || len(e.Results) == 0 {
		return
	}
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TouchTimeout)
	defer cancel()
	if err := c.recorder.TouchRecords(touchCtx, e.IDs(), e.LastAccessedAt); err != nil {
		log.Printf("WARNING: failed to record cache hit access: %v", err)
	}
}

// keyScope returns the scope label of a "<scope>:<digest>" key.
func keyScope(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return ScopeAll
}

// Generation returns the current invalidation state for key. Capture it
// before computing a result set and hand it to PopulateAt.
func (c *Cache) Generation(key string) Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generationLocked(key)
}

func (c *Cache) generationLocked(key string) Generation {
	return Generation{all: c.genAll, scope: c.genScope[keyScope(key)]}
}

// Populate stores results under key in both tiers, regardless of what was
// invalidated while they were computed. Search paths use PopulateAt.
func (c *Cache) Populate(ctx context.Context, key string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.populateLocked(ctx, key, results)
}

// PopulateAt stores results under key only if no invalidation of key's
// scope happened since gen was captured. It reports whether the entry was
// written.
func (c *Cache) PopulateAt(ctx context.Context, key string, gen Generation, results []Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generationLocked(key) != gen {
		return false
	}
	return c.populateLocked(ctx, key, results)
}

// populateLocked drops a result set that references a retired record: it
// was computed before a merge and would resurrect the retired id.
func (c *Cache) populateLocked(ctx context.Context, key string, results []Result) bool {
	now := c.now()
	entry := &Entry{
		Key:            key,
		Results:        append([]Result(nil), results...),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(c.cfg.TTL),
	}
	if c.referencesRetired(entry) {
		return false
	}

	s := &slot{entry: entry}
	s.lastAccess.Store(now.UnixNano())
	c.fast.Add(key, s)

	if c.persistent != nil {
		if err := c.persistent.PutCacheEntry(ctx, entry); err != nil {
			c.tierErrors.Add(1)
			log.Printf("WARNING: persistent cache write failed for %s: %v", key, fmt.Errorf("%w: %v", types.ErrCacheUnavailable, err))
		}
	}
	return true
}

// InvalidateByContent evicts every entry whose result set references id.
// It returns the number of fast-tier entries evicted plus whatever the
// persistent tier reports.
func (c *Cache) InvalidateByContent(ctx context.Context, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidateByContentLocked(ctx, id)
}

func (c *Cache) invalidateByContentLocked(ctx context.Context, id string) int {
	c.genAll++
	removed := 0
	for _, key := range c.fast.Keys() {
		if s, ok := c.fast.Peek(key); ok && s.entry.References(id) {
			c.fast.Remove(key)
			removed++
		}
	}

	if c.persistent != nil {
		n, err := c.persistent.DeleteCacheByContent(ctx, id)
		if err != nil {
			c.tierErrors.Add(1)
			log.Printf("WARNING: persistent cache invalidation failed for %s: %v", id, err)
		}
		removed += n
	}

	c.invalidations.Add(int64(removed))
	return removed
}

// InvalidateByPrefix evicts every entry of one scope. An empty scope or
// ScopeAll clears both tiers.
func (c *Cache) InvalidateByPrefix(ctx context.Context, scope string) int {
	if scope == "" || scope == ScopeAll {
		return c.Clear(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.genScope[scope]++
	prefix := ScopePrefix(scope)
	removed := 0
	for _, key := range c.fast.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.fast.Remove(key)
			removed++
		}
	}

	if c.persistent != nil {
		n, err := c.persistent.DeleteCacheByPrefix(ctx, prefix)
		if err != nil {
			c.tierErrors.Add(1)
			log.Printf("WARNING: persistent cache invalidation failed for scope %s: %v", scope, err)
		}
		removed += n
	}

	c.invalidations.Add(int64(removed))
	return removed
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.genAll++
	removed := c.fast.Len()
	c.fast.Purge()

	if c.persistent != nil {
		n, err := c.persistent.DeleteCacheByPrefix(ctx, "")
		if err != nil {
			c.tierErrors.Add(1)
			log.Printf("WARNING: persistent cache clear failed: %v", err)
		}
		removed += n
	}

	c.invalidations.Add(int64(removed))
	return removed
}

// Guard runs fn under the exclusive cache lock. When fn succeeds every id in
// retired is remembered as retired and the entries referencing it are
// evicted before the lock is released, so no reader can observe the store
// change without the matching invalidation.
func (c *Cache) Guard(ctx context.Context, retired []string, fn func() error) error {
	if fn == nil {
		return errors.New("querycache: nil guard function")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := fn(); err != nil {
		return err
	}
	c.genAll++
	for _, id := range retired {
		c.retired.Add(id, struct{}{})
		c.invalidateByContentLocked(ctx, id)
	}
	return nil
}

// IsRetired reports whether id was retired through Guard and is still
// remembered.
func (c *Cache) IsRetired(id string) bool {
	return c.retired.Contains(id)
}

// PurgeExpired drops expired entries from both tiers.
func (c *Cache) PurgeExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.fast.Keys() {
		if s, ok := c.fast.Peek(key); ok && s.entry.Expired(now) {
			c.fast.Remove(key)
			removed++
		}
	}

	if c.persistent != nil {
		n, err := c.persistent.PurgeExpiredCache(ctx, now)
		if err != nil {
			c.tierErrors.Add(1)
			log.Printf("WARNING: persistent cache purge failed: %v", err)
		}
		removed += n
	}
	return removed
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		PersistentHits: c.persistentHits.Load(),
		TierErrors:     c.tierErrors.Load(),
		Invalidations:  c.invalidations.Load(),
		FastEntries:    c.fast.Len(),
	}
}
