// Package badgertier is an embedded key-value persistent tier for the query
// cache, used when the durable store should not carry cache traffic.
//
// Layout:
//
//	e:<cache key>            -> JSON entry, expires with the entry TTL
//	r:<record id>\x00<key>   -> empty, reverse reference for content invalidation
package badgertier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/scrypster/recall/internal/querycache"
)

const (
	entryPrefix = "e:"
	refPrefix   = "r:"
)

// Options configures the badger tier.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
}

// Tier implements querycache.PersistentTier on badger.
type Tier struct {
	db  *badger.DB
	now func() time.Time
}

var _ querycache.PersistentTier = (*Tier)(nil)

// Open opens (or creates) the tier.
func Open(opts Options) (*Tier, error) {
	dir := opts.Dir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).WithInMemory(opts.InMemory)
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger cache tier: %w", err)
	}
	return &Tier{db: db, now: time.Now}, nil
}

// Close releases the database.
func (t *Tier) Close() error {
	return t.db.Close()
}

func entryKey(key string) []byte {
	return []byte(entryPrefix + key)
}

func refKey(id, key string) []byte {
	return []byte(refPrefix + id + "\x00" + key)
}

// GetCacheEntry returns the entry for key, or nil on a miss.
func (t *Tier) GetCacheEntry(ctx context.Context, key string) (*querycache.Entry, error) {
	var entry querycache.Entry
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	return &entry, nil
}

// PutCacheEntry writes the entry and its reverse references with the
// remaining TTL.
func (t *Tier) PutCacheEntry(ctx context.Context, entry *querycache.Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	ttl := entry.ExpiresAt.Sub(t.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	return t.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(entryKey(entry.Key), data).WithTTL(ttl)); err != nil {
			return err
		}
		for _, r := range entry.Results {
			if err := txn.SetEntry(badger.NewEntry(refKey(r.ID, entry.Key), nil).WithTTL(ttl)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteCacheByContent removes every entry referencing id.
func (t *Tier) DeleteCacheByContent(ctx context.Context, id string) (int, error) {
	prefix := []byte(refPrefix + id + "\x00")

	var refs [][]byte
	var keys []string
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			refs = append(refs, k)
			keys = append(keys, string(bytes.TrimPrefix(k, prefix)))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning cache references: %w", err)
	}
	if len(refs) == 0 {
		return 0, nil
	}

	wb := t.db.NewWriteBatch()
	defer wb.Cancel()
	for i, k := range refs {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("deleting cache reference: %w", err)
		}
		if err := wb.Delete(entryKey(keys[i])); err != nil {
			return 0, fmt.Errorf("deleting cache entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flushing cache invalidation: %w", err)
	}
	return len(keys), nil
}

// DeleteCacheByPrefix removes every entry whose key starts with prefix. An
// empty prefix drops the whole tier. Dangling reverse references are left
// to expire; they only ever point at deleted entries.
func (t *Tier) DeleteCacheByPrefix(ctx context.Context, prefix string) (int, error) {
	p := []byte(entryPrefix + prefix)

	count := 0
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = p

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting cache entries: %w", err)
	}

	prefixes := [][]byte{p}
	if prefix == "" {
		prefixes = append(prefixes, []byte(refPrefix))
	}
	if err := t.db.DropPrefix(prefixes...); err != nil {
		return 0, fmt.Errorf("dropping cache prefix: %w", err)
	}
	return count, nil
}

// PurgeExpiredCache relies on badger TTLs for expiry and only reclaims value
// log space. It always reports zero removed entries.
func (t *Tier) PurgeExpiredCache(ctx context.Context, now time.Time) (int, error) {
	err := t.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		return 0, fmt.Errorf("cache value log gc: %w", err)
	}
	return 0, nil
}
