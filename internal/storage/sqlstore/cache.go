package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/recall/internal/querycache"
)

// GetCacheEntry implements querycache.PersistentTier.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*querycache.Entry, error) {
	var (
		results      string
		createdAt    int64
		lastAccessed int64
		expiresAt    int64
		entry        = querycache.Entry{Key: key}
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT results, hit_count, created_at, last_accessed_at, expires_at
		FROM query_cache WHERE cache_key = ?`), key).
		Scan(&results, &entry.HitCount, &createdAt, &lastAccessed, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("read cache entry", err)
	}

	if err := json.Unmarshal([]byte(results), &entry.Results); err != nil {
		return nil, fmt.Errorf("%s: corrupt cache entry %s: %w", s.d.Name, key, err)
	}
	entry.CreatedAt = fromNanos(createdAt)
	entry.LastAccessedAt = fromNanos(lastAccessed)
	entry.ExpiresAt = fromNanos(expiresAt)
	return &entry, nil
}

// PutCacheEntry implements querycache.PersistentTier. The entry row and its
// reverse references are replaced together.
func (s *Store) PutCacheEntry(ctx context.Context, entry *querycache.Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	results, err := json.Marshal(entry.Results)
	if err != nil {
		return fmt.Errorf("%s: marshal cache entry: %w", s.d.Name, err)
	}

	return s.withTx(ctx, "write cache entry", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO query_cache (cache_key, results, hit_count, created_at, last_accessed_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (cache_key) DO UPDATE SET
				results = excluded.results,
				hit_count = excluded.hit_count,
				created_at = excluded.created_at,
				last_accessed_at = excluded.last_accessed_at,
				expires_at = excluded.expires_at`),
			entry.Key, string(results), entry.HitCount, toNanos(entry.CreatedAt),
			toNanos(entry.LastAccessedAt), toNanos(entry.ExpiresAt)); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM query_cache_refs WHERE cache_key = ?`), entry.Key); err != nil {
			return err
		}
		for _, id := range entry.IDs() {
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO query_cache_refs (record_id, cache_key) VALUES (?, ?)
				ON CONFLICT DO NOTHING`), id, entry.Key); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteCacheByContent implements querycache.PersistentTier.
func (s *Store) DeleteCacheByContent(ctx context.Context, id string) (int, error) {
	removed := 0
	err := s.withTx(ctx, "invalidate cache by content", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(`SELECT cache_key FROM query_cache_refs WHERE record_id = ?`), id)
		if err != nil {
			return err
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, k := range keys {
			res, err := tx.ExecContext(ctx, s.q(`DELETE FROM query_cache WHERE cache_key = ?`), k)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			removed += int(n)
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM query_cache_refs WHERE cache_key = ?`), k); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

// DeleteCacheByPrefix implements querycache.PersistentTier.
func (s *Store) DeleteCacheByPrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	err := s.withTx(ctx, "invalidate cache by prefix", func(tx *sql.Tx) error {
		var (
			where string
			args  []any
		)
		if prefix != "" {
			where = ` WHERE substr(cache_key, 1, ?) = ?`
			args = []any{len(prefix), prefix}
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM query_cache_refs`+where), args...); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM query_cache`+where), args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}

// PurgeExpiredCache implements querycache.PersistentTier.
func (s *Store) PurgeExpiredCache(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	ts := toNanos(now)
	err := s.withTx(ctx, "purge expired cache", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM query_cache_refs
			WHERE cache_key IN (SELECT cache_key FROM query_cache WHERE expires_at <= ?)`), ts); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM query_cache WHERE expires_at <= ?`), ts)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		return nil
	})
	return removed, err
}
