package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

const recordColumns = `id, content, content_hash, kind, category, tags, embedding, embedding_model,
	fingerprint, deduplicable, degraded, subcategory_id, created_at, last_accessed_at,
	access_count, retired_into, retired_at, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

// RecordColumns is the column list ScanRecord expects, in order.
const RecordColumns = recordColumns

// ScanRecord decodes one memories row selected with RecordColumns followed
// by any extra columns, which are scanned into extra. Undecodable blobs
// surface as types.ErrCorruption alongside the partially decoded record.
func ScanRecord(row interface{ Scan(...any) error }, extra ...any) (*types.Memory, error) {
	return scanRecord(row, extra...)
}

// scanRecord decodes one memories row. Undecodable blobs surface as
// types.ErrCorruption.
func scanRecord(row rowScanner, extra ...any) (*types.Memory, error) {
	var (
		m            types.Memory
		kind         string
		category     string
		tags         string
		embedding    []byte
		fp           []byte
		subcategory  sql.NullString
		createdAt    int64
		lastAccessed sql.NullInt64
		retiredInto  sql.NullString
		retiredAt    sql.NullInt64
		metadata     string
	)

	dest := []any{
		&m.ID, &m.Content, &m.ContentHash, &kind, &category, &tags, &embedding, &m.EmbeddingModel,
		&fp, &m.Deduplicable, &m.Degraded, &subcategory, &createdAt, &lastAccessed,
		&m.AccessCount, &retiredInto, &retiredAt, &metadata,
	}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}

	m.Kind = types.Kind(kind)
	m.Category = types.Category(category)
	m.Subcategory = subcategory.String
	m.CreatedAt = fromNanos(createdAt)
	m.LastAccessedAt = timePtr(lastAccessed)
	m.RetiredInto = retiredInto.String
	m.RetiredAt = timePtr(retiredAt)

	if m.Tags, err = storage.DecodeStrings(tags); err != nil {
		return &m, fmt.Errorf("record %s tags: %w", m.ID, err)
	}
	if m.Embedding, err = storage.DecodeVector(embedding); err != nil {
		return &m, fmt.Errorf("record %s embedding: %w", m.ID, err)
	}
	if m.Fingerprint, err = fingerprint.Decode(fp, 0); err != nil {
		return &m, fmt.Errorf("record %s fingerprint: %w", m.ID, err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return &m, fmt.Errorf("record %s metadata: %w", m.ID, types.ErrCorruption)
		}
	}

	return &m, nil
}

// scanRecords drains rows, skipping and logging corrupt records.
func (s *Store) scanRecords(rows *sql.Rows) ([]*types.Memory, error) {
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanRecord(rows)
		if errors.Is(err, types.ErrCorruption) {
			log.Printf("WARNING: %s: skipping corrupt record: %v", s.d.Name, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func validateRecord(m *types.Memory) error {
	if m == nil {
		return storage.ErrInvalidInput
	}
	if m.ID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: record content is required", storage.ErrInvalidInput)
	}
	if !types.IsValidCategory(m.Category) {
		return fmt.Errorf("%w: unknown category %q", storage.ErrInvalidInput, m.Category)
	}
	if !types.IsValidKind(m.Kind) {
		return fmt.Errorf("%w: unknown kind %q", storage.ErrInvalidInput, m.Kind)
	}
	return nil
}

func (s *Store) insertRecord(ctx context.Context, tx *sql.Tx, m *types.Memory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO memories (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.Content, m.ContentHash, string(m.Kind), string(m.Category),
		storage.EncodeStrings(m.Tags), nullableBlob(storage.EncodeVector(m.Embedding)), m.EmbeddingModel,
		nullableBlob(fingerprint.Encode(m.Fingerprint)), m.Deduplicable, m.Degraded,
		nullableString(m.Subcategory), toNanos(m.CreatedAt), nullableNanos(m.LastAccessedAt),
		m.AccessCount, nullableString(m.RetiredInto), nullableNanos(m.RetiredAt), string(metadata),
	)
	if err != nil {
		return err
	}

	if m.Subcategory != "" {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE subcategories SET member_count = member_count + 1 WHERE id = ?`), m.Subcategory); err != nil {
			return err
		}
	}

	if s.d.OnRecordWrite != nil {
		return s.d.OnRecordWrite(ctx, tx, m)
	}
	return nil
}

// PutRecord inserts a new record.
func (s *Store) PutRecord(ctx context.Context, m *types.Memory) error {
	if err := validateRecord(m); err != nil {
		return err
	}
	return s.withTx(ctx, "insert record", func(tx *sql.Tx) error {
		return s.insertRecord(ctx, tx, m)
	})
}

// GetRecord returns a record by ID, retired or not.
func (s *Store) GetRecord(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+` FROM memories WHERE id = ?`), id)
	m, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if errors.Is(err, types.ErrCorruption) {
		return nil, err
	}
	if err != nil {
		return nil, s.fail("get record", err)
	}
	return m, nil
}

// recordFilter renders the WHERE clause shared by list and count.
func recordFilter(opts storage.ListOptions) (string, []any) {
	clauses := []string{"retired_into IS NULL"}
	var args []any

	if opts.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(opts.Category))
	}
	if opts.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	switch {
	case opts.Subcategory != "":
		clauses = append(clauses, "subcategory_id = ?")
		args = append(args, opts.Subcategory)
	case opts.Unassigned:
		clauses = append(clauses, "subcategory_id IS NULL")
	}
	if opts.WithFingerprint {
		clauses = append(clauses, "fingerprint IS NOT NULL")
	}
	if opts.WithEmbedding {
		clauses = append(clauses, "embedding IS NOT NULL")
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListRecords returns live records newest first.
func (s *Store) ListRecords(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	opts.Normalize()
	where, args := recordFilter(opts)
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+recordColumns+` FROM memories`+where+` ORDER BY created_at DESC, id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, s.fail("list records", err)
	}
	out, err := s.scanRecords(rows)
	if err != nil {
		return nil, s.fail("scan records", err)
	}
	return out, nil
}

// CountRecords counts live records matching opts.
func (s *Store) CountRecords(ctx context.Context, opts storage.ListOptions) (int, error) {
	where, args := recordFilter(opts)
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM memories`+where), args...).Scan(&n); err != nil {
		return 0, s.fail("count records", err)
	}
	return n, nil
}

// FindByContentHash returns the newest live record with hash.
func (s *Store) FindByContentHash(ctx context.Context, hash string, category types.Category) (*types.Memory, error) {
	query := `SELECT ` + recordColumns + ` FROM memories WHERE content_hash = ? AND retired_into IS NULL`
	args := []any{hash}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	m, err := scanRecord(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if errors.Is(err, types.ErrCorruption) {
		return nil, err
	}
	if err != nil {
		return nil, s.fail("find by content hash", err)
	}
	return m, nil
}

// TouchRecords bumps access metadata on records and their subcategories.
func (s *Store) TouchRecords(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ts := toNanos(at)

	return s.withTx(ctx, "touch records", func(tx *sql.Tx) error {
		for _, batch := range chunk(ids, inClauseBatch) {
			in := placeholders(len(batch))

			args := append([]any{ts}, stringArgs(batch)...)
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE subcategories
				SET access_count = access_count + 1, last_accessed_at = ?
				WHERE id IN (SELECT DISTINCT subcategory_id FROM memories WHERE id IN (`+in+`) AND subcategory_id IS NOT NULL)`),
				args...); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE memories
				SET access_count = access_count + 1, last_accessed_at = ?
				WHERE id IN (`+in+`)`), args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// BumpRecord records a skipped exact duplicate: tags are unioned and the
// access metadata advanced.
func (s *Store) BumpRecord(ctx context.Context, id string, tags []string, at time.Time) error {
	return s.withTx(ctx, "bump record", func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, s.q(`SELECT tags FROM memories WHERE id = ? AND retired_into IS NULL`), id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		existing, err := storage.DecodeStrings(current)
		if err != nil {
			existing = nil
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE memories
			SET tags = ?, access_count = access_count + 1, last_accessed_at = ?
			WHERE id = ?`),
			storage.EncodeStrings(types.MergeTags(existing, tags)), toNanos(at), id)
		return err
	})
}

// MergeRecords inserts survivor and retires retiredIDs into it atomically.
// Records previously retired into a retired ID are re-pointed at the
// survivor so RetiredInto chains stay one hop long.
func (s *Store) MergeRecords(ctx context.Context, survivor *types.Memory, retiredIDs []string) error {
	if err := validateRecord(survivor); err != nil {
		return err
	}
	at := time.Now().UTC()

	return s.withTx(ctx, "merge records", func(tx *sql.Tx) error {
		if err := s.insertRecord(ctx, tx, survivor); err != nil {
			return err
		}

		for _, id := range retiredIDs {
			var subcategory sql.NullString
			err := tx.QueryRowContext(ctx, s.q(`SELECT subcategory_id FROM memories WHERE id = ? AND retired_into IS NULL`), id).Scan(&subcategory)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", storage.ErrConflict, id)
			}
			if err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE memories SET retired_into = ?, retired_at = ?, subcategory_id = NULL
				WHERE id = ?`), survivor.ID, toNanos(at), id); err != nil {
				return err
			}
			if subcategory.Valid {
				if _, err := tx.ExecContext(ctx, s.q(`
					UPDATE subcategories SET member_count = member_count - 1
					WHERE id = ? AND member_count > 0`), subcategory.String); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE memories SET retired_into = ? WHERE retired_into = ?`), survivor.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
}
