package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/recall/internal/fingerprint"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

const subcategoryColumns = `id, category, name, keywords, centroid, centroid_fingerprint,
	member_count, created_at, updated_at, last_accessed_at, access_count`

func scanSubcategory(row rowScanner, extra ...any) (*types.Subcategory, error) {
	var (
		sc           types.Subcategory
		category     string
		keywords     string
		centroid     []byte
		fp           []byte
		createdAt    int64
		updatedAt    int64
		lastAccessed sql.NullInt64
	)

	dest := []any{&sc.ID, &category, &sc.Name, &keywords, &centroid, &fp,
		&sc.MemberCount, &createdAt, &updatedAt, &lastAccessed, &sc.AccessCount}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	sc.Category = types.Category(category)
	sc.CreatedAt = fromNanos(createdAt)
	sc.UpdatedAt = fromNanos(updatedAt)
	sc.LastAccessedAt = timePtr(lastAccessed)

	var err error
	if sc.Keywords, err = storage.DecodeStrings(keywords); err != nil {
		return &sc, fmt.Errorf("subcategory %s keywords: %w", sc.ID, err)
	}
	if sc.Centroid, err = storage.DecodeVector(centroid); err != nil {
		return &sc, fmt.Errorf("subcategory %s centroid: %w", sc.ID, err)
	}
	if sc.CentroidFingerprint, err = fingerprint.Decode(fp, 0); err != nil {
		return &sc, fmt.Errorf("subcategory %s centroid fingerprint: %w", sc.ID, err)
	}
	return &sc, nil
}

// ListSubcategories returns the active subcategories of category, oldest
// first. Corrupt rows come back without centroid material so they can still
// be decayed or replaced.
func (s *Store) ListSubcategories(ctx context.Context, category types.Category) ([]*types.Subcategory, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+subcategoryColumns+` FROM subcategories WHERE category = ? ORDER BY created_at, id`), string(category))
	if err != nil {
		return nil, s.fail("list subcategories", err)
	}
	defer rows.Close()

	var out []*types.Subcategory
	for rows.Next() {
		sc, err := scanSubcategory(rows)
		if errors.Is(err, types.ErrCorruption) {
			logCorrupt(s.d.Name, err)
			sc.Centroid = nil
			sc.CentroidFingerprint = nil
		} else if err != nil {
			return nil, s.fail("scan subcategory", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list subcategories", err)
	}
	return out, nil
}

// ListRetiredSubcategories returns archived subcategories, newest first.
func (s *Store) ListRetiredSubcategories(ctx context.Context, category types.Category) ([]types.RetiredSubcategory, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+subcategoryColumns+`, reason, retired_at
		FROM retired_subcategories WHERE category = ? ORDER BY retired_at DESC, id`), string(category))
	if err != nil {
		return nil, s.fail("list retired subcategories", err)
	}
	defer rows.Close()

	var out []types.RetiredSubcategory
	for rows.Next() {
		var (
			reason    string
			retiredAt int64
		)
		sc, err := scanSubcategory(rows, &reason, &retiredAt)
		if errors.Is(err, types.ErrCorruption) {
			logCorrupt(s.d.Name, err)
		} else if err != nil {
			return nil, s.fail("scan retired subcategory", err)
		}
		out = append(out, types.RetiredSubcategory{
			Subcategory: *sc,
			Reason:      types.RetirementReason(reason),
			RetiredAt:   fromNanos(retiredAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list retired subcategories", err)
	}
	return out, nil
}

// AssignSubcategory points one record at subcategoryID, maintaining member
// counts on both the old and the new subcategory.
func (s *Store) AssignSubcategory(ctx context.Context, recordID, subcategoryID string) error {
	return s.withTx(ctx, "assign subcategory", func(tx *sql.Tx) error {
		var previous sql.NullString
		err := tx.QueryRowContext(ctx, s.q(`SELECT subcategory_id FROM memories WHERE id = ? AND retired_into IS NULL`), recordID).Scan(&previous)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		if previous.String == subcategoryID {
			return nil
		}

		if subcategoryID != "" {
			res, err := tx.ExecContext(ctx, s.q(`UPDATE subcategories SET member_count = member_count + 1 WHERE id = ?`), subcategoryID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: subcategory %s", storage.ErrNotFound, subcategoryID)
			}
		}
		if previous.Valid {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE subcategories SET member_count = member_count - 1 WHERE id = ? AND member_count > 0`), previous.String); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, s.q(`UPDATE memories SET subcategory_id = ? WHERE id = ?`), nullableString(subcategoryID), recordID)
		return err
	})
}

// ApplyEvolution applies an evolution plan in one transaction and then
// recomputes member counts for the category from the assignments.
func (s *Store) ApplyEvolution(ctx context.Context, plan *storage.EvolutionPlan) error {
	if plan == nil || plan.Category == "" {
		return fmt.Errorf("%w: evolution plan needs a category", storage.ErrInvalidInput)
	}
	at := plan.AppliedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	return s.withTx(ctx, "apply evolution", func(tx *sql.Tx) error {
		for _, sc := range plan.Upserts {
			if err := s.upsertSubcategory(ctx, tx, sc, at); err != nil {
				return err
			}
		}

		for recordID, subcategoryID := range plan.Assignments {
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE memories SET subcategory_id = ?
				WHERE id = ? AND category = ? AND retired_into IS NULL`),
				nullableString(subcategoryID), recordID, string(plan.Category)); err != nil {
				return err
			}
		}

		for _, r := range plan.Retire {
			retiredAt := r.RetiredAt
			if retiredAt.IsZero() {
				retiredAt = at
			}
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO retired_subcategories (`+subcategoryColumns+`, reason, retired_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				r.ID, string(r.Category), r.Name, storage.EncodeStrings(r.Keywords),
				nullableBlob(storage.EncodeVector(r.Centroid)), nullableBlob(fingerprint.Encode(r.CentroidFingerprint)),
				r.MemberCount, toNanos(r.CreatedAt), toNanos(r.UpdatedAt), nullableNanos(r.LastAccessedAt),
				r.AccessCount, string(r.Reason), toNanos(retiredAt)); err != nil {
				return err
			}
			if err := s.removeSubcategory(ctx, tx, r.ID); err != nil {
				return err
			}
		}

		for _, id := range plan.Delete {
			if err := s.removeSubcategory(ctx, tx, id); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, s.q(`
			UPDATE subcategories
			SET member_count = (
				SELECT COUNT(*) FROM memories m
				WHERE m.subcategory_id = subcategories.id AND m.retired_into IS NULL
			)
			WHERE category = ?`), string(plan.Category))
		return err
	})
}

func (s *Store) upsertSubcategory(ctx context.Context, tx *sql.Tx, sc *types.Subcategory, at time.Time) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = at
	}
	sc.UpdatedAt = at

	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO subcategories (`+subcategoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			keywords = excluded.keywords,
			centroid = excluded.centroid,
			centroid_fingerprint = excluded.centroid_fingerprint,
			updated_at = excluded.updated_at`),
		sc.ID, string(sc.Category), sc.Name, storage.EncodeStrings(sc.Keywords),
		nullableBlob(storage.EncodeVector(sc.Centroid)), nullableBlob(fingerprint.Encode(sc.CentroidFingerprint)),
		sc.MemberCount, toNanos(sc.CreatedAt), toNanos(sc.UpdatedAt), nullableNanos(sc.LastAccessedAt), sc.AccessCount)
	return err
}

// removeSubcategory deletes the active row and leaves its members unassigned.
func (s *Store) removeSubcategory(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE memories SET subcategory_id = NULL WHERE subcategory_id = ?`), id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, s.q(`DELETE FROM subcategories WHERE id = ?`), id)
	return err
}
