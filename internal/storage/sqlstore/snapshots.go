package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

const snapshotColumns = `id, category, outcome, subcategories_before, subcategories_after,
	quality_before, quality_after, records_considered, records_assigned,
	subcategories_decayed, regressed, duration_ms, message, created_at`

// AppendSnapshot appends one audit row. Snapshots are never updated.
func (s *Store) AppendSnapshot(ctx context.Context, snap *types.EvolutionSnapshot) error {
	if snap == nil || snap.ID == "" || snap.Category == "" {
		return fmt.Errorf("%w: snapshot needs an ID and a category", storage.ErrInvalidInput)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO evolution_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		snap.ID, string(snap.Category), string(snap.Outcome), snap.SubcategoriesBefore, snap.SubcategoriesAfter,
		snap.QualityBefore, snap.QualityAfter, snap.RecordsConsidered, snap.RecordsAssigned,
		snap.SubcategoriesDecayed, snap.Regressed, snap.Duration.Milliseconds(), snap.Message, toNanos(snap.CreatedAt))
	if err != nil {
		return s.fail("append snapshot", err)
	}
	return nil
}

func scanSnapshot(row rowScanner) (*types.EvolutionSnapshot, error) {
	var (
		snap       types.EvolutionSnapshot
		category   string
		outcome    string
		durationMs int64
		createdAt  int64
	)
	err := row.Scan(&snap.ID, &category, &outcome, &snap.SubcategoriesBefore, &snap.SubcategoriesAfter,
		&snap.QualityBefore, &snap.QualityAfter, &snap.RecordsConsidered, &snap.RecordsAssigned,
		&snap.SubcategoriesDecayed, &snap.Regressed, &durationMs, &snap.Message, &createdAt)
	if err != nil {
		return nil, err
	}
	snap.Category = types.Category(category)
	snap.Outcome = types.EvolutionOutcome(outcome)
	snap.Duration = time.Duration(durationMs) * time.Millisecond
	snap.CreatedAt = fromNanos(createdAt)
	return &snap, nil
}

// ListSnapshots returns snapshots newest first.
func (s *Store) ListSnapshots(ctx context.Context, category types.Category, limit int) ([]*types.EvolutionSnapshot, error) {
	if limit < 1 {
		limit = 20
	}
	query := `SELECT ` + snapshotColumns + ` FROM evolution_snapshots`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.fail("list snapshots", err)
	}
	defer rows.Close()

	var out []*types.EvolutionSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, s.fail("scan snapshot", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list snapshots", err)
	}
	return out, nil
}

// LatestSnapshot returns the newest snapshot of category with outcome.
func (s *Store) LatestSnapshot(ctx context.Context, category types.Category, outcome types.EvolutionOutcome) (*types.EvolutionSnapshot, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+snapshotColumns+` FROM evolution_snapshots
		WHERE category = ? AND outcome = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), string(category), string(outcome))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, s.fail("latest snapshot", err)
	}
	return snap, nil
}
