package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// AppendInteraction appends one interaction. UserKey must already be
// anonymized.
func (s *Store) AppendInteraction(ctx context.Context, in *types.UserInteraction) error {
	if in == nil || in.UserKey == "" || in.ItemID == "" {
		return fmt.Errorf("%w: interaction needs a user key and an item", storage.ErrInvalidInput)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	var rating sql.NullFloat64
	if in.Rating != nil {
		rating = sql.NullFloat64{Float64: *in.Rating, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO user_interactions (user_key, item_id, session_id, success, rating, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		in.UserKey, in.ItemID, in.SessionID, in.Success, rating, toNanos(in.Timestamp))
	if err != nil {
		return s.fail("append interaction", err)
	}
	return nil
}

// CompletedItemSets returns each user's successfully completed items.
func (s *Store) CompletedItemSets(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT DISTINCT user_key, item_id FROM user_interactions
		WHERE success = ? ORDER BY user_key, item_id`), true)
	if err != nil {
		return nil, s.fail("load completed items", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var user, item string
		if err := rows.Scan(&user, &item); err != nil {
			return nil, s.fail("scan completed item", err)
		}
		out[user] = append(out[user], item)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load completed items", err)
	}
	return out, nil
}

// UserItemStats aggregates one user's interactions per item.
func (s *Store) UserItemStats(ctx context.Context, userKey string) ([]types.ItemStat, error) {
	return s.itemStats(ctx, `WHERE user_key = ?`, userKey)
}

// ItemStats aggregates every interaction per item.
func (s *Store) ItemStats(ctx context.Context) ([]types.ItemStat, error) {
	return s.itemStats(ctx, ``)
}

func (s *Store) itemStats(ctx context.Context, where string, args ...any) ([]types.ItemStat, error) {
	args = append([]any{true}, args...)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT item_id, COUNT(*), SUM(CASE WHEN success = ? THEN 1 ELSE 0 END)
		FROM user_interactions `+where+`
		GROUP BY item_id ORDER BY item_id`), args...)
	if err != nil {
		return nil, s.fail("aggregate interactions", err)
	}
	defer rows.Close()

	var out []types.ItemStat
	for rows.Next() {
		var st types.ItemStat
		if err := rows.Scan(&st.ItemID, &st.Invocations, &st.Successes); err != nil {
			return nil, s.fail("scan item stat", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("aggregate interactions", err)
	}
	return out, nil
}
