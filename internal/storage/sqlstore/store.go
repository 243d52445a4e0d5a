// Package sqlstore implements storage.Store over database/sql. The SQLite and
// PostgreSQL backends share it and differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/pkg/types"
)

// Dialect carries the backend-specific pieces of the store.
type Dialect struct {
	// Name prefixes error messages ("sqlite", "postgres").
	Name string

	// Rebind converts '?' placeholders for the driver. Nil keeps them.
	Rebind func(string) string

	// Classify maps driver errors onto the error taxonomy, typically by
	// wrapping types.ErrTransientStore or types.ErrStoreUnavailable. Nil
	// leaves errors unchanged.
	Classify func(error) error

	// Migrations holds the NNN_name.up.sql files under MigrationsDir.
	Migrations    fs.FS
	MigrationsDir string

	// OnRecordWrite runs inside the transaction that inserts a record, after
	// the row exists. Backends use it to maintain extra columns.
	OnRecordWrite func(ctx context.Context, tx *sql.Tx, m *types.Memory) error
}

// Store implements storage.Store.
type Store struct {
	db *sql.DB
	d  Dialect
}

var _ storage.Store = (*Store)(nil)

// New runs pending migrations and returns a store over db.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: database connection is required")
	}
	if d.Rebind == nil {
		d.Rebind = func(q string) string { return q }
	}
	if d.Classify == nil {
		d.Classify = func(err error) error { return err }
	}
	if d.Name == "" {
		d.Name = "sql"
	}

	if d.Migrations != nil {
		mgr, err := storage.NewMigrationManager(db, d.Migrations, d.MigrationsDir, d.Rebind)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to create migration manager: %w", d.Name, err)
		}
		if _, err := mgr.Up(ctx); err != nil {
			return nil, fmt.Errorf("%s: failed to run migrations: %w", d.Name, err)
		}
	}

	return &Store{db: db, d: d}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the dialect the store was built with.
func (s *Store) Dialect() Dialect {
	return s.d
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s: ping failed: %w: %v", s.d.Name, types.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) q(query string) string {
	return s.d.Rebind(query)
}

// fail wraps a driver error with the operation and its taxonomy class.
func (s *Store) fail(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidInput) || errors.Is(err, storage.ErrConflict) {
		return err
	}
	return fmt.Errorf("%s: failed to %s: %w", s.d.Name, op, s.d.Classify(err))
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("begin "+op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return s.fail(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail("commit "+op, err)
	}
	return nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Timestamps are stored as Unix nanoseconds so both backends compare them
// as plain integers.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid || n.Int64 == 0 {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// nullableString converts a string to sql.NullString.
// An empty string is treated as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableBlob maps an empty blob to NULL so IS NULL filters work on every
// driver.
func nullableBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// chunk splits ids into batches small enough for one IN clause.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

const inClauseBatch = 500

func logCorrupt(backend string, err error) {
	log.Printf("WARNING: %s: corrupt stored value: %v", backend, err)
}
