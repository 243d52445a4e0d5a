package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// ErrDestructiveMigration is returned for a migration that would drop or
// rename schema objects. Schema changes are expand-only.
var ErrDestructiveMigration = errors.New("destructive migration refused")

var destructiveSQL = regexp.MustCompile(`(?i)\b(DROP|RENAME|ALTER\s+COLUMN)\b`)

// MigrationManager applies numbered NNN_name.up.sql files from an fs.FS in
// order, tracking the applied version in a schema_migrations table. Only
// additive statements are accepted and there is no down path.
type MigrationManager struct {
	db     *sql.DB
	fsys   fs.FS
	dir    string
	rebind func(string) string
}

// migration represents a single up migration.
type migration struct {
	version uint
	name    string
	file    string
}

// NewMigrationManager creates a manager reading migrations from dir inside
// fsys. rebind converts '?' placeholders for the target driver; nil keeps
// them as-is.
func NewMigrationManager(db *sql.DB, fsys fs.FS, dir string, rebind func(string) string) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if fsys == nil {
		return nil, fmt.Errorf("migrations: migration filesystem is required")
	}
	if rebind == nil {
		rebind = func(q string) string { return q }
	}

	mgr := &MigrationManager{
		db:     db,
		fsys:   fsys,
		dir:    dir,
		rebind: rebind,
	}

	if err := mgr.ensureSchemaTable(); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return mgr, nil
}

// ensureSchemaTable creates the schema_migrations table if it doesn't exist.
func (mgr *MigrationManager) ensureSchemaTable() error {
	_, err := mgr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order, each in its
// own transaction. Returns the number applied.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return 0, fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		body, err := fs.ReadFile(mgr.fsys, m.file)
		if err != nil {
			return applied, fmt.Errorf("migrations: failed to read %s: %w", m.file, err)
		}
		if err := CheckAdditive(string(body)); err != nil {
			return applied, fmt.Errorf("migrations: version %d (%s): %w", m.version, m.name, err)
		}

		if err := mgr.apply(ctx, m, string(body)); err != nil {
			return applied, err
		}
		applied++
	}

	return applied, nil
}

func (mgr *MigrationManager) apply(ctx context.Context, m migration, body string) error {
	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrations: failed to begin version %d: %w", m.version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.version, m.name, err)
	}
	if _, err := tx.ExecContext(ctx, mgr.rebind("INSERT INTO schema_migrations (version) VALUES (?)"), m.version); err != nil {
		return fmt.Errorf("migrations: failed to record version %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrations: failed to commit version %d: %w", m.version, err)
	}
	return nil
}

// Version returns the highest applied migration version.
// Returns (0, ErrNoMigration) when no migration has been applied.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version uint
	err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}

	if version == 0 {
		return 0, ErrNoMigration
	}

	return version, nil
}

// CheckAdditive rejects SQL that drops or renames schema objects. Comment
// lines are ignored.
func CheckAdditive(body string) error {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		if loc := destructiveSQL.FindString(trimmed); loc != "" {
			return fmt.Errorf("%w: contains %s", ErrDestructiveMigration, strings.ToUpper(loc))
		}
	}
	return nil
}

// loadMigrations reads and parses migration files from the directory.
// Files must be named NNN_name.up.sql (where NNN is a zero-padded integer).
// Down files are ignored. Returns migrations sorted by version ascending.
func (mgr *MigrationManager) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.fsys, mgr.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	seen := make(map[uint]string)
	var migrations []migration

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}

		underscoreIdx := strings.Index(name, "_")
		if underscoreIdx < 0 {
			continue
		}

		versionInt, err := strconv.ParseUint(name[:underscoreIdx], 10, 64)
		if err != nil {
			continue // Skip non-numeric prefix files
		}
		version := uint(versionInt)

		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations: duplicate version %d (%s, %s)", version, prev, name)
		}
		seen[version] = name

		migrations = append(migrations, migration{
			version: version,
			name:    strings.TrimSuffix(name[underscoreIdx+1:], ".up.sql"),
			file:    path.Join(mgr.dir, name),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}

// RebindDollar rewrites '?' placeholders into PostgreSQL's $1, $2, ... form.
// Question marks inside single-quoted literals are left alone.
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
