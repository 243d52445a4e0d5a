package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"

	"github.com/scrypster/recall/pkg/types"
)

func TestCheckAdditive(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		ok   bool
	}{
		{"create table", "CREATE TABLE IF NOT EXISTS t (id TEXT);", true},
		{"add column", "ALTER TABLE memories ADD COLUMN retired_into TEXT;", true},
		{"comment mentioning drop", "-- never DROP anything here\nCREATE INDEX IF NOT EXISTS i ON t(id);", true},
		{"drop table", "DROP TABLE memories;", false},
		{"drop column", "ALTER TABLE memories DROP COLUMN tags;", false},
		{"rename", "ALTER TABLE memories RENAME TO records;", false},
		{"alter column", "ALTER TABLE memories ALTER COLUMN tags TYPE jsonb;", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckAdditive(tc.sql)
			if tc.ok && err != nil {
				t.Errorf("expected accepted, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrDestructiveMigration) {
				t.Errorf("expected ErrDestructiveMigration, got %v", err)
			}
		})
	}
}

func TestRebindDollar(t *testing.T) {
	got := RebindDollar("SELECT * FROM t WHERE a = ? AND b = '?' AND c IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b = '?' AND c IN ($2, $3)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMigrationManagerUp(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	fsys := fstest.MapFS{
		"m/001_base.up.sql":   {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")},
		"m/001_base.down.sql": {Data: []byte("DROP TABLE items;")},
		"m/002_extend.up.sql": {Data: []byte("ALTER TABLE items ADD COLUMN name TEXT;")},
		"m/README.md":         {Data: []byte("ignored")},
	}

	mgr, err := NewMigrationManager(db, fsys, "m", nil)
	if err != nil {
		t.Fatalf("NewMigrationManager: %v", err)
	}

	ctx := context.Background()
	if _, err := mgr.Version(ctx); !errors.Is(err, ErrNoMigration) {
		t.Fatalf("expected ErrNoMigration, got %v", err)
	}

	n, err := mgr.Up(ctx)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 applied, got %d", n)
	}

	v, err := mgr.Version(ctx)
	if err != nil || v != 2 {
		t.Errorf("expected version 2, got %d (%v)", v, err)
	}

	// Idempotent.
	if n, err := mgr.Up(ctx); err != nil || n != 0 {
		t.Errorf("second Up: n=%d err=%v", n, err)
	}

	if _, err := db.Exec("INSERT INTO items (id, name) VALUES ('a', 'b')"); err != nil {
		t.Errorf("extended schema not usable: %v", err)
	}
}

func TestMigrationManagerRefusesDestructive(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	fsys := fstest.MapFS{
		"m/001_base.up.sql": {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")},
		"m/002_bad.up.sql":  {Data: []byte("DROP TABLE items;")},
	}
	mgr, err := NewMigrationManager(db, fsys, "m", nil)
	if err != nil {
		t.Fatalf("NewMigrationManager: %v", err)
	}

	n, err := mgr.Up(context.Background())
	if !errors.Is(err, ErrDestructiveMigration) {
		t.Fatalf("expected ErrDestructiveMigration, got %v", err)
	}
	if n != 1 {
		t.Errorf("base migration should still apply, got %d", n)
	}
}

func TestRetryReadRetriesTransientOnce(t *testing.T) {
	calls := 0
	v, err := RetryRead(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, types.ErrTransientStore
		}
		return 42, nil
	})
	if err != nil || v != 42 || calls != 2 {
		t.Errorf("expected one retry, got v=%d err=%v calls=%d", v, err, calls)
	}

	calls = 0
	_, err = RetryRead(context.Background(), func(ctx context.Context) (int, error) {
		calls++
		return 0, ErrNotFound
	})
	if !errors.Is(err, ErrNotFound) || calls != 1 {
		t.Errorf("non-transient errors must not retry, calls=%d", calls)
	}
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0.5, -1.25, 3}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %f != %f", i, in[i], out[i])
		}
	}

	if _, err := DecodeVector([]byte{1, 2, 3}); !errors.Is(err, types.ErrCorruption) {
		t.Errorf("expected corruption, got %v", err)
	}
}

func TestListOptionsNormalize(t *testing.T) {
	o := ListOptions{}
	o.Normalize()
	if o.Limit != DefaultListLimit {
		t.Errorf("expected default limit, got %d", o.Limit)
	}
	o.Limit = MaxListLimit + 1
	o.Normalize()
	if o.Limit != MaxListLimit {
		t.Errorf("expected capped limit, got %d", o.Limit)
	}
}
