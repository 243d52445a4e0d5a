package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scrypster/recall/internal/backup"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/notify"
	"github.com/scrypster/recall/pkg/types"
)

// setupCLI points the CLI at a fresh data directory with the hash embedder.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RECALL_CONFIG", "")
	t.Setenv("RECALL_DATA_PATH", dir)
	t.Setenv("RECALL_EMBEDDING_PROVIDER", "hash")
	t.Setenv("RECALL_COLLAB_SALT", "cli-test-salt")
	return dir
}

// run executes one CLI invocation in its own session, like a fresh process.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	sess := newSession()
	defer sess.close()

	cmd := NewRootCmd("test", sess)
	cmd.SetArgs(args)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestStoreThenDuplicate(t *testing.T) {
	setupCLI(t)

	out, err := run(t, "store", "--json", "-c", "debugging", "Fix the auth bug")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	var first engine.StoreResult
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if first.ID == "" || first.Deduplicated {
		t.Fatalf("unexpected first result %+v", first)
	}

	out, err = run(t, "store", "-c", "debugging", "Fix the auth bug")
	if err != nil {
		t.Fatalf("store duplicate: %v", err)
	}
	if !strings.Contains(out, "duplicate of "+first.ID) {
		t.Errorf("expected duplicate notice, got %q", out)
	}

	out, err = run(t, "get", first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, "Fix the auth bug") {
		t.Errorf("expected content in output, got %q", out)
	}
}

func TestStoreRejectsUnknownCategory(t *testing.T) {
	setupCLI(t)
	if _, err := run(t, "store", "-c", "gardening", "tomatoes"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestSearchFindsStoredContent(t *testing.T) {
	setupCLI(t)
	content := "pin the linter version in the tooling image"

	if _, err := run(t, "store", "-c", "tooling", "-k", "insight", content); err != nil {
		t.Fatalf("store: %v", err)
	}

	out, err := run(t, "search", "--json", "--tier", "insights", content)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var resp engine.SearchResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(resp.Results) == 0 || resp.Results[0].Memory.Content != content {
		t.Fatalf("expected the stored insight first, got %+v", resp.Results)
	}
	if resp.Results[0].Tier != "insights" {
		t.Errorf("expected insights tier, got %s", resp.Results[0].Tier)
	}

	out, err = run(t, "search", content)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !strings.Contains(out, "-- ") {
		t.Errorf("expected summary line, got %q", out)
	}
}

func TestEvolveAndSnapshots(t *testing.T) {
	setupCLI(t)

	if _, err := run(t, "evolve", "security"); err != nil {
		t.Fatalf("evolve with no data must not fail: %v", err)
	}

	out, err := run(t, "snapshots", "--json", "security")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	var snaps []types.EvolutionSnapshot
	if err := json.Unmarshal([]byte(out), &snaps); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(snaps) != 1 || snaps[0].Outcome != types.OutcomeInsufficientData {
		t.Fatalf("expected one insufficient_data snapshot, got %+v", snaps)
	}
}

func TestInteractAndRecommend(t *testing.T) {
	setupCLI(t)

	if _, err := run(t, "interact", "--success", "alice", "lint-fix"); err != nil {
		t.Fatalf("interact: %v", err)
	}
	if _, err := run(t, "interact", "--rating", "9", "alice", "lint-fix"); err == nil {
		t.Error("expected out-of-range rating to fail")
	}

	out, err := run(t, "recommend", "--json", "bob")
	if err != nil {
		t.Fatalf("recommend: %v", err)
	}
	var recs []types.Recommendation
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
}

func TestInvalidate(t *testing.T) {
	setupCLI(t)

	out, err := run(t, "invalidate")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if !strings.Contains(out, "removed") {
		t.Errorf("unexpected output %q", out)
	}

	if _, err := run(t, "invalidate", "nonsense"); err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestInvalidateNotifyWritesRequest(t *testing.T) {
	dir := setupCLI(t)

	if _, err := run(t, "invalidate", "--notify", "insights"); err != nil {
		t.Fatalf("invalidate --notify: %v", err)
	}

	eventsDir := filepath.Join(dir, "events")
	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 request file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(eventsDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var ev notify.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != notify.RequestInvalidateCache || ev.Target != "insights" {
		t.Errorf("unexpected request %+v", ev)
	}

	if _, err := os.Stat(filepath.Join(dir, "recall.db")); !os.IsNotExist(err) {
		t.Error("--notify must not open the store")
	}
}

func TestBackupCreateListRestore(t *testing.T) {
	dir := setupCLI(t)

	out, err := run(t, "store", "--json", "-c", "deployment", "roll back the canary before scaling")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	var kept engine.StoreResult
	if err := json.Unmarshal([]byte(out), &kept); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}

	out, err = run(t, "backup", "create", "--json")
	if err != nil {
		t.Fatalf("backup create: %v", err)
	}
	var result backup.Result
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if !result.Verified || filepath.Dir(result.Path) != filepath.Join(dir, "backups") {
		t.Fatalf("unexpected backup result %+v", result)
	}

	out, err = run(t, "backup", "list", "--json")
	if err != nil {
		t.Fatalf("backup list: %v", err)
	}
	var backups []backup.Info
	if err := json.Unmarshal([]byte(out), &backups); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %d", len(backups))
	}

	out, err = run(t, "store", "--json", "-c", "deployment", "written after the backup was taken")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	var lost engine.StoreResult
	if err := json.Unmarshal([]byte(out), &lost); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}

	if _, err := run(t, "backup", "restore", "latest"); err != nil {
		t.Fatalf("backup restore: %v", err)
	}
	if _, err := run(t, "get", kept.ID); err != nil {
		t.Errorf("record from before the backup should survive: %v", err)
	}
	if _, err := run(t, "get", lost.ID); err == nil {
		t.Error("record written after the backup should be gone")
	}
}

func TestBackupRejectsPostgres(t *testing.T) {
	setupCLI(t)
	t.Setenv("RECALL_STORAGE_ENGINE", "postgres")
	t.Setenv("RECALL_POSTGRES_DSN", "postgres://localhost/recall")
	t.Setenv("RECALL_CACHE_BACKEND", "none")

	if _, err := run(t, "backup", "list"); err == nil {
		t.Error("expected backups to refuse the postgres engine")
	}
}
