package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when a backup or the database file is missing.
var ErrNotFound = errors.New("backup: not found")

// Service takes, lists and restores backups of one SQLite database.
type Service struct {
	cfg Config
	now func() time.Time

	// mu serializes runs and restores.
	mu sync.Mutex
}

// New validates cfg and creates the backup directory.
func New(cfg Config) (*Service, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("backup: database path is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("backup: backup directory is required")
	}
	cfg.Retention = cfg.Retention.withDefaults()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create directory: %w", err)
	}
	return &Service{cfg: cfg, now: time.Now}, nil
}

// Dir returns the backup directory.
func (s *Service) Dir() string { return s.cfg.Dir }

// Run takes a backup now, verifies it when configured, and applies the
// retention policy. A failed verification removes the new file.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.cfg.DBPath); err != nil {
		return nil, fmt.Errorf("%w: database %s", ErrNotFound, s.cfg.DBPath)
	}

	start := s.now()
	path := filepath.Join(s.cfg.Dir, fileName(start))
	if err := snapshot(ctx, s.cfg.DBPath, path); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("backup: %w", err)
	}

	result := &Result{Path: path, Taken: start.UTC()}
	if s.cfg.Verify {
		if err := verify(ctx, path); err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("backup: %w", err)
		}
		result.Verified = true
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: stat %s: %w", filepath.Base(path), err)
	}
	result.Size = info.Size()
	result.Duration = s.now().Sub(start)

	pruned, err := prune(s.cfg.Dir, s.cfg.Retention, s.now())
	if err != nil {
		// The new backup is good; a failed prune is retried next run.
		log.Printf("WARNING: backup retention: %v", err)
	}
	result.Pruned = pruned
	return result, nil
}

// List returns the backups on disk, newest first.
func (s *Service) List() ([]Info, error) {
	return list(s.cfg.Dir)
}

// Resolve maps a backup name or path to a backup file. "latest" picks the
// newest backup.
func (s *Service) Resolve(name string) (string, error) {
	if name == "latest" {
		backups, err := s.List()
		if err != nil {
			return "", err
		}
		if len(backups) == 0 {
			return "", fmt.Errorf("%w: no backups in %s", ErrNotFound, s.cfg.Dir)
		}
		return backups[0].Path, nil
	}

	path := name
	if filepath.Base(name) == name {
		path = filepath.Join(s.cfg.Dir, name)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

// Restore replaces the database with the backup at path. Nothing may have
// the database open. The current database is kept as a pre-restore copy
// and put back if the restore fails.
func (s *Service) Restore(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	rollback := s.cfg.DBPath + ".pre-restore"
	_, statErr := os.Stat(s.cfg.DBPath)
	haveCurrent := statErr == nil
	if haveCurrent {
		if err := snapshot(ctx, s.cfg.DBPath, rollback); err != nil {
			return fmt.Errorf("backup: pre-restore copy: %w", err)
		}
		defer func() { _ = os.Remove(rollback) }()
	} else if err := os.MkdirAll(filepath.Dir(s.cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("backup: create database directory: %w", err)
	}

	if err := install(ctx, path, s.cfg.DBPath); err != nil {
		if !haveCurrent {
			return fmt.Errorf("backup: restore: %w", err)
		}
		if rbErr := install(ctx, rollback, s.cfg.DBPath); rbErr != nil {
			return fmt.Errorf("backup: restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
		}
		return fmt.Errorf("backup: restore failed, rolled back: %w", err)
	}

	log.Printf("Database restored from backup: %s", filepath.Base(path))
	return nil
}

// Status summarizes the backups on disk. A latest backup older than twice
// interval is reported as a warning; interval <= 0 skips that check.
func (s *Service) Status(interval time.Duration) (*Status, error) {
	backups, err := s.List()
	if err != nil {
		return nil, err
	}

	st := &Status{Dir: s.cfg.Dir, Count: len(backups)}
	for _, b := range backups {
		st.Bytes += b.Size
	}
	if len(backups) == 0 {
		st.Status = "empty"
		st.Message = "no backups yet"
		return st, nil
	}

	st.Latest = backups[0].Taken
	age := s.now().Sub(st.Latest)
	st.Status = "healthy"
	st.Message = fmt.Sprintf("last backup %v ago", age.Round(time.Minute))
	if interval > 0 && age > 2*interval {
		st.Status = "warning"
		st.Message = fmt.Sprintf("backup overdue by %v", (age - interval).Round(time.Minute))
	}
	return st, nil
}
