package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "recall-backup-"
	fileSuffix = ".db"
	timeLayout = "20060102-150405.000000"
)

// fileName returns the backup file name for a snapshot taken at t.
func fileName(t time.Time) string {
	return filePrefix + t.UTC().Format(timeLayout) + fileSuffix
}

// takenAt recovers the snapshot time from a backup file name.
func takenAt(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	t, err := time.ParseInLocation(timeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// list returns the backups in dir, newest first. Files not named by this
// package are ignored. A missing directory has no backups.
func list(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		taken, ok := takenAt(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:  filepath.Join(dir, entry.Name()),
			Taken: taken,
			Size:  info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Taken.After(backups[j].Taken)
	})
	return backups, nil
}

// expired picks the backups the policy drops. backups must be newest first.
func expired(backups []Info, policy Retention, now time.Time) []Info {
	var drop []Info
	var hourly, daily, weekly, monthly []Info

	for _, b := range backups {
		age := now.Sub(b.Taken)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, b)
		case age < 7*24*time.Hour:
			daily = append(daily, b)
		case age < 30*24*time.Hour:
			weekly = append(weekly, b)
		case age < 365*24*time.Hour:
			monthly = append(monthly, b)
		default:
			drop = append(drop, b)
		}
	}

	for _, tier := range []struct {
		backups []Info
		keep    int
	}{
		{hourly, policy.Hourly},
		{daily, policy.Daily},
		{weekly, policy.Weekly},
		{monthly, policy.Monthly},
	} {
		if len(tier.backups) > tier.keep {
			drop = append(drop, tier.backups[tier.keep:]...)
		}
	}
	return drop
}

// prune deletes expired backups from dir and reports how many went.
// Deletion continues past individual failures.
func prune(dir string, policy Retention, now time.Time) (int, error) {
	backups, err := list(dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, b := range expired(backups, policy, now) {
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("delete expired backups: %w", errors.Join(errs...))
	}
	return removed, nil
}
