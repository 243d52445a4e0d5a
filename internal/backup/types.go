// Package backup takes verified point-in-time copies of the recall SQLite
// database and prunes them on a tiered retention schedule.
package backup

import (
	"time"
)

// Config holds backup service configuration.
type Config struct {
	// DBPath is the SQLite database being backed up.
	DBPath string

	// Dir is where backup files are written.
	Dir string

	// Retention bounds how many backups survive in each age tier. Zero
	// fields take the defaults.
	Retention Retention

	// Verify runs an integrity check on every new backup.
	Verify bool
}

// Retention defines how many backups to keep per age tier:
//   - Hourly: younger than one day
//   - Daily: one to seven days
//   - Weekly: seven to thirty days
//   - Monthly: thirty days to one year
//
// Backups older than a year are always removed.
type Retention struct {
	Hourly  int `json:"hourly"`
	Daily   int `json:"daily"`
	Weekly  int `json:"weekly"`
	Monthly int `json:"monthly"`
}

// DefaultRetention returns 24 hourly, 7 daily, 4 weekly and 12 monthly.
func DefaultRetention() Retention {
	return Retention{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

func (r Retention) withDefaults() Retention {
	d := DefaultRetention()
	if r.Hourly <= 0 {
		r.Hourly = d.Hourly
	}
	if r.Daily <= 0 {
		r.Daily = d.Daily
	}
	if r.Weekly <= 0 {
		r.Weekly = d.Weekly
	}
	if r.Monthly <= 0 {
		r.Monthly = d.Monthly
	}
	return r
}

// Info describes one backup file.
type Info struct {
	Path  string    `json:"path"`
	Taken time.Time `json:"taken"`
	Size  int64     `json:"size"`
}

// Result describes a completed backup run.
type Result struct {
	Path     string        `json:"path"`
	Taken    time.Time     `json:"taken"`
	Duration time.Duration `json:"duration"`
	Size     int64         `json:"size"`
	Verified bool          `json:"verified"`
	Pruned   int           `json:"pruned"`
}

// Status summarizes the backup directory.
type Status struct {
	// Status is "healthy", "warning" or "empty".
	Status  string    `json:"status"`
	Message string    `json:"message"`
	Latest  time.Time `json:"latest,omitempty"`
	Count   int       `json:"count"`
	Bytes   int64     `json:"bytes"`
	Dir     string    `json:"dir"`
}
