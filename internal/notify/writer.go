// Package notify passes requests and engine events between processes through
// a shared directory. The CLI drops request files that a running server
// picks up; the server can mirror its engine events into an outbox.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/scrypster/recall/internal/engine"
)

// Request types understood by the server.
const (
	RequestInvalidateCache = "invalidate_cache"
	RequestEvolve          = "evolve"
)

// OutboxDir is the subdirectory engine events are mirrored into.
const OutboxDir = "outbox"

// Event is the payload written to an event file. Target is the cache scope
// for invalidation requests, the category for evolve requests, and the
// record ID for mirrored engine events when one applies.
type Event struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Time   int64  `json:"time"`
}

// EventWriter writes event files to a shared directory.
type EventWriter struct {
	dir string
	now func() time.Time
	seq atomic.Uint64
}

// NewEventWriter creates a writer that emits events into dir.
func NewEventWriter(dir string) *EventWriter {
	return &EventWriter{dir: dir, now: time.Now}
}

// Notify writes an event file with the given type and target.
// Safe to call concurrently. Errors are returned but not fatal.
func (w *EventWriter) Notify(eventType, target string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt := Event{
		Type:   eventType,
		Target: target,
		Time:   w.now().UnixNano(),
	}
	data, _ := json.Marshal(evt)
	filename := fmt.Sprintf("%d-%d-%s.event", evt.Time, w.seq.Add(1), sanitizeID(eventType))
	tmp := filepath.Join(w.dir, "."+filename+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", filename, err)
	}
	// The rename makes the file appear complete to the watcher.
	return os.Rename(tmp, filepath.Join(w.dir, filename))
}

// Publisher mirrors engine events into dir/outbox.
type Publisher struct {
	w *EventWriter
}

var _ engine.Publisher = (*Publisher)(nil)

// NewPublisher creates an outbox publisher under dir.
func NewPublisher(dir string) *Publisher {
	return &Publisher{w: NewEventWriter(filepath.Join(dir, OutboxDir))}
}

// Publish implements engine.Publisher. Write failures are dropped.
func (p *Publisher) Publish(ev engine.Event) {
	target := ev.RecordID
	switch {
	case target != "":
	case ev.Category != "":
		target = string(ev.Category)
	default:
		target = ev.Scope
	}
	_ = p.w.Notify(string(ev.Type), target)
}

// Forwarder turns this process's engine writes into invalidate_cache
// requests for a server sharing the store. The server's in-process cache
// tier would otherwise keep serving result sets computed before them.
// The server itself must not install one.
type Forwarder struct {
	w *EventWriter
}

var _ engine.Publisher = (*Forwarder)(nil)

// NewForwarder creates a forwarder writing requests into dir.
func NewForwarder(dir string) *Forwarder {
	return &Forwarder{w: NewEventWriter(dir)}
}

// Publish implements engine.Publisher.
func (f *Forwarder) Publish(ev engine.Event) {
	for _, scope := range invalidationScopes(ev) {
		if err := f.w.Notify(RequestInvalidateCache, scope); err != nil {
			log.Printf("WARNING: notify: failed to forward %s invalidation: %v", scope, err)
		}
	}
}

// invalidationScopes lists the cache scopes a remote cache must drop after
// ev: the written record's tier, plus every record a merge retired.
func invalidationScopes(ev engine.Event) []string {
	switch ev.Type {
	case engine.EventMemoryStored:
		if ev.Scope != "" {
			return []string{ev.Scope}
		}
	case engine.EventMemoryMerged:
		var scopes []string
		if ev.Scope != "" {
			scopes = append(scopes, ev.Scope)
		}
		for _, id := range ev.MergedWith {
			if id != ev.RecordID {
				scopes = append(scopes, "id:"+id)
			}
		}
		return scopes
	case engine.EventCacheInvalidated:
		if ev.Scope == "" {
			return []string{"all"}
		}
		return []string{ev.Scope}
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == '/' || id[i] == ':' || id[i] == '.' {
			out[i] = '_'
		} else {
			out[i] = id[i]
		}
	}
	return string(out)
}
