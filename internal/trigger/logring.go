package trigger

import (
	"sync"
	"time"
)

const defaultLogCap = 100

// LogEntry is one append-only trigger/job event record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"` // info | success | warning | error
	Message string    `json:"message"`
}

// logRing is a bounded append-only ring; the oldest entries are dropped past
// the cap. Write-only from the trigger's perspective except for Clear.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	cap     int
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = defaultLogCap
	}
	return &logRing{cap: capacity}
}

func (r *logRing) Append(e LogEntry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	r.mu.Unlock()
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (r *logRing) List(limit int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]LogEntry, 0, n)
	for i := len(r.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.entries[i])
	}
	return out
}

func (r *logRing) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Snapshot returns all entries oldest-first, for persistence.
func (r *logRing) Snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *logRing) Replace(entries []LogEntry) {
	r.mu.Lock()
	if len(entries) > r.cap {
		entries = entries[len(entries)-r.cap:]
	}
	r.entries = append([]LogEntry(nil), entries...)
	r.mu.Unlock()
}
