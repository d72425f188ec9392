// ABOUTME: Per-user delivery failure statistics with age-based eviction
// ABOUTME: Records error counts and timestamps; prunes records older than a cutoff

package errstats

import (
	"sync"
	"time"

	"github.com/2389/coven-delivery/internal/recovery"
)

// Record is the aggregate failure state for one user.
type Record struct {
	ErrorCount   int
	FirstErrorAt time.Time
	LastErrorAt  time.Time
	ByReason     map[recovery.Reason]int
}

// Tracker keeps one Record per user that has seen a delivery failure.
// Records are created lazily on the first failure.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// RecordError increments the user's error count and updates the timestamp.
func (t *Tracker) RecordError(userID string, reason recovery.Reason) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		rec = &Record{
			FirstErrorAt: now,
			ByReason:     make(map[recovery.Reason]int),
		}
		t.records[userID] = rec
	}
	rec.ErrorCount++
	rec.LastErrorAt = now
	rec.ByReason[reason]++
}

// Get returns a copy of the user's record.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Snapshot returns a copy of every record keyed by user ID.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Record, len(t.records))
	for userID, rec := range t.records {
		out[userID] = copyRecord(rec)
	}
	return out
}

// Users returns the IDs of users that have a record.
func (t *Tracker) Users() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := make([]string, 0, len(t.records))
	for userID := range t.records {
		users = append(users, userID)
	}
	return users
}

// TotalErrors sums error counts across all users.
func (t *Tracker) TotalErrors() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for _, rec := range t.records {
		total += rec.ErrorCount
	}
	return total
}

// PruneBefore deletes the user's record if its last error happened before cutoff.
// Returns true if a record was removed.
func (t *Tracker) PruneBefore(userID string, cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok || !rec.LastErrorAt.Before(cutoff) {
		return false
	}
	delete(t.records, userID)
	return true
}

// Reset drops the user's record regardless of age.
func (t *Tracker) Reset(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, userID)
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.ByReason = make(map[recovery.Reason]int, len(rec.ByReason))
	for k, v := range rec.ByReason {
		out.ByReason[k] = v
	}
	return out
}
