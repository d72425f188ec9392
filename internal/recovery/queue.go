// ABOUTME: Bounded per-user FIFO of events that could not be delivered
// ABOUTME: Drop-oldest on overflow; drained in order when the user becomes reachable again

package recovery

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-delivery/internal/event"
)

// DefaultMaxPerUser bounds each user's queue when no explicit size is configured.
const DefaultMaxPerUser = 100

// Reason records why an event ended up in the recovery queue.
type Reason string

const (
	ReasonNoConnection     Reason = "no_connection"
	ReasonSendError        Reason = "send_error"
	ReasonConnectionClosed Reason = "connection_closed"
)

// Entry is one undelivered event awaiting replay.
type Entry struct {
	UserID     string
	Event      *event.Event
	Reason     Reason
	EnqueuedAt time.Time
}

// Queue holds undelivered events per user.
//
// The queue's mutex only protects its own maps. Callers that need a drain to be
// atomic with respect to other operations on the same user (registry changes,
// enqueues from concurrent sends) must serialize those operations themselves;
// the delivery manager does this with its per-user lock.
type Queue struct {
	mu         sync.Mutex
	entries    map[string]*list.List // userID -> *Entry, oldest at front
	maxPerUser int
	overflows  atomic.Uint64
	onOverflow func(userID string)
	now        func() time.Time
	logger     *slog.Logger
}

// NewQueue creates a queue bounded to maxPerUser entries per user.
// Pass nil logger for default.
func NewQueue(maxPerUser int, logger *slog.Logger) *Queue {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		entries:    make(map[string]*list.List),
		maxPerUser: maxPerUser,
		now:        time.Now,
		logger:     logger.With("component", "recovery"),
	}
}

// OnOverflow registers a callback invoked each time an entry is evicted to make room.
// Must be set before the queue is shared between goroutines.
func (q *Queue) OnOverflow(fn func(userID string)) {
	q.onOverflow = fn
}

// MaxPerUser returns the per-user bound.
func (q *Queue) MaxPerUser() int {
	return q.maxPerUser
}

// Enqueue appends ev to the user's queue. If the queue is full the oldest entry is
// dropped first. Returns true when an eviction happened.
func (q *Queue) Enqueue(userID string, ev *event.Event, reason Reason) bool {
	q.mu.Lock()
	l, ok := q.entries[userID]
	if !ok {
		l = list.New()
		q.entries[userID] = l
	}

	evicted := false
	for l.Len() >= q.maxPerUser {
		l.Remove(l.Front())
		evicted = true
	}

	l.PushBack(&Entry{
		UserID:     userID,
		Event:      ev,
		Reason:     reason,
		EnqueuedAt: q.now(),
	})
	depth := l.Len()
	q.mu.Unlock()

	if evicted {
		q.overflows.Add(1)
		q.logger.Warn("recovery queue full, dropped oldest event",
			"user_id", userID,
			"max_per_user", q.maxPerUser)
		if q.onOverflow != nil {
			q.onOverflow(userID)
		}
	}

	q.logger.Debug("event queued for recovery",
		"user_id", userID,
		"message_id", ev.MessageID,
		"reason", reason,
		"depth", depth)
	return evicted
}

// Requeue puts events that were handed to a transport but never written back at the
// front of the user's queue, keeping their order. They predate everything already
// queued, so on overflow they are the first to go. Returns how many were dropped.
func (q *Queue) Requeue(userID string, evs []*event.Event, reason Reason) int {
	if len(evs) == 0 {
		return 0
	}

	q.mu.Lock()
	l, ok := q.entries[userID]
	if !ok {
		l = list.New()
		q.entries[userID] = l
	}

	now := q.now()
	for i := len(evs) - 1; i >= 0; i-- {
		l.PushFront(&Entry{
			UserID:     userID,
			Event:      evs[i],
			Reason:     reason,
			EnqueuedAt: now,
		})
	}

	dropped := 0
	for l.Len() > q.maxPerUser {
		l.Remove(l.Front())
		dropped++
	}
	depth := l.Len()
	q.mu.Unlock()

	if dropped > 0 {
		q.overflows.Add(uint64(dropped))
		q.logger.Warn("recovery queue full, dropped requeued events",
			"user_id", userID,
			"dropped", dropped,
			"max_per_user", q.maxPerUser)
		if q.onOverflow != nil {
			for range dropped {
				q.onOverflow(userID)
			}
		}
	}

	q.logger.Debug("unsent events requeued",
		"user_id", userID,
		"requeued", len(evs)-dropped,
		"depth", depth)
	return dropped
}

// Drain replays the user's queue in FIFO order. Each entry is removed before deliver
// is called; if deliver reports failure the entry goes back to the front and
// draining stops, so a broken connection is not hammered in a loop.
// Returns the number of entries delivered.
func (q *Queue) Drain(userID string, deliver func(*event.Event) bool) int {
	delivered := 0
	for {
		entry := q.popFront(userID)
		if entry == nil {
			return delivered
		}

		if !deliver(entry.Event) {
			q.pushFront(entry)
			return delivered
		}
		delivered++
	}
}

func (q *Queue) popFront(userID string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.entries[userID]
	if !ok {
		return nil
	}
	front := l.Front()
	if front == nil {
		delete(q.entries, userID)
		return nil
	}
	l.Remove(front)
	if l.Len() == 0 {
		delete(q.entries, userID)
	}

	entry, _ := front.Value.(*Entry)
	return entry
}

func (q *Queue) pushFront(entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.entries[entry.UserID]
	if !ok {
		l = list.New()
		q.entries[entry.UserID] = l
	}
	l.PushFront(entry)
}

// Len returns the number of queued entries for userID.
func (q *Queue) Len(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.entries[userID]; ok {
		return l.Len()
	}
	return 0
}

// Total returns the number of queued entries across all users.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, l := range q.entries {
		total += l.Len()
	}
	return total
}

// Users returns the IDs of users with at least one queued entry.
func (q *Queue) Users() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	users := make([]string, 0, len(q.entries))
	for userID := range q.entries {
		users = append(users, userID)
	}
	return users
}

// Entries returns a copy of the user's queue, oldest first.
func (q *Queue) Entries(userID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.entries[userID]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		if entry, ok := e.Value.(*Entry); ok {
			out = append(out, *entry)
		}
	}
	return out
}

// Prune removes the user's entries enqueued before cutoff and returns how many
// were removed.
func (q *Queue) Prune(userID string, cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.entries[userID]
	if !ok {
		return 0
	}

	removed := 0
	for e := l.Front(); e != nil; {
		next := e.Next()
		if entry, ok := e.Value.(*Entry); ok && entry.EnqueuedAt.Before(cutoff) {
			l.Remove(e)
			removed++
		}
		e = next
	}
	if l.Len() == 0 {
		delete(q.entries, userID)
	}
	return removed
}

// Overflows returns how many entries have been evicted since the queue was created.
func (q *Queue) Overflows() uint64 {
	return q.overflows.Load()
}
