// ABOUTME: TTL window of delivered message ids, keyed per user
// ABOUTME: Lets the delivery manager skip producer retries of an already-delivered event

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// deliveryKey identifies one message delivered to one user.
type deliveryKey struct {
	userID    string
	messageID string
}

type windowEntry struct {
	deliveredAt time.Time
	element     *list.Element
}

// Window remembers which (user, message) pairs were delivered within the last ttl.
// It is bounded to maxSize pairs; when full the oldest pair is forgotten first.
type Window struct {
	mu      sync.Mutex
	seen    map[deliveryKey]*windowEntry
	order   *list.List // deliveryKey values, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Window and starts a background sweep of expired pairs.
// The sweep interval is the smaller of ttl and one minute.
func New(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		seen:    make(map[deliveryKey]*windowEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	interval := time.Minute
	if ttl > 0 && ttl < interval {
		interval = ttl
	}
	go w.sweepLoop(interval)
	return w
}

// Delivered reports whether the message was delivered to the user within the window.
func (w *Window) Delivered(userID, messageID string) bool {
	if messageID == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.seen[deliveryKey{userID, messageID}]
	if !ok {
		return false
	}
	return w.now().Sub(entry.deliveredAt) < w.ttl
}

// MarkDelivered records a delivery. Re-marking refreshes the timestamp.
func (w *Window) MarkDelivered(userID, messageID string) {
	if messageID == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	key := deliveryKey{userID, messageID}
	now := w.now()

	if entry, exists := w.seen[key]; exists {
		entry.deliveredAt = now
		w.order.MoveToBack(entry.element)
		return
	}

	if w.maxSize > 0 && len(w.seen) >= w.maxSize {
		w.evictOldestLocked()
	}

	w.seen[key] = &windowEntry{
		deliveredAt: now,
		element:     w.order.PushBack(key),
	}
}

// Forget drops a recorded delivery, so the message can be delivered again.
func (w *Window) Forget(userID, messageID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := deliveryKey{userID, messageID}
	if entry, ok := w.seen[key]; ok {
		w.order.Remove(entry.element)
		delete(w.seen, key)
	}
}

// Len returns the number of remembered pairs, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(deliveryKey)
	w.order.Remove(front)
	delete(w.seen, key)
}

func (w *Window) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops expired pairs. Pairs are ordered by delivery time, so it stops at
// the first pair still inside the window.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		key, _ := front.Value.(deliveryKey)
		entry, ok := w.seen[key]
		if ok && now.Sub(entry.deliveredAt) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, key)
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
