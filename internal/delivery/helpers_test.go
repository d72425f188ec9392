// ABOUTME: Shared test doubles for the delivery package
// ABOUTME: Provides a recording fake transport with injectable failures

package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/coven-delivery/internal/event"
)

// fakeTransport records every event it is sent.
type fakeTransport struct {
	mu       sync.Mutex
	received []*event.Event
	sendErr  error
	panicMsg string
	closed   bool
	block    chan struct{}
}

func (f *fakeTransport) Send(ctx context.Context, ev *event.Event) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.received = append(f.received, ev)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) events() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*event.Event(nil), f.received...)
}

func (f *fakeTransport) messageIDs() []string {
	evs := f.events()
	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.MessageID
	}
	return ids
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newConn(id, userID string) (*Connection, *fakeTransport) {
	ft := &fakeTransport{}
	return NewConnection(id, userID, ft, map[string]string{"transport": "fake"}), ft
}

func testEvent(typ event.Type, messageID string) *event.Event {
	ev := event.New(typ, "", "", nil)
	ev.MessageID = messageID
	return ev
}

// bufferedTransport accepts events into a buffer nobody reads, like a stream whose
// reader has stalled. Unsent hands the buffer back.
type bufferedTransport struct {
	mu      sync.Mutex
	pending []*event.Event
	sendErr error
	closed  bool
}

func (b *bufferedTransport) Send(_ context.Context, ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.pending = append(b.pending, ev)
	return nil
}

func (b *bufferedTransport) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *bufferedTransport) Unsent() []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *bufferedTransport) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

func queuedIDs(m *Manager, userID string) []string {
	var ids []string
	for _, e := range m.Queue().Entries(userID) {
		ids = append(ids, e.Event.MessageID)
	}
	return ids
}

// failAfterTransport buffers the first limit events and fails every send after that.
type failAfterTransport struct {
	*bufferedTransport
	limit int
	sent  int
}

func (f *failAfterTransport) Send(ctx context.Context, ev *event.Event) error {
	f.sent++
	if f.sent > f.limit {
		return errors.New("buffer full")
	}
	return f.bufferedTransport.Send(ctx, ev)
}
