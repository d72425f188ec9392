// ABOUTME: Server-Sent Events transport backed by a buffered channel
// ABOUTME: Send waits for buffer space until its deadline; the HTTP handler writes SSE frames

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-delivery/internal/delivery"
	"github.com/2389/coven-delivery/internal/event"
)

// DefaultStreamBuffer is the channel capacity used when NewStream gets a non-positive size.
const DefaultStreamBuffer = 128

// ErrStreamFull indicates the buffer stayed full until the send deadline.
var ErrStreamFull = errors.New("stream buffer full")

// Stream is a delivery.Transport whose events are read by an SSE handler.
type Stream struct {
	events    chan *event.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream creates a Stream with the given buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream{
		events: make(chan *event.Event, buffer),
		done:   make(chan struct{}),
	}
}

// Send queues ev for the reader, waiting for buffer space until ctx is done. A reader
// that stays behind past the deadline fails the send and gets evicted.
func (s *Stream) Send(ctx context.Context, ev *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return fmt.Errorf("stream send: %w", delivery.ErrConnectionClosed)
	default:
	}

	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return fmt.Errorf("stream send: %w", delivery.ErrConnectionClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStreamFull, ctx.Err())
	}
}

// Close stops the stream. Buffered events stay readable through Unsent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Unsent removes and returns buffered events that were never written, oldest first.
// Meant for after Close, so they can be queued for replay.
func (s *Stream) Unsent() []*event.Event {
	var out []*event.Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Done is closed once Close has been called.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Serve writes events to w as SSE until ctx is done or the stream is closed.
// A comment line is written every keepAlive to hold intermediaries open; zero disables it.
// onActivity runs after each successful flush.
func (s *Stream) Serve(ctx context.Context, w io.Writer, flusher http.Flusher, keepAlive time.Duration, onActivity func()) error {
	if onActivity == nil {
		onActivity = func() {}
	}

	var tick <-chan time.Time
	if keepAlive > 0 {
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-tick:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			onActivity()
		case ev := <-s.events:
			if err := WriteSSE(w, string(ev.Type), ev); err != nil {
				return err
			}
			flusher.Flush()
			onActivity()
		}
	}
}

// WriteSSE writes one SSE frame with data JSON-encoded.
func WriteSSE(w io.Writer, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	return nil
}
