// ABOUTME: A single live client connection owned by exactly one user
// ABOUTME: Wraps the transport capability with identity, metadata and activity tracking

package delivery

import (
	"context"
	"errors"
	"maps"
	"sync/atomic"
	"time"

	"github.com/2389/coven-delivery/internal/event"
)

// ErrConnectionClosed is returned (possibly wrapped) by transports whose peer has gone away.
// Failures matching it are recorded as connection_closed rather than send_error.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the capability a transport layer hands to the registry.
//
// Send must honor ctx cancellation and deadlines: the manager waits for every send of a
// fan-out to return while holding the owning user's lock. Close must not block.
type Transport interface {
	Send(ctx context.Context, ev *event.Event) error
	Close() error
}

// UnsentReporter is implemented by buffering transports. Unsent hands back events the
// transport accepted but never wrote to its peer.
type UnsentReporter interface {
	Unsent() []*event.Event
}

// Connection is one live channel to one client instance.
type Connection struct {
	ID            string
	UserID        string
	EstablishedAt time.Time
	Metadata      map[string]string

	transport    Transport
	lastActivity atomic.Int64 // unix nanoseconds
}

// NewConnection creates a Connection for an established transport.
func NewConnection(id, userID string, transport Transport, metadata map[string]string) *Connection {
	now := time.Now()
	c := &Connection{
		ID:            id,
		UserID:        userID,
		EstablishedAt: now,
		Metadata:      maps.Clone(metadata),
		transport:     transport,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Send delivers ev over the transport. A successful send counts as activity.
func (c *Connection) Send(ctx context.Context, ev *event.Event) error {
	if err := c.transport.Send(ctx, ev); err != nil {
		return err
	}
	c.Touch()
	return nil
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.transport.Close()
}

func (c *Connection) unsent() []*event.Event {
	if r, ok := c.transport.(UnsentReporter); ok {
		return r.Unsent()
	}
	return nil
}

// Touch records activity on the connection, typically a heartbeat.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last heartbeat or successful send.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Info is a read-only view of a connection for listings.
type Info struct {
	ID            string            `json:"connection_id"`
	UserID        string            `json:"user_id"`
	EstablishedAt time.Time         `json:"established_at"`
	LastActivity  time.Time         `json:"last_activity"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Info returns a snapshot of the connection's public fields.
func (c *Connection) Info() Info {
	return Info{
		ID:            c.ID,
		UserID:        c.UserID,
		EstablishedAt: c.EstablishedAt,
		LastActivity:  c.LastActivity(),
		Metadata:      maps.Clone(c.Metadata),
	}
}
