// ABOUTME: Authoritative registry of live connections indexed by connection and by user
// ABOUTME: Handles add/remove under per-user locks and wakes goroutines waiting for a user

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-delivery/internal/metrics"
)

// ErrInvalidConnection indicates a connection without an ID, user, or transport.
var ErrInvalidConnection = errors.New("invalid connection")

// ErrConnectionOwnerMismatch indicates a connection ID already registered to another user.
var ErrConnectionOwnerMismatch = errors.New("connection already registered to another user")

// Registry tracks which connections are live and which user owns each one.
//
// The two indexes are guarded by mu, which is only held for map updates and never
// across I/O. Compound per-user operations (add followed by recovery replay, send
// followed by eviction) hold the user's lock from locks.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection            // connectionID -> conn
	users   map[string]map[string]*Connection // userID -> connectionID -> conn
	waiters map[string][]chan struct{}        // userID -> WaitForConnection waiters

	locks *userLocks

	// onConnect runs after a connection is inserted, with the user's lock still held.
	onConnect func(ctx context.Context, userID string)

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry. Pass nil logger for default and nil metrics
// to disable instrumentation.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:   make(map[string]*Connection),
		users:   make(map[string]map[string]*Connection),
		waiters: make(map[string][]chan struct{}),
		locks:   newUserLocks(),
		metrics: m,
		logger:  logger.With("component", "registry"),
	}
}

// AddConnection registers conn and replays the owner's recovery queue before returning.
//
// Adding an ID that is already registered to the same user replaces the old entry and
// closes the displaced transport. Adding an ID registered to a different user fails with
// ErrConnectionOwnerMismatch, since a connection never changes owner.
func (r *Registry) AddConnection(ctx context.Context, conn *Connection) error {
	if conn == nil || conn.ID == "" || conn.UserID == "" || conn.transport == nil {
		return ErrInvalidConnection
	}

	unlock := r.locks.lock(conn.UserID)
	displaced, err := r.insertLocked(conn)
	if err != nil {
		unlock()
		return err
	}
	if r.onConnect != nil {
		r.onConnect(ctx, conn.UserID)
	}
	unlock()

	if displaced != nil {
		if err := displaced.Close(); err != nil {
			r.logger.Debug("closing displaced connection failed",
				"connection_id", displaced.ID,
				"error", err)
		}
	}
	return nil
}

// insertLocked adds conn to both indexes and wakes waiters. The caller must hold
// conn.UserID's lock. Returns the connection it replaced, if any.
func (r *Registry) insertLocked(conn *Connection) (*Connection, error) {
	r.mu.Lock()
	existing, exists := r.conns[conn.ID]
	if exists && existing.UserID != conn.UserID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: connection %q belongs to %q", ErrConnectionOwnerMismatch, conn.ID, existing.UserID)
	}

	r.conns[conn.ID] = conn
	set, ok := r.users[conn.UserID]
	if !ok {
		set = make(map[string]*Connection)
		r.users[conn.UserID] = set
	}
	set[conn.ID] = conn

	waiters := r.waiters[conn.UserID]
	delete(r.waiters, conn.UserID)

	total, userConns := len(r.conns), len(set)
	// Set under mu so gauge writes land in index order.
	r.metrics.SetConnections(total, len(r.users))
	r.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	if exists {
		if existing == conn {
			return nil, nil
		}
		r.logger.Info("connection replaced",
			"connection_id", conn.ID,
			"user_id", conn.UserID)
		return existing, nil
	}

	r.logger.Info("=== CONNECTION REGISTERED ===",
		"connection_id", conn.ID,
		"user_id", conn.UserID,
		"user_connections", userConns,
		"total_connections", total)
	return nil, nil
}

// RemoveConnection unregisters the connection with the given ID. Unknown IDs are ignored.
// The transport is not closed; the caller owns it.
func (r *Registry) RemoveConnection(connectionID string) {
	conn, ok := r.Get(connectionID)
	if !ok {
		return
	}

	unlock := r.locks.lock(conn.UserID)
	defer unlock()
	r.removeLocked(conn.UserID, connectionID, nil)
}

// Detach unregisters conn only if it is still the registered entry for its ID.
// Transports use this on disconnect so a stale socket cannot remove the connection
// that replaced it.
func (r *Registry) Detach(conn *Connection) bool {
	if conn == nil {
		return false
	}

	unlock := r.locks.lock(conn.UserID)
	defer unlock()
	return r.removeLocked(conn.UserID, conn.ID, conn)
}

// removeLocked deletes connectionID from both indexes. The caller must hold userID's
// lock. When expect is non-nil the entry is only removed if it is that connection.
func (r *Registry) removeLocked(userID, connectionID string, expect *Connection) bool {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok || conn.UserID != userID || (expect != nil && conn != expect) {
		r.mu.Unlock()
		return false
	}

	delete(r.conns, connectionID)
	remaining := 0
	if set, ok := r.users[userID]; ok {
		delete(set, connectionID)
		remaining = len(set)
		if remaining == 0 {
			delete(r.users, userID)
		}
	}
	total := len(r.conns)
	r.metrics.SetConnections(total, len(r.users))
	r.mu.Unlock()

	r.logger.Info("=== CONNECTION REMOVED ===",
		"connection_id", connectionID,
		"user_id", userID,
		"user_connections", remaining,
		"total_connections", total)
	return true
}

// WaitForConnection blocks until userID has at least one connection, the timeout
// elapses, or ctx is done. Returns true only if a connection exists.
func (r *Registry) WaitForConnection(ctx context.Context, userID string, timeout time.Duration) bool {
	r.mu.Lock()
	if len(r.users[userID]) > 0 {
		r.mu.Unlock()
		return true
	}
	if timeout <= 0 {
		r.mu.Unlock()
		return false
	}
	ch := make(chan struct{})
	r.waiters[userID] = append(r.waiters[userID], ch)
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	r.removeWaiter(userID, ch)

	// A connection may have arrived between the timeout and the removal.
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (r *Registry) removeWaiter(userID string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	waiters := r.waiters[userID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(r.waiters, userID)
		return
	}
	r.waiters[userID] = waiters
}

// ConnectionCount returns the number of connections owned by userID.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// TotalConnections returns the number of connections across all users.
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount returns the number of users with at least one connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Users returns the IDs of every user with at least one connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.users))
	for userID := range r.users {
		users = append(users, userID)
	}
	return users
}

// Connections returns a snapshot of userID's connections, oldest first.
func (r *Registry) Connections(userID string) []*Connection {
	r.mu.RLock()
	set := r.users[userID]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sortByEstablished(conns)
	return conns
}

// Get returns the connection with the given ID.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	return conn, ok
}

// Touch records heartbeat activity on a connection. Returns false for unknown IDs.
func (r *Registry) Touch(connectionID string) bool {
	conn, ok := r.Get(connectionID)
	if !ok {
		return false
	}
	conn.Touch()
	return true
}

// IdleConnections returns connections whose last activity is before cutoff.
func (r *Registry) IdleConnections(cutoff time.Time) []*Connection {
	r.mu.RLock()
	var idle []*Connection
	for _, c := range r.conns {
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	r.mu.RUnlock()

	sortByEstablished(idle)
	return idle
}

// List returns info for every connection, ordered by user then establishment time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, c.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UserID != infos[j].UserID {
			return infos[i].UserID < infos[j].UserID
		}
		return infos[i].EstablishedAt.Before(infos[j].EstablishedAt)
	})
	return infos
}

func sortByEstablished(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].EstablishedAt.Equal(conns[j].EstablishedAt) {
			return conns[i].ID < conns[j].ID
		}
		return conns[i].EstablishedAt.Before(conns[j].EstablishedAt)
	})
}
