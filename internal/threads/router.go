// ABOUTME: Thread ownership router mapping conversation threads to their owning user
// ABOUTME: First write wins; a thread is never reassigned to a different user

package threads

import (
	"errors"
	"fmt"
	"sync"
)

// ErrThreadOwnershipConflict indicates an attempt to bind a thread to a second user.
var ErrThreadOwnershipConflict = errors.New("thread already owned by another user")

// ErrInvalidBinding indicates an empty thread or user ID was supplied.
var ErrInvalidBinding = errors.New("thread_id and user_id are required")

// OwnershipConflictError carries the details of a rejected rebind.
type OwnershipConflictError struct {
	ThreadID  string
	Owner     string
	Requested string
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("thread %q is owned by %q, cannot bind to %q", e.ThreadID, e.Owner, e.Requested)
}

// Is lets errors.Is match the sentinel.
func (e *OwnershipConflictError) Is(target error) bool {
	return target == ErrThreadOwnershipConflict
}

// Router resolves thread IDs to user IDs.
type Router struct {
	mu     sync.RWMutex
	owners map[string]string
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		owners: make(map[string]string),
	}
}

// Bind associates threadID with userID. Binding a thread to its current owner is a
// no-op; binding it to anyone else returns an *OwnershipConflictError.
func (r *Router) Bind(threadID, userID string) error {
	if threadID == "" || userID == "" {
		return ErrInvalidBinding
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[threadID]; ok {
		if owner == userID {
			return nil
		}
		return &OwnershipConflictError{ThreadID: threadID, Owner: owner, Requested: userID}
	}

	r.owners[threadID] = userID
	return nil
}

// Resolve returns the owner of threadID.
func (r *Router) Resolve(threadID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[threadID]
	return owner, ok
}

// Count returns the number of bound threads.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
