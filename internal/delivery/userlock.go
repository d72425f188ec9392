// ABOUTME: Lazily created mutexes keyed by user ID
// ABOUTME: Serializes per-user mutations without serializing unrelated users

package delivery

import "sync"

type userLock struct {
	mu   sync.Mutex
	refs int
}

// userLocks hands out one mutex per user. Entries are created on first use and
// dropped once no goroutine holds or waits on them, so idle users cost nothing.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

func newUserLocks() *userLocks {
	return &userLocks{
		locks: make(map[string]*userLock),
	}
}

// lock blocks until the user's mutex is held and returns the function that releases it.
// The mutex is not reentrant.
func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ul.mu.Unlock()

			l.mu.Lock()
			ul.refs--
			if ul.refs == 0 {
				delete(l.locks, userID)
			}
			l.mu.Unlock()
		})
	}
}

// size returns the number of live lock entries.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
