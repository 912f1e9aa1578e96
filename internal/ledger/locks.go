package ledger

import "sync"

// userLocks serializes ledger writes per username inside one process.
// Entries are reference counted and dropped when unused.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock acquires the lock for username and returns its release func
func (u *userLocks) lock(username string) func() {
	u.mu.Lock()
	l, ok := u.locks[username]
	if !ok {
		l = &userLock{}
		u.locks[username] = l
	}
	l.refs++
	u.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, username)
		}
		u.mu.Unlock()
	}
}
