package pipeline

import "sync"

// emailLocks serializes pipeline steps per email id. The worker pool
// may pick up the same email in consecutive ticks; the lock keeps the
// two passes from interleaving their transactions. Entries are
// reference counted and removed once the last holder releases, so the
// map stays bounded by in-flight emails.
type emailLocks struct {
	mu    sync.Mutex
	locks map[int64]*emailLock
}

type emailLock struct {
	mu   sync.Mutex
	refs int
}

func newEmailLocks() *emailLocks {
	return &emailLocks{locks: make(map[int64]*emailLock)}
}

// lock acquires the mutex for the email id and returns its unlock func.
func (e *emailLocks) lock(id int64) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &emailLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}
