package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func (e *emailLocks) size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.locks)
}

func TestLockSerializesSameEmail(t *testing.T) {
	locks := newEmailLocks()

	unlock := locks.lock(7)

	acquired := make(chan struct{})
	go func() {
		u := locks.lock(7)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired the lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock after release")
	}
}

func TestLockDistinctEmailsIndependent(t *testing.T) {
	locks := newEmailLocks()

	unlock1 := locks.lock(1)
	unlock2 := locks.lock(2)
	assert.Equal(t, 2, locks.size())

	unlock1()
	unlock2()
}

func TestLockEntriesPrunedOnRelease(t *testing.T) {
	locks := newEmailLocks()

	unlock := locks.lock(42)
	assert.Equal(t, 1, locks.size())

	unlock()
	assert.Zero(t, locks.size(), "released entries must not accumulate")

	// Contended entries disappear once the last holder releases.
	unlock = locks.lock(42)
	released := make(chan struct{})
	go func() {
		u := locks.lock(42)
		u()
		close(released)
	}()

	assert.Eventually(t, func() bool { return locks.size() == 1 }, time.Second, 5*time.Millisecond)
	unlock()
	<-released
	assert.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, 5*time.Millisecond)
}
