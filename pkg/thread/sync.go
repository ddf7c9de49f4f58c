package thread

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kristofer/smogrb/pkg/value"
)

// Mutex is the Ruby-visible Thread::Mutex: an exclusive lock owned by a
// Thread (not merely "locked/unlocked"), so a foreign unlock or a
// recursive lock from the same thread are detectable misuse rather than
// silently accepted (spec.md §4.5 "Mutex/ConditionVariable with owner
// tracking").
type Mutex struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
	owner  *Thread
}

// NewMutex constructs an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock blocks until the mutex is free, then locks it for t. Relocking
// from the same thread that already holds it is a ThreadError (Ruby
// Mutex is not recursive, unlike RecursiveMutex in thread.go).
func (m *Mutex) Lock(t *Thread) error {
	m.mu.Lock()
	if m.locked && m.owner == t {
		m.mu.Unlock()
		return errors.WithStack(&ThreadError{Msg: "deadlock; recursive locking"})
	}
	if m.locked {
		t.markParked()
		for m.locked {
			m.cond.Wait()
		}
		t.clearParked()
	}
	m.locked = true
	m.owner = t
	m.mu.Unlock()
	t.trackMutex(m)
	return nil
}

// TryLock attempts to lock without blocking, returning false if the
// mutex is already held.
func (m *Mutex) TryLock(t *Thread) bool {
	m.mu.Lock()
	if m.locked {
		m.mu.Unlock()
		return false
	}
	m.locked = true
	m.owner = t
	m.mu.Unlock()
	t.trackMutex(m)
	return true
}

// Unlock releases the mutex. Unlocking a mutex you do not hold is a
// ThreadError (spec.md §4.5 "Errors").
func (m *Mutex) Unlock(t *Thread) error {
	m.mu.Lock()
	if !m.locked || m.owner != t {
		m.mu.Unlock()
		return errors.WithStack(&ThreadError{Msg: "Attempt to unlock a mutex which is not locked"})
	}
	m.locked = false
	prevOwner := m.owner
	m.owner = nil
	m.cond.Signal()
	m.mu.Unlock()
	prevOwner.untrackMutex(m)
	return nil
}

// Synchronize locks m for owner, runs fn, and unlocks m before
// returning regardless of whether fn returns an error or panics
// (spec.md §4.5 "Mutex" — synchronize(&block) guarantees the lock is
// released on every exit path, including an exception unwinding through
// the block).
func (m *Mutex) Synchronize(owner *Thread, fn func() (value.Value, error)) (value.Value, error) {
	if err := m.Lock(owner); err != nil {
		return value.Nil, err
	}
	defer func() { _ = m.Unlock(owner) }()
	return fn()
}

// Locked reports whether the mutex is currently held.
func (m *Mutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// Owner returns the thread currently holding the mutex, or nil.
func (m *Mutex) Owner() *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// ConditionVariable is Ruby's Thread::ConditionVariable: Wait
// atomically unlocks the given Mutex and parks the caller, relocking it
// before returning (spec.md §4.5).
type ConditionVariable struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// NewConditionVariable constructs an empty ConditionVariable.
func NewConditionVariable() *ConditionVariable { return &ConditionVariable{} }

// Wait unlocks m, blocks until Signal, Broadcast, or timeout (<=0 means
// no timeout) wakes this waiter, then relocks m before returning.
func (cv *ConditionVariable) Wait(m *Mutex, t *Thread, timeout time.Duration) error {
	ch := make(chan struct{})
	cv.mu.Lock()
	cv.waiters = append(cv.waiters, ch)
	cv.mu.Unlock()

	if err := m.Unlock(t); err != nil {
		return err
	}

	t.markParked()
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
		}
	} else {
		<-ch
	}
	t.clearParked()
	return m.Lock(t)
}

// Signal wakes at most one waiter.
func (cv *ConditionVariable) Signal() {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if len(cv.waiters) == 0 {
		return
	}
	ch := cv.waiters[0]
	cv.waiters = cv.waiters[1:]
	close(ch)
}

// Broadcast wakes every waiter.
func (cv *ConditionVariable) Broadcast() {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	for _, ch := range cv.waiters {
		close(ch)
	}
	cv.waiters = nil
}
