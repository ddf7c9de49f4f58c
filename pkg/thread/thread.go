// Package thread implements OS-thread-equivalent execution units,
// mutexes, condition variables, and interruptible blocking I/O (spec.md
// §3.3, §4.5, §5). A Thread is a goroutine plus the bookkeeping a real
// native thread would carry: a join channel, a per-thread interrupt
// channel standing in for a signal, a pending asynchronous exception
// slot, and fiber-local storage.
package thread

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kristofer/smogrb/pkg/gc"
	"github.com/kristofer/smogrb/pkg/procmutex"
	"github.com/kristofer/smogrb/pkg/value"
)

// Status is a Thread's coarse scheduling state.
type Status uint8

const (
	Running Status = iota
	Sleeping
	Terminated
)

// ThreadError mirrors Ruby's ThreadError: a thread-discipline violation
// (double join of self, unlocking a mutex you don't own, and so on) —
// spec.md §4.5 "Errors".
type ThreadError struct{ Msg string }

func (e *ThreadError) Error() string { return "ThreadError: " + e.Msg }

// Body is the function a spawned Thread runs.
type Body func(self *Thread) (value.Value, error)

// Thread is one cooperating execution unit. It satisfies
// gc.RootProvider the same way Fiber does: SetRoots records what the
// owning interpreter would have found on a real machine stack, and
// GCRoots hands that snapshot to the collector while the thread is
// parked at a safepoint.
type Thread struct {
	ID string

	mu     sync.Mutex
	status Status
	roots  []value.Value
	group  *Group

	local         map[*value.Cell]value.Value
	ownedMutexes  map[*Mutex]bool
	pendingRaise  error
	result        value.Value
	resultErr     error
	isMain        bool

	done      chan struct{}
	interrupt chan struct{}

	heap *gc.Heap
	log  zerolog.Logger
}

// Spawn starts body running on a new goroutine and returns immediately.
// The thread registers with heap's safepoint barrier and, if group is
// non-nil, joins it (spec.md §4.5 "ThreadGroup").
func Spawn(heap *gc.Heap, group *Group, body Body) *Thread {
	t := &Thread{
		ID:           uuid.NewString(),
		local:        make(map[*value.Cell]value.Value),
		ownedMutexes: make(map[*Mutex]bool),
		done:         make(chan struct{}),
		interrupt:    make(chan struct{}, 1),
		heap:         heap,
		log:          log.With().Str("component", "thread").Logger(),
	}
	if heap != nil {
		heap.Register(t)
	}
	if group != nil {
		group.Add(t)
	}
	registerGlobal(t)
	go t.run(body)
	return t
}

// NewMain wraps the process's own initial goroutine as the main thread
// (spec.md §3.4 "the main thread"), without spawning anything.
func NewMain(heap *gc.Heap, group *Group) *Thread {
	t := &Thread{
		ID:        uuid.NewString(),
		local:     make(map[*value.Cell]value.Value),
		ownedMutexes: make(map[*Mutex]bool),
		isMain:    true,
		done:      make(chan struct{}),
		interrupt: make(chan struct{}, 1),
		heap:      heap,
		log:       log.With().Str("component", "thread").Logger(),
	}
	if heap != nil {
		heap.Register(t)
	}
	if group != nil {
		group.Add(t)
	}
	registerGlobal(t)
	return t
}

func (t *Thread) run(body Body) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			t.resultErr = errors.Errorf("thread: panic: %v", r)
			t.mu.Unlock()
		}
		t.mu.Lock()
		t.status = Terminated
		owned := make([]*Mutex, 0, len(t.ownedMutexes))
		for m := range t.ownedMutexes {
			owned = append(owned, m)
		}
		t.mu.Unlock()
		// A terminated thread must not leave any mutex it held locked
		// forever (spec.md §3.5, §4.5 "Lifecycle"): release them here the
		// same way an explicit Unlock would, including the ownedMutexes
		// bookkeeping Unlock does through untrackMutex.
		for _, m := range owned {
			_ = m.Unlock(t)
		}
		t.log.Debug().Str("id", t.ID).Msg("thread terminated")
		if t.heap != nil {
			t.heap.Unregister(t)
		}
		unregisterGlobal(t)
	}()
	v, err := body(t)
	t.mu.Lock()
	t.result, t.resultErr = v, err
	t.mu.Unlock()
}

// GCRoots implements gc.RootProvider.
func (t *Thread) GCRoots() []value.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]value.Value, len(t.roots))
	copy(out, t.roots)
	return out
}

// SetRoots replaces the thread's explicit root stack (see fiber.SetRoots
// for the same idiom and its rationale).
func (t *Thread) SetRoots(roots []value.Value) {
	t.mu.Lock()
	t.roots = roots
	t.mu.Unlock()
}

// Safepoint parks the calling goroutine if the heap has a collection
// pending (spec.md §5).
func (t *Thread) Safepoint() {
	if t.heap != nil {
		t.heap.Safepoint(t)
	}
}

// markParked/clearParked bracket a genuinely blocking operation (sleep,
// interruptible I/O, mutex/condvar wait) so a Collect() waiting on every
// participant to get out of the way isn't stuck behind a thread that
// isn't running mutator code anyway (spec.md §5).
func (t *Thread) markParked() {
	if t.heap != nil {
		t.heap.MarkParked(t)
	}
}

func (t *Thread) clearParked() {
	if t.heap != nil {
		t.heap.ClearParked(t)
	}
}

// Status reports the thread's current state.
func (t *Thread) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Join blocks until the thread terminates and returns its result,
// matching Ruby's Thread#value (which joins and then either returns the
// value or re-raises whatever exception escaped the thread body).
// caller identifies the joining thread; pass nil only for "the main
// thread observed from outside any Thread value" — joining self is a
// ThreadError (spec.md §4.5).
func (t *Thread) Join(caller *Thread) (value.Value, error) {
	if caller != nil && caller == t {
		return value.Nil, errors.WithStack(&ThreadError{Msg: "Target thread must not be current thread"})
	}
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.resultErr
}

// Raise delivers an asynchronous exception: the next call to CheckRaise
// inside the thread's body observes it, and any blocking Sleep or
// InterruptibleRead wakes immediately (spec.md §4.5 "raise").
func (t *Thread) Raise(err error) {
	t.mu.Lock()
	t.pendingRaise = err
	t.mu.Unlock()
	select {
	case t.interrupt <- struct{}{}:
	default:
	}
}

// CheckRaise returns and clears any pending asynchronous exception. A
// thread body is expected to call this at the same points it calls
// Safepoint.
func (t *Thread) CheckRaise() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.pendingRaise
	t.pendingRaise = nil
	return err
}

// Sleep blocks the calling goroutine for d, or until Wakeup/Raise
// interrupts it, whichever comes first. A negative d blocks until
// interrupted with no timeout (Ruby's sleep with no argument). Returns
// the whole number of seconds actually slept.
func (t *Thread) Sleep(d time.Duration) int {
	t.mu.Lock()
	t.status = Sleeping
	t.mu.Unlock()
	t.markParked()
	start := time.Now()
	if d < 0 {
		<-t.interrupt
	} else {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.interrupt:
		}
	}
	t.clearParked()
	t.mu.Lock()
	t.status = Running
	t.mu.Unlock()
	return int(time.Since(start).Round(time.Second) / time.Second)
}

// Wakeup interrupts a blocked Sleep or InterruptibleRead without
// attaching an exception (spec.md §4.5 "Wakeup").
func (t *Thread) Wakeup() {
	select {
	case t.interrupt <- struct{}{}:
	default:
	}
}

// InterruptibleRead reads from r into buf, but returns early with a
// ThreadError if the thread is interrupted (Raise or Wakeup) before the
// read completes — the select-based cancellable read spec.md §4.5
// requires in place of a raw interruptible file descriptor.
func (t *Thread) InterruptibleRead(r io.Reader, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		ch <- result{n, err}
	}()
	t.markParked()
	defer t.clearParked()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-t.interrupt:
		return 0, errors.WithStack(&ThreadError{Msg: "read interrupted"})
	}
}

// LocalGet/LocalSet implement per-thread fiber-local storage, keyed by
// an interned symbol cell (spec.md §3.3 "per-thread Fiber-local storage
// hash").
func (t *Thread) LocalGet(key *value.Cell) (value.Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.local[key]
	return v, ok
}

func (t *Thread) LocalSet(key *value.Cell, v value.Value) {
	t.mu.Lock()
	t.local[key] = v
	t.mu.Unlock()
}

func (t *Thread) trackMutex(m *Mutex)   { t.mu.Lock(); t.ownedMutexes[m] = true; t.mu.Unlock() }
func (t *Thread) untrackMutex(m *Mutex) { t.mu.Lock(); delete(t.ownedMutexes, m); t.mu.Unlock() }

// Group is a named set of threads (spec.md §3.3, §4.5 "ThreadGroup"; the
// original_source `natalie/thread_group_object.hpp`).
type Group struct {
	mu      sync.Mutex
	Name    string
	members map[*Thread]bool
}

// NewGroup creates an empty, named group.
func NewGroup(name string) *Group {
	return &Group{Name: name, members: make(map[*Thread]bool)}
}

// Add enrolls t in the group, leaving whatever group it was in before.
func (g *Group) Add(t *Thread) {
	t.mu.Lock()
	prev := t.group
	t.group = g
	t.mu.Unlock()
	if prev != nil && prev != g {
		prev.mu.Lock()
		delete(prev.members, t)
		prev.mu.Unlock()
	}
	g.mu.Lock()
	g.members[t] = true
	g.mu.Unlock()
}

// List returns the group's current members.
func (g *Group) List() []*Thread {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Thread, 0, len(g.members))
	for t := range g.members {
		out = append(out, t)
	}
	return out
}

// RecursiveMutex is procmutex.RecursiveMutex: the process-wide lock
// spec.md §4.5 describes guarding interpreter-global state (the class
// table, the symbol table, the heap) across thread switches. It is
// defined in pkg/procmutex, one level below pkg/gc/pkg/value/pkg/object
// as well as this package, so all four can share the same lock without
// an import cycle; this package keeps the old name as an alias so
// existing callers of thread.RecursiveMutex/thread.ProcessLock are
// unaffected.
type RecursiveMutex = procmutex.RecursiveMutex

// NewRecursiveMutex constructs an unlocked RecursiveMutex.
func NewRecursiveMutex() *RecursiveMutex { return procmutex.New() }

// threadListMu is the separate lock guarding the thread registry below
// it (spec.md §4.5 keeps it distinct from the interpreter-global lock
// so listing threads never contends with that lock).
var threadListMu sync.Mutex
var threadList []*Thread

// ProcessLock returns the single process-wide recursive mutex shared by
// pkg/gc, pkg/value, pkg/object, and pkg/thread (spec.md §4.5
// "Discipline": held for any operation that mutates shared state).
func ProcessLock() *RecursiveMutex { return procmutex.Process() }

// registerGlobal/unregisterGlobal maintain the process-wide thread list
// spec.md §4.5 describes as guarded by its own mutex, separate from
// processLock.
func registerGlobal(t *Thread) {
	threadListMu.Lock()
	threadList = append(threadList, t)
	threadListMu.Unlock()
}

// unregisterGlobal removes t from the process-wide thread list once it
// terminates, so List() (and anything iterating it, such as a future
// "kill every thread at exit") doesn't keep observing dead threads.
func unregisterGlobal(t *Thread) {
	threadListMu.Lock()
	for i, other := range threadList {
		if other == t {
			threadList = append(threadList[:i], threadList[i+1:]...)
			break
		}
	}
	threadListMu.Unlock()
}

// List returns every thread currently registered process-wide.
func List() []*Thread {
	threadListMu.Lock()
	defer threadListMu.Unlock()
	out := make([]*Thread, len(threadList))
	copy(out, threadList)
	return out
}
