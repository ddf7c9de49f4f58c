// Package fiber implements stackful coroutines on top of goroutines
// (spec.md §3.3, §4.4). See DESIGN.md for why a goroutine paired with a
// handshake channel is this port's rendition of the "platform assembly
// or an equivalent stackful-coroutine primitive" spec.md §9 requires:
// at any instant exactly one side of the pair is running, and the
// "stack" being switched is a real OS-scheduled goroutine stack rather
// than a captured continuation.
package fiber

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kristofer/smogrb/pkg/gc"
	"github.com/kristofer/smogrb/pkg/value"
)

// Status is a Fiber's position in the lifecycle spec.md §4.4 describes.
type Status uint8

const (
	Created Status = iota
	Active
	Suspended
	Terminated
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return "created"
	}
}

// FiberError reports a violation of the resume/yield contract (spec.md
// §4.4 "Errors"): resuming a terminated fiber, or yielding from the
// root fiber.
type FiberError struct{ Msg string }

func (e *FiberError) Error() string { return "FiberError: " + e.Msg }

// Body is the function a Fiber runs. It receives the Fiber itself (so
// it can call Yield on it) and the arguments passed to the first
// Resume call, and returns the values delivered to whoever's Resume
// call observes termination.
type Body func(self *Fiber, args []value.Value) ([]value.Value, error)

// transfer carries a value batch (and possibly an error or completion
// flag) across the handshake between a fiber and its resumer.
type transfer struct {
	values []value.Value
	err    error
	done   bool
}

// Fiber is one stackful coroutine. It satisfies gc.RootProvider: while
// parked (Suspended, or Active but blocked on its handshake channels)
// its explicit root stack is exactly the Values the owning interpreter
// last recorded via SetRoots.
type Fiber struct {
	ID string

	mu     sync.Mutex
	status Status
	roots  []value.Value

	isRoot  bool
	started bool
	body    Body

	resumeCh   chan []value.Value
	transferCh chan transfer

	heap *gc.Heap
	log  zerolog.Logger
}

// New creates a fiber with the given body, registering it with heap's
// safepoint barrier so the collector can pause and root-scan it like
// any other participant. stackSizeHint is accepted for interface
// parity with spec.md §4.4's constructor (a real stackful-coroutine
// runtime sizes a raw stack from it); Go goroutines grow their own
// stacks on demand, so the only use this port has for it is rejecting
// the zero value the same way the original does.
func New(heap *gc.Heap, stackSizeHint int, body Body) (*Fiber, error) {
	if stackSizeHint == 0 {
		return nil, errors.WithStack(&FiberErrorArgument{})
	}
	f := &Fiber{
		ID:         uuid.NewString(),
		status:     Created,
		body:       body,
		resumeCh:   make(chan []value.Value),
		transferCh: make(chan transfer),
		heap:       heap,
		log:        log.With().Str("component", "fiber").Logger(),
	}
	if heap != nil {
		heap.Register(f)
		heap.MarkParked(f) // Created: not running until the first Resume
	}
	return f, nil
}

// FiberErrorArgument is raised by New for a zero-sized stack (spec.md
// §4.4 "ArgumentError on a 0-byte explicit stack size").
type FiberErrorArgument struct{}

func (e *FiberErrorArgument) Error() string { return "ArgumentError: fiber stack size must be positive" }

// NewRoot wraps the thread's own top-level execution context as the
// fiber every thread starts in (spec.md §3.3, §4.4 "root fiber"). It
// never runs a goroutine of its own — it *is* the calling goroutine —
// and Yield on it always fails.
func NewRoot(heap *gc.Heap) *Fiber {
	f := &Fiber{
		ID:     uuid.NewString(),
		status: Active,
		isRoot: true,
		heap:   heap,
		log:    log.With().Str("component", "fiber").Logger(),
	}
	if heap != nil {
		heap.Register(f)
	}
	return f
}

// GCRoots implements gc.RootProvider.
func (f *Fiber) GCRoots() []value.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]value.Value, len(f.roots))
	copy(out, f.roots)
	return out
}

// SetRoots replaces the fiber's explicit root stack. The owning
// interpreter calls this at the points a real conservative scanner
// would have found these values on the machine stack (DESIGN.md).
func (f *Fiber) SetRoots(roots []value.Value) {
	f.mu.Lock()
	f.roots = roots
	f.mu.Unlock()
}

// Safepoint parks the fiber's current goroutine if the heap has a
// collection pending (spec.md §5).
func (f *Fiber) Safepoint() {
	if f.heap != nil {
		f.heap.Safepoint(f)
	}
}

func (f *Fiber) markParked() {
	if f.heap != nil {
		f.heap.MarkParked(f)
	}
}

func (f *Fiber) clearParked() {
	if f.heap != nil {
		f.heap.ClearParked(f)
	}
}

// Status reports the fiber's current lifecycle state.
func (f *Fiber) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Resume transfers control to the fiber, blocking the caller until the
// fiber either yields or terminates (spec.md §4.4 "resume/yield
// contract"). Resuming a Terminated fiber is a FiberError; resuming a
// fiber that is already Active (re-entrant resume from within its own
// run) is also a FiberError, since exactly one side of the pair may run
// at a time.
func (f *Fiber) Resume(args []value.Value) ([]value.Value, error) {
	f.mu.Lock()
	switch f.status {
	case Terminated:
		f.mu.Unlock()
		return nil, errors.WithStack(&FiberError{Msg: "dead fiber called"})
	case Active:
		f.mu.Unlock()
		return nil, errors.WithStack(&FiberError{Msg: "fiber called across fiber"})
	}
	first := !f.started
	f.started = true
	f.status = Active
	f.mu.Unlock()
	f.clearParked() // about to run: must not be mistaken for parked by a concurrent Collect

	f.log.Debug().Str("id", f.ID).Bool("first", first).Msg("fiber resumed")

	if first {
		go f.run(args)
	} else {
		f.resumeCh <- args
	}
	t := <-f.transferCh

	f.mu.Lock()
	if t.done {
		f.status = Terminated
		f.log.Debug().Str("id", f.ID).Msg("fiber terminated")
		if f.heap != nil {
			f.heap.Unregister(f)
		}
	} else {
		f.status = Suspended
	}
	f.mu.Unlock()
	return t.values, t.err
}

func (f *Fiber) run(args []value.Value) {
	defer func() {
		if r := recover(); r != nil {
			f.transferCh <- transfer{err: errors.Errorf("fiber: panic: %v", r), done: true}
		}
	}()
	vals, err := f.body(f, args)
	f.transferCh <- transfer{values: vals, err: err, done: true}
}

// Yield suspends the fiber, handing values to whichever Resume call is
// waiting, and blocks until that fiber (or another caller) resumes it
// again. Called from inside Body, i.e. from the fiber's own goroutine.
// Yielding from the root fiber is a FiberError (spec.md §4.4): the root
// fiber has nowhere to suspend to.
func (f *Fiber) Yield(args []value.Value) ([]value.Value, error) {
	if f.isRoot {
		return nil, errors.WithStack(&FiberError{Msg: "can't yield from root fiber"})
	}
	f.markParked() // suspending: the resumer (or a concurrent Collect) may now proceed
	f.transferCh <- transfer{values: args}
	resumeArgs := <-f.resumeCh
	f.clearParked()
	return resumeArgs, nil
}
