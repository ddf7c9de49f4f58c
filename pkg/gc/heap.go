// Package gc implements the runtime's stop-the-world mark-and-sweep
// collector: a block-allocated arena of value.Cell slots, a cooperative
// safepoint barrier that stands in for conservative stack scanning (see
// DESIGN.md), and the mark/sweep/finalize cycle in collector.go.
package gc

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kristofer/smogrb/pkg/procmutex"
	"github.com/kristofer/smogrb/pkg/value"
)

// processLockOwner identifies this package's critical sections to the
// shared process-wide lock (spec.md §4.5 "Discipline" names allocation
// among the operations it must cover). Using one fixed owner string per
// subsystem, rather than a per-call or per-goroutine token, lets a
// collection triggered from inside Allocate re-enter the same lock
// instead of deadlocking against itself, while still serializing against
// pkg/object's method-table/constant mutations and pkg/value's symbol
// interning, which use their own owner strings.
const processLockOwner = "gc"

// RootProvider is implemented by anything the collector must treat as a
// source of roots: a parked Fiber or Thread exposes the Values its
// interpreter loop currently has live on its explicit root stack (the
// substitute this port uses in place of scanning real stack memory —
// see DESIGN.md "No literal conservative stack scanning").
type RootProvider interface {
	GCRoots() []value.Value
}

// block is one contiguous arena of cells. Cells never move or get
// resized after a block is allocated, which is what lets a value.Value
// hold a raw uintptr view of a *value.Cell indefinitely (DESIGN.md).
type block struct {
	cells []value.Cell
}

// registration is a participant's membership in the safepoint barrier.
type registration struct {
	provider RootProvider
	parked   bool
}

// Stats summarizes the outcome of one or more collection cycles.
type Stats struct {
	CyclesRun  int
	CellsFreed int
	LiveCells  int
}

// Option configures a Heap at construction time (functional-options
// style, matching the teacher's vm.New()/vm.EnableDebugger() mutator
// idiom rather than a config file — see SPEC_FULL.md §1).
type Option func(*Heap)

// WithCellsPerBlock sets the arena block size. Default 400, matching
// spec.md §4.3's "~400 cells per block".
func WithCellsPerBlock(n int) Option {
	return func(h *Heap) {
		if n > 0 {
			h.cellsPerBlock = n
		}
	}
}

// WithTriggerRatio sets the live/capacity ratio Allocate compares
// against before an automatic collection. Default 0.8. Allocate checks
// the ratio only once the free list is empty, when live equals
// capacity, so any ratio in (0, 1] gives the same result: a collection
// runs on exhaustion of the free list, never earlier.
func WithTriggerRatio(r float64) Option {
	return func(h *Heap) {
		if r > 0 && r <= 1 {
			h.triggerRatio = r
		}
	}
}

// WithLogger overrides the heap's child logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Heap) { h.log = logger }
}

// WithGlobalRoots registers a callback the collector calls on every
// cycle to obtain roots that are not owned by any particular fiber or
// thread (the global environment's constants table, the canonical
// nil/true/false singletons, etc. — spec.md §3.4, §4.3 step 2). A plain
// func rather than an import of pkg/object, to avoid a package cycle
// (pkg/object allocates through a Heap, so Heap cannot import it back).
func WithGlobalRoots(fn func() []value.Value) Option {
	return func(h *Heap) { h.globalRoots = fn }
}

// Heap owns the cell arena, the free list, the safepoint barrier, and
// the GC-disable counter (spec.md §4.3).
type Heap struct {
	mu   sync.Mutex
	cond *sync.Cond

	cellsPerBlock int
	triggerRatio  float64

	blocks   []*block
	freeList *value.Cell
	live     int
	capacity int

	largeObjects map[*value.Cell]int // cell -> reported size, tracked outside the block accounting
	largeBytes   int

	disableCount   int
	collectPending bool
	collecting     bool

	participants map[RootProvider]*registration
	globalRoots  func() []value.Value

	stats Stats
	log   zerolog.Logger
}

// New constructs a Heap ready to allocate from.
func New(opts ...Option) *Heap {
	h := &Heap{
		cellsPerBlock: 400,
		triggerRatio:  0.8,
		participants:  make(map[RootProvider]*registration),
		largeObjects:  make(map[*value.Cell]int),
		log:           log.With().Str("component", "gc").Logger(),
	}
	h.cond = sync.NewCond(&h.mu)
	for _, opt := range opts {
		opt(h)
	}
	h.growLocked()
	return h
}

// Register enrolls a RootProvider (a Fiber or Thread) in the safepoint
// barrier. The returned token is passed to Safepoint and must be passed
// to Unregister when the provider terminates.
func (h *Heap) Register(p RootProvider) RootProvider {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.participants[p] = &registration{provider: p}
	return p
}

// Unregister removes a terminated provider from the barrier. If a
// collection is in progress and waiting on every participant to park,
// removing one can unblock it.
func (h *Heap) Unregister(p RootProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.participants, p)
	h.cond.Broadcast()
}

// Safepoint is the cooperative pause point spec.md §5 requires at
// allocation, fiber switch, and explicit checks. If no collection has
// been requested it returns immediately; otherwise it parks the caller
// until the collector releases it.
func (h *Heap) Safepoint(p RootProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.collecting {
		reg, ok := h.participants[p]
		if !ok {
			return
		}
		reg.parked = true
		h.cond.Broadcast()
		h.cond.Wait()
		reg.parked = false
	}
}

// MarkParked marks p as parked without waiting for a pending collection
// first. Call it immediately before a participant blocks on something
// the collector doesn't need to interrupt — a fiber's handshake channel,
// a thread's sleep or interruptible read, a mutex or condition-variable
// wait — since the participant cannot be running mutator code for the
// duration anyway, and a Collect() in progress may be waiting on exactly
// this participant to get out of the way (spec.md §5 "fiber switch" and
// "explicit checks" safepoints).
func (h *Heap) MarkParked(p RootProvider) {
	h.mu.Lock()
	if reg, ok := h.participants[p]; ok {
		reg.parked = true
		h.cond.Broadcast()
	}
	h.mu.Unlock()
}

// ClearParked un-marks p as parked once it resumes running mutator code.
// Call it right after the blocking operation MarkParked preceded
// returns.
func (h *Heap) ClearParked(p RootProvider) {
	h.mu.Lock()
	if reg, ok := h.participants[p]; ok {
		reg.parked = false
	}
	h.mu.Unlock()
}

func (h *Heap) allParkedLocked() bool {
	for _, reg := range h.participants {
		if !reg.parked {
			return false
		}
	}
	return true
}

// DisableGC increments the disable counter; while nonzero, Allocate
// never triggers an automatic cycle (spec.md §4.3 "GC-disable
// counter"). Collect() called explicitly still runs.
func (h *Heap) DisableGC() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disableCount++
}

// EnableGC decrements the disable counter. If it reaches zero and a
// collection was requested while disabled, that collection runs now.
func (h *Heap) EnableGC() {
	h.mu.Lock()
	if h.disableCount == 0 {
		h.mu.Unlock()
		panic("gc: EnableGC called without a matching DisableGC")
	}
	h.disableCount--
	pending := h.disableCount == 0 && h.collectPending
	if pending {
		h.collectPending = false
	}
	h.mu.Unlock()
	if pending {
		h.Collect()
	}
}

func (h *Heap) growLocked() {
	b := &block{cells: make([]value.Cell, h.cellsPerBlock)}
	for i := range b.cells {
		b.cells[i].NextFree = h.freeList
		h.freeList = &b.cells[i]
	}
	h.blocks = append(h.blocks, b)
	h.capacity += h.cellsPerBlock
}

// Allocate returns a zeroed, in-use cell of the given tag. It may
// trigger a stop-the-world collection first if the free list is empty
// and the live/capacity ratio is at or above the trigger threshold; if
// GC is disabled at that moment the collection is recorded as pending
// and EnableGC runs it.
func (h *Heap) Allocate(tag value.Tag) *value.Cell {
	procmutex.Process().Lock(processLockOwner)
	defer procmutex.Process().Unlock(processLockOwner)

	h.mu.Lock()
	wantCollect := h.freeList == nil &&
		float64(h.live)/float64(h.capacity) >= h.triggerRatio
	needCollect := wantCollect && h.disableCount == 0
	if wantCollect && h.disableCount > 0 {
		h.collectPending = true
	}
	h.mu.Unlock()
	if needCollect {
		h.Collect()
	}

	h.mu.Lock()
	if h.freeList == nil {
		h.growLocked()
	}
	c := h.freeList
	h.freeList = c.NextFree
	*c = value.Cell{Tag: tag, Mark: value.Marked, InUse: true}
	h.live++
	h.mu.Unlock()
	return c
}

// AllocateLarge is Allocate plus size accounting for payloads (long
// strings, big arrays) whose true footprint lives outside the fixed
// cell slot, so a cycle of many small allocations doesn't mask memory
// pressure from a few enormous ones (spec.md §4.3 "large objects").
func (h *Heap) AllocateLarge(tag value.Tag, sizeBytes int) *value.Cell {
	c := h.Allocate(tag)
	h.mu.Lock()
	h.largeObjects[c] = sizeBytes
	h.largeBytes += sizeBytes
	h.mu.Unlock()
	return c
}

// SetGlobalRoots installs (or replaces) the global-roots callback after
// construction. NewGlobals needs an already-built Heap to allocate the
// bootstrap class hierarchy into, so the callback can't be supplied as a
// WithGlobalRoots Option at New() time without the two constructors
// depending on each other; a caller wires them together in this order
// instead: h := gc.New(); g := object.NewGlobals(h); h.SetGlobalRoots(g.Roots).
func (h *Heap) SetGlobalRoots(fn func() []value.Value) {
	h.mu.Lock()
	h.globalRoots = fn
	h.mu.Unlock()
}

// Stats returns a snapshot of cumulative collector statistics.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// errInvariant wraps a detected heap invariant violation (spec.md §4.3's
// implicit invariants: a cell must not be swept while marked reachable,
// a free cell must not be traced).
func errInvariant(msg string) error { return errors.New("gc: invariant violation: " + msg) }
