package gc

import (
	"github.com/kristofer/smogrb/pkg/procmutex"
	"github.com/kristofer/smogrb/pkg/value"
)

// Finalizable is implemented by a cell payload that needs to run cleanup
// exactly once when its cell is reclaimed (spec.md §4.3 "Finalization").
// Allocating from inside Finalize is forbidden — Collect holds the
// safepoint barrier shut for the whole sweep, so a finalizer that calls
// Heap.Allocate would deadlock against itself; that is treated as a
// logic error rather than guarded against at runtime.
type Finalizable interface {
	Finalize()
}

// Collect runs one full stop-the-world cycle: every registered
// RootProvider is paused at its next Safepoint call, roots are gathered,
// the reachable set is traced and marked, then every block is swept.
// Finalizers run for cells that did not survive. Participants resume
// the instant sweep finishes.
func (h *Heap) Collect() Stats {
	procmutex.Process().Lock(processLockOwner)
	defer procmutex.Process().Unlock(processLockOwner)

	h.mu.Lock()
	h.collecting = true
	for !h.allParkedLocked() {
		h.cond.Wait()
	}
	roots := h.gatherRootsLocked()
	h.mu.Unlock()

	h.log.Debug().Int("roots", len(roots)).Msg("gc: cycle start")

	h.mark(roots)
	freed, live := h.sweep()

	h.mu.Lock()
	h.collecting = false
	h.stats.CyclesRun++
	h.stats.CellsFreed += freed
	h.stats.LiveCells = live
	h.live = live
	cycleStats := h.stats
	h.cond.Broadcast()
	h.mu.Unlock()

	h.log.Debug().Int("freed", freed).Int("live", live).Msg("gc: cycle end")
	return cycleStats
}

func (h *Heap) gatherRootsLocked() []value.Value {
	var roots []value.Value
	for provider := range h.participants {
		roots = append(roots, provider.GCRoots()...)
	}
	if h.globalRoots != nil {
		roots = append(roots, h.globalRoots()...)
	}
	return roots
}

// mark traces every cell reachable from roots, turning the tri-state
// Unmarked/Marked/MarkedAndVisited dance into a plain worklist: a cell
// already MarkedAndVisited is never pushed again. A Marked cell (queued,
// or freshly allocated and so never traced yet) is still pushed, so its
// children get traced; a duplicate entry is skipped once the cell has
// been visited (spec.md §4.3 step 3).
func (h *Heap) mark(roots []value.Value) {
	var worklist []*value.Cell
	push := func(v value.Value) {
		if !v.IsPointer() || v == value.Nil {
			return
		}
		c := v.Cell()
		if c.Mark == value.MarkedAndVisited {
			return
		}
		c.Mark = value.Marked
		worklist = append(worklist, c)
	}
	for _, r := range roots {
		push(r)
	}
	for len(worklist) > 0 {
		c := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if c.Mark == value.MarkedAndVisited {
			continue
		}
		c.Mark = value.MarkedAndVisited
		c.VisitChildren(push)
	}
}

// sweep reclaims every in-use, unmarked, collectible cell, running its
// finalizer first if it has one, and resets the mark of every surviving
// cell to Unmarked for the next cycle. Returns (cellsFreed, cellsLive).
func (h *Heap) sweep() (freed, live int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, b := range h.blocks {
		for i := range b.cells {
			c := &b.cells[i]
			if !c.InUse {
				continue
			}
			if c.NotCollectible() {
				c.Mark = value.Unmarked
				live++
				continue
			}
			if c.Mark == value.Unmarked {
				if fin, ok := c.Payload.(Finalizable); ok {
					fin.Finalize()
				}
				if size, ok := h.largeObjects[c]; ok {
					h.largeBytes -= size
					delete(h.largeObjects, c)
				}
				*c = value.Cell{NextFree: h.freeList}
				h.freeList = c
				freed++
				continue
			}
			c.Mark = value.Unmarked
			live++
		}
	}
	return freed, live
}
