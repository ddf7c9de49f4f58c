// Package value implements the runtime's uniform value handle and the
// heap cell it may point to.
//
// A Value is a single machine word: either an immediate small integer
// (least-significant bit set, remaining bits an arithmetic-shifted
// integer) or a pointer to a Cell. Every operation in the runtime —
// method dispatch, the garbage collector's root walk, the fiber
// scheduler's argument passing — consumes and produces Values, never
// raw Go interfaces, so the representation lives in one small package
// that the rest of the runtime (pkg/object, pkg/gc, pkg/fiber,
// pkg/thread) builds on.
//
// See DESIGN.md for why this is a literal uintptr-tagged pointer rather
// than a tagged Go struct: spec.md §3.1 requires the single-word
// encoding, and a struct would not preserve the by-identity object_id
// property that encoding gives for free.
package value

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/kristofer/smogrb/pkg/procmutex"
)

// Tag identifies the concrete kind of a heap cell. The set is closed —
// spec.md §3.2 enumerates exactly these kinds.
type Tag uint8

const (
	TagArray Tag = iota
	TagClass
	TagModule
	TagInteger // boxed/big integer; small integers are immediate Values
	TagFloat
	TagHash
	TagString
	TagSymbol
	TagRegexp
	TagRange
	TagRational
	TagComplex
	TagProc
	TagMethod
	TagUnboundMethod
	TagBinding
	TagIO
	TagFile
	TagFileStat
	TagMatchData
	TagFiber
	TagThread
	TagThreadMutex
	TagThreadConditionVariable
	TagThreadGroup
	TagThreadBacktraceLocation
	TagRandom
	TagException
	TagTime
	TagVoidP
	TagTrue
	TagFalse
	TagNil
	TagMainObject
	TagObject
)

func (t Tag) String() string {
	names := [...]string{
		"Array", "Class", "Module", "Integer", "Float", "Hash", "String",
		"Symbol", "Regexp", "Range", "Rational", "Complex", "Proc",
		"Method", "UnboundMethod", "Binding", "IO", "File", "FileStat",
		"MatchData", "Fiber", "Thread", "ThreadMutex",
		"ThreadConditionVariable", "ThreadGroup", "ThreadBacktraceLocation",
		"Random", "Exception", "Time", "VoidP", "True", "False", "Nil",
		"MainObject", "Object",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("Tag(%d)", t)
}

// notCollectible reports whether cells of this tag are skipped by sweep
// (spec.md §4.3 "Sweep phase"). Symbols are additionally never even
// allocated from a gc.Heap block — see Intern below — so in practice
// only True/False/Nil singletons hit this path from inside a heap.
func (t Tag) notCollectible() bool {
	return t == TagNil || t == TagTrue || t == TagFalse || t == TagSymbol
}

// Flags is the cell's flags word (spec.md §3.2).
type Flags uint32

const (
	FlagFrozen Flags = 1 << iota
	FlagBreakMarker
	FlagIsMain
)

// MarkState is the collector's tri-state mark (spec.md §4.3 step 3).
type MarkState uint8

const (
	Unmarked MarkState = iota
	Marked
	MarkedAndVisited
)

// Payload is implemented by every tag-specific cell payload (spec.md
// §3.3) so the collector can trace a cell without a type switch over
// every possible payload kind (spec.md §9's "polymorphic visit_children").
type Payload interface {
	// VisitChildren calls visit once for every Value the payload
	// directly owns. Implementations must not allocate.
	VisitChildren(visit func(Value))
}

// Cell is a single heap-allocated, GC-participating object (spec.md
// §3.2). Every field here is named directly after the spec's cell
// layout; Payload carries the tag-specific data from spec.md §3.3.
type Cell struct {
	Tag       Tag
	Class     *Cell
	Singleton *Cell
	Flags     Flags
	IVars     map[*Cell]Value // symbol cell -> value, lazily allocated
	Mu        sync.Mutex
	Payload   Payload

	// Mark is collector bookkeeping (spec.md §4.3). A freshly allocated
	// cell starts life as Marked, not Unmarked — spec.md §4.3 step 4
	// explains why: it defends against a race where a mutator allocates
	// mid-collection and the new cell is reachable only through a stack
	// slot the collector already walked.
	Mark MarkState

	// next threads the free list when the cell is not in use, and is
	// owned entirely by pkg/gc. It lives here (rather than in a wrapper
	// struct) so a block's cell array can be a single contiguous
	// allocation with stable addresses — see DESIGN.md on why Value
	// pointers into a block never dangle.
	NextFree *Cell
	InUse    bool
}

// Frozen reports whether the cell has been frozen.
func (c *Cell) Frozen() bool { return c.Flags&FlagFrozen != 0 }

// Freeze marks the cell frozen. Freezing twice is a no-op (spec.md §8
// "Idempotence").
func (c *Cell) Freeze() { c.Flags |= FlagFrozen }

// IVarGet/IVarSet implement the lazily-allocated instance-variable map
// (spec.md §3.2).
func (c *Cell) IVarGet(name *Cell) (Value, bool) {
	if c.IVars == nil {
		return 0, false
	}
	v, ok := c.IVars[name]
	return v, ok
}

func (c *Cell) IVarSet(name *Cell, v Value) {
	if c.IVars == nil {
		c.IVars = make(map[*Cell]Value)
	}
	c.IVars[name] = v
}

// VisitChildren enumerates every Value this cell directly references:
// its class, singleton class, ivars, and payload-specific references
// (spec.md §4.3 step 3). Used by the collector's trace phase.
func (c *Cell) VisitChildren(visit func(Value)) {
	if c.Class != nil {
		visit(FromCell(c.Class))
	}
	if c.Singleton != nil {
		visit(FromCell(c.Singleton))
	}
	for _, v := range c.IVars {
		visit(v)
	}
	if c.Payload != nil {
		c.Payload.VisitChildren(visit)
	}
}

// NotCollectible reports whether sweep must skip this cell regardless
// of mark state (spec.md §4.3 "Sweep phase").
func (c *Cell) NotCollectible() bool { return c.Tag.notCollectible() }

// Value is the uniform 64-bit (word-sized) handle every operation in the
// runtime consumes (spec.md §3.1). Bit 0 set means an immediate integer
// occupying the remaining bits (arithmetic-shifted); bit 0 clear means
// the word is a pointer to a Cell.
type Value uintptr

// Immediate integer range: one tag bit is spent, so the usable range is
// one bit narrower than a full machine word (spec.md §8 "Boundaries").
const (
	MaxImmediate = int64(1)<<62 - 1
	MinImmediate = -(int64(1) << 62)
)

// Nil is the zero Value: not a valid handle (no live cell has a nil
// Go pointer), used as a sentinel for "no value" in Go-level APIs that
// need one (e.g. a map lookup miss). The canonical Ruby nil is a real
// Cell with Tag TagNil, owned by the object package's global
// environment, and is a different, valid Value.
const Nil Value = 0

// NewInteger encodes n as an immediate Value. Panics if n is outside
// the representable range — per spec.md §4.1 this is a programmer
// error. This module has no boxed Integer constructor to promote an
// out-of-range value to; FitsImmediate reports whether n is in range.
func NewInteger(n int64) Value {
	if n > MaxImmediate || n < MinImmediate {
		panic(fmt.Sprintf("value: integer %d out of immediate range", n))
	}
	return Value(uintptr(n)<<1 | 1)
}

// FitsImmediate reports whether n can be represented without boxing.
func FitsImmediate(n int64) bool { return n >= MinImmediate && n <= MaxImmediate }

// FromCell encodes a pointer to a live cell as a Value.
func FromCell(c *Cell) Value {
	if c == nil {
		panic("value: FromCell(nil)")
	}
	return Value(uintptr(unsafe.Pointer(c)))
}

// IsInteger reports whether v is an immediate integer.
func (v Value) IsInteger() bool { return v&1 == 1 }

// IsPointer reports whether v is a pointer to a cell.
func (v Value) IsPointer() bool { return v&1 == 0 }

// Int returns the immediate integer value. Undefined (panics) on a
// pointer Value — callers must check IsInteger first (spec.md §4.1
// "Failure policy").
func (v Value) Int() int64 {
	if !v.IsInteger() {
		panic("value: Int() called on a pointer Value")
	}
	// int64(v) preserves the bit pattern (same-width conversion), so
	// the following shift is the arithmetic shift spec.md §3.1 requires.
	return int64(v) >> 1
}

// Cell returns the pointed-to cell. It does not box an immediate
// integer, and this module has no boxing path for one. Panics on an
// immediate or null Value.
func (v Value) Cell() *Cell {
	if v.IsInteger() {
		panic("value: Cell() called on an immediate integer Value")
	}
	if v == Nil {
		panic("value: dereferencing a null handle")
	}
	return (*Cell)(unsafe.Pointer(uintptr(v)))
}

// Type returns the dynamic tag: TagInteger for immediates (even though
// small integers don't occupy an Integer cell, they present as the
// Integer tag to callers), else the pointee cell's tag.
func (v Value) Type() Tag {
	if v.IsInteger() {
		return TagInteger
	}
	return v.Cell().Tag
}

// Truthy implements Ruby truthiness: only nil and false are falsey,
// every other value — including integer 0 — is truthy (spec.md §4.1).
func (v Value) Truthy() bool {
	if v.IsInteger() {
		return true
	}
	if v == Nil {
		return false
	}
	t := v.Cell().Tag
	return t != TagNil && t != TagFalse
}

// ObjectID returns a stable identifier: a function of the integer for
// immediates, the address for cells (spec.md §4.1, §8 property 1).
func (v Value) ObjectID() int64 {
	if v.IsInteger() {
		return v.Int()*2 + 1
	}
	return int64(v)
}

// Equal is identity equality on the handle itself (pointer identity for
// cells, value identity for immediates) — the comparison spec.md §3.5
// uses for symbol interning and the comparison Go's == already gives a
// uintptr-backed type for free.
func (v Value) Equal(other Value) bool { return v == other }

// --- Symbol interning (spec.md §3.3 Symbol, §3.5 invariant, §8 round-trip) ---

// symbolPayload is the tag-specific payload for a TagSymbol cell.
type symbolPayload struct{ name string }

func (p *symbolPayload) VisitChildren(func(Value)) {}

var symbolTable = struct {
	mu sync.Mutex
	m  map[string]*Cell
}{m: make(map[string]*Cell)}

// Intern returns the single canonical Symbol cell for name, allocating
// it the first time. Symbols are never reclaimed — they live for the
// process lifetime outside any gc.Heap block (spec.md §3.3, §4.3 "Cells
// flagged not collectible... are skipped"; symbols go further and are
// never candidates for sweep at all since they aren't block-resident).
func Intern(name string) *Cell {
	// Symbol interning mutates shared interpreter state (spec.md §4.5
	// "Discipline" names "symbol intern" alongside allocation and method
	// table changes), so it takes the same process-wide lock those do.
	procmutex.Process().Lock("value.Intern")
	defer procmutex.Process().Unlock("value.Intern")

	symbolTable.mu.Lock()
	defer symbolTable.mu.Unlock()
	if c, ok := symbolTable.m[name]; ok {
		return c
	}
	c := &Cell{Tag: TagSymbol, Mark: MarkedAndVisited, Payload: &symbolPayload{name: name}}
	symbolTable.m[name] = c
	return c
}

// SymbolName returns the interned name of a symbol cell. Panics if c is
// not a TagSymbol cell.
func SymbolName(c *Cell) string {
	p, ok := c.Payload.(*symbolPayload)
	if !ok {
		panic("value: SymbolName called on a non-Symbol cell")
	}
	return p.name
}
