package object

import (
	"github.com/pkg/errors"

	"github.com/kristofer/smogrb/pkg/gc"
	"github.com/kristofer/smogrb/pkg/procmutex"
	"github.com/kristofer/smogrb/pkg/value"
)

// processLockOwner identifies this package's critical sections to the
// process-wide lock shared with pkg/gc and pkg/value (spec.md §4.5
// "Discipline" names "method table change" and "constant set" alongside
// allocation and symbol intern as operations that must hold it). See
// pkg/gc's processLockOwner doc for why a fixed per-package owner string
// is used instead of per-call/per-thread identity.
const processLockOwner = "object"

// ConstLookup selects how far a constant lookup travels (spec.md §4.2
// "Constants").
type ConstLookup uint8

const (
	// LookupStrict only consults the class's own constant table.
	LookupStrict ConstLookup = iota
	// LookupNotStrict additionally walks the ancestor chain, the way
	// Module#const_get does by default.
	LookupNotStrict
)

// ConstFailurePolicy selects what happens when a constant isn't found
// (spec.md §4.2).
type ConstFailurePolicy uint8

const (
	ConstNone    ConstFailurePolicy = iota // report ok=false, no error
	ConstRaise                             // return a NameError-equivalent
	ConstMissing                           // fall back to const_missing
)

// Class represents both classes and modules (spec.md §3.3 groups them
// under one record shape; IsModule distinguishes instantiability). Each
// Class is backed by a heap cell so it is itself a first-class Value —
// `SomeClass.new` sends a message to a Value like any other object.
type Class struct {
	Cell *value.Cell

	Name        string
	Super       *Class
	IsModule    bool
	IsSingleton bool

	Methods   map[string]*Method
	Constants map[string]value.Value
	ClassVars map[string]value.Value

	// Included/Prepended are recorded in call order (most recent last);
	// Ancestors walks them back to front, matching Ruby's "last included
	// wins priority, closest to self" rule (spec.md §4.2).
	Included  []*Class
	Prepended []*Class
}

// Value returns the Class as the Value that represents it at runtime.
func (c *Class) Value() value.Value { return value.FromCell(c.Cell) }

// VisitChildren implements value.Payload so the collector traces a
// live class's superclass, mixins, and every constant/class-variable it
// holds (spec.md §4.3 step 3). Method closures are traced by whatever
// Callable implementation captures them, not here — pkg/object has no
// visibility into a closure's captured environment.
func (c *Class) VisitChildren(visit func(value.Value)) {
	if c.Super != nil {
		visit(c.Super.Value())
	}
	for _, m := range c.Included {
		visit(m.Value())
	}
	for _, m := range c.Prepended {
		visit(m.Value())
	}
	for _, v := range c.Constants {
		visit(v)
	}
	for _, v := range c.ClassVars {
		visit(v)
	}
}

// NewClass allocates a new class with the given superclass (nil only
// for the root of the hierarchy — spec.md §4.2's "falls off
// BasicObject").
func NewClass(heap *gc.Heap, name string, super *Class) *Class {
	cell := heap.Allocate(value.TagClass)
	c := &Class{
		Cell:      cell,
		Name:      name,
		Super:     super,
		Methods:   make(map[string]*Method),
		Constants: make(map[string]value.Value),
		ClassVars: make(map[string]value.Value),
	}
	cell.Payload = c
	return c
}

// NewModule allocates a new module. Modules have no superclass and are
// never directly instantiated (spec.md §3.3).
func NewModule(heap *gc.Heap, name string) *Class {
	cell := heap.Allocate(value.TagModule)
	c := &Class{
		Cell:      cell,
		Name:      name,
		IsModule:  true,
		Methods:   make(map[string]*Method),
		Constants: make(map[string]value.Value),
		ClassVars: make(map[string]value.Value),
	}
	cell.Payload = c
	return c
}

// Include appends m to the class's included-modules list.
func (c *Class) Include(m *Class) { c.Included = append(c.Included, m) }

// Prepend appends m to the class's prepended-modules list.
func (c *Class) Prepend(m *Class) { c.Prepended = append(c.Prepended, m) }

// DefineMethod installs a method, replacing any existing one of the
// same name (spec.md §4.2 "method definition").
func (c *Class) DefineMethod(name string, fn Callable, arity int, vis Visibility) {
	procmutex.Process().Lock(processLockOwner)
	defer procmutex.Process().Unlock(processLockOwner)
	c.Methods[name] = &Method{Name: name, Fn: fn, Arity: arity, Visibility: vis}
}

// SetConst assigns name in c's own constant table, taking the
// process-wide lock for the duration (spec.md §4.5 "Discipline"
// "constant set").
func (c *Class) SetConst(name string, v value.Value) {
	procmutex.Process().Lock(processLockOwner)
	defer procmutex.Process().Unlock(processLockOwner)
	c.Constants[name] = v
}

// AliasMethod copies the current resolution of oldName to newName
// (spec.md §4.2 "Aliasing"). The alias is a snapshot: later redefining
// oldName does not change what newName calls, matching Ruby semantics.
func (c *Class) AliasMethod(newName, oldName string) error {
	m, _ := Resolve(c, oldName)
	if m == nil || m.Undefined {
		return errors.Errorf("object: undefined method %q for alias_method", oldName)
	}
	alias := *m
	alias.Name = newName
	alias.OriginalName = oldName
	c.Methods[newName] = &alias
	return nil
}

// UndefMethod makes name resolve as absent on this class, even if an
// ancestor defines it — distinct from simply never having defined it
// (spec.md §4.2 "undef").
func (c *Class) UndefMethod(name string) {
	c.Methods[name] = &Method{Name: name, Undefined: true}
}

// collectAncestors flattens the prepend → self → include → super chain
// (spec.md §4.2 "Method resolution order"), skipping a class already
// visited so a diamond-shaped module graph contributes each ancestor
// once, at its closest position.
func collectAncestors(c *Class, seen map[*Class]bool, out *[]*Class) {
	if c == nil || seen[c] {
		return
	}
	for i := len(c.Prepended) - 1; i >= 0; i-- {
		collectAncestors(c.Prepended[i], seen, out)
	}
	if !seen[c] {
		seen[c] = true
		*out = append(*out, c)
	}
	for i := len(c.Included) - 1; i >= 0; i-- {
		collectAncestors(c.Included[i], seen, out)
	}
	collectAncestors(c.Super, seen, out)
}

// Ancestors returns c's full method resolution order.
func Ancestors(c *Class) []*Class {
	var out []*Class
	collectAncestors(c, make(map[*Class]bool), &out)
	return out
}

// Resolve walks c's ancestors for the first method record named
// selector, returning it and the ancestor it was found on (spec.md §4.2
// steps 1-3). A match whose Method.Undefined is set is still returned,
// not hidden: undef must shadow whatever an ancestor defines and stop
// the lookup right there, not be indistinguishable from "no method
// anywhere in the ancestry" — callers that would otherwise fall back to
// method_missing on a nil result (Dispatch, AliasMethod) must check
// Undefined explicitly and treat it as a hard miss.
func Resolve(c *Class, selector string) (*Method, *Class) {
	for _, anc := range Ancestors(c) {
		if m, ok := anc.Methods[selector]; ok {
			return m, anc
		}
	}
	return nil, nil
}

// isDescendant reports whether target sits on caller's ancestor chain
// (caller is target, inherits from it, or mixes it in) — the approximation this port uses for "caller can see target's
// protected members" (spec.md §4.2 "sender is a descendant").
func isDescendant(caller, target *Class) bool {
	if caller == nil {
		return false
	}
	for _, anc := range Ancestors(caller) {
		if anc == target {
			return true
		}
	}
	return false
}

// CheckVisibility reports whether a method found on definedIn may be
// invoked by callerClass (spec.md §4.2 "Visibility rules"). Exported so
// a caller that resolves a method through Resolve directly (rather than
// through Dispatch) — as vm.VM's adaptation does, to keep invoking the
// toy bytecode interpreter's own call machinery — can still enforce the
// same rule.
func CheckVisibility(m *Method, definedIn, callerClass *Class) error {
	return checkVisibility(m, definedIn, callerClass)
}

func checkVisibility(m *Method, definedIn, callerClass *Class) error {
	switch m.Visibility {
	case Public:
		return nil
	case Private:
		if callerClass == definedIn {
			return nil
		}
	case Protected:
		if isDescendant(callerClass, definedIn) {
			return nil
		}
	}
	return errors.WithStack(&VisibilityError{Selector: m.Name, Visibility: m.Visibility})
}

// Dispatch resolves and invokes selector on receiver, whose class is c.
// callerClass expresses the calling context for visibility checks; pass
// nil for "unknown sender" (public_send forces this, so only Public
// methods are reachable). On resolution failure it retries through
// method_missing before giving up with NoMethodError (spec.md §4.2 step
// 4, the original_source "method_missing fallback").
func Dispatch(receiver value.Value, c *Class, selector string, args []value.Value, callerClass *Class) (value.Value, error) {
	m, foundIn := Resolve(c, selector)
	if m != nil && m.Undefined {
		// undef shadows whatever an ancestor defines and ends the lookup
		// right here — it must not fall through to method_missing.
		return value.Nil, errors.WithStack(&NoMethodError{Selector: selector, ClassName: c.Name})
	}
	if m == nil {
		if mm, _ := Resolve(c, "method_missing"); mm != nil && !mm.Undefined {
			mmArgs := make([]value.Value, 0, len(args)+1)
			mmArgs = append(mmArgs, value.FromCell(value.Intern(selector)))
			mmArgs = append(mmArgs, args...)
			return mm.Fn.Call(receiver, mmArgs)
		}
		return value.Nil, errors.WithStack(&NoMethodError{Selector: selector, ClassName: c.Name})
	}
	if err := checkVisibility(m, foundIn, callerClass); err != nil {
		return value.Nil, err
	}
	return m.Fn.Call(receiver, args)
}

// PublicSend is Dispatch with an unknown sender, matching Ruby's
// public_send (spec.md §4.2).
func PublicSend(receiver value.Value, c *Class, selector string, args []value.Value) (value.Value, error) {
	return Dispatch(receiver, c, selector, args, nil)
}

// Const looks up name on c per lookup/policy (spec.md §4.2
// "Constants"). ok reports whether a value was found (meaningful only
// under ConstNone, where a miss is not an error).
func (c *Class) Const(name string, lookup ConstLookup, policy ConstFailurePolicy) (v value.Value, ok bool, err error) {
	if val, found := c.Constants[name]; found {
		return val, true, nil
	}
	if lookup == LookupNotStrict {
		for _, anc := range Ancestors(c) {
			if val, found := anc.Constants[name]; found {
				return val, true, nil
			}
		}
	}
	switch policy {
	case ConstNone:
		return value.Nil, false, nil
	case ConstMissing:
		if mm, _ := Resolve(c, "const_missing"); mm != nil && !mm.Undefined {
			sym := value.FromCell(value.Intern(name))
			v, err = mm.Fn.Call(c.Value(), []value.Value{sym})
			return v, err == nil, err
		}
		fallthrough
	default: // ConstRaise
		return value.Nil, false, errors.Errorf("object: uninitialized constant %s::%s", c.Name, name)
	}
}

// SingletonClassOf returns (allocating if necessary) the singleton
// class of the cell target. A singleton class always subclasses the
// object's current direct class (spec.md §3.5 invariant 3).
func SingletonClassOf(heap *gc.Heap, target *value.Cell) *Class {
	if target.Singleton != nil {
		return target.Singleton.Payload.(*Class)
	}
	current, _ := target.Class.Payload.(*Class)
	sc := &Class{
		Name:      "#<Class:" + target.Tag.String() + ">",
		Super:     current,
		IsSingleton: true,
		Methods:   make(map[string]*Method),
		Constants: make(map[string]value.Value),
		ClassVars: make(map[string]value.Value),
	}
	cell := heap.Allocate(value.TagClass)
	cell.Payload = sc
	sc.Cell = cell
	target.Singleton = cell
	return sc
}

// DefineSingletonMethod defines name on target's singleton class,
// allocating it first if needed.
func DefineSingletonMethod(heap *gc.Heap, target *value.Cell, name string, fn Callable, arity int) {
	SingletonClassOf(heap, target).DefineMethod(name, fn, arity, Public)
}

// Extend mixes m into target's singleton class's inclusion list (spec.md
// §4.2 "`extend` inserts into the singleton class's inclusion list"),
// allocating the singleton class first if needed. Unlike Class.Include,
// which affects every instance of a class, Extend affects only target.
func Extend(heap *gc.Heap, target *value.Cell, m *Class) {
	SingletonClassOf(heap, target).Include(m)
}

// RespondTo reports whether selector resolves to a usable (not undef'd)
// method on c (spec.md §4.1 "respond_to(env, symbol) -> bool").
func RespondTo(c *Class, selector string) bool {
	m, _ := Resolve(c, selector)
	return m != nil && !m.Undefined
}

// ClassOf returns the Class payload of v's direct class, preferring the
// singleton class if one has been installed (spec.md §4.2's "the
// resolution starts from the singleton class when present").
func ClassOf(v value.Value, integerClass *Class) *Class {
	if v.IsInteger() {
		return integerClass
	}
	cell := v.Cell()
	if cell.Singleton != nil {
		return cell.Singleton.Payload.(*Class)
	}
	return cell.Class.Payload.(*Class)
}
