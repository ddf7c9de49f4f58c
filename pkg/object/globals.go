package object

import (
	"github.com/kristofer/smogrb/pkg/gc"
	"github.com/kristofer/smogrb/pkg/thread"
	"github.com/kristofer/smogrb/pkg/value"
)

// Globals is the bootstrap set of classes and singleton instances every
// runtime needs before a single line of user code runs (spec.md §3.4
// "Global environment"). It is assembled once per Heap.
type Globals struct {
	BasicObject *Class
	ObjectClass *Class
	ModuleClass *Class
	ClassClass  *Class
	IntegerClass *Class
	NilClass    *Class
	TrueClass   *Class
	FalseClass  *Class

	Nil   value.Value
	True  value.Value
	False value.Value

	// TopConstants holds constants defined at the top level (outside
	// any class/module body) — Ruby resolves these as Object's own
	// constant table, which is exactly how they're stored here too.
	TopConstants map[string]value.Value

	// DefaultGroup is the ThreadGroup every Thread belongs to until
	// explicitly moved (spec.md §3.4's "the default group lives on the
	// global environment").
	DefaultGroup *thread.Group
}

// NewGlobals bootstraps the class hierarchy's root and the handful of
// singleton instances (nil, true, false) every dispatch needs to be
// able to name (spec.md §3.4, §4.1 "canonical nil/true/false").
func NewGlobals(heap *gc.Heap) *Globals {
	basicObject := NewClass(heap, "BasicObject", nil)
	objectClass := NewClass(heap, "Object", basicObject)
	moduleClass := NewClass(heap, "Module", objectClass)
	classClass := NewClass(heap, "Class", moduleClass)
	integerClass := NewClass(heap, "Integer", objectClass)
	nilClass := NewClass(heap, "NilClass", objectClass)
	trueClass := NewClass(heap, "TrueClass", objectClass)
	falseClass := NewClass(heap, "FalseClass", objectClass)

	basicObject.Cell.Class = classClass.Cell
	objectClass.Cell.Class = classClass.Cell
	moduleClass.Cell.Class = classClass.Cell
	classClass.Cell.Class = classClass.Cell
	integerClass.Cell.Class = classClass.Cell
	nilClass.Cell.Class = classClass.Cell
	trueClass.Cell.Class = classClass.Cell
	falseClass.Cell.Class = classClass.Cell

	nilCell := heap.Allocate(value.TagNil)
	nilCell.Class = nilClass.Cell
	trueCell := heap.Allocate(value.TagTrue)
	trueCell.Class = trueClass.Cell
	falseCell := heap.Allocate(value.TagFalse)
	falseCell.Class = falseClass.Cell

	return &Globals{
		BasicObject:  basicObject,
		ObjectClass:  objectClass,
		ModuleClass:  moduleClass,
		ClassClass:   classClass,
		IntegerClass: integerClass,
		NilClass:     nilClass,
		TrueClass:    trueClass,
		FalseClass:   falseClass,
		Nil:          value.FromCell(nilCell),
		True:         value.FromCell(trueCell),
		False:        value.FromCell(falseCell),
		TopConstants: objectClass.Constants,
		DefaultGroup: thread.NewGroup("default"),
	}
}

// Roots implements the Values the collector must always treat as live,
// regardless of any fiber or thread's root stack (spec.md §4.3 step 2
// "global roots"). Wired into a heap with gc.Heap.SetGlobalRoots once
// NewGlobals has returned.
func (g *Globals) Roots() []value.Value {
	return []value.Value{
		g.BasicObject.Value(), g.ObjectClass.Value(), g.ModuleClass.Value(),
		g.ClassClass.Value(), g.IntegerClass.Value(), g.NilClass.Value(),
		g.TrueClass.Value(), g.FalseClass.Value(),
		g.Nil, g.True, g.False,
	}
}
