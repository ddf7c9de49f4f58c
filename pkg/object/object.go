// Package object implements classes, modules, method records, and the
// ancestor-walk method resolution algorithm (spec.md §3.3, §4.2) on top
// of the value handles and cells pkg/value defines.
package object

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/kristofer/smogrb/pkg/value"
)

// Visibility mirrors Ruby's three method visibilities (spec.md §4.2).
type Visibility uint8

const (
	Public Visibility = iota
	Protected
	Private
)

func (v Visibility) String() string {
	switch v {
	case Protected:
		return "protected"
	case Private:
		return "private"
	default:
		return "public"
	}
}

// Callable is implemented by anything a Method can dispatch to: a
// native Go function or a captured closure environment. Kept as an
// interface, rather than a concrete function type, so a future block
// representation (or the teacher's own vm.Block, adapted) can satisfy
// it without pkg/object importing pkg/vm.
type Callable interface {
	Call(receiver value.Value, args []value.Value) (value.Value, error)
}

// NativeFunc adapts a plain Go function to Callable.
type NativeFunc func(receiver value.Value, args []value.Value) (value.Value, error)

// Call implements Callable.
func (f NativeFunc) Call(receiver value.Value, args []value.Value) (value.Value, error) {
	return f(receiver, args)
}

// Method is one entry in a Class's method table (spec.md §4.2). Arity
// follows Ruby's convention: a non-negative arity is exact, a negative
// arity -(n+1) means "at least n required arguments, rest optional or
// splatted" — this lets DefineMethod express both without a second
// field.
type Method struct {
	Name         string
	Fn           Callable
	Arity        int
	File         string
	Line         int
	Optimized    bool
	OriginalName string
	Visibility   Visibility
	Undefined    bool // set by UndefMethod; Resolve still returns it, but Dispatch raises NoMethodError directly instead of falling back to method_missing
}

// ErrNoMethod is the sentinel wrapped by NoMethodError so callers can
// use errors.Is against it regardless of the message text.
var ErrNoMethod = errors.New("object: no matching method")

// ErrVisibility is the sentinel wrapped by a visibility violation.
var ErrVisibility = errors.New("object: method call violates its visibility")

// NoMethodError reports that neither the selector nor method_missing
// resolved (spec.md §4.2 step 4, §7).
type NoMethodError struct {
	Selector string
	ClassName string
}

func (e *NoMethodError) Error() string {
	return fmt.Sprintf("undefined method %q for %s", e.Selector, e.ClassName)
}

func (e *NoMethodError) Unwrap() error { return ErrNoMethod }

// VisibilityError reports a call that resolved a method but was not
// allowed to invoke it from the caller's context (spec.md §4.2
// "Visibility rules").
type VisibilityError struct {
	Selector   string
	Visibility Visibility
}

func (e *VisibilityError) Error() string {
	return fmt.Sprintf("%s method %q called with an explicit receiver", e.Visibility, e.Selector)
}

func (e *VisibilityError) Unwrap() error { return ErrVisibility }
