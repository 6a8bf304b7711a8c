package formula

import (
	"context"
	"sort"
	"strings"
)

// Function is the contract a function implementation satisfies.
//
// Call receives evaluated arguments: errors, scalars, arrays, lambdas and
// multi-cell references (*ReferenceValue, which implements Range). single
// cell references arrive dereferenced unless ReferenceArgs is set. unless
// ErrorAbsorbing is set, an error argument short-circuits the call and the
// first error is returned as the result.
//
// CallAsync, when set, replaces Call. nodes calling such a function must
// be evaluated with EvaluateAsync.
type Function struct {
	Name      string
	Call      func(call *CallContext, args []Primitive) Primitive
	CallAsync func(ctx context.Context, call *CallContext, args []Primitive) (Primitive, error)

	// Volatile functions are recalculated on every pass
	Volatile bool
	// ErrorAbsorbing functions receive error arguments instead of
	// propagating them
	ErrorAbsorbing bool
	// ReferenceArgs functions receive references as *ReferenceValue even
	// for single cells
	ReferenceArgs bool
}

// Registry is an immutable name to function map. names are
// case-insensitive.
type Registry struct {
	functions map[string]*Function
}

// NewRegistry builds a registry. a later function replaces an earlier one
// with the same name.
func NewRegistry(functions ...*Function) *Registry {
	r := &Registry{functions: make(map[string]*Function, len(functions))}
	for _, fn := range functions {
		r.functions[strings.ToUpper(fn.Name)] = fn
	}
	return r
}

// Lookup finds a function by name
func (r *Registry) Lookup(name string) (*Function, bool) {
	if r == nil {
		return nil, false
	}
	fn, ok := r.functions[strings.ToUpper(name)]
	return fn, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With returns a copy of the registry extended with more functions
func (r *Registry) With(functions ...*Function) *Registry {
	all := make([]*Function, 0, len(r.functions)+len(functions))
	for _, fn := range r.functions {
		all = append(all, fn)
	}
	return NewRegistry(append(all, functions...)...)
}
