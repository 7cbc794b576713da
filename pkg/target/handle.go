package target

import (
	"context"
	"fmt"
)

// Kind tags the variant a Spec resolved into.
type Kind int

const (
	FunctionTarget Kind = iota
	MethodTarget
	ScriptTarget
)

func (k Kind) String() string {
	switch k {
	case FunctionTarget:
		return "function"
	case MethodTarget:
		return "method"
	case ScriptTarget:
		return "script"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Param is one named parameter of a target.
type Param struct {
	Name     string
	Optional bool
}

// Args are keyword arguments for one invocation.
type Args map[string]any

// Callback is a live callable passed to a target as an argument, e.g. a
// message sink the target reports through.
type Callback interface {
	Call(args []any, kwargs map[string]any) (any, error)
}

// Handle is a resolved, invocable target.
type Handle interface {
	Spec() Spec
	Kind() Kind
	Params() []Param
	Invoke(ctx context.Context, args Args) (any, error)
}

// RequiredParams returns the names of the parameters without defaults.
func RequiredParams(h Handle) []string {
	var out []string
	for _, p := range h.Params() {
		if !p.Optional {
			out = append(out, p.Name)
		}
	}
	return out
}

// Positional orders args along params. Missing optional parameters are passed
// as nil; trailing missing optionals are dropped.
func Positional(params []Param, args Args) ([]any, error) {
	out := make([]any, 0, len(params))
	last := -1
	for i, p := range params {
		v, ok := args[p.Name]
		if !ok && !p.Optional {
			return nil, fmt.Errorf("missing required argument %q", p.Name)
		}
		if ok {
			last = i
		}
		out = append(out, v)
	}
	return out[:last+1], nil
}

type funcHandle struct {
	spec   Spec
	params []Param
	fn     func(ctx context.Context, args Args) (any, error)
}

func (h *funcHandle) Spec() Spec      { return h.spec }
func (h *funcHandle) Kind() Kind      { return FunctionTarget }
func (h *funcHandle) Params() []Param { return append([]Param(nil), h.params...) }
func (h *funcHandle) Invoke(ctx context.Context, args Args) (any, error) {
	return h.fn(ctx, filterArgs(h.params, args))
}

type methodHandle struct {
	spec   Spec
	params []Param
	recv   any
	fn     func(ctx context.Context, recv any, args Args) (any, error)
}

func (h *methodHandle) Spec() Spec      { return h.spec }
func (h *methodHandle) Kind() Kind      { return MethodTarget }
func (h *methodHandle) Params() []Param { return append([]Param(nil), h.params...) }
func (h *methodHandle) Invoke(ctx context.Context, args Args) (any, error) {
	return h.fn(ctx, h.recv, filterArgs(h.params, args))
}

// filterArgs keeps only declared parameters so recorded payloads with extra
// keys can still be replayed against a narrower signature.
func filterArgs(params []Param, args Args) Args {
	out := make(Args, len(params))
	for _, p := range params {
		if v, ok := args[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}
