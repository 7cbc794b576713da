package target

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/pkg/errors"
)

// Func is an invocable module attribute.
type Func struct {
	Params []Param
	Fn     func(ctx context.Context, args Args) (any, error)
}

// Method is a function bound to a Class instance.
type Method struct {
	Params []Param
	Fn     func(ctx context.Context, recv any, args Args) (any, error)
}

// Class is a module attribute that is instantiated once at resolution time
// before one of its methods is bound.
type Class struct {
	New     func() (any, error)
	Methods map[string]Method
}

// Exports is the attribute tree of a module. Values are Func, Class or nested
// Exports.
type Exports map[string]any

// Registry maps module paths to their exports.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Exports
}

func NewRegistry() *Registry {
	return &Registry{modules: map[string]Exports{}}
}

// DefaultRegistry holds the modules registered by this binary.
var DefaultRegistry = NewRegistry()

// Register adds a module. Registering the same path twice is an error.
func (r *Registry) Register(module string, exports Exports) error {
	module = strings.TrimSpace(module)
	if module == "" {
		return errors.New("target registry: empty module path")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[module]; ok {
		return errors.Errorf("target registry: module %q already registered", module)
	}
	r.modules[module] = exports
	return nil
}

// MustRegister is Register for package init blocks.
func (r *Registry) MustRegister(module string, exports Exports) {
	if err := r.Register(module, exports); err != nil {
		panic(err)
	}
}

func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for k := range r.modules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(module string) (Exports, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[module]
	return e, ok
}

// resolve walks spec.Attr through the module's exports.
func (r *Registry) resolve(spec Spec) (Handle, error) {
	exports, ok := r.lookup(spec.Module)
	if !ok {
		return nil, config.Errorf("resolve target", "module %q is not registered (known: %s)",
			spec.Module, strings.Join(r.Modules(), ", "))
	}
	if len(spec.Attr) == 0 {
		return nil, config.Errorf("resolve target", "module %q is not invocable; add an attribute path", spec.Module)
	}

	var cur any = exports
	for i, seg := range spec.Attr {
		walked := strings.Join(spec.Attr[:i], ".")
		switch v := cur.(type) {
		case Exports:
			next, ok := v[seg]
			if !ok {
				return nil, config.Errorf("resolve target", "%s: attribute %q not found under %q", spec, seg, walked)
			}
			cur = next
		case Class:
			m, ok := v.Methods[seg]
			if !ok {
				return nil, config.Errorf("resolve target", "%s: class %q has no method %q", spec, walked, seg)
			}
			if i != len(spec.Attr)-1 {
				return nil, config.Errorf("resolve target", "%s: cannot walk past method %q", spec, seg)
			}
			if m.Fn == nil {
				return nil, config.Errorf("resolve target", "%s: method %q has no implementation", spec, seg)
			}
			var recv any
			if v.New != nil {
				inst, err := v.New()
				if err != nil {
					return nil, config.Wrap(errors.Wrapf(err, "instantiate %s", walked), "resolve target")
				}
				recv = inst
			}
			return &methodHandle{spec: spec, params: m.Params, recv: recv, fn: m.Fn}, nil
		default:
			return nil, config.Errorf("resolve target", "%s: cannot walk into %q (%T)", spec, walked, cur)
		}
	}

	switch v := cur.(type) {
	case Func:
		if v.Fn == nil {
			return nil, config.Errorf("resolve target", "%s: function has no implementation", spec)
		}
		return &funcHandle{spec: spec, params: v.Params, fn: v.Fn}, nil
	case *Func:
		if v == nil || v.Fn == nil {
			return nil, config.Errorf("resolve target", "%s: function has no implementation", spec)
		}
		return &funcHandle{spec: spec, params: v.Params, fn: v.Fn}, nil
	default:
		return nil, config.Errorf("resolve target", "%s: resolved symbol is not invocable (%T)", spec, cur)
	}
}
