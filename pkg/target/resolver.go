package target

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Resolver turns specifiers into invocable handles. Resolutions are cached for
// the lifetime of the resolver, so a target is loaded (and a class
// instantiated) once per experiment.
type Resolver struct {
	registry *Registry
	baseDir  string

	mu     sync.Mutex
	cache  map[string]Handle
	script *scriptHost
}

type ResolverOption func(*Resolver)

// WithBaseDir sets the directory script module paths resolve against.
func WithBaseDir(dir string) ResolverOption {
	return func(r *Resolver) { r.baseDir = dir }
}

func WithRegistry(reg *Registry) ResolverOption {
	return func(r *Resolver) { r.registry = reg }
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: DefaultRegistry,
		cache:    map[string]Handle{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ResolveString parses and resolves a specifier.
func (r *Resolver) ResolveString(s string) (Handle, error) {
	spec, err := ParseSpec(s)
	if err != nil {
		return nil, err
	}
	return r.Resolve(spec)
}

func (r *Resolver) Resolve(spec Spec) (Handle, error) {
	key := spec.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.cache[key]; ok {
		return h, nil
	}

	var (
		h   Handle
		err error
	)
	if spec.IsScript() {
		if r.script == nil {
			r.script = newScriptHost()
		}
		h, err = r.script.resolve(spec, r.baseDir)
	} else {
		h, err = r.registry.resolve(spec)
	}
	if err != nil {
		return nil, err
	}

	log.Debug().Str("target", key).Str("kind", h.Kind().String()).Int("params", len(h.Params())).Msg("resolved target")
	r.cache[key] = h
	return h, nil
}
