// Package binder builds the keyword arguments each target invocation receives,
// either from the runtime input alone or by replaying a recorded call.
package binder

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/target"
)

// Binding is the argument set for one invocation.
type Binding struct {
	Args      target.Args
	Callables []*CapturingCallable
}

// SentMessages returns the messages captured by send callables, in binding
// order.
func (b *Binding) SentMessages() []string {
	return b.messagesFrom(SendProvider)
}

// ReportedErrors returns the messages captured by error callables.
func (b *Binding) ReportedErrors() []string {
	return b.messagesFrom(ErrorProvider)
}

func (b *Binding) messagesFrom(provider string) []string {
	var out []string
	for _, c := range b.Callables {
		if c.Provider == provider {
			out = append(out, c.Messages()...)
		}
	}
	return out
}

type Binder struct {
	cfg       *config.ExperimentConfig
	providers *ProviderRegistry

	loadOnce sync.Once
	recs     []Recording
	loadErr  error
}

type Option func(*Binder)

func WithProviders(reg *ProviderRegistry) Option {
	return func(b *Binder) { b.providers = reg }
}

func New(cfg *config.ExperimentConfig, opts ...Option) *Binder {
	b := &Binder{cfg: cfg, providers: NewProviderRegistry()}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Binder) replay() bool {
	return b.cfg != nil && b.cfg.ReplayArgs.Enabled
}

// Validate checks once, before any invocation, that h can be bound at all.
func (b *Binder) Validate(h target.Handle) error {
	if !b.replay() {
		required := target.RequiredParams(h)
		if len(required) != 1 {
			return config.Errorf("bind arguments",
				"target %s must declare exactly one required parameter for the runtime input, found %d (%s); enable replay_args to bind richer signatures",
				h.Spec(), len(required), strings.Join(required, ", "))
		}
		return nil
	}
	_, err := b.Bind(h, "")
	return err
}

// Bind produces the arguments for one invocation with the given runtime input.
func (b *Binder) Bind(h target.Handle, input string) (*Binding, error) {
	if !b.replay() {
		required := target.RequiredParams(h)
		if len(required) != 1 {
			return nil, config.Errorf("bind arguments", "target %s must declare exactly one required parameter", h.Spec())
		}
		return &Binding{Args: target.Args{required[0]: input}}, nil
	}

	rec, err := b.recordingFor(h.Spec())
	if err != nil {
		return nil, err
	}
	kwargs := cloneMap(rec.Kwargs)
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if path := strings.TrimSpace(b.cfg.ReplayArgs.OverrideParamPath); path != "" {
		if err := setPath(kwargs, path, input); err != nil {
			return nil, config.Wrap(err, "bind arguments")
		}
	}

	binding := &Binding{}
	missing := map[string]struct{}{}
	resolved := b.substitute(kwargs, binding, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, config.Errorf("bind arguments", "missing callable providers: %s (registered: %s)",
			strings.Join(names, ", "), strings.Join(b.providers.Names(), ", "))
	}
	binding.Args = target.Args(resolved.(map[string]any))
	return binding, nil
}

func (b *Binder) recordingFor(spec target.Spec) (Recording, error) {
	b.loadOnce.Do(func() {
		path := b.cfg.ResolvePath(b.cfg.ReplayArgs.RecordingFile)
		b.recs, b.loadErr = ReadRecordings(path)
	})
	if b.loadErr != nil {
		return Recording{}, config.Wrap(b.loadErr, "load replay recording")
	}
	key := canonicalTarget(spec.String())
	normalized := make([]Recording, len(b.recs))
	for i, r := range b.recs {
		normalized[i] = r
		normalized[i].Target = canonicalTarget(r.Target)
	}
	rec, ok := latestFor(normalized, key)
	if !ok {
		return Recording{}, config.Errorf("load replay recording", "no recorded call for target %s in %s",
			key, b.cfg.ReplayArgs.RecordingFile)
	}
	return rec, nil
}

func canonicalTarget(s string) string {
	spec, err := target.ParseSpec(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return spec.String()
}

// substitute replaces placeholder strings with capturing callables. Map keys
// are visited in sorted order so callables are bound deterministically.
func (b *Binder) substitute(v any, binding *Binding, missing map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t[k] = b.substitute(t[k], binding, missing)
		}
		return t
	case []any:
		for i := range t {
			t[i] = b.substitute(t[i], binding, missing)
		}
		return t
	}

	kind, name, ok := parsePlaceholder(v)
	if !ok {
		return v
	}
	providerName := name
	if kind == "callable" {
		providerName = strings.TrimSpace(b.cfg.ReplayArgs.CallableProviders[name])
	}
	p, found := b.providers.Lookup(providerName)
	if providerName == "" || !found {
		missing[fmt.Sprintf("<%s:%s>", kind, name)] = struct{}{}
		return v
	}
	c := p(name)
	binding.Callables = append(binding.Callables, c)
	return c
}

