package binder

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-go-golems/fluxloop/pkg/target"
)

const (
	// SendProvider captures messages the target sends back to the user.
	SendProvider = "collector.send"
	// ErrorProvider captures errors the target reports out of band.
	ErrorProvider = "collector.error"
)

var placeholderRe = regexp.MustCompile(`^<(builtin|callable):([^<>]+)>$`)

// parsePlaceholder recognises `<builtin:NAME>` and `<callable:NAME>` values.
func parsePlaceholder(v any) (kind string, name string, ok bool) {
	s, isString := v.(string)
	if !isString {
		return "", "", false
	}
	m := placeholderRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", false
	}
	return m[1], strings.TrimSpace(m[2]), true
}

// Call is one captured invocation of a CapturingCallable.
type Call struct {
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// CapturingCallable stands in for a live callback recorded in a replay log.
// Every call is buffered so the runner can turn them into transcript turns.
type CapturingCallable struct {
	// Name is the placeholder name the callable was bound for.
	Name string
	// Provider is the provider that produced it, e.g. collector.send.
	Provider string

	mu    sync.Mutex
	calls []Call
}

var _ target.Callback = (*CapturingCallable)(nil)

func (c *CapturingCallable) Call(args []any, kwargs map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{
		Args:   append([]any(nil), args...),
		Kwargs: cloneMap(kwargs),
	})
	return nil, nil
}

func (c *CapturingCallable) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Messages renders each call as text: the first positional argument, else a
// `message`/`content`/`text` keyword.
func (c *CapturingCallable) Messages() []string {
	calls := c.Calls()
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		if msg, ok := messageOf(call); ok {
			out = append(out, msg)
		}
	}
	return out
}

func messageOf(call Call) (string, bool) {
	if len(call.Args) > 0 && call.Args[0] != nil {
		return stringify(call.Args[0]), true
	}
	for _, k := range []string{"message", "content", "text"} {
		if v, ok := call.Kwargs[k]; ok && v != nil {
			return stringify(v), true
		}
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"content", "text", "message"} {
			if s, ok := t[k].(string); ok {
				return s
			}
		}
	}
	return fmt.Sprint(v)
}

// Provider builds a fresh capturing callable for a placeholder name.
type Provider func(name string) *CapturingCallable

// ProviderRegistry maps provider names to providers.
type ProviderRegistry struct {
	providers map[string]Provider
}

// NewProviderRegistry returns a registry holding the collector builtins.
func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{providers: map[string]Provider{}}
	for _, name := range []string{SendProvider, ErrorProvider} {
		providerName := name
		r.Register(providerName, func(name string) *CapturingCallable {
			return &CapturingCallable{Name: name, Provider: providerName}
		})
	}
	return r
}

func (r *ProviderRegistry) Register(name string, p Provider) {
	r.providers[name] = p
}

func (r *ProviderRegistry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *ProviderRegistry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
