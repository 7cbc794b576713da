package target

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	s, err := ParseSpec("pkg.mod:Handler.handle")
	require.NoError(t, err)
	require.Equal(t, "pkg.mod", s.Module)
	require.Equal(t, []string{"Handler", "handle"}, s.Attr)
	require.Equal(t, "pkg.mod:Handler.handle", s.String())

	s, err = SpecFromFields("pkg.mod", "run")
	require.NoError(t, err)
	require.Equal(t, "pkg.mod:run", s.String())

	for _, bad := range []string{"", ":run", "pkg.mod:", "pkg.mod:a..b"} {
		_, err := ParseSpec(bad)
		require.Error(t, err, bad)
		require.True(t, config.IsConfigurationError(err), bad)
	}
}

func newTestRegistry(t *testing.T, instances *int) *Registry {
	reg := NewRegistry()
	require.NoError(t, reg.Register("agents.support", Exports{
		"run": Func{
			Params: []Param{{Name: "input_text"}},
			Fn: func(ctx context.Context, args Args) (any, error) {
				return "got " + args["input_text"].(string), nil
			},
		},
		"nested": Exports{
			"answer": Func{
				Params: []Param{{Name: "q"}},
				Fn: func(ctx context.Context, args Args) (any, error) {
					return 42, nil
				},
			},
		},
		"Bot": Class{
			New: func() (any, error) {
				*instances++
				return &struct{ name string }{name: "bot"}, nil
			},
			Methods: map[string]Method{
				"reply": {
					Params: []Param{{Name: "message"}},
					Fn: func(ctx context.Context, recv any, args Args) (any, error) {
						return recv.(*struct{ name string }).name + ":" + args["message"].(string), nil
					},
				},
			},
		},
		"constant": "not callable",
	}))
	return reg
}

func TestResolver_FunctionAndNestedPaths(t *testing.T) {
	instances := 0
	r := NewResolver(WithRegistry(newTestRegistry(t, &instances)))

	h, err := r.ResolveString("agents.support:run")
	require.NoError(t, err)
	require.Equal(t, FunctionTarget, h.Kind())
	require.Equal(t, []string{"input_text"}, RequiredParams(h))

	out, err := h.Invoke(context.Background(), Args{"input_text": "hi", "extra": 1})
	require.NoError(t, err)
	require.Equal(t, "got hi", out)

	h, err = r.ResolveString("agents.support:nested.answer")
	require.NoError(t, err)
	out, err = h.Invoke(context.Background(), Args{"q": "?"})
	require.NoError(t, err)
	require.Equal(t, 42, out)
}

func TestResolver_MethodTargetInstantiatesOnceAndCaches(t *testing.T) {
	instances := 0
	r := NewResolver(WithRegistry(newTestRegistry(t, &instances)))

	h1, err := r.ResolveString("agents.support:Bot.reply")
	require.NoError(t, err)
	require.Equal(t, MethodTarget, h1.Kind())
	h2, err := r.ResolveString("agents.support:Bot.reply")
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.Equal(t, 1, instances)

	out, err := h1.Invoke(context.Background(), Args{"message": "yo"})
	require.NoError(t, err)
	require.Equal(t, "bot:yo", out)
}

func TestResolver_Errors(t *testing.T) {
	instances := 0
	r := NewResolver(WithRegistry(newTestRegistry(t, &instances)))

	cases := map[string]string{
		"missing.module:run":           "not registered",
		"agents.support":               "not invocable",
		"agents.support:nope":          "not found",
		"agents.support:constant":      "not invocable",
		"agents.support:Bot.missing":   "has no method",
		"agents.support:Bot.reply.too": "cannot walk past method",
		"agents.support:run.deeper":    "cannot walk into",
	}
	for spec, msg := range cases {
		_, err := r.ResolveString(spec)
		require.Error(t, err, spec)
		require.True(t, config.IsConfigurationError(err), spec)
		require.ErrorContains(t, err, msg, spec)
	}
}

func TestRegistry_RejectsDuplicateModule(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", Exports{}))
	require.Error(t, reg.Register("a", Exports{}))
}

func TestAwait_ResolvesFutureChain(t *testing.T) {
	ctx := context.Background()
	f := Go(ctx, func(ctx context.Context) (any, error) {
		return Go(ctx, func(ctx context.Context) (any, error) { return "done", nil }), nil
	})
	v, err := Await(ctx, f)
	require.NoError(t, err)
	require.Equal(t, "done", v)

	v, err = Await(ctx, "plain")
	require.NoError(t, err)
	require.Equal(t, "plain", v)
}

func TestAwait_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := Go(context.Background(), func(ctx context.Context) (any, error) {
		time.Sleep(time.Second)
		return nil, nil
	})
	cancel()
	_, err := Await(ctx, f)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPositional(t *testing.T) {
	params := []Param{{Name: "a"}, {Name: "b", Optional: true}, {Name: "c", Optional: true}}
	out, err := Positional(params, Args{"a": 1})
	require.NoError(t, err)
	require.Equal(t, []any{1}, out)

	out, err = Positional(params, Args{"a": 1, "c": 3})
	require.NoError(t, err)
	require.Equal(t, []any{1, nil, 3}, out)

	_, err = Positional(params, Args{"b": 2})
	require.Error(t, err)
}
