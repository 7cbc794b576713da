package binder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/target"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.ExperimentConfig {
	cfg := &config.ExperimentConfig{
		Name:       "test",
		Runner:     config.RunnerConfig{ModulePath: "examples.simple_agent", FunctionName: "run"},
		BaseInputs: []config.BaseInput{{Input: "seed"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testHandles(t *testing.T) *target.Resolver {
	reg := target.NewRegistry()
	require.NoError(t, reg.Register("examples.simple_agent", target.Exports{
		"run": target.Func{
			Params: []target.Param{{Name: "input_text"}},
			Fn: func(ctx context.Context, args target.Args) (any, error) {
				return args["input_text"], nil
			},
		},
		"two": target.Func{
			Params: []target.Param{{Name: "a"}, {Name: "b"}},
			Fn:     func(ctx context.Context, args target.Args) (any, error) { return nil, nil },
		},
	}))
	require.NoError(t, reg.Register("pkg.mod", target.Exports{
		"Handler": target.Class{
			New: func() (any, error) { return struct{}{}, nil },
			Methods: map[string]target.Method{
				"handle": {
					Params: []target.Param{{Name: "data"}, {Name: "send_message_callback"}},
					Fn: func(ctx context.Context, recv any, args target.Args) (any, error) {
						data := args["data"].(map[string]any)
						cb := args["send_message_callback"].(target.Callback)
						_, err := cb.Call([]any{"reply to " + data["content"].(string)}, nil)
						return nil, err
					},
				},
				"custom": {
					Params: []target.Param{{Name: "custom_callback", Optional: true}},
					Fn:     func(ctx context.Context, recv any, args target.Args) (any, error) { return nil, nil },
				},
			},
		},
	}))
	return target.NewResolver(target.WithRegistry(reg))
}

func writeRecordings(t *testing.T, dir string, recs ...map[string]any) string {
	var b strings.Builder
	for _, r := range recs {
		line, err := json.Marshal(r)
		require.NoError(t, err)
		b.Write(line)
		b.WriteString("\n")
	}
	path := filepath.Join(dir, "recording.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestBind_WithoutReplay(t *testing.T) {
	h, err := testHandles(t).ResolveString("examples.simple_agent:run")
	require.NoError(t, err)

	b := New(testConfig())
	require.NoError(t, b.Validate(h))

	binding, err := b.Bind(h, "hello")
	require.NoError(t, err)
	require.Equal(t, target.Args{"input_text": "hello"}, binding.Args)
	require.Empty(t, binding.Callables)
}

func TestValidate_RejectsAmbiguousSignature(t *testing.T) {
	h, err := testHandles(t).ResolveString("examples.simple_agent:two")
	require.NoError(t, err)

	err = New(testConfig()).Validate(h)
	require.Error(t, err)
	require.True(t, config.IsConfigurationError(err))
}

func TestBind_WithReplay(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordings(t, dir,
		map[string]any{
			"target": "pkg.mod:Handler.handle",
			"kwargs": map[string]any{"data": map[string]any{"content": "older"}},
		},
		map[string]any{
			"target": "other.mod:run",
			"kwargs": map[string]any{"input_text": "unrelated"},
		},
		map[string]any{
			"target": "pkg.mod:Handler.handle",
			"kwargs": map[string]any{
				"data":                  map[string]any{"content": "old", "meta": map[string]any{"lang": "en"}},
				"send_message_callback": "<builtin:collector.send>",
			},
		},
	)

	cfg := testConfig()
	cfg.Runner.Target = "pkg.mod:Handler.handle"
	cfg.ReplayArgs = config.ReplayArgsConfig{
		Enabled:           true,
		RecordingFile:     filepath.Base(path),
		OverrideParamPath: "data.content",
	}
	cfg.SetSourceDir(dir)

	h, err := testHandles(t).ResolveString(cfg.TargetSpecifier())
	require.NoError(t, err)

	b := New(cfg)
	require.NoError(t, b.Validate(h))

	binding, err := b.Bind(h, "new")
	require.NoError(t, err)
	data := binding.Args["data"].(map[string]any)
	require.Equal(t, "new", data["content"])
	require.Equal(t, map[string]any{"lang": "en"}, data["meta"])

	cb, ok := binding.Args["send_message_callback"].(*CapturingCallable)
	require.True(t, ok)
	require.Equal(t, SendProvider, cb.Provider)
	require.Len(t, binding.Callables, 1)

	_, err = h.Invoke(context.Background(), binding.Args)
	require.NoError(t, err)
	require.Equal(t, []string{"reply to new"}, cb.Messages())
	require.Equal(t, []string{"reply to new"}, binding.SentMessages())

	// each bind starts from a pristine copy of the recording
	second, err := b.Bind(h, "again")
	require.NoError(t, err)
	require.Equal(t, "again", second.Args["data"].(map[string]any)["content"])
	require.Empty(t, second.SentMessages())
	require.Equal(t, "new", data["content"])
}

func TestBind_MissingCallableProviders(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordings(t, dir, map[string]any{
		"target": "pkg.mod:Handler.custom",
		"kwargs": map[string]any{
			"custom_callback": "<callable:custom>",
			"other":           []any{"<builtin:nope>"},
		},
	})

	cfg := testConfig()
	cfg.Runner.Target = "pkg.mod:Handler.custom"
	cfg.ReplayArgs = config.ReplayArgsConfig{Enabled: true, RecordingFile: path, CallableProviders: map[string]string{}}

	h, err := testHandles(t).ResolveString(cfg.TargetSpecifier())
	require.NoError(t, err)

	_, err = New(cfg).Bind(h, "test")
	require.Error(t, err)
	require.True(t, config.IsConfigurationError(err))
	require.ErrorContains(t, err, "missing callable providers: <builtin:nope>, <callable:custom>")
}

func TestBind_CallableProviderMapping(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordings(t, dir, map[string]any{
		"target": "pkg.mod:Handler.custom",
		"kwargs": map[string]any{"custom_callback": "<callable:custom>"},
	})

	cfg := testConfig()
	cfg.Runner.Target = "pkg.mod:Handler.custom"
	cfg.ReplayArgs = config.ReplayArgsConfig{
		Enabled:           true,
		RecordingFile:     path,
		CallableProviders: map[string]string{"custom": ErrorProvider},
	}
	h, err := testHandles(t).ResolveString(cfg.TargetSpecifier())
	require.NoError(t, err)

	binding, err := New(cfg).Bind(h, "x")
	require.NoError(t, err)
	cb := binding.Args["custom_callback"].(*CapturingCallable)
	require.Equal(t, "custom", cb.Name)
	require.Equal(t, ErrorProvider, cb.Provider)

	_, err = cb.Call(nil, map[string]any{"message": "rate limited"})
	require.NoError(t, err)
	require.Equal(t, []string{"rate limited"}, binding.ReportedErrors())
}

func TestBind_ReplayErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeRecordings(t, dir, map[string]any{
		"target": "pkg.mod:Handler.handle",
		"kwargs": map[string]any{"data": map[string]any{"content": "old"}, "send_message_callback": "<builtin:collector.send>"},
	})
	h, err := testHandles(t).ResolveString("pkg.mod:Handler.handle")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ReplayArgs = config.ReplayArgsConfig{Enabled: true, RecordingFile: path, OverrideParamPath: "data.missing.content"}
	_, err = New(cfg).Bind(h, "x")
	require.True(t, config.IsConfigurationError(err))

	cfg.ReplayArgs.RecordingFile = filepath.Join(dir, "absent.jsonl")
	_, err = New(cfg).Bind(h, "x")
	require.True(t, config.IsConfigurationError(err))

	other, err := testHandles(t).ResolveString("examples.simple_agent:run")
	require.NoError(t, err)
	cfg.ReplayArgs.RecordingFile = path
	err = New(cfg).Validate(other)
	require.ErrorContains(t, err, "no recorded call for target examples.simple_agent:run")
}

func TestSetPath_IndexesLists(t *testing.T) {
	root := map[string]any{"messages": []any{map[string]any{"content": "a"}, map[string]any{"content": "b"}}}
	require.NoError(t, setPath(root, "messages.1.content", "z"))
	require.Equal(t, "z", root["messages"].([]any)[1].(map[string]any)["content"])

	require.Error(t, setPath(root, "messages.5.content", "z"))
	require.Error(t, setPath(root, "messages.x", "z"))
}
