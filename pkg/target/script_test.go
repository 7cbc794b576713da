package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/stretchr/testify/require"
)

const agentScript = `
let constructed = 0;

function run(input_text, temperature = 0.2) {
  return "js:" + input_text;
}

async function runAsync(input_text) {
  return "async:" + input_text;
}

class Handler {
  constructor() {
    constructed++;
    this.prefix = "Echo: ";
  }
  handle(data, send_message_callback) {
    send_message_callback(this.prefix + data.content);
  }
}

module.exports = {
  run,
  runAsync,
  Handler,
  constructed: () => constructed,
  fails: function (input_text) { throw new Error("boom"); },
};
`

type recordingCallback struct {
	calls [][]any
}

func (c *recordingCallback) Call(args []any, kwargs map[string]any) (any, error) {
	c.calls = append(c.calls, args)
	return nil, nil
}

func writeScript(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.js"), []byte(agentScript), 0o644))
	return dir
}

func TestScriptTarget_Function(t *testing.T) {
	r := NewResolver(WithBaseDir(writeScript(t)))

	h, err := r.ResolveString("agent.js:run")
	require.NoError(t, err)
	require.Equal(t, ScriptTarget, h.Kind())
	require.Equal(t, []Param{{Name: "input_text"}, {Name: "temperature", Optional: true}}, h.Params())
	require.Equal(t, []string{"input_text"}, RequiredParams(h))

	out, err := h.Invoke(context.Background(), Args{"input_text": "hi"})
	require.NoError(t, err)
	require.Equal(t, "js:hi", out)
}

func TestScriptTarget_AsyncFunctionSettles(t *testing.T) {
	r := NewResolver(WithBaseDir(writeScript(t)))

	h, err := r.ResolveString("agent.js:runAsync")
	require.NoError(t, err)
	out, err := h.Invoke(context.Background(), Args{"input_text": "hi"})
	require.NoError(t, err)
	require.Equal(t, "async:hi", out)
}

func TestScriptTarget_ClassMethodWithCallback(t *testing.T) {
	r := NewResolver(WithBaseDir(writeScript(t)))

	h, err := r.ResolveString("agent.js:Handler.handle")
	require.NoError(t, err)
	require.Equal(t, []string{"data", "send_message_callback"}, RequiredParams(h))

	cb := &recordingCallback{}
	out, err := h.Invoke(context.Background(), Args{
		"data":                  map[string]any{"content": "hello"},
		"send_message_callback": cb,
	})
	require.NoError(t, err)
	require.Nil(t, out)
	require.Equal(t, [][]any{{"Echo: hello"}}, cb.calls)

	_, err = r.ResolveString("agent.js:Handler.handle")
	require.NoError(t, err)
	counter, err := r.ResolveString("agent.js:constructed")
	require.NoError(t, err)
	n, err := counter.Invoke(context.Background(), Args{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestScriptTarget_ThrownErrorIsReturned(t *testing.T) {
	r := NewResolver(WithBaseDir(writeScript(t)))

	h, err := r.ResolveString("agent.js:fails")
	require.NoError(t, err)
	_, err = h.Invoke(context.Background(), Args{"input_text": "x"})
	require.ErrorContains(t, err, "boom")
}

func TestScriptTarget_ResolutionErrors(t *testing.T) {
	dir := writeScript(t)
	r := NewResolver(WithBaseDir(dir))

	for _, spec := range []string{"agent.js:missing", "agent.js", "missing.js:run", "agent.js:Handler.nope"} {
		_, err := r.ResolveString(spec)
		require.Error(t, err, spec)
		require.True(t, config.IsConfigurationError(err), spec)
	}
}
