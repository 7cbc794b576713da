package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
name: demo
runner:
  module_path: examples.echo
  function_name: run
base_inputs:
  - input: Hi
`))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Iterations)
	require.Equal(t, "examples.echo:run", cfg.TargetSpecifier())
	require.Equal(t, DefaultForbiddenWords, cfg.Guardrails.ForbiddenWords)
	require.Equal(t, DefaultMaxResponseLength, cfg.Guardrails.MaxResponseLength)
	require.Equal(t, DefaultOutputDirectory, cfg.OutputDirectory)
	require.True(t, cfg.ShouldSaveTraces())
}

func TestParse_RejectsMissingTarget(t *testing.T) {
	_, err := Parse([]byte("name: demo\nbase_inputs: [{input: x}]\n"))
	require.Error(t, err)
	require.True(t, IsConfigurationError(err))
}

func TestParse_RejectsReplayWithoutRecording(t *testing.T) {
	_, err := Parse([]byte(`
runner: {target: "examples.echo:run"}
replay_args: {enabled: true}
`))
	require.ErrorContains(t, err, "recording_file")
}

func TestParse_RejectsDuplicatePersonas(t *testing.T) {
	_, err := Parse([]byte(`
runner: {target: "examples.echo:run"}
personas: [{name: a}, {name: a}]
`))
	require.ErrorContains(t, err, "duplicate persona")
}

func TestLoadInputs_FromFileReadsPersonaAndItemID(t *testing.T) {
	dir := t.TempDir()
	inputs := filepath.Join(dir, "inputs", "generated.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(inputs), 0o755))
	require.NoError(t, os.WriteFile(inputs, []byte(`
inputs:
  - input: Hello
    metadata:
      persona: novice
      input_item_id: item-1
  - input: ""
  - input: Bye
`), 0o644))

	cfg, err := Parse([]byte("runner: {target: \"examples.echo:run\"}\ninputs_file: inputs/generated.yaml\n"))
	require.NoError(t, err)
	cfg.SetSourceDir(dir)

	entries, external, err := cfg.LoadInputs()
	require.NoError(t, err)
	require.True(t, external)
	require.Len(t, entries, 2)
	require.Equal(t, "novice", entries[0].Persona)
	require.Equal(t, "item-1", entries[0].InputItemID)
	require.Equal(t, 0, entries[0].SourceIndex)
	require.Equal(t, "Bye", entries[1].Input)
	require.Equal(t, 1, entries[1].SourceIndex)
}

func TestLoadInputs_BareListAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inputs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- input: one\n- input: two\n"), 0o644))

	entries, err := LoadInputsFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries[0].Metadata = map[string]any{"input_item_id": "abc", "persona": "p1"}
	out := filepath.Join(dir, "out.yaml")
	require.NoError(t, WriteInputsFile(out, entries))

	back, err := LoadInputsFile(out)
	require.NoError(t, err)
	require.Equal(t, "abc", back[0].InputItemID)
	require.Equal(t, "p1", back[0].Persona)
}

func TestRenderInput(t *testing.T) {
	p := &Persona{Name: "novice", Description: "New to the product", Traits: []string{"curious"}}
	got := RenderInput("{persona}\n\nQuestion: {input}", "How?", p)
	require.Contains(t, got, "Persona: novice")
	require.Contains(t, got, "- curious")
	require.Contains(t, got, "Question: How?")

	require.Equal(t, "How?", RenderInput("", "How?", p))
	require.Equal(t, "How?", RenderInput("{input}!", "How?", nil))
}

func TestScenarioDir(t *testing.T) {
	base := t.TempDir()
	dir, err := ScenarioDir(base, "checkout")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(base, ".fluxloop", "scenarios", "checkout"), dir)

	dir, err = ScenarioDir(base, "")
	require.NoError(t, err)
	require.Equal(t, base, dir)
}
