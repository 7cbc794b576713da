package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxResponseLength = 2000
	DefaultOutputDirectory   = "experiments"
	DefaultInputsFile        = "inputs/generated.yaml"
)

// DefaultForbiddenWords are applied when the experiment does not configure any.
var DefaultForbiddenWords = []string{"죄송", "sorry"}

// ExperimentConfig is the experiment definition. It is loaded once and treated
// as read-only by every component afterwards.
type ExperimentConfig struct {
	Name            string           `yaml:"name" json:"name"`
	Description     string           `yaml:"description,omitempty" json:"description,omitempty"`
	Iterations      int              `yaml:"iterations" json:"iterations"`
	RunDelaySeconds float64          `yaml:"run_delay_seconds,omitempty" json:"run_delay_seconds,omitempty"`
	Personas        []Persona        `yaml:"personas,omitempty" json:"personas,omitempty"`
	BaseInputs      []BaseInput      `yaml:"base_inputs,omitempty" json:"base_inputs,omitempty"`
	InputsFile      string           `yaml:"inputs_file,omitempty" json:"inputs_file,omitempty"`
	InputTemplate   string           `yaml:"input_template,omitempty" json:"input_template,omitempty"`
	Runner          RunnerConfig     `yaml:"runner" json:"runner"`
	ReplayArgs      ReplayArgsConfig `yaml:"replay_args,omitempty" json:"replay_args,omitempty"`
	Guardrails      GuardrailsConfig `yaml:"guardrails,omitempty" json:"guardrails,omitempty"`
	OutputDirectory string           `yaml:"output_directory,omitempty" json:"output_directory,omitempty"`
	SaveTraces      *bool            `yaml:"save_traces,omitempty" json:"save_traces,omitempty"`
	CountTokens     bool             `yaml:"count_tokens,omitempty" json:"count_tokens,omitempty"`

	sourceDir string
}

type RunnerConfig struct {
	Target       string `yaml:"target,omitempty" json:"target,omitempty"`
	ModulePath   string `yaml:"module_path,omitempty" json:"module_path,omitempty"`
	FunctionName string `yaml:"function_name,omitempty" json:"function_name,omitempty"`
}

// ReplayArgsConfig controls replay of a recorded invocation.
//
// CallableProviders maps custom placeholder names (as in `<callable:NAME>`) to
// the name of a registered provider, e.g. `custom: collector.send`.
type ReplayArgsConfig struct {
	Enabled           bool              `yaml:"enabled" json:"enabled"`
	RecordingFile     string            `yaml:"recording_file,omitempty" json:"recording_file,omitempty"`
	OverrideParamPath string            `yaml:"override_param_path,omitempty" json:"override_param_path,omitempty"`
	CallableProviders map[string]string `yaml:"callable_providers,omitempty" json:"callable_providers,omitempty"`
}

type GuardrailsConfig struct {
	ForbiddenWords    []string `yaml:"forbidden_words,omitempty" json:"forbidden_words,omitempty"`
	MaxResponseLength int      `yaml:"max_response_length,omitempty" json:"max_response_length,omitempty"`
}

// BaseInput is an inline input declared directly in the experiment file.
type BaseInput struct {
	Input    string         `yaml:"input" json:"input"`
	Persona  string         `yaml:"persona,omitempty" json:"persona,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Load reads and validates an experiment configuration file.
func Load(path string) (*ExperimentConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, Errorf("load config", "empty config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(errors.Wrapf(err, "read %s", path), "load config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err == nil {
		cfg.sourceDir = abs
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a validated configuration with defaults applied.
func Parse(data []byte) (*ExperimentConfig, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, Errorf("parse config", "configuration file is empty")
	}
	cfg := &ExperimentConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, Wrap(errors.Wrap(err, "decode yaml"), "parse config")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ExperimentConfig) ApplyDefaults() {
	if c.Iterations <= 0 {
		c.Iterations = 1
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "experiment"
	}
	if c.OutputDirectory == "" {
		c.OutputDirectory = DefaultOutputDirectory
	}
	if len(c.Guardrails.ForbiddenWords) == 0 {
		c.Guardrails.ForbiddenWords = append([]string(nil), DefaultForbiddenWords...)
	}
	if c.Guardrails.MaxResponseLength <= 0 {
		c.Guardrails.MaxResponseLength = DefaultMaxResponseLength
	}
	if c.SaveTraces == nil {
		t := true
		c.SaveTraces = &t
	}
}

func (c *ExperimentConfig) Validate() error {
	if c.TargetSpecifier() == "" {
		return Errorf("validate config", "runner.target or runner.module_path is required")
	}
	if c.RunDelaySeconds < 0 {
		return Errorf("validate config", "run_delay_seconds must be >= 0, got %v", c.RunDelaySeconds)
	}
	if c.ReplayArgs.Enabled && strings.TrimSpace(c.ReplayArgs.RecordingFile) == "" {
		return Errorf("validate config", "replay_args.recording_file is required when replay is enabled")
	}
	seen := map[string]struct{}{}
	for i, p := range c.Personas {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return Errorf("validate config", "personas[%d]: name is required", i)
		}
		if _, ok := seen[name]; ok {
			return Errorf("validate config", "personas[%d]: duplicate persona %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// TargetSpecifier returns the canonical `<module>[:<attr.path>]` string for the
// configured runner.
func (c *ExperimentConfig) TargetSpecifier() string {
	if t := strings.TrimSpace(c.Runner.Target); t != "" {
		return t
	}
	module := strings.TrimSpace(c.Runner.ModulePath)
	if module == "" {
		return ""
	}
	if fn := strings.TrimSpace(c.Runner.FunctionName); fn != "" {
		return module + ":" + fn
	}
	return module
}

func (c *ExperimentConfig) RunDelay() time.Duration {
	return time.Duration(c.RunDelaySeconds * float64(time.Second))
}

func (c *ExperimentConfig) ShouldSaveTraces() bool {
	return c.SaveTraces == nil || *c.SaveTraces
}

// SourceDir is the directory the configuration was loaded from. Relative paths
// in the configuration resolve against it.
func (c *ExperimentConfig) SourceDir() string {
	return c.sourceDir
}

func (c *ExperimentConfig) SetSourceDir(dir string) {
	c.sourceDir = dir
}

// ResolvePath resolves p against the source directory unless it is absolute.
func (c *ExperimentConfig) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if c.sourceDir == "" {
		return p
	}
	return filepath.Join(c.sourceDir, p)
}

// Clone returns a copy that can be mutated (e.g. smoke mode) without touching
// the loaded configuration.
func (c *ExperimentConfig) Clone() *ExperimentConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Personas = append([]Persona(nil), c.Personas...)
	out.BaseInputs = append([]BaseInput(nil), c.BaseInputs...)
	out.Guardrails.ForbiddenWords = append([]string(nil), c.Guardrails.ForbiddenWords...)
	if c.ReplayArgs.CallableProviders != nil {
		out.ReplayArgs.CallableProviders = make(map[string]string, len(c.ReplayArgs.CallableProviders))
		for k, v := range c.ReplayArgs.CallableProviders {
			out.ReplayArgs.CallableProviders[k] = v
		}
	}
	if c.SaveTraces != nil {
		v := *c.SaveTraces
		out.SaveTraces = &v
	}
	return &out
}

// PersonaByName looks up a configured persona.
func (c *ExperimentConfig) PersonaByName(name string) (Persona, bool) {
	for _, p := range c.Personas {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}
