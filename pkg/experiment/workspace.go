// Package experiment wires the resolver, executor, turn recorder, turn sinks
// and bundle synchronization into the test workflows behind the CLI.
package experiment

import (
	"path/filepath"
	"strings"

	"github.com/go-go-golems/fluxloop/pkg/bundlesync"
	"github.com/go-go-golems/fluxloop/pkg/config"
)

const DefaultConfigPath = "configs/simulation.yaml"

// Workspace locates a project and one of its scenarios on disk.
type Workspace struct {
	// BaseDir is the project root. The latest result link lives below it.
	BaseDir string
	// ScenarioDir holds the scenario configuration, inputs, state and outputs.
	ScenarioDir string
}

// OpenWorkspace resolves the scenario directory. An empty base directory is
// the working directory; an empty scenario is the base directory itself.
func OpenWorkspace(baseDir, scenario string) (Workspace, error) {
	root, err := config.ScenarioDir(baseDir, "")
	if err != nil {
		return Workspace{}, err
	}
	dir, err := config.ScenarioDir(root, scenario)
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{BaseDir: root, ScenarioDir: dir}, nil
}

// ConfigPath resolves an experiment file against the scenario.
func (w Workspace) ConfigPath(p string) string {
	if strings.TrimSpace(p) == "" {
		p = DefaultConfigPath
	}
	return config.ResolveIn(w.ScenarioDir, p)
}

// LoadConfig loads the experiment file. Relative paths inside it resolve
// against the scenario directory, which is also where pull writes inputs.
func (w Workspace) LoadConfig(p string) (*config.ExperimentConfig, error) {
	cfg, err := config.Load(w.ConfigPath(p))
	if err != nil {
		return nil, err
	}
	cfg.SetSourceDir(w.ScenarioDir)
	return cfg, nil
}

// InputsPath is the inputs file a pull writes and an upload maps against.
func (w Workspace) InputsPath(cfg *config.ExperimentConfig) string {
	f := config.DefaultInputsFile
	if cfg != nil && strings.TrimSpace(cfg.InputsFile) != "" {
		f = cfg.InputsFile
	}
	return config.ResolveIn(w.ScenarioDir, f)
}

// OutputBase is the directory experiment output directories are created in.
func (w Workspace) OutputBase(cfg *config.ExperimentConfig) string {
	return config.ResolveIn(w.ScenarioDir, cfg.OutputDirectory)
}

func (w Workspace) CriteriaDir() string {
	return bundlesync.CriteriaDir(w.ScenarioDir)
}

func (w Workspace) State() bundlesync.State {
	return bundlesync.LoadState(w.ScenarioDir)
}

func (w Workspace) relative(p string) string {
	if rel, err := filepath.Rel(w.BaseDir, p); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return p
}
