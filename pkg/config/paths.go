package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	WorkspaceDirName = ".fluxloop"
	ScenariosDirName = "scenarios"
	StateDirName     = ".state"
)

// ScenarioDir resolves the directory holding a scenario's inputs, state and
// outputs. Without a scenario name the base directory itself is the scenario.
func ScenarioDir(baseDir string, scenario string) (string, error) {
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "resolve working directory")
		}
		baseDir = wd
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", baseDir)
	}
	scenario = strings.TrimSpace(scenario)
	if scenario == "" {
		return abs, nil
	}
	return filepath.Join(abs, WorkspaceDirName, ScenariosDirName, scenario), nil
}

func StateDir(scenarioDir string) string {
	return filepath.Join(scenarioDir, StateDirName)
}

// ResolveIn resolves p relative to dir unless p is absolute.
func ResolveIn(dir string, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

// WriteFileAtomically writes data to a temporary sibling and renames it into
// place so readers never observe a partial file.
func WriteFileAtomically(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %q", path)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return errors.Wrapf(err, "write temporary file %q", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "rename %q to %q", tmpPath, path)
	}
	return nil
}
