package bundlesync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	StateFileName = "sync.json"
	SyncDirName   = "sync"
)

// State is the local cache of what was last pulled and uploaded for a
// scenario.
type State struct {
	ProjectID        string `json:"project_id,omitempty"`
	BundleVersionID  string `json:"bundle_version_id,omitempty"`
	InputsFile       string `json:"inputs_file,omitempty"`
	PulledAt         string `json:"pulled_at,omitempty"`
	APIURL           string `json:"api_url,omitempty"`
	LastRunBatchID   string `json:"last_run_batch_id,omitempty"`
	LastExperimentID string `json:"last_experiment_id,omitempty"`
}

// StatePath is where State is written.
func StatePath(scenarioDir string) string {
	return filepath.Join(config.StateDir(scenarioDir), StateFileName)
}

func legacyStatePath(scenarioDir string) string {
	return filepath.Join(config.StateDir(scenarioDir), SyncDirName, StateFileName)
}

// SyncDir holds the raw pulled personas and criteria.
func SyncDir(scenarioDir string) string {
	return filepath.Join(config.StateDir(scenarioDir), SyncDirName)
}

// CriteriaDir holds one YAML file per pulled criterion.
func CriteriaDir(scenarioDir string) string {
	return filepath.Join(config.StateDir(scenarioDir), "criteria")
}

// LoadState reads the scenario state, falling back to the legacy location.
// Missing or unreadable files yield an empty state.
func LoadState(scenarioDir string) State {
	for _, p := range []string{StatePath(scenarioDir), legacyStatePath(scenarioDir)} {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("ignoring unreadable sync state")
			continue
		}
		return st
	}
	return State{}
}

// SaveState writes the state atomically.
func SaveState(scenarioDir string, st State) error {
	return writeJSON(StatePath(scenarioDir), st)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", filepath.Base(path))
	}
	return config.WriteFileAtomically(path, append(data, '\n'), 0o644)
}
