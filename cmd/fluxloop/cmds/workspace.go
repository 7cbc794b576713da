package cmds

import (
	"github.com/go-go-golems/fluxloop/pkg/experiment"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

const WorkspaceSlug = "workspace"

// WorkspaceSettings locates the project, the scenario and its experiment file.
type WorkspaceSettings struct {
	BaseDir  string `glazed:"base-dir"`
	Scenario string `glazed:"scenario"`
	Config   string `glazed:"experiment-config"`
}

func NewWorkspaceSection() (schema.Section, error) {
	return schema.NewSection(
		WorkspaceSlug,
		"Project workspace",
		schema.WithFields(
			fields.New("base-dir", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Project root (default: working directory)")),
			fields.New("scenario", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Scenario under .fluxloop/scenarios")),
			fields.New("experiment-config", fields.TypeString,
				fields.WithDefault(experiment.DefaultConfigPath),
				fields.WithHelp("Experiment file, relative to the scenario")),
		),
	)
}

// OpenWorkspace decodes the workspace section and resolves the scenario.
func OpenWorkspace(parsed *values.Values) (experiment.Workspace, *WorkspaceSettings, error) {
	s := &WorkspaceSettings{}
	if err := parsed.DecodeSectionInto(WorkspaceSlug, s); err != nil {
		return experiment.Workspace{}, nil, errors.Wrap(err, "decode workspace settings")
	}
	ws, err := experiment.OpenWorkspace(s.BaseDir, s.Scenario)
	if err != nil {
		return experiment.Workspace{}, nil, err
	}
	return ws, s, nil
}
