package synccmd

import (
	"context"
	"path/filepath"

	fluxcmds "github.com/go-go-golems/fluxloop/cmd/fluxloop/cmds"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
)

// CriteriaShowCommand lists the evaluation criteria cached by the last pull.
type CriteriaShowCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &CriteriaShowCommand{}

func NewCriteriaShowCommand() (*CriteriaShowCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	wsSection, err := fluxcmds.NewWorkspaceSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Show the locally cached evaluation criteria"),
		cmds.WithSections(glazedSection, commandSettingsSection, wsSection),
	)
	return &CriteriaShowCommand{CommandDescription: desc}, nil
}

func (c *CriteriaShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	ws, _, err := fluxcmds.OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	paths, err := filepath.Glob(filepath.Join(ws.CriteriaDir(), "*.yaml"))
	if err != nil {
		return errors.Wrap(err, "list criteria files")
	}
	for _, p := range paths {
		items, err := turns.LoadCriteriaFile(p)
		if err != nil {
			return err
		}
		for i, item := range items {
			row := types.NewRow(
				types.MRP("file", filepath.Base(p)),
				types.MRP("index", i),
				types.MRP("criterion", item),
			)
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}
	}
	return nil
}
