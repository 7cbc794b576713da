package configcmd

import (
	"context"
	"fmt"
	"io"

	fluxcmds "github.com/go-go-golems/fluxloop/cmd/fluxloop/cmds"
	"github.com/go-go-golems/fluxloop/pkg/configedit"
	"github.com/go-go-golems/fluxloop/pkg/runner"
	"github.com/go-go-golems/fluxloop/pkg/target"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, edit and validate the experiment file",
}

func AddToRootCommand(root *cobra.Command) {
	showCmd, err := NewShowCommand()
	cobra.CheckErr(err)
	setCmd, err := NewSetCommand()
	cobra.CheckErr(err)
	validateCmd, err := NewValidateCommand()
	cobra.CheckErr(err)

	for _, c := range []cmds.Command{showCmd, setCmd, validateCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c)
		cobra.CheckErr(err)
		configCmd.AddCommand(cobraCmd)
	}
	root.AddCommand(configCmd)
}

type ShowCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &ShowCommand{}

func NewShowCommand() (*ShowCommand, error) {
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
		cmds.WithShort("List every value of the experiment file under its dotted key"),
		cmds.WithSections(glazedSection, commandSettingsSection, wsSection),
	)
	return &ShowCommand{CommandDescription: desc}, nil
}

func (c *ShowCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	ws, wsSettings, err := fluxcmds.OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	e, err := configedit.NewEditor(ws.ConfigPath(wsSettings.Config))
	if err != nil {
		return err
	}
	flat, err := e.Flatten()
	if err != nil {
		return err
	}
	for pair := flat.Oldest(); pair != nil; pair = pair.Next() {
		row := types.NewRow(
			types.MRP("key", pair.Key),
			types.MRP("value", pair.Value),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type SetCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*SetCommand)(nil)

type SetSettings struct {
	Key   string `glazed:"key"`
	Value string `glazed:"value"`
}

func NewSetCommand() (*SetCommand, error) {
	wsSection, err := fluxcmds.NewWorkspaceSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"set",
		cmds.WithShort("Set a value of the experiment file"),
		cmds.WithLong(`Set a value, keeping comments and key order. Examples:

  fluxloop config set iterations 20
  fluxloop config set runner.timeout_seconds 300`),
		cmds.WithArguments(
			fields.New("key", fields.TypeString,
				fields.WithHelp("Dotted key, e.g. runner.target"),
				fields.WithRequired(true)),
			fields.New("value", fields.TypeString,
				fields.WithHelp("Value to set"),
				fields.WithRequired(true)),
		),
		cmds.WithSections(wsSection),
	)
	return &SetCommand{CommandDescription: desc}, nil
}

func (c *SetCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	ws, wsSettings, err := fluxcmds.OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	s := &SetSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode set settings")
	}
	e, err := configedit.NewEditor(ws.ConfigPath(wsSettings.Config))
	if err != nil {
		return err
	}
	v, err := e.Set(s.Key, s.Value)
	if err != nil {
		return err
	}
	if err := e.Save(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "✓ Set %s = %v\n", s.Key, v)
	return err
}

type ValidateCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ValidateCommand)(nil)

func NewValidateCommand() (*ValidateCommand, error) {
	wsSection, err := fluxcmds.NewWorkspaceSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"validate",
		cmds.WithShort("Load the experiment, resolve its target and lay out the grid"),
		cmds.WithSections(wsSection),
	)
	return &ValidateCommand{CommandDescription: desc}, nil
}

func (c *ValidateCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	ws, wsSettings, err := fluxcmds.OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	cfg, err := ws.LoadConfig(wsSettings.Config)
	if err != nil {
		return err
	}
	exec := runner.NewExecutor(cfg, runner.WithResolver(target.NewResolver(target.WithBaseDir(cfg.SourceDir()))))
	if _, err := exec.Prepare(); err != nil {
		return err
	}
	cells, err := exec.Plan()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "✓ Configuration is valid\n\nExperiment: %s\nIterations: %d\nPersonas:   %d\nTotal runs: %d\nTarget:     %s\n",
		cfg.Name, cfg.Iterations, len(cfg.Personas), len(cells), cfg.TargetSpecifier())
	return err
}
