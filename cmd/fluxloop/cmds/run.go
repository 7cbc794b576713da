package cmds

import (
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/fluxloop/pkg/bundlesync"
	"github.com/go-go-golems/fluxloop/pkg/experiment"
	"github.com/go-go-golems/fluxloop/pkg/redisstream"
	"github.com/go-go-golems/fluxloop/pkg/runner"
	"github.com/go-go-golems/fluxloop/pkg/target"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

// runSections are the sections shared by the commands executing a grid.
func runSections(withSync bool) ([]schema.Section, error) {
	wsSection, err := NewWorkspaceSection()
	if err != nil {
		return nil, err
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	sections := []schema.Section{wsSection, redisSection}
	if withSync {
		syncSection, err := bundlesync.NewSection()
		if err != nil {
			return nil, errors.Wrap(err, "build sync section")
		}
		sections = append(sections, syncSection)
	}
	return sections, nil
}

type RunCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*RunCommand)(nil)

type RunSettings struct {
	TurnDB string `glazed:"turn-db"`
	Quiet  bool   `glazed:"quiet"`

	Redis redisstream.Settings
}

func NewRunCommand() (*RunCommand, error) {
	sections, err := runSections(false)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"run",
		cmds.WithShort("Run the experiment grid locally"),
		cmds.WithLong("Run every persona × input × iteration cell of the experiment and record the turns, without contacting the coordination service."),
		cmds.WithFlags(
			fields.New("turn-db", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite file indexing every recorded turn")),
			fields.New("quiet", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Only print the final result line")),
		),
		cmds.WithSections(sections...),
	)
	return &RunCommand{CommandDescription: desc}, nil
}

func (c *RunCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	ws, wsSettings, err := OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	s := &RunSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode run settings")
	}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &s.Redis); err != nil {
		return errors.Wrap(err, "decode redis settings")
	}

	progress := experiment.NewProgress(w, s.Quiet)
	report, err := experiment.RunLocal(ctx, ws, wsSettings.Config, experiment.SessionOptions{
		TurnDB:   s.TurnDB,
		Redis:    s.Redis,
		Progress: progress,
	})
	progress.Report(report, ws)
	return err
}

type RunSingleCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*RunSingleCommand)(nil)

type RunSingleSettings struct {
	Input string `glazed:"input"`
}

func NewRunSingleCommand() (*RunSingleCommand, error) {
	wsSection, err := NewWorkspaceSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"single",
		cmds.WithShort("Invoke the experiment target once and print its output"),
		cmds.WithArguments(
			fields.New("input", fields.TypeString,
				fields.WithHelp("Input text handed to the target"),
				fields.WithRequired(true)),
		),
		cmds.WithSections(wsSection),
	)
	return &RunSingleCommand{CommandDescription: desc}, nil
}

func (c *RunSingleCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	ws, wsSettings, err := OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	s := &RunSingleSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode single run settings")
	}
	cfg, err := ws.LoadConfig(wsSettings.Config)
	if err != nil {
		return err
	}
	exec := runner.NewExecutor(cfg, runner.WithResolver(target.NewResolver(target.WithBaseDir(cfg.SourceDir()))))
	out, err := exec.RunSingle(ctx, s.Input)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, runner.StringifyOutput(out))
	return err
}
