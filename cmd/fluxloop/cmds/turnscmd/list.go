package turnscmd

import (
	"context"

	"github.com/go-go-golems/fluxloop/pkg/persistence/turnstore"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
)

type TurnsListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &TurnsListCommand{}

type TurnsListSettings struct {
	TurnDB       string `glazed:"turn-db"`
	ExperimentID string `glazed:"experiment-id"`
	RunID        string `glazed:"run-id"`
	Role         string `glazed:"role"`
	WarningsOnly bool   `glazed:"warnings-only"`
	Limit        int    `glazed:"limit"`
}

func NewTurnsListCommand() (*TurnsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List turns stored in the turn index"),
		cmds.WithLong("List recorded turns from the SQLite turn index written by test and run --turn-db."),
		cmds.WithFlags(
			fields.New("turn-db", fields.TypeString,
				fields.WithDefault(DefaultTurnDB),
				fields.WithHelp("SQLite turn index file")),
			fields.New("experiment-id", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only turns of this experiment")),
			fields.New("run-id", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only turns of this run")),
			fields.New("role", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only turns with this role (user, assistant)")),
			fields.New("warnings-only", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Only turns flagged by a guardrail")),
			fields.New("limit", fields.TypeInteger,
				fields.WithDefault(200),
				fields.WithHelp("Limit number of turns (0 = no limit)")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &TurnsListCommand{CommandDescription: desc}, nil
}

func (c *TurnsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &TurnsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := turnstore.Open(s.TurnDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	snaps, err := store.List(ctx, turnstore.Query{
		ExperimentID: s.ExperimentID,
		RunID:        s.RunID,
		Role:         s.Role,
		WarningsOnly: s.WarningsOnly,
		Limit:        s.Limit,
	})
	if err != nil {
		return errors.Wrap(err, "turn list query failed")
	}

	for _, snap := range snaps {
		row := types.NewRow(
			types.MRP("experiment_id", snap.ExperimentID),
			types.MRP("run_id", snap.RunID),
			types.MRP("sequence", snap.Sequence),
			types.MRP("role", snap.Role),
			types.MRP("content", snap.Content),
			types.MRP("timestamp", snap.Timestamp),
			types.MRP("warning_count", snap.WarningCount),
		)
		if snap.DurationMs != nil {
			row.Set("duration_ms", *snap.DurationMs)
		}
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
