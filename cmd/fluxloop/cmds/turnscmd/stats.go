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

type TurnsStatsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &TurnsStatsCommand{}

type TurnsStatsSettings struct {
	TurnDB           string `glazed:"turn-db"`
	ExperimentPrefix string `glazed:"experiment-prefix"`
	Limit            int    `glazed:"limit"`
}

func NewTurnsStatsCommand() (*TurnsStatsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"stats",
		cmds.WithShort("Per-run turn and guardrail warning counts"),
		cmds.WithFlags(
			fields.New("turn-db", fields.TypeString,
				fields.WithDefault(DefaultTurnDB),
				fields.WithHelp("SQLite turn index file")),
			fields.New("experiment-prefix", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Filter experiments by prefix")),
			fields.New("limit", fields.TypeInteger,
				fields.WithDefault(200),
				fields.WithHelp("Limit number of runs (0 = no limit)")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &TurnsStatsCommand{CommandDescription: desc}, nil
}

func (c *TurnsStatsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &TurnsStatsSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := turnstore.Open(s.TurnDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(ctx, s.ExperimentPrefix, s.Limit)
	if err != nil {
		return errors.Wrap(err, "turn stats query failed")
	}
	for _, st := range stats {
		row := types.NewRow(
			types.MRP("experiment_id", st.ExperimentID),
			types.MRP("run_id", st.RunID),
			types.MRP("turns", st.Turns),
			types.MRP("warning_turns", st.WarningTurns),
			types.MRP("warning_count", st.WarningCount),
			types.MRP("first_at", st.FirstAt),
			types.MRP("last_at", st.LastAt),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
