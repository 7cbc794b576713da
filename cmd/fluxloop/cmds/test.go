package cmds

import (
	"context"
	"io"

	"github.com/go-go-golems/fluxloop/pkg/bundlesync"
	"github.com/go-go-golems/fluxloop/pkg/experiment"
	"github.com/go-go-golems/fluxloop/pkg/redisstream"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type TestCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*TestCommand)(nil)

type TestSettings struct {
	Smoke      bool   `glazed:"smoke"`
	SkipPull   bool   `glazed:"skip-pull"`
	SkipUpload bool   `glazed:"skip-upload"`
	Stream     bool   `glazed:"stream"`
	TurnDB     string `glazed:"turn-db"`
	Quiet      bool   `glazed:"quiet"`

	Sync  bundlesync.Settings
	Redis redisstream.Settings
}

func NewTestCommand() (*TestCommand, error) {
	sections, err := runSections(true)
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"test",
		cmds.WithShort("Pull the bundle, run the experiment and upload the results"),
		cmds.WithLong(`Pull the scenario's bundle from the coordination service, run the
experiment grid locally while recording every turn, then upload runs,
turns and artifacts. Each phase can be skipped.`),
		cmds.WithFlags(
			fields.New("smoke", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Run a single iteration of the grid")),
			fields.New("skip-pull", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Use the inputs already on disk")),
			fields.New("skip-upload", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Keep the results local")),
			fields.New("stream", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Precreate the runs and stream every turn while running")),
			fields.New("turn-db", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite file indexing every recorded turn")),
			fields.New("quiet", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Only print the final result line")),
		),
		cmds.WithSections(sections...),
	)
	return &TestCommand{CommandDescription: desc}, nil
}

func (c *TestCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	ws, wsSettings, err := OpenWorkspace(parsed)
	if err != nil {
		return err
	}
	s := &TestSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode test settings")
	}
	if err := parsed.DecodeSectionInto(bundlesync.SectionSlug, &s.Sync); err != nil {
		return errors.Wrap(err, "decode sync settings")
	}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &s.Redis); err != nil {
		return errors.Wrap(err, "decode redis settings")
	}

	progress := experiment.NewProgress(w, s.Quiet)
	log.Debug().Str("scenario_dir", ws.ScenarioDir).Bool("smoke", s.Smoke).Msg("starting test")

	report, err := experiment.RunTest(ctx, ws, experiment.TestOptions{
		ConfigPath: wsSettings.Config,
		Smoke:      s.Smoke,
		Pull:       !s.SkipPull,
		Upload:     !s.SkipUpload,
		Stream:     s.Stream,
		Sync:       s.Sync,
		Session: experiment.SessionOptions{
			TurnDB:   s.TurnDB,
			Redis:    s.Redis,
			Progress: progress,
		},
	})
	progress.Report(report, ws)
	return err
}
