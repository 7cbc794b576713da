package experiment

import (
	"context"

	"github.com/go-go-golems/fluxloop/pkg/bundlesync"
	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TestOptions drives the pull -> run -> upload workflow.
type TestOptions struct {
	ConfigPath string
	// Smoke runs a single iteration of the grid.
	Smoke  bool
	Pull   bool
	Upload bool
	// Stream precreates the runs and streams every turn while the grid runs.
	Stream  bool
	Sync    bundlesync.Settings
	Session SessionOptions
	// Client overrides the client built from Sync.
	Client *bundlesync.Client
}

func (o TestOptions) needsClient() bool {
	return o.Pull || o.Upload || o.Stream
}

// RunTest pulls the bundle, runs the experiment and uploads its results, each
// step being optional. An interrupted run is reported but not uploaded.
func RunTest(ctx context.Context, ws Workspace, opts TestOptions) (*Report, error) {
	progress := opts.Session.Progress

	client := opts.Client
	if client == nil && opts.needsClient() {
		c, err := bundlesync.NewClientFromSettings(opts.Sync)
		if err != nil {
			return nil, err
		}
		client = c
	}

	cfg, err := ws.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.Pull {
		progress.Step("Sync", "Pulling from Web...")
		st := ws.State()
		_, err := bundlesync.Pull(ctx, client, bundlesync.PullOptions{
			ScenarioDir:     ws.ScenarioDir,
			ProjectID:       firstNonEmpty(opts.Sync.ProjectID, st.ProjectID),
			BundleVersionID: opts.Sync.BundleVersionID,
			InputsFile:      cfg.InputsFile,
		})
		if err != nil {
			return nil, err
		}
		if cfg.InputsFile == "" {
			cfg.InputsFile = config.DefaultInputsFile
		}
	}

	mode := "full"
	if opts.Smoke {
		mode = "smoke"
		cfg = cfg.Clone()
		cfg.Iterations = 1
	}

	sessOpts := opts.Session
	if opts.Stream {
		sessOpts.Streamer = bundlesync.NewStreamer(ctx, client)
		defer func() { _ = sessOpts.Streamer.Close() }()
	}

	sess, err := NewSession(ws, cfg, sessOpts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close() }()

	cells, err := sess.Plan()
	if err != nil {
		return nil, err
	}

	if opts.Stream {
		mapping, err := bundlesync.LoadInputItemMapping(ws.InputsPath(cfg))
		if err != nil {
			return nil, err
		}
		res, err := bundlesync.Precreate(ctx, client, bundlesync.PrecreateOptions{
			ScenarioDir:     ws.ScenarioDir,
			ExperimentID:    sess.ExperimentID(),
			BundleVersionID: opts.Sync.BundleVersionID,
			Cells:           cells,
			Mapping:         mapping,
		})
		if err != nil {
			return nil, errors.Wrap(err, "precreate runs for streaming")
		}
		sess.UseRunIDs(res.Allocator)
		progress.Info("Precreated runs for live streaming")
	}

	progress.Step("Run", "Executing "+mode+" test...")
	report, runErr := sess.Run(ctx)
	if runErr != nil {
		if report != nil {
			log.Warn().Err(runErr).Str("experiment_id", report.ExperimentID).Msg("test run did not complete")
		}
		return report, runErr
	}

	if opts.Upload {
		progress.Step("Upload", "Uploading to Web...")
		up, err := bundlesync.Upload(ctx, client, bundlesync.UploadOptions{
			ScenarioDir:     ws.ScenarioDir,
			ExperimentDir:   report.Results.OutputDir,
			InputsPath:      ws.InputsPath(cfg),
			BundleVersionID: opts.Sync.BundleVersionID,
		})
		if err != nil {
			return report, err
		}
		report.Upload = up
	}
	return report, nil
}

// RunLocal runs the experiment without any synchronization.
func RunLocal(ctx context.Context, ws Workspace, configPath string, opts SessionOptions) (*Report, error) {
	cfg, err := ws.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	sess, err := NewSession(ws, cfg, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Close() }()
	return sess.Run(ctx)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
