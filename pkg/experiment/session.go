package experiment

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/bundlesync"
	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/persistence/turnstore"
	"github.com/go-go-golems/fluxloop/pkg/redisstream"
	"github.com/go-go-golems/fluxloop/pkg/runner"
	"github.com/go-go-golems/fluxloop/pkg/target"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type SessionOptions struct {
	// Registry overrides the registry of in-process targets.
	Registry *target.Registry
	// TurnDB is a SQLite file indexing every turn. Empty disables it.
	TurnDB string
	Redis  redisstream.Settings
	// Streamer receives every turn for live streaming. The session drains it
	// before reporting.
	Streamer *bundlesync.Streamer
	Progress *Progress
	Now      func() time.Time
}

// Report is the outcome of one session.
type Report struct {
	ExperimentID string
	Results      *runner.Results
	Summary      turns.Summary
	RunSummaries []turns.RunSummary
	Criteria     []string
	ResultPath   string
	LatestPath   string
	StreamSent   int64
	StreamFailed int64
	Upload       *bundlesync.UploadResult
}

// Session runs one experiment and records its turns.
type Session struct {
	ws       Workspace
	cfg      *config.ExperimentConfig
	executor *runner.Executor
	recorder *turns.Recorder
	streamer *bundlesync.Streamer
	progress *Progress
	closers  []func() error
	cells    []runner.Cell
}

// NewSession builds the executor and the recorder for cfg. Turn sinks are
// attached in order: SQLite index, Redis stream, live streaming.
func NewSession(ws Workspace, cfg *config.ExperimentConfig, opts SessionOptions) (*Session, error) {
	s := &Session{ws: ws, cfg: cfg, streamer: opts.Streamer, progress: opts.Progress}

	resolverOpts := []target.ResolverOption{target.WithBaseDir(cfg.SourceDir())}
	if opts.Registry != nil {
		resolverOpts = append(resolverOpts, target.WithRegistry(opts.Registry))
	}
	execOpts := []runner.Option{
		runner.WithResolver(target.NewResolver(resolverOpts...)),
		runner.WithTurnHandler(s.handleTurn),
	}
	if opts.Now != nil {
		execOpts = append(execOpts, runner.WithClock(opts.Now))
	}
	s.executor = runner.NewExecutor(cfg, execOpts...)

	outDir := s.executor.OutputDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create output directory %s", outDir)
	}
	rec, err := turns.NewRecorder(filepath.Join(outDir, runner.TurnsFileName), turns.GuardrailsFromConfig(cfg.Guardrails))
	if err != nil {
		return nil, err
	}
	s.recorder = rec
	s.closers = append(s.closers, rec.Close)

	expID := s.ExperimentID()
	if opts.TurnDB != "" {
		store, err := turnstore.Open(opts.TurnDB)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		rec.AddSink(turnstore.Sink(store, expID))
		s.closers = append(s.closers, store.Close)
	}
	if opts.Redis.Enabled {
		pub, err := redisstream.NewTurnPublisher(opts.Redis, expID)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		rec.AddSink(pub)
		s.closers = append(s.closers, pub.Close)
	}
	if opts.Streamer != nil {
		rec.AddSink(opts.Streamer)
	}
	return s, nil
}

// ExperimentID names the experiment remotely: the base name of its output
// directory.
func (s *Session) ExperimentID() string {
	return filepath.Base(s.executor.OutputDir())
}

func (s *Session) OutputDir() string { return s.executor.OutputDir() }

func (s *Session) Config() *config.ExperimentConfig { return s.cfg }

// Plan resolves the target and lays out the grid without invoking anything.
func (s *Session) Plan() ([]runner.Cell, error) {
	if s.cells != nil {
		return s.cells, nil
	}
	if _, err := s.executor.Prepare(); err != nil {
		return nil, err
	}
	cells, err := s.executor.Plan()
	if err != nil {
		return nil, err
	}
	s.cells = cells
	return cells, nil
}

// UseRunIDs makes the grid use pre-assigned run ids.
func (s *Session) UseRunIDs(a runner.RunIDAllocator) {
	s.executor.SetRunIDAllocator(a)
}

// Run executes the planned grid, drains every turn sink and writes
// result.md. When ctx is cancelled the partial report is returned alongside
// the context error.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	cells, err := s.Plan()
	if err != nil {
		return nil, err
	}
	res, runErr := s.executor.RunCells(ctx, cells)
	if res == nil {
		return nil, runErr
	}

	report := &Report{ExperimentID: s.ExperimentID(), Results: res}
	if s.streamer != nil {
		_ = s.streamer.Close()
		report.StreamSent, report.StreamFailed = s.streamer.Stats()
	}
	if err := s.writeResult(report); err != nil {
		if runErr != nil {
			return report, runErr
		}
		return report, err
	}
	return report, runErr
}

func (s *Session) writeResult(report *Report) error {
	records, err := s.recorder.Turns()
	if err != nil {
		return err
	}
	criteria, err := turns.LoadCriteriaItems(s.ws.CriteriaDir())
	if err != nil {
		log.Warn().Err(err).Msg("could not load evaluation criteria")
	}
	report.Summary = s.recorder.OverallSummary()
	report.RunSummaries = s.recorder.RunSummaries()
	report.Criteria = criteria

	report.ResultPath = filepath.Join(s.OutputDir(), runner.ResultFileName)
	md := turns.RenderResultMarkdown(records, report.Summary, criteria)
	if err := config.WriteFileAtomically(report.ResultPath, []byte(md), 0o644); err != nil {
		return err
	}
	latest, err := turns.WriteLatestResultLink(s.ws.BaseDir, report.ResultPath)
	if err != nil {
		log.Warn().Err(err).Msg("could not update latest result link")
		return nil
	}
	report.LatestPath = latest
	return nil
}

func (s *Session) handleTurn(ctx context.Context, p turns.Payload) error {
	rec, err := s.recorder.RecordTurn(ctx, p)
	if err != nil {
		return err
	}
	s.progress.Turn(rec, s.recorder.AssistantTurnCount(rec.RunID))
	return nil
}

// Close releases the recorder and the sinks. The streamer is closed by Run.
func (s *Session) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
