package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/binder"
	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/target"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// TurnHandler is called synchronously, in order, for every turn the executor
// produces.
type TurnHandler func(ctx context.Context, p turns.Payload) error

type Executor struct {
	cfg       *config.ExperimentConfig
	resolver  *target.Resolver
	binder    *binder.Binder
	allocator RunIDAllocator
	onTurn    TurnHandler
	outputDir string
	counter   TokenCounter
	now       func() time.Time

	handle target.Handle
}

type Option func(*Executor)

func WithResolver(r *target.Resolver) Option {
	return func(e *Executor) { e.resolver = r }
}

func WithBinder(b *binder.Binder) Option {
	return func(e *Executor) { e.binder = b }
}

func WithRunIDAllocator(a RunIDAllocator) Option {
	return func(e *Executor) { e.allocator = a }
}

func WithTurnHandler(h TurnHandler) Option {
	return func(e *Executor) { e.onTurn = h }
}

// WithOutputDir pins the experiment output directory instead of deriving
// <output_directory>/<name>_<timestamp>.
func WithOutputDir(dir string) Option {
	return func(e *Executor) { e.outputDir = dir }
}

func WithTokenCounter(c TokenCounter) Option {
	return func(e *Executor) { e.counter = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(cfg *config.ExperimentConfig, opts ...Option) *Executor {
	e := &Executor{
		cfg:       cfg,
		allocator: UUIDAllocator{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.resolver == nil {
		e.resolver = target.NewResolver(target.WithBaseDir(cfg.SourceDir()))
	}
	if e.binder == nil {
		e.binder = binder.New(cfg)
	}
	if e.counter == nil && cfg.CountTokens {
		c, err := NewTiktokenCounter()
		if err != nil {
			log.Warn().Err(err).Msg("token counting disabled")
		} else {
			e.counter = c
		}
	}
	return e
}

// SetRunIDAllocator swaps the allocator before the grid runs.
func (e *Executor) SetRunIDAllocator(a RunIDAllocator) {
	e.allocator = a
}

func (e *Executor) Config() *config.ExperimentConfig { return e.cfg }

// OutputDir returns the directory artifacts are written to. It is fixed on
// first use.
func (e *Executor) OutputDir() string {
	if e.outputDir == "" {
		base := e.cfg.ResolvePath(e.cfg.OutputDirectory)
		e.outputDir = filepath.Join(base, fmt.Sprintf("%s_%s", e.cfg.Name, e.now().Format("20060102_150405")))
	}
	return e.outputDir
}

// Prepare resolves the target and validates the binding mode. Every error it
// returns is a ConfigurationError and no target has been invoked yet.
func (e *Executor) Prepare() (target.Handle, error) {
	if e.handle != nil {
		return e.handle, nil
	}
	h, err := e.resolver.ResolveString(e.cfg.TargetSpecifier())
	if err != nil {
		return nil, err
	}
	if err := e.binder.Validate(h); err != nil {
		return nil, err
	}
	e.handle = h
	return h, nil
}

// Plan loads the inputs and lays out the run matrix.
func (e *Executor) Plan() ([]Cell, error) {
	entries, external, err := e.cfg.LoadInputs()
	if err != nil {
		return nil, err
	}
	return BuildGrid(e.cfg, entries, external), nil
}

// Run prepares, plans and executes the whole experiment.
func (e *Executor) Run(ctx context.Context) (*Results, error) {
	if _, err := e.Prepare(); err != nil {
		return nil, err
	}
	cells, err := e.Plan()
	if err != nil {
		return nil, err
	}
	return e.RunCells(ctx, cells)
}

// RunCells invokes every cell sequentially. A failing call is recorded and the
// grid continues. When ctx is cancelled no further cell is scheduled, a partial
// summary marked interrupted is written and the context error is returned
// alongside the results.
func (e *Executor) RunCells(ctx context.Context, cells []Cell) (*Results, error) {
	h, err := e.Prepare()
	if err != nil {
		return nil, err
	}

	dir := e.OutputDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create output directory %s", dir)
	}

	var traces *os.File
	if e.cfg.ShouldSaveTraces() {
		traces, err = os.OpenFile(filepath.Join(dir, TracesFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open traces file")
		}
		defer func() { _ = traces.Close() }()
	}

	delay := e.cfg.RunDelay()

	started := e.now()
	res := &Results{Name: e.cfg.Name, OutputDir: dir}
	var totalMs float64
	var runErr error

	log.Info().Str("experiment", e.cfg.Name).Int("cells", len(cells)).Str("target", h.Spec().String()).
		Str("output_dir", dir).Msg("starting experiment")

	for i, cell := range cells {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		// the gap runs from the end of the previous call, never after the last one
		if i > 0 && delay > 0 {
			if err := pause(ctx, delay); err != nil {
				runErr = err
				break
			}
		}

		rec, failure, err := e.runCell(ctx, h, cell)
		if err != nil {
			runErr = err
			break
		}
		res.TotalRuns++
		if failure != nil {
			res.Failed++
			res.Errors = append(res.Errors, *failure)
			continue
		}
		res.Successful++
		totalMs += rec.DurationMs
		res.Records = append(res.Records, *rec)
		if traces != nil {
			if err := appendJSONLine(traces, rec); err != nil {
				log.Warn().Err(err).Str("run_id", rec.RunID).Msg("could not append trace")
			}
		}
	}

	if runErr != nil {
		res.Interrupted = true
		log.Warn().Err(runErr).Int("completed", res.TotalRuns).Int("planned", len(cells)).Msg("experiment interrupted")
	}
	if res.TotalRuns > 0 {
		res.SuccessRate = float64(res.Successful) / float64(res.TotalRuns)
	}
	if res.Successful > 0 {
		res.AvgDurationMs = totalMs / float64(res.Successful)
	}
	res.DurationSeconds = e.now().Sub(started).Seconds()

	if err := e.writeArtifacts(res); err != nil {
		if runErr != nil {
			return res, runErr
		}
		return res, err
	}
	return res, runErr
}

// pause waits d after a completed call. The burst token is spent up front so
// the wait always covers the full gap.
func pause(ctx context.Context, d time.Duration) error {
	lim := rate.NewLimiter(rate.Every(d), 1)
	lim.Allow()
	return lim.Wait(ctx)
}

func (e *Executor) runCell(ctx context.Context, h target.Handle, cell Cell) (*RunRecord, *ErrorEntry, error) {
	runID := e.allocator.RunID(cell.Key())
	input := config.RenderInput(e.cfg.InputTemplate, cell.Entry.Input, cell.Persona)
	ts := e.now().UTC().Format(time.RFC3339Nano)

	e.emit(ctx, turns.Payload{RunID: runID, Role: turns.RoleUser, Content: input})

	binding, err := e.binder.Bind(h, input)
	start := time.Now()
	var out any
	if err == nil {
		out, err = e.invoke(ctx, h, binding.Args)
	}
	elapsed := time.Since(start)
	durationMs := float64(elapsed.Microseconds()) / 1000

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, nil, ctx.Err()
	}
	if err == nil {
		if reported := binding.ReportedErrors(); len(reported) > 0 {
			err = errors.Errorf("target reported errors: %s", strings.Join(reported, "; "))
		}
	}

	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Int("iteration", cell.Iteration).
			Str("persona", cell.PersonaName()).Msg("run failed")
		return nil, &ErrorEntry{
			RunID:       runID,
			Iteration:   cell.Iteration,
			Persona:     cell.PersonaName(),
			Input:       input,
			RawInput:    rawIfDifferent(cell.Entry.Input, input),
			SourceIndex: cell.Entry.SourceIndex,
			InputItemID: cell.Entry.InputItemID,
			Error:       err.Error(),
			DurationMs:  durationMs,
			Timestamp:   ts,
		}, nil
	}

	messages := binding.SentMessages()
	if len(messages) == 0 {
		messages = []string{StringifyOutput(out)}
	}
	conversation := []ConversationEntry{{Role: turns.RoleUser, Content: input}}
	wholeMs := elapsed.Milliseconds()
	for i, m := range messages {
		p := turns.Payload{RunID: runID, Role: turns.RoleAssistant, Content: m}
		if i == len(messages)-1 {
			p.DurationMs = &wholeMs
		}
		e.emit(ctx, p)
		conversation = append(conversation, ConversationEntry{Role: turns.RoleAssistant, Content: m})
	}

	return &RunRecord{
		TraceID:      runID,
		RunID:        runID,
		Iteration:    cell.Iteration,
		Persona:      cell.PersonaName(),
		Input:        input,
		RawInput:     rawIfDifferent(cell.Entry.Input, input),
		SourceIndex:  cell.Entry.SourceIndex,
		InputItemID:  cell.Entry.InputItemID,
		Metadata:     cell.Entry.Metadata,
		Output:       jsonSafe(out),
		Success:      true,
		DurationMs:   durationMs,
		Conversation: conversation,
		TokenUsage:   usageFor(e.counter, input, messages),
		Timestamp:    ts,
	}, nil, nil
}

// invoke runs the target on its own goroutine so cancellation is observed even
// while a suspending target is blocked.
func (e *Executor) invoke(ctx context.Context, h target.Handle, args target.Args) (any, error) {
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Errorf("target panicked: %v", r)}
			}
		}()
		v, err := h.Invoke(ctx, args)
		if err == nil {
			v, err = target.Await(ctx, v)
		}
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunSingle resolves the target and invokes it once with input, without
// recording turns or artifacts.
func (e *Executor) RunSingle(ctx context.Context, input string) (any, error) {
	h, err := e.Prepare()
	if err != nil {
		return nil, err
	}
	binding, err := e.binder.Bind(h, input)
	if err != nil {
		return nil, err
	}
	out, err := e.invoke(ctx, h, binding.Args)
	if err != nil {
		return nil, err
	}
	if msgs := binding.SentMessages(); len(msgs) > 0 {
		return strings.Join(msgs, "\n"), nil
	}
	return out, nil
}

func (e *Executor) emit(ctx context.Context, p turns.Payload) {
	if e.onTurn == nil {
		return
	}
	if err := e.onTurn(ctx, p); err != nil {
		log.Warn().Err(err).Str("run_id", p.RunID).Str("role", p.Role).Msg("turn handler failed")
	}
}

type summaryFile struct {
	Name    string                   `json:"name"`
	Date    string                   `json:"date"`
	Config  *config.ExperimentConfig `json:"config"`
	Results *Results                 `json:"results"`
}

func (e *Executor) writeArtifacts(res *Results) error {
	dir := res.OutputDir
	summary := summaryFile{
		Name:    e.cfg.Name,
		Date:    e.now().Format(time.RFC3339),
		Config:  e.cfg,
		Results: res,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode summary")
	}
	if err := config.WriteFileAtomically(filepath.Join(dir, SummaryFileName), data, 0o644); err != nil {
		return err
	}
	if len(res.Errors) == 0 {
		return nil
	}
	data, err = json.MarshalIndent(res.Errors, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode errors")
	}
	return config.WriteFileAtomically(filepath.Join(dir, ErrorsFileName), data, 0o644)
}

func appendJSONLine(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// StringifyOutput renders a target return value as text: strings as is, other
// values as JSON.
func StringifyOutput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case []byte:
		return string(t)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// jsonSafe keeps outputs that encode as JSON and stringifies the rest.
func jsonSafe(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}

func rawIfDifferent(raw, rendered string) string {
	if raw == rendered {
		return ""
	}
	return raw
}
