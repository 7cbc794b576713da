package bundlesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/runner"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRunning   = "running"

	ExecutionTargetLocal = "local"
)

type runBatch struct {
	ExperimentID    string `json:"experiment_id"`
	ExecutionTarget string `json:"execution_target"`
	Status          string `json:"status"`
}

type runEntry struct {
	ID          string  `json:"id"`
	InputItemID string  `json:"input_item_id"`
	PersonaID   *string `json:"persona_id"`
	Status      string  `json:"status"`
}

type transcriptEntry struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type localEvalSummary struct {
	Verdict  string             `json:"verdict"`
	Scores   map[string]float64 `json:"scores"`
	Failures []string           `json:"failures"`
}

type runResult struct {
	RunID            string            `json:"run_id"`
	Status           string            `json:"status"`
	Metrics          map[string]any    `json:"metrics"`
	Transcript       []transcriptEntry `json:"transcript"`
	LocalEvalSummary localEvalSummary  `json:"local_eval_summary"`
}

type artifactRef struct {
	RunID      string `json:"run_id"`
	Type       string `json:"type"`
	StorageURL string `json:"storage_url"`
}

type turnSummary struct {
	RunID        string  `json:"run_id"`
	TotalTurns   int     `json:"total_turns"`
	WarningTurns int     `json:"warning_turns"`
	WarningCount int     `json:"warning_count"`
	WarningRate  float64 `json:"warning_rate"`
}

type uploadRequest struct {
	BundleVersionID string         `json:"bundle_version_id"`
	RunBatch        runBatch       `json:"run_batch"`
	Runs            []runEntry     `json:"runs"`
	RunResults      []runResult    `json:"run_results"`
	Artifacts       []artifactRef  `json:"artifacts"`
	Turns           []turns.Record `json:"turns,omitempty"`
	TurnSummaries   []turnSummary  `json:"turn_summaries,omitempty"`
	UploadMeta      map[string]any `json:"upload_meta"`
}

type uploadResponse struct {
	RunBatchID string `json:"run_batch_id"`
}

type presignRequest struct {
	ProjectID    string `json:"project_id"`
	RunID        string `json:"run_id"`
	ArtifactType string `json:"artifact_type"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
}

type presignResponse struct {
	UploadURL  string            `json:"upload_url"`
	StorageURL string            `json:"storage_url"`
	Headers    map[string]string `json:"headers"`
}

type UploadOptions struct {
	ScenarioDir string
	// ExperimentDir is one experiment output directory. Its base name is the
	// experiment id, which makes re-uploads of the same directory idempotent.
	ExperimentDir string
	// InputsPath is the pulled inputs file used to resolve input item ids.
	InputsPath      string
	BundleVersionID string
}

type UploadResult struct {
	ExperimentID string
	RunBatchID   string
	Status       string
	Runs         int
	Artifacts    int
	Turns        int
}

// artifactFiles are uploaded once per experiment, attached to its first run.
var artifactFiles = []struct {
	Type string
	Name string
}{
	{"summary", runner.SummaryFileName},
	{"trace_summary", runner.TracesFileName},
	{"errors", runner.ErrorsFileName},
	{"turns", runner.TurnsFileName},
	{"result", runner.ResultFileName},
	{"observations", "observations.jsonl"},
}

// Upload sends a finished experiment directory to the coordination service.
func Upload(ctx context.Context, c *Client, opts UploadOptions) (*UploadResult, error) {
	st := LoadState(opts.ScenarioDir)
	bundleVersionID := firstNonEmpty(opts.BundleVersionID, st.BundleVersionID)
	if bundleVersionID == "" {
		return nil, config.Errorf("sync upload", "bundle_version_id is required. Run sync pull first.")
	}
	dir := opts.ExperimentDir
	if dir == "" {
		return nil, config.Errorf("sync upload", "no experiment directory given")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", opts.ExperimentDir)
	}
	experimentID := filepath.Base(dir)

	tracesPath := filepath.Join(dir, runner.TracesFileName)
	traces, err := runner.ReadTraces(tracesPath)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			traces = nil
		} else {
			return nil, err
		}
	}
	failures, err := runner.ReadErrors(filepath.Join(dir, runner.ErrorsFileName))
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 && len(failures) == 0 {
		return nil, config.Errorf("sync upload", "no runs found in %s", dir)
	}

	mapping, err := LoadInputItemMapping(opts.InputsPath)
	if err != nil {
		return nil, err
	}

	req := uploadRequest{
		BundleVersionID: bundleVersionID,
		UploadMeta:      map[string]any{},
		Artifacts:       []artifactRef{},
	}
	runIDs := map[string]string{}
	var order []string
	allCompleted := true

	addRun := func(localID, traceID, itemID, input, persona string, success bool, res runResult) error {
		runID := coerceRunID(localID)
		if itemID == "" {
			id, ok := mapping.Resolve(input, persona)
			if !ok {
				return &ResolutionError{TraceID: firstNonEmpty(traceID, localID), Input: input}
			}
			itemID = id
		}
		status := StatusCompleted
		if !success {
			status = StatusFailed
			allCompleted = false
		}
		if localID != "" {
			runIDs[localID] = runID
		}
		order = append(order, runID)
		req.Runs = append(req.Runs, runEntry{ID: runID, InputItemID: itemID, Status: status})
		res.RunID = runID
		res.Status = status
		req.RunResults = append(req.RunResults, res)
		return nil
	}

	for _, t := range traces {
		res := runResult{
			Metrics:    map[string]any{"duration_ms": t.DurationMs},
			Transcript: transcriptOf(t),
			LocalEvalSummary: localEvalSummary{
				Verdict:  verdict(t.Success),
				Scores:   map[string]float64{},
				Failures: []string{},
			},
		}
		if t.TokenUsage != nil {
			res.Metrics["input_tokens"] = t.TokenUsage.InputTokens
			res.Metrics["output_tokens"] = t.TokenUsage.OutputTokens
			res.Metrics["total_tokens"] = t.TokenUsage.TotalTokens
		}
		if !t.Success && t.Error != "" {
			res.LocalEvalSummary.Failures = append(res.LocalEvalSummary.Failures, t.Error)
		}
		itemID := firstNonEmpty(t.InputItemID, stringValue(t.Metadata["input_item_id"]))
		if err := addRun(firstNonEmpty(t.RunID, t.TraceID), t.TraceID, itemID, firstNonEmpty(t.RawInput, t.Input), t.Persona, t.Success, res); err != nil {
			return nil, err
		}
	}
	for _, f := range failures {
		res := runResult{
			Metrics:    map[string]any{"duration_ms": f.DurationMs},
			Transcript: []transcriptEntry{{Role: turns.RoleUser, Content: f.Input}},
			LocalEvalSummary: localEvalSummary{
				Verdict:  verdict(false),
				Scores:   map[string]float64{},
				Failures: []string{f.Error},
			},
		}
		if err := addRun(f.RunID, f.RunID, f.InputItemID, firstNonEmpty(f.RawInput, f.Input), f.Persona, false, res); err != nil {
			return nil, err
		}
	}

	status := StatusCompleted
	if !allCompleted {
		status = StatusFailed
	}
	req.RunBatch = runBatch{ExperimentID: experimentID, ExecutionTarget: ExecutionTargetLocal, Status: status}

	records, err := turns.LoadTurns(filepath.Join(dir, runner.TurnsFileName))
	if err != nil {
		return nil, err
	}
	for i := range records {
		if id, ok := runIDs[records[i].RunID]; ok {
			records[i].RunID = id
		}
	}
	req.Turns = records
	summaries := turns.SummarizeTurns(records)
	for _, runID := range order {
		s, ok := summaries[runID]
		if !ok {
			continue
		}
		req.TurnSummaries = append(req.TurnSummaries, turnSummary{
			RunID:        runID,
			TotalTurns:   s.TotalTurns,
			WarningTurns: s.WarningTurns,
			WarningCount: s.WarningCount,
			WarningRate:  s.WarningRate(),
		})
	}

	firstRun := order[0]
	for _, a := range artifactFiles {
		ref, err := uploadArtifact(ctx, c, st.ProjectID, firstRun, a.Type, filepath.Join(dir, a.Name))
		if err != nil {
			return nil, err
		}
		if ref != nil {
			req.Artifacts = append(req.Artifacts, *ref)
		}
	}

	var resp uploadResponse
	if err := c.PostJSON(ctx, UploadEndpoint, req, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "upload results")
	}

	if resp.RunBatchID != "" {
		st.LastRunBatchID = resp.RunBatchID
		st.LastExperimentID = experimentID
		if err := SaveState(opts.ScenarioDir, st); err != nil {
			return nil, err
		}
	}

	log.Info().Str("experiment_id", experimentID).Str("run_batch_id", resp.RunBatchID).
		Int("runs", len(req.Runs)).Int("artifacts", len(req.Artifacts)).Msg("uploaded experiment")

	return &UploadResult{
		ExperimentID: experimentID,
		RunBatchID:   resp.RunBatchID,
		Status:       status,
		Runs:         len(req.Runs),
		Artifacts:    len(req.Artifacts),
		Turns:        len(req.Turns),
	}, nil
}

// uploadArtifact presigns and PUTs one file. Missing files are skipped.
func uploadArtifact(ctx context.Context, c *Client, projectID, runID, artifactType, path string) (*artifactRef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read artifact %s", path)
	}
	var presign presignResponse
	err = c.PostJSON(ctx, PresignEndpoint, presignRequest{
		ProjectID:    projectID,
		RunID:        runID,
		ArtifactType: artifactType,
		Filename:     filepath.Base(path),
		ContentType:  contentType(path),
	}, nil, &presign)
	if err != nil {
		return nil, errors.Wrapf(err, "presign %s", artifactType)
	}
	if presign.UploadURL == "" {
		return nil, errors.Errorf("presign %s: no upload_url in answer", artifactType)
	}
	if err := c.Put(ctx, presign.UploadURL, data, presign.Headers); err != nil {
		return nil, errors.Wrapf(err, "upload artifact %s", artifactType)
	}
	return &artifactRef{RunID: runID, Type: artifactType, StorageURL: presign.StorageURL}, nil
}

// LatestExperimentDir returns the most recently modified experiment directory
// under an output directory.
func LatestExperimentDir(outputDir string) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", config.Wrap(errors.Wrapf(err, "experiment output directory %s", outputDir), "sync upload")
	}
	type candidate struct {
		path string
		mod  int64
	}
	var cands []candidate
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "artifacts" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{filepath.Join(outputDir, e.Name()), info.ModTime().UnixNano()})
	}
	if len(cands) == 0 {
		return "", config.Errorf("sync upload", "no experiment directories found in %s", outputDir)
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].mod > cands[j].mod })
	return cands[0].path, nil
}

func transcriptOf(t runner.RunRecord) []transcriptEntry {
	out := make([]transcriptEntry, 0, len(t.Conversation))
	for _, e := range t.Conversation {
		out = append(out, transcriptEntry{Role: e.Role, Content: e.Content, Metadata: e.Metadata})
	}
	return out
}

func verdict(success bool) string {
	if success {
		return "pass"
	}
	return "fail"
}

// coerceRunID keeps ids that already are UUIDs and mints one otherwise.
func coerceRunID(id string) string {
	if u, err := uuid.Parse(strings.TrimSpace(id)); err == nil {
		return u.String()
	}
	return uuid.NewString()
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl":
		return "application/json"
	case ".md":
		return "text/markdown"
	case ".html":
		return "text/html"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func (r UploadResult) String() string {
	return fmt.Sprintf("uploaded %d runs (experiment: %s, batch: %s)", r.Runs, r.ExperimentID, r.RunBatchID)
}
