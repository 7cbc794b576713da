package bundlesync

import (
	"context"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/runner"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type PrecreateOptions struct {
	ScenarioDir     string
	ExperimentID    string
	BundleVersionID string
	Cells           []runner.Cell
	// Mapping resolves cells whose entry carries no input item id. Optional.
	// Every iteration resolves against its own copy, so each pass over the
	// inputs maps onto the same items.
	Mapping *InputItemMapping
}

type PrecreateResult struct {
	RunBatchID string
	Allocator  *runner.PreassignedAllocator
	Runs       int
	Skipped    int
}

// Precreate mints the run id of every cell ahead of the run and registers the
// runs with status running, so streamed turns reference runs the service
// already knows. Cells whose input item cannot be resolved are not
// precreated; they get a fresh id when they run.
func Precreate(ctx context.Context, c *Client, opts PrecreateOptions) (*PrecreateResult, error) {
	st := LoadState(opts.ScenarioDir)
	bundleVersionID := firstNonEmpty(opts.BundleVersionID, st.BundleVersionID)
	if bundleVersionID == "" {
		return nil, config.Errorf("precreate runs", "bundle_version_id is required. Run sync pull first.")
	}
	if opts.ExperimentID == "" {
		return nil, config.Errorf("precreate runs", "experiment id is required")
	}

	ids := map[runner.RunKey]string{}
	runs := make([]runEntry, 0, len(opts.Cells))
	skipped := 0
	perIteration := map[int]*InputItemMapping{}
	for _, cell := range opts.Cells {
		itemID := cell.Entry.InputItemID
		if itemID == "" && opts.Mapping != nil {
			m, ok := perIteration[cell.Iteration]
			if !ok {
				m = opts.Mapping.Clone()
				perIteration[cell.Iteration] = m
			}
			itemID, _ = m.Resolve(cell.Entry.Input, cell.PersonaName())
		}
		if itemID == "" {
			skipped++
			continue
		}
		key := cell.Key()
		if _, dup := ids[key]; dup {
			continue
		}
		id := uuid.NewString()
		ids[key] = id
		runs = append(runs, runEntry{ID: id, InputItemID: itemID, Status: StatusRunning})
	}

	req := uploadRequest{
		BundleVersionID: bundleVersionID,
		RunBatch:        runBatch{ExperimentID: opts.ExperimentID, ExecutionTarget: ExecutionTargetLocal, Status: StatusRunning},
		Runs:            runs,
		RunResults:      []runResult{},
		Artifacts:       []artifactRef{},
		UploadMeta:      map[string]any{"mode": "precreate"},
	}
	var resp uploadResponse
	if err := c.PostJSON(ctx, UploadEndpoint, req, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "precreate runs")
	}

	if resp.RunBatchID != "" {
		st.LastRunBatchID = resp.RunBatchID
		st.LastExperimentID = opts.ExperimentID
		if err := SaveState(opts.ScenarioDir, st); err != nil {
			return nil, err
		}
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("cells without input item id were not precreated")
	}
	log.Info().Int("runs", len(runs)).Str("experiment_id", opts.ExperimentID).
		Str("run_batch_id", resp.RunBatchID).Msg("precreated runs")

	return &PrecreateResult{
		RunBatchID: resp.RunBatchID,
		Allocator:  runner.NewPreassignedAllocator(ids),
		Runs:       len(runs),
		Skipped:    skipped,
	}, nil
}
