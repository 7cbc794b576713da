// Package turnstore indexes recorded turns in SQLite so runs can be queried
// across experiments after the JSONL logs have been written.
package turnstore

import (
	"context"

	"github.com/go-go-golems/fluxloop/pkg/turns"
)

// Snapshot is one stored turn.
type Snapshot struct {
	ExperimentID string
	RunID        string
	TurnID       string
	Sequence     int
	Role         string
	Content      string
	Timestamp    string
	DurationMs   *int64
	WarningCount int
	WarningsJSON string
	CreatedAtMs  int64
}

// Query filters stored turns. Empty fields match everything.
type Query struct {
	ExperimentID string
	RunID        string
	Role         string
	WarningsOnly bool
	Limit        int
}

// RunStats aggregates the turns of one run.
type RunStats struct {
	ExperimentID string
	RunID        string
	Turns        int
	WarningTurns int
	WarningCount int
	FirstAt      string
	LastAt       string
}

// Store persists turns for inspection.
type Store interface {
	Save(ctx context.Context, experimentID string, rec turns.Record) error
	List(ctx context.Context, q Query) ([]Snapshot, error)
	Stats(ctx context.Context, experimentPrefix string, limit int) ([]RunStats, error)
	Close() error
}

// Sink adapts a Store to the recorder's sink interface for one experiment.
func Sink(s Store, experimentID string) turns.Sink {
	return turns.SinkFunc(func(ctx context.Context, rec turns.Record) error {
		return s.Save(ctx, experimentID, rec)
	})
}
