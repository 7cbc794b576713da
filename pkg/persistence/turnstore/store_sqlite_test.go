package turnstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "turns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_SaveListIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ms := int64(42)
	recs := []turns.Record{
		{RunID: "r1", TurnID: "r1-t1", Sequence: 1, Role: turns.RoleUser, Content: "Hi", Timestamp: "2026-01-01T00:00:00Z"},
		{RunID: "r1", TurnID: "r1-t2", Sequence: 2, Role: turns.RoleAssistant, Content: "", Timestamp: "2026-01-01T00:00:01Z",
			DurationMs: &ms, Warnings: []turns.Warning{{Type: turns.WarningEmptyResponse}}},
	}
	for _, r := range recs {
		require.NoError(t, s.Save(ctx, "exp_1", r))
	}
	require.NoError(t, s.Save(ctx, "exp_1", recs[1]))

	items, err := s.List(ctx, Query{ExperimentID: "exp_1"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "r1-t1", items[0].TurnID)
	require.Nil(t, items[0].DurationMs)
	require.Equal(t, int64(42), *items[1].DurationMs)
	require.Equal(t, 1, items[1].WarningCount)
	require.JSONEq(t, `[{"type":"empty_response"}]`, items[1].WarningsJSON)

	warned, err := s.List(ctx, Query{WarningsOnly: true})
	require.NoError(t, err)
	require.Len(t, warned, 1)

	require.Error(t, s.Save(ctx, "", recs[0]))
}

func TestSQLiteStore_StatsAndRecorderSink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := turns.NewRecorder(filepath.Join(t.TempDir(), "turns.jsonl"),
		turns.GuardrailsFromConfig(config.GuardrailsConfig{}), turns.WithSinks(Sink(s, "exp_a")))
	require.NoError(t, err)
	defer func() { _ = rec.Close() }()

	for _, p := range []turns.Payload{
		{RunID: "run-1", Role: turns.RoleUser, Content: "Hi"},
		{RunID: "run-1", Content: "sorry"},
		{RunID: "run-2", Role: turns.RoleUser, Content: "Bye"},
		{RunID: "run-2", Content: "Bye"},
	} {
		_, err := rec.RecordTurn(ctx, p)
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx, "exp_", 0)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	byRun := map[string]RunStats{}
	for _, st := range stats {
		byRun[st.RunID] = st
	}
	require.Equal(t, 2, byRun["run-1"].Turns)
	require.Equal(t, 1, byRun["run-1"].WarningTurns)
	require.Equal(t, 0, byRun["run-2"].WarningTurns)

	none, err := s.Stats(ctx, "other", 0)
	require.NoError(t, err)
	require.Empty(t, none)
}
