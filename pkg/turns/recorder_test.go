package turns

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestRecorder(t *testing.T, opts ...RecorderOption) *Recorder {
	path := filepath.Join(t.TempDir(), "out", "turns.jsonl")
	r, err := NewRecorder(path, GuardrailsFromConfig(config.GuardrailsConfig{}), append(opts, WithClock(fixedClock))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecorder_SequencesAreGapFreePerRun(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	payloads := []Payload{
		{RunID: "a", Role: RoleUser, Content: "hi"},
		{RunID: "b", Role: RoleUser, Content: "hello"},
		{RunID: "a", Content: "hi there"},
		{RunID: "b", Content: "hello there"},
		{RunID: "a", Role: RoleUser, Content: "bye"},
	}
	for _, p := range payloads {
		_, err := r.RecordTurn(ctx, p)
		require.NoError(t, err)
	}

	recs, err := LoadTurns(r.Path())
	require.NoError(t, err)
	require.Len(t, recs, 5)

	seqs := map[string][]int{}
	for _, rec := range recs {
		seqs[rec.RunID] = append(seqs[rec.RunID], rec.Sequence)
		require.Equal(t, TurnID(rec.RunID, rec.Sequence), rec.TurnID)
		require.Equal(t, "2026-03-01T12:00:00Z", rec.Timestamp)
	}
	require.Equal(t, []int{1, 2, 3}, seqs["a"])
	require.Equal(t, []int{1, 2}, seqs["b"])
	require.Equal(t, "a-t2", recs[2].TurnID)
	require.Equal(t, RoleAssistant, recs[2].Role)

	require.Equal(t, 1, r.AssistantTurnCount("a"))
	require.Equal(t, 0, r.AssistantTurnCount("missing"))
	require.Equal(t, []RunSummary{
		{RunID: "a", Summary: Summary{TotalTurns: 3}},
		{RunID: "b", Summary: Summary{TotalTurns: 2}},
	}, r.RunSummaries())
}

func TestRecorder_ConcurrentRunsStayGapFree(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"r1", "r2", "r3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := r.RecordTurn(ctx, Payload{RunID: id, Content: "x"})
				require.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	recs, err := LoadTurns(r.Path())
	require.NoError(t, err)
	byRun := map[string][]int{}
	for _, rec := range recs {
		byRun[rec.RunID] = append(byRun[rec.RunID], rec.Sequence)
	}
	for id, seqs := range byRun {
		require.True(t, sort.IntsAreSorted(seqs), id)
		for i, s := range seqs {
			require.Equal(t, i+1, s, id)
		}
	}
	require.Len(t, byRun, 3)
}

func TestRecorder_AppendsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turns.jsonl")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		r, err := NewRecorder(path, GuardrailsFromConfig(config.GuardrailsConfig{}))
		require.NoError(t, err)
		_, err = r.RecordTurn(ctx, Payload{RunID: "run", Content: "ok"})
		require.NoError(t, err)
		require.NoError(t, r.Close())
	}
	recs, err := LoadTurns(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestRecorder_GuardrailsOnlyOnAssistantTurns(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	user, err := r.RecordTurn(ctx, Payload{RunID: "r", Role: RoleUser, Content: ""})
	require.NoError(t, err)
	require.Empty(t, user.Warnings)

	ms := int64(1200)
	asst, err := r.RecordTurn(ctx, Payload{RunID: "r", Content: "  ", DurationMs: &ms})
	require.NoError(t, err)
	require.Equal(t, []Warning{{Type: WarningEmptyResponse, Message: "empty response"}}, asst.Warnings)
	require.Equal(t, int64(1200), *asst.DurationMs)

	s := r.RunSummary("r")
	require.Equal(t, Summary{TotalTurns: 2, WarningTurns: 1, WarningCount: 1}, s)
	require.InDelta(t, 0.5, s.WarningRate(), 1e-9)
	require.Equal(t, s, r.OverallSummary())
}

func TestRecorder_SinksSeeDurableTurns(t *testing.T) {
	var seen []string
	var path string
	sink := SinkFunc(func(ctx context.Context, rec Record) error {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Contains(t, string(data), rec.TurnID)
		seen = append(seen, rec.TurnID)
		return nil
	})
	failing := SinkFunc(func(ctx context.Context, rec Record) error {
		return os.ErrClosed
	})

	r := newTestRecorder(t, WithSinks(failing, sink))
	path = r.Path()
	_, err := r.RecordTurn(context.Background(), Payload{RunID: "x", Role: RoleUser, Content: "q"})
	require.NoError(t, err)
	_, err = r.RecordTurn(context.Background(), Payload{RunID: "x", Content: "a"})
	require.NoError(t, err)
	require.Equal(t, []string{"x-t1", "x-t2"}, seen)
}

func TestRecorder_RejectsMissingRunID(t *testing.T) {
	r := newTestRecorder(t)
	_, err := r.RecordTurn(context.Background(), Payload{Content: "x"})
	require.Error(t, err)
}

func TestCheckGuardrails(t *testing.T) {
	g := Guardrails{ForbiddenWords: []string{"sorry", "죄송"}, MaxResponseLength: 5}

	require.Empty(t, CheckGuardrails("fine", g))
	require.Empty(t, CheckGuardrails("안녕하세", g), "length is counted in characters")

	ws := CheckGuardrails("sorry, 죄송합니다", g)
	require.Equal(t, []string{WarningForbiddenWords, WarningTooLong}, warningTypes(ws))
	require.Equal(t, "contains 'sorry'", ws[0].Message)

	ws = CheckGuardrails("   \n", Guardrails{MaxResponseLength: 2})
	require.Equal(t, []string{WarningEmptyResponse, WarningTooLong}, warningTypes(ws))

	for i := 0; i < 3; i++ {
		require.Equal(t, ws, CheckGuardrails("   \n", Guardrails{MaxResponseLength: 2}))
	}
}

func TestGuardrailsFromConfig_Defaults(t *testing.T) {
	g := GuardrailsFromConfig(config.GuardrailsConfig{})
	require.Equal(t, []string{"죄송", "sorry"}, g.ForbiddenWords)
	require.Equal(t, 2000, g.MaxResponseLength)

	long := strings.Repeat("a", 2001)
	require.Equal(t, []string{WarningTooLong}, warningTypes(CheckGuardrails(long, g)))
}

func warningTypes(ws []Warning) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Type)
	}
	return out
}
