package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/bundlesync"
	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/persistence/turnstore"
	"github.com/go-go-golems/fluxloop/pkg/target"
	"github.com/go-go-golems/fluxloop/pkg/target/examples"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/stretchr/testify/require"
)

const echoConfig = `name: echo
iterations: 2
runner:
  target: examples.echo:run
base_inputs:
  - input: Hi
  - input: Bye
`

func newWorkspace(t *testing.T, cfg string) Workspace {
	t.Helper()
	ws, err := OpenWorkspace(t.TempDir(), "support")
	require.NoError(t, err)
	path := ws.ConfigPath("")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return ws
}

func echoRegistry() *target.Registry {
	reg := target.NewRegistry()
	examples.Register(reg)
	return reg
}

func TestOpenWorkspace(t *testing.T) {
	base := t.TempDir()
	ws, err := OpenWorkspace(base, "")
	require.NoError(t, err)
	require.Equal(t, ws.BaseDir, ws.ScenarioDir)

	ws, err = OpenWorkspace(base, "refunds")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(ws.BaseDir, ".fluxloop", "scenarios", "refunds"), ws.ScenarioDir)
	require.Equal(t, filepath.Join(ws.ScenarioDir, "configs", "simulation.yaml"), ws.ConfigPath(""))
	require.Equal(t, "/abs/x.yaml", ws.ConfigPath("/abs/x.yaml"))
	require.Equal(t, filepath.Join(ws.ScenarioDir, config.DefaultInputsFile), ws.InputsPath(nil))
}

func TestRunLocal_RecordsTurnsAndWritesResult(t *testing.T) {
	ws := newWorkspace(t, echoConfig)
	var out bytes.Buffer
	dbPath := filepath.Join(t.TempDir(), "turns.db")

	report, err := RunLocal(context.Background(), ws, "", SessionOptions{
		Registry: echoRegistry(),
		TurnDB:   dbPath,
		Progress: NewProgress(&out, false),
	})
	require.NoError(t, err)
	require.Equal(t, 4, report.Results.TotalRuns)
	require.Equal(t, 4, report.Results.Successful)
	require.Equal(t, 8, report.Summary.TotalTurns)
	require.Len(t, report.RunSummaries, 4)
	require.True(t, strings.HasPrefix(report.Results.OutputDir, filepath.Join(ws.ScenarioDir, "experiments", "echo_")))

	md, err := os.ReadFile(report.ResultPath)
	require.NoError(t, err)
	require.Contains(t, string(md), "# FluxLoop Test Result")
	require.Contains(t, string(md), "- Turns: 8 (0 warning turns)")

	latest, err := os.ReadFile(filepath.Join(ws.BaseDir, ".fluxloop", turns.LatestResultName))
	require.NoError(t, err)
	require.Equal(t, md, latest)

	recs, err := turns.LoadTurns(filepath.Join(report.Results.OutputDir, "turns.jsonl"))
	require.NoError(t, err)
	require.Len(t, recs, 8)

	require.Equal(t, 4, strings.Count(out.String(), "Turn 1: ✓ assistant ("))

	store, err := turnstore.Open(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	stored, err := store.List(context.Background(), turnstore.Query{ExperimentID: report.ExperimentID})
	require.NoError(t, err)
	require.Len(t, stored, 8)
}

func TestRunLocal_ConfigurationErrorBeforeAnyTurn(t *testing.T) {
	ws := newWorkspace(t, strings.Replace(echoConfig, "examples.echo:run", "examples.echo:missing", 1))
	var out bytes.Buffer

	report, err := RunLocal(context.Background(), ws, "", SessionOptions{
		Registry: echoRegistry(),
		Progress: NewProgress(&out, false),
	})
	require.Nil(t, report)
	require.True(t, config.IsConfigurationError(err))
	require.Empty(t, out.String())
}

func TestFormatTurnLine(t *testing.T) {
	ms := int64(1234)
	plain := NewProgress(&bytes.Buffer{}, false)
	line := FormatTurnLine(turns.Record{Role: turns.RoleAssistant, DurationMs: &ms}, 2, plain.okStyle, plain.warnStyle)
	require.Equal(t, "Turn 2: ✓ assistant (1.2s)", line)

	line = FormatTurnLine(turns.Record{Role: turns.RoleAssistant, Warnings: []turns.Warning{{Type: turns.WarningEmptyResponse, Message: "empty response"}}}, 1, plain.okStyle, plain.warnStyle)
	require.True(t, strings.HasPrefix(line, "Turn 1: ⚠️ - "))
	require.True(t, strings.HasSuffix(line, "assistant (-)"))
}

// syncServer records what the workflow sends to the coordination service.
type syncServer struct {
	mu       sync.Mutex
	uploads  []map[string]any
	turnKeys []string
	pulls    int
}

func (s *syncServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(bundlesync.PullEndpoint, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.pulls++
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bundle_version": map[string]any{"id": "bv-1", "project_id": "proj-1"},
			"input_items": []any{
				map[string]any{"id": "item-hi", "messages": []any{map[string]any{"role": "user", "content": "Hi"}}},
				map[string]any{"id": "item-bye", "messages": []any{map[string]any{"role": "user", "content": "Bye"}}},
			},
			"criteria_pack": []any{map[string]any{"name": "polite", "description": "Stay polite"}},
		})
	})
	mux.HandleFunc(bundlesync.UploadEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		s.mu.Lock()
		s.uploads = append(s.uploads, m)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"run_batch_id": "batch-1"})
	})
	mux.HandleFunc(bundlesync.TurnsEndpoint, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.turnKeys = append(s.turnKeys, r.Header.Get("Idempotency-Key"))
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc(bundlesync.PresignEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"upload_url":  "http://" + r.Host + "/storage/" + m["filename"].(string),
			"storage_url": "s3://bucket/" + m["filename"].(string),
		})
	})
	mux.HandleFunc("/storage/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestRunTest_PullStreamUpload(t *testing.T) {
	ws := newWorkspace(t, echoConfig)
	srv := &syncServer{}
	hs := httptest.NewServer(srv.handler(t))
	defer hs.Close()
	client := bundlesync.NewClient(hs.URL, "k", bundlesync.WithBackoff(time.Millisecond))
	var out bytes.Buffer

	report, err := RunTest(context.Background(), ws, TestOptions{
		Smoke:  true,
		Pull:   true,
		Upload: true,
		Stream: true,
		Sync:   bundlesync.Settings{ProjectID: "proj-1"},
		Client: client,
		Session: SessionOptions{
			Registry: echoRegistry(),
			Progress: NewProgress(&out, false),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, srv.pulls)

	// smoke mode runs the pulled inputs once
	require.Equal(t, 2, report.Results.TotalRuns)
	require.Equal(t, []string{"Stay polite"}, report.Criteria)
	require.Equal(t, int64(4), report.StreamSent)
	require.Equal(t, int64(0), report.StreamFailed)
	require.NotNil(t, report.Upload)
	require.Equal(t, report.ExperimentID, report.Upload.ExperimentID)

	require.Len(t, srv.uploads, 2)
	pre, final := srv.uploads[0], srv.uploads[1]
	require.Equal(t, map[string]any{"mode": "precreate"}, pre["upload_meta"])

	precreated := map[string]string{}
	for _, r := range pre["runs"].([]any) {
		m := r.(map[string]any)
		precreated[m["id"].(string)] = m["input_item_id"].(string)
	}
	require.Len(t, precreated, 2)
	for _, r := range final["runs"].([]any) {
		m := r.(map[string]any)
		require.Equal(t, precreated[m["id"].(string)], m["input_item_id"], "uploaded runs keep their precreated ids")
		require.Equal(t, "completed", m["status"])
	}

	require.Len(t, srv.turnKeys, 4)
	for _, k := range srv.turnKeys {
		runID := strings.SplitN(k, ":", 2)[0]
		_, ok := precreated[runID]
		require.True(t, ok, "streamed turn %s references a precreated run", k)
	}

	st := bundlesync.LoadState(ws.ScenarioDir)
	require.Equal(t, "bv-1", st.BundleVersionID)
	require.Equal(t, report.ExperimentID, st.LastExperimentID)

	require.Contains(t, out.String(), "[Sync] Pulling from Web...")
	require.Contains(t, out.String(), "[Run] Executing smoke test...")
	require.Contains(t, out.String(), "[Upload] Uploading to Web...")
}

func TestRunTest_StreamAfterEarlierPullPrecreatesEveryRun(t *testing.T) {
	ws := newWorkspace(t, echoConfig)
	srv := &syncServer{}
	hs := httptest.NewServer(srv.handler(t))
	defer hs.Close()
	client := bundlesync.NewClient(hs.URL, "k", bundlesync.WithBackoff(time.Millisecond))

	_, err := bundlesync.Pull(context.Background(), client, bundlesync.PullOptions{
		ScenarioDir: ws.ScenarioDir,
		ProjectID:   "proj-1",
	})
	require.NoError(t, err)

	// base_inputs carry no item ids; the pulled inputs file maps them
	report, err := RunTest(context.Background(), ws, TestOptions{
		Smoke:   true,
		Upload:  true,
		Stream:  true,
		Client:  client,
		Session: SessionOptions{Registry: echoRegistry()},
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Results.TotalRuns)

	require.Len(t, srv.uploads, 2)
	pre, final := srv.uploads[0], srv.uploads[1]
	require.Equal(t, map[string]any{"mode": "precreate"}, pre["upload_meta"])
	precreated := map[string]string{}
	var items []string
	for _, r := range pre["runs"].([]any) {
		m := r.(map[string]any)
		precreated[m["id"].(string)] = m["input_item_id"].(string)
		items = append(items, m["input_item_id"].(string))
	}
	require.Len(t, precreated, 2)
	require.ElementsMatch(t, []string{"item-hi", "item-bye"}, items)

	require.Len(t, srv.turnKeys, 4)
	for _, k := range srv.turnKeys {
		_, ok := precreated[strings.SplitN(k, ":", 2)[0]]
		require.True(t, ok, "streamed turn %s references a precreated run", k)
	}
	for _, r := range final["runs"].([]any) {
		m := r.(map[string]any)
		require.Equal(t, precreated[m["id"].(string)], m["input_item_id"])
	}
}

func TestRunTest_InterruptedRunIsNotUploaded(t *testing.T) {
	ws := newWorkspace(t, echoConfig)
	srv := &syncServer{}
	hs := httptest.NewServer(srv.handler(t))
	defer hs.Close()
	client := bundlesync.NewClient(hs.URL, "k", bundlesync.WithBackoff(time.Millisecond))
	require.NoError(t, bundlesync.SaveState(ws.ScenarioDir, bundlesync.State{BundleVersionID: "bv-1"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := RunTest(ctx, ws, TestOptions{
		Upload:  true,
		Client:  client,
		Session: SessionOptions{Registry: echoRegistry()},
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	require.True(t, report.Results.Interrupted)
	require.Empty(t, srv.uploads)
	_, statErr := os.Stat(report.ResultPath)
	require.NoError(t, statErr)
}
