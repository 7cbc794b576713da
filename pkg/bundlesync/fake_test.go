package bundlesync

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

// fakeService is an in-memory coordination service.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	pullResponse map[string]any
	pullRequests []map[string]any
	uploads      []map[string]any
	uploadStatus int
	uploadCalls  int
	turns        map[string]map[string]any
	turnKeys     []string
	turnStatus   int
	dropTurns    int
	// turnGate holds turn requests until it is closed
	turnGate chan struct{}
	presigns     []map[string]any
	stored       map[string][]byte
	storedHeader map[string]string
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{
		t:            t,
		turns:        map[string]map[string]any{},
		stored:       map[string][]byte{},
		storedHeader: map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(PullEndpoint, f.handlePull)
	mux.HandleFunc(UploadEndpoint, f.handleUpload)
	mux.HandleFunc(TurnsEndpoint, f.handleTurns)
	mux.HandleFunc(PresignEndpoint, f.handlePresign)
	mux.HandleFunc("/storage/", f.handleStorage)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) client(opts ...ClientOption) *Client {
	base := []ClientOption{WithBackoff(time.Millisecond), WithTimeout(2 * time.Second)}
	return NewClient(f.srv.URL, testAPIKey, append(base, opts...)...)
}

func (f *fakeService) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (f *fakeService) decode(r *http.Request) map[string]any {
	var m map[string]any
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&m))
	return m
}

func writeJSONResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeService) handlePull(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	req := f.decode(r)
	f.mu.Lock()
	f.pullRequests = append(f.pullRequests, req)
	resp := f.pullResponse
	f.mu.Unlock()
	writeJSONResponse(w, resp)
}

func (f *fakeService) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	f.mu.Lock()
	f.uploadCalls++
	status := f.uploadStatus
	f.mu.Unlock()
	if status != 0 {
		http.Error(w, "upload rejected", status)
		return
	}
	req := f.decode(r)
	f.mu.Lock()
	f.uploads = append(f.uploads, req)
	f.mu.Unlock()
	writeJSONResponse(w, map[string]any{"run_batch_id": "batch-1"})
}

// handleTurns stores a turn once per Idempotency-Key. While dropTurns is
// positive the turn is stored but the connection is cut before answering.
func (f *fakeService) handleTurns(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	key := r.Header.Get("Idempotency-Key")
	req := f.decode(r)

	f.mu.Lock()
	gate := f.turnGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.turnKeys = append(f.turnKeys, key)
	if f.turnStatus != 0 {
		status := f.turnStatus
		f.mu.Unlock()
		http.Error(w, "turn rejected", status)
		return
	}
	if _, ok := f.turns[key]; !ok {
		f.turns[key] = req
	}
	drop := f.dropTurns > 0
	if drop {
		f.dropTurns--
	}
	f.mu.Unlock()

	if drop {
		hj, ok := w.(http.Hijacker)
		require.True(f.t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(f.t, err)
		_ = conn.Close()
		return
	}
	writeJSONResponse(w, map[string]any{"ok": true})
}

func (f *fakeService) handlePresign(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	req := f.decode(r)
	f.mu.Lock()
	f.presigns = append(f.presigns, req)
	f.mu.Unlock()
	name, _ := req["filename"].(string)
	writeJSONResponse(w, map[string]any{
		"upload_url":  f.srv.URL + "/storage/" + name,
		"storage_url": "s3://artifacts/" + name,
		"headers":     map[string]string{"X-Upload-Token": "tok"},
	})
}

func (f *fakeService) handleStorage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	name := strings.TrimPrefix(r.URL.Path, "/storage/")
	f.mu.Lock()
	f.stored[name] = data
	f.storedHeader[name] = r.Header.Get("X-Upload-Token")
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}
