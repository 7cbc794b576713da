// Package turns records conversation turns as an append-only JSONL log,
// annotates assistant turns with guardrail warnings and summarizes them.
package turns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one line of turns.jsonl.
type Record struct {
	RunID      string    `json:"run_id"`
	TurnID     string    `json:"turn_id"`
	Sequence   int       `json:"sequence"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  string    `json:"timestamp"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// Payload is what callers hand to RecordTurn. Role defaults to assistant and
// Timestamp to now.
type Payload struct {
	RunID      string
	Role       string
	Content    string
	Timestamp  string
	DurationMs *int64
}

// Sink observes every durable turn. Errors are logged by the recorder and do
// not fail the turn.
type Sink interface {
	HandleTurn(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) HandleTurn(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Recorder assigns per-run sequences and appends turns to turns.jsonl.
type Recorder struct {
	path       string
	guardrails Guardrails
	now        func() time.Time

	mu        sync.Mutex
	f         *os.File
	sequence  map[string]int
	assistant map[string]int
	summaries map[string]*Summary
	runOrder  []string
	turns     []Record
	sinks     []Sink
}

type RecorderOption func(*Recorder)

func WithSinks(sinks ...Sink) RecorderOption {
	return func(r *Recorder) { r.sinks = append(r.sinks, sinks...) }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder opens (or creates) path in append mode.
func NewRecorder(path string, g Guardrails, opts ...RecorderOption) (*Recorder, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("turn recorder: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "turn recorder: create directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "turn recorder: open %s", path)
	}
	r := &Recorder{
		path:       path,
		guardrails: g,
		now:        time.Now,
		f:          f,
		sequence:   map[string]int{},
		assistant:  map[string]int{},
		summaries:  map[string]*Summary{},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Recorder) Path() string { return r.path }

// AddSink registers a sink for subsequent turns.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// RecordTurn assigns the next sequence number for the payload's run, applies
// guardrails to assistant turns, appends the record and notifies sinks.
func (r *Recorder) RecordTurn(ctx context.Context, p Payload) (Record, error) {
	if strings.TrimSpace(p.RunID) == "" {
		return Record{}, errors.New("turn recorder: run id is required")
	}
	role := p.Role
	if role == "" {
		role = RoleAssistant
	}
	ts := p.Timestamp
	if ts == "" {
		ts = r.now().UTC().Format(time.RFC3339Nano)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return Record{}, errors.New("turn recorder: closed")
	}

	seq := r.sequence[p.RunID] + 1
	rec := Record{
		RunID:      p.RunID,
		TurnID:     TurnID(p.RunID, seq),
		Sequence:   seq,
		Role:       role,
		Content:    p.Content,
		Timestamp:  ts,
		DurationMs: p.DurationMs,
	}
	if role == RoleAssistant {
		rec.Warnings = CheckGuardrails(p.Content, r.guardrails)
	}

	line, err := marshalLine(rec)
	if err != nil {
		return Record{}, errors.Wrap(err, "turn recorder: encode")
	}
	if _, err := r.f.Write(line); err != nil {
		return Record{}, errors.Wrapf(err, "turn recorder: append %s", r.path)
	}

	r.sequence[p.RunID] = seq
	if role == RoleAssistant {
		r.assistant[p.RunID]++
	}
	s, ok := r.summaries[p.RunID]
	if !ok {
		s = &Summary{}
		r.summaries[p.RunID] = s
		r.runOrder = append(r.runOrder, p.RunID)
	}
	s.add(rec)
	r.turns = append(r.turns, rec)

	for _, sink := range r.sinks {
		if err := sink.HandleTurn(ctx, rec); err != nil {
			log.Warn().Err(err).Str("turn_id", rec.TurnID).Msg("turn sink failed")
		}
	}
	return rec, nil
}

// TurnID formats the identifier of the seq-th turn of a run.
func TurnID(runID string, seq int) string {
	return fmt.Sprintf("%s-t%d", runID, seq)
}

func marshalLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Recorder) AssistantTurnCount(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assistant[runID]
}

func (r *Recorder) RunSummary(runID string) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.summaries[runID]; ok {
		return *s
	}
	return Summary{}
}

// RunSummaries returns per-run summaries in first-seen order.
func (r *Recorder) RunSummaries() []RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunSummary, 0, len(r.runOrder))
	for _, id := range r.runOrder {
		out = append(out, RunSummary{RunID: id, Summary: *r.summaries[id]})
	}
	return out
}

func (r *Recorder) OverallSummary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out Summary
	for _, s := range r.summaries {
		out.merge(*s)
	}
	return out
}

// Turns returns the turns recorded by this recorder, or the file contents when
// nothing was recorded in this process.
func (r *Recorder) Turns() ([]Record, error) {
	r.mu.Lock()
	cached := append([]Record(nil), r.turns...)
	r.mu.Unlock()
	if len(cached) > 0 {
		return cached, nil
	}
	return LoadTurns(r.path)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
