package runner

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	TracesFileName  = "traces.jsonl"
	SummaryFileName = "summary.json"
	ErrorsFileName  = "errors.json"
	TurnsFileName   = "turns.jsonl"
	ResultFileName  = "result.md"
)

// ConversationEntry is one message of a run transcript.
type ConversationEntry struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// RunRecord is one line of traces.jsonl. TraceID duplicates RunID for readers
// keyed on trace ids.
type RunRecord struct {
	TraceID      string              `json:"trace_id"`
	RunID        string              `json:"run_id"`
	Iteration    int                 `json:"iteration"`
	Persona      string              `json:"persona,omitempty"`
	Input        string              `json:"input"`
	RawInput     string              `json:"raw_input,omitempty"`
	SourceIndex  int                 `json:"source_index"`
	InputItemID  string              `json:"input_item_id,omitempty"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	Output       any                 `json:"output"`
	Success      bool                `json:"success"`
	DurationMs   float64             `json:"duration_ms"`
	Error        string              `json:"error,omitempty"`
	Conversation []ConversationEntry `json:"conversation,omitempty"`
	TokenUsage   *TokenUsage         `json:"token_usage,omitempty"`
	Timestamp    string              `json:"timestamp"`
}

// ErrorEntry is one element of errors.json.
type ErrorEntry struct {
	RunID       string  `json:"run_id"`
	Iteration   int     `json:"iteration"`
	Persona     string  `json:"persona,omitempty"`
	Input       string  `json:"input"`
	RawInput    string  `json:"raw_input,omitempty"`
	SourceIndex int     `json:"source_index"`
	InputItemID string  `json:"input_item_id,omitempty"`
	Error       string  `json:"error"`
	DurationMs  float64 `json:"duration_ms"`
	Timestamp   string  `json:"timestamp"`
}

// Results are the aggregate outcome of an experiment.
type Results struct {
	Name            string       `json:"name"`
	TotalRuns       int          `json:"total_runs"`
	Successful      int          `json:"successful"`
	Failed          int          `json:"failed"`
	SuccessRate     float64      `json:"success_rate"`
	AvgDurationMs   float64      `json:"avg_duration_ms"`
	DurationSeconds float64      `json:"duration_seconds"`
	Interrupted     bool         `json:"interrupted,omitempty"`
	OutputDir       string       `json:"output_dir"`
	Records         []RunRecord  `json:"-"`
	Errors          []ErrorEntry `json:"-"`
}

// ReadTraces reads a traces.jsonl file, skipping undecodable lines.
func ReadTraces(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("skipping undecodable trace line")
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return out, nil
}

// ReadErrors reads errors.json. A missing file yields no entries.
func ReadErrors(path string) ([]ErrorEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var out []ErrorEntry
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return out, nil
}
