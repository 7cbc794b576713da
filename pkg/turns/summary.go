package turns

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Summary struct {
	TotalTurns   int `json:"total_turns"`
	WarningTurns int `json:"warning_turns"`
	WarningCount int `json:"warning_count"`
}

// WarningRate is warning turns over total turns, 0 when there are no turns.
func (s Summary) WarningRate() float64 {
	if s.TotalTurns == 0 {
		return 0
	}
	return float64(s.WarningTurns) / float64(s.TotalTurns)
}

func (s *Summary) add(rec Record) {
	s.TotalTurns++
	if len(rec.Warnings) > 0 {
		s.WarningTurns++
		s.WarningCount += len(rec.Warnings)
	}
}

func (s *Summary) merge(o Summary) {
	s.TotalTurns += o.TotalTurns
	s.WarningTurns += o.WarningTurns
	s.WarningCount += o.WarningCount
}

type RunSummary struct {
	RunID string `json:"run_id"`
	Summary
}

// LoadTurns reads a turns.jsonl file. A missing file yields no turns;
// undecodable lines are skipped.
func LoadTurns(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("skipping undecodable turn line")
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return out, nil
}

// SummarizeTurns groups turns by run id. Turns without a run id are ignored.
func SummarizeTurns(records []Record) map[string]Summary {
	out := map[string]Summary{}
	for _, rec := range records {
		if rec.RunID == "" {
			continue
		}
		s := out[rec.RunID]
		s.add(rec)
		out[rec.RunID] = s
	}
	return out
}

// Total folds per-run summaries into one.
func Total(summaries map[string]Summary) Summary {
	var out Summary
	for _, s := range summaries {
		out.merge(s)
	}
	return out
}
