package binder

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Recording is one line of a replay log: the keyword arguments a target was
// called with in production.
type Recording struct {
	Target    string         `json:"target"`
	Kwargs    map[string]any `json:"kwargs"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// ReadRecordings parses a JSONL replay log. Blank lines are skipped; a line
// that is not a JSON object is an error.
func ReadRecordings(path string) ([]Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open recording %s", path)
	}
	defer func() { _ = f.Close() }()

	var out []Recording
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec Recording
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, errors.Wrapf(err, "recording %s line %d", path, line)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read recording %s", path)
	}
	log.Debug().Str("path", path).Int("records", len(out)).Msg("loaded replay recording")
	return out, nil
}

// latestFor returns the most recent recording captured for spec.
func latestFor(recs []Recording, spec string) (Recording, bool) {
	for i := len(recs) - 1; i >= 0; i-- {
		if strings.TrimSpace(recs[i].Target) == spec {
			return recs[i], true
		}
	}
	return Recording{}, false
}
