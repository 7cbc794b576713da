package bundlesync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/fluxloop/pkg/turns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type pullRequest struct {
	BundleVersionID *string `json:"bundle_version_id"`
	ProjectID       *string `json:"project_id"`
	IncludeInputs   bool    `json:"include_inputs"`
	IncludePersonas bool    `json:"include_personas"`
	IncludeCriteria bool    `json:"include_criteria"`
}

type pullResponse struct {
	BundleVersion struct {
		ID        string `json:"id"`
		ProjectID string `json:"project_id"`
	} `json:"bundle_version"`
	InputItems []struct {
		ID        string          `json:"id"`
		Messages  json.RawMessage `json:"messages"`
		Metadata  map[string]any  `json:"metadata"`
		PersonaID string          `json:"persona_id"`
	} `json:"input_items"`
	Personas     []map[string]any `json:"personas"`
	CriteriaPack json.RawMessage  `json:"criteria_pack"`
	SyncMeta     struct {
		PulledAt string `json:"pulled_at"`
	} `json:"sync_meta"`
}

type PullOptions struct {
	ScenarioDir     string
	ProjectID       string
	BundleVersionID string
	// InputsFile is relative to ScenarioDir unless absolute. Empty means
	// config.DefaultInputsFile.
	InputsFile string
}

type PullResult struct {
	InputsPath string
	Inputs     int
	Personas   int
	Criteria   int
	State      State
}

// Pull fetches a bundle and caches it in the scenario: the inputs file, the
// raw personas and criteria, one YAML file per criterion and the sync state.
func Pull(ctx context.Context, c *Client, opts PullOptions) (*PullResult, error) {
	if strings.TrimSpace(opts.ProjectID) == "" && strings.TrimSpace(opts.BundleVersionID) == "" {
		return nil, config.Errorf("sync pull", "a project id or a bundle version id is required")
	}
	req := pullRequest{
		BundleVersionID: optional(opts.BundleVersionID),
		ProjectID:       optional(opts.ProjectID),
		IncludeInputs:   true,
		IncludePersonas: true,
		IncludeCriteria: true,
	}
	var resp pullResponse
	if err := c.PostJSON(ctx, PullEndpoint, req, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "pull bundle")
	}

	personaNames := map[string]string{}
	for _, p := range resp.Personas {
		id, _ := p["id"].(string)
		name, _ := p["name"].(string)
		if id != "" && name != "" {
			personaNames[id] = name
		}
	}

	entries := make([]config.InputEntry, 0, len(resp.InputItems))
	for _, item := range resp.InputItems {
		text := ExtractInputText(item.Messages)
		if text == "" {
			continue
		}
		md := map[string]any{}
		for k, v := range item.Metadata {
			md[k] = v
		}
		md["input_item_id"] = item.ID
		if item.PersonaID != "" {
			md["persona_id"] = item.PersonaID
			if name, ok := personaNames[item.PersonaID]; ok {
				if _, set := md["persona"]; !set {
					md["persona"] = name
				}
			}
		}
		entries = append(entries, config.InputEntry{Input: text, Metadata: md})
	}

	inputsFile := strings.TrimSpace(opts.InputsFile)
	if inputsFile == "" {
		inputsFile = config.DefaultInputsFile
	}
	inputsPath := config.ResolveIn(opts.ScenarioDir, inputsFile)
	if err := config.WriteInputsFile(inputsPath, entries); err != nil {
		return nil, errors.Wrap(err, "write inputs")
	}

	criteria := decodeCriteriaPack(resp.CriteriaPack)
	personas := resp.Personas
	if personas == nil {
		personas = []map[string]any{}
	}
	if err := writeJSON(filepath.Join(SyncDir(opts.ScenarioDir), "personas.json"), map[string]any{"items": personas}); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(SyncDir(opts.ScenarioDir), "criteria.json"), map[string]any{"items": criteria}); err != nil {
		return nil, err
	}
	written, err := writeCriteria(CriteriaDir(opts.ScenarioDir), criteria)
	if err != nil {
		return nil, err
	}

	// a pull replaces the state; batch and experiment ids of the previous bundle do not carry over
	st := State{
		ProjectID:       firstNonEmpty(resp.BundleVersion.ProjectID, opts.ProjectID),
		BundleVersionID: resp.BundleVersion.ID,
		InputsFile:      inputsFile,
		PulledAt:        resp.SyncMeta.PulledAt,
		APIURL:          c.BaseURL(),
	}
	if err := SaveState(opts.ScenarioDir, st); err != nil {
		return nil, err
	}

	log.Info().Int("inputs", len(entries)).Int("personas", len(personas)).Int("criteria", written).
		Str("bundle_version_id", st.BundleVersionID).Str("inputs_path", inputsPath).Msg("pulled bundle")

	return &PullResult{
		InputsPath: inputsPath,
		Inputs:     len(entries),
		Personas:   len(personas),
		Criteria:   written,
		State:      st,
	}, nil
}

// ExtractInputText picks the user text of an input item. Messages may be a
// list of chat messages, a single message object or a plain string; the first
// user (or human) message wins, then the first message with string content.
func ExtractInputText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var one map[string]any
	if err := json.Unmarshal(raw, &one); err == nil {
		c, _ := one["content"].(string)
		return c
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return ""
	}
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "" {
			role, _ = m["type"].(string)
		}
		if role == "user" || role == "human" {
			if c, ok := m["content"].(string); ok {
				return c
			}
		}
	}
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			if c, ok := m["content"].(string); ok {
				return c
			}
		}
	}
	return ""
}

func decodeCriteriaPack(raw json.RawMessage) []any {
	var items []any
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return []any{}
	}
	return items
}

func writeCriteria(dir string, items []any) (int, error) {
	n := 0
	for idx, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := firstNonEmpty(stringValue(m["name"]), stringValue(m["id"]), fmt.Sprintf("criteria_%d", idx+1))
		data, err := yaml.Marshal(m)
		if err != nil {
			return n, errors.Wrapf(err, "encode criterion %s", name)
		}
		path := filepath.Join(dir, turns.Slugify(name)+".yaml")
		if err := config.WriteFileAtomically(path, data, 0o644); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
