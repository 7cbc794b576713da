package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// InputEntry is one synthetic input in the order it appears in its source.
type InputEntry struct {
	Input       string         `yaml:"input" json:"input"`
	Persona     string         `yaml:"persona,omitempty" json:"persona,omitempty"`
	InputItemID string         `yaml:"-" json:"input_item_id,omitempty"`
	SourceIndex int            `yaml:"-" json:"source_index"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// InputsDocument is the on-disk layout of an inputs file.
type InputsDocument struct {
	Inputs []InputEntry `yaml:"inputs"`
}

// LoadInputs returns the input entries of the experiment and whether they come
// from an external inputs file. External entries carry their own persona
// identity in their metadata.
func (c *ExperimentConfig) LoadInputs() ([]InputEntry, bool, error) {
	if f := strings.TrimSpace(c.InputsFile); f != "" {
		entries, err := LoadInputsFile(c.ResolvePath(f))
		if err != nil {
			return nil, true, err
		}
		return entries, true, nil
	}
	if len(c.BaseInputs) == 0 {
		return nil, false, Errorf("load inputs", "no base_inputs and no inputs_file configured")
	}
	out := make([]InputEntry, 0, len(c.BaseInputs))
	for i, b := range c.BaseInputs {
		e := InputEntry{
			Input:       b.Input,
			Persona:     b.Persona,
			SourceIndex: i,
			Metadata:    cloneMetadata(b.Metadata),
		}
		normalizeEntry(&e)
		out = append(out, e)
	}
	return out, false, nil
}

// LoadInputsFile reads a YAML inputs file. Both `{inputs: [...]}` and a bare
// list are accepted.
func LoadInputsFile(path string) ([]InputEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(errors.Wrapf(err, "read inputs file %s", path), "load inputs")
	}
	var doc InputsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil || doc.Inputs == nil {
		var list []InputEntry
		if lerr := yaml.Unmarshal(data, &list); lerr != nil {
			if err == nil {
				err = lerr
			}
			return nil, Wrap(errors.Wrapf(err, "decode inputs file %s", path), "load inputs")
		}
		doc.Inputs = list
	}
	out := make([]InputEntry, 0, len(doc.Inputs))
	for _, e := range doc.Inputs {
		if strings.TrimSpace(e.Input) == "" {
			continue
		}
		e.SourceIndex = len(out)
		e.Metadata = cloneMetadata(e.Metadata)
		normalizeEntry(&e)
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, Errorf("load inputs", "inputs file %s contains no inputs", path)
	}
	return out, nil
}

// WriteInputsFile writes entries in the layout LoadInputsFile reads.
func WriteInputsFile(path string, entries []InputEntry) error {
	doc := InputsDocument{Inputs: entries}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return errors.Wrap(err, "encode inputs")
	}
	return WriteFileAtomically(path, data, 0o644)
}

func normalizeEntry(e *InputEntry) {
	if e.Metadata == nil {
		return
	}
	if e.Persona == "" {
		if p, ok := e.Metadata["persona"]; ok && p != nil {
			e.Persona = fmt.Sprint(p)
		}
	}
	if id, ok := e.Metadata["input_item_id"]; ok && id != nil {
		e.InputItemID = fmt.Sprint(id)
	}
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
