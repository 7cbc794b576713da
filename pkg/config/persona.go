package config

import (
	"fmt"
	"strings"
)

// Persona is a named behavioral profile used to phrase and interpret inputs.
type Persona struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Traits      []string `yaml:"characteristics,omitempty" json:"characteristics,omitempty"`
}

// Prompt renders the persona as a prompt block for persona-aware input templates.
func (p Persona) Prompt() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Persona: %s", p.Name))
	if d := strings.TrimSpace(p.Description); d != "" {
		sb.WriteString("\n")
		sb.WriteString(d)
	}
	if len(p.Traits) > 0 {
		sb.WriteString("\nCharacteristics:")
		for _, t := range p.Traits {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			sb.WriteString("\n- ")
			sb.WriteString(t)
		}
	}
	return sb.String()
}

// RenderInput applies an input template. `{input}` is replaced by the raw input
// and `{persona}` by the persona prompt. An empty template or a nil persona
// returns the input unchanged.
func RenderInput(template string, input string, persona *Persona) string {
	if persona == nil || strings.TrimSpace(template) == "" {
		return input
	}
	return strings.NewReplacer(
		"{input}", input,
		"{persona}", persona.Prompt(),
	).Replace(template)
}
