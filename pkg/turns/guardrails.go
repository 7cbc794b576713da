package turns

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-go-golems/fluxloop/pkg/config"
)

const (
	WarningEmptyResponse  = "empty_response"
	WarningForbiddenWords = "forbidden_words"
	WarningTooLong        = "too_long"
)

// Warning is a guardrail annotation on an assistant turn. Warnings never fail
// a run.
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type Guardrails struct {
	ForbiddenWords    []string
	MaxResponseLength int
}

// GuardrailsFromConfig applies the defaults for unset thresholds.
func GuardrailsFromConfig(c config.GuardrailsConfig) Guardrails {
	g := Guardrails{
		ForbiddenWords:    append([]string(nil), c.ForbiddenWords...),
		MaxResponseLength: c.MaxResponseLength,
	}
	if len(g.ForbiddenWords) == 0 {
		g.ForbiddenWords = append([]string(nil), config.DefaultForbiddenWords...)
	}
	if g.MaxResponseLength <= 0 {
		g.MaxResponseLength = config.DefaultMaxResponseLength
	}
	return g
}

// CheckGuardrails evaluates content in a fixed order: empty, forbidden words
// (first match only), too long. Length is counted in characters.
func CheckGuardrails(content string, g Guardrails) []Warning {
	var out []Warning
	if strings.TrimSpace(content) == "" {
		out = append(out, Warning{Type: WarningEmptyResponse, Message: "empty response"})
	}
	for _, w := range g.ForbiddenWords {
		if w != "" && strings.Contains(content, w) {
			out = append(out, Warning{Type: WarningForbiddenWords, Message: fmt.Sprintf("contains '%s'", w)})
			break
		}
	}
	limit := g.MaxResponseLength
	if limit <= 0 {
		limit = config.DefaultMaxResponseLength
	}
	if n := utf8.RuneCountInString(content); n > limit {
		out = append(out, Warning{Type: WarningTooLong, Message: fmt.Sprintf("response too long (%d > %d)", n, limit)})
	}
	return out
}

// FormatWarning returns the text shown for a warned turn, or "".
func FormatWarning(ws []Warning) string {
	if len(ws) == 0 {
		return ""
	}
	if ws[0].Message != "" {
		return ws[0].Message
	}
	return ws[0].Type
}
