package target

import (
	"strings"

	"github.com/go-go-golems/fluxloop/pkg/config"
)

// Spec identifies a target as a module path plus an optional attribute path
// walked inside that module.
type Spec struct {
	Module string
	Attr   []string
}

// ParseSpec parses `<module-path>[:<nested.attribute.path>]`.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Spec{}, config.Errorf("parse target", "empty target specifier")
	}
	module, attr, hasAttr := strings.Cut(s, ":")
	module = strings.TrimSpace(module)
	if module == "" {
		return Spec{}, config.Errorf("parse target", "target %q has no module path", s)
	}
	spec := Spec{Module: module}
	if !hasAttr {
		return spec, nil
	}
	attr = strings.TrimSpace(attr)
	if attr == "" {
		return Spec{}, config.Errorf("parse target", "target %q has an empty attribute path", s)
	}
	for _, part := range strings.Split(attr, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Spec{}, config.Errorf("parse target", "target %q has an empty attribute segment", s)
		}
		spec.Attr = append(spec.Attr, part)
	}
	return spec, nil
}

// SpecFromFields builds a Spec from separate module and function fields.
// The function may itself be a dotted path.
func SpecFromFields(module string, function string) (Spec, error) {
	function = strings.TrimSpace(function)
	if function == "" {
		return ParseSpec(module)
	}
	return ParseSpec(strings.TrimSpace(module) + ":" + function)
}

func (s Spec) String() string {
	if len(s.Attr) == 0 {
		return s.Module
	}
	return s.Module + ":" + strings.Join(s.Attr, ".")
}

// IsScript reports whether the module path names a JavaScript file.
func (s Spec) IsScript() bool {
	m := strings.ToLower(s.Module)
	return strings.HasSuffix(m, ".js") || strings.HasSuffix(m, ".cjs")
}
