package binder

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

// setPath replaces the leaf at a dot-separated path. Numeric segments index
// into arrays. Intermediate containers must already exist.
func setPath(root map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	var cur any = root
	for i, seg := range parts {
		last := i == len(parts)-1
		where := strings.Join(parts[:i+1], ".")
		switch c := cur.(type) {
		case map[string]any:
			if last {
				c[seg] = value
				return nil
			}
			next, ok := c[seg]
			if !ok {
				return errors.Errorf("override path %q: %q does not exist in the recording", path, where)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return errors.Errorf("override path %q: %q indexes a list with a non-numeric segment", path, where)
			}
			if idx < 0 || idx >= len(c) {
				return errors.Errorf("override path %q: index %d out of range (len %d)", path, idx, len(c))
			}
			if last {
				c[idx] = value
				return nil
			}
			cur = c[idx]
		default:
			return errors.Errorf("override path %q: cannot descend into %q (%T)", path, strings.Join(parts[:i], "."), cur)
		}
	}
	return nil
}
