package turns

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type criteriaFile struct {
	Items []any `yaml:"items"`
}

// LoadCriteriaItems collects evaluation criteria from every *.yaml file in
// dir, in file name order. Items are plain strings or mappings carrying a
// description, text or title. A missing directory yields no items.
func LoadCriteriaItems(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, errors.Wrapf(err, "list criteria in %s", dir)
	}
	sort.Strings(paths)

	var out []string
	for _, p := range paths {
		items, err := LoadCriteriaFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

// LoadCriteriaFile reads the criteria of one file, either an items list or a
// single mapping.
func LoadCriteriaFile(p string) ([]string, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	var doc criteriaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse %s", p)
	}
	if len(doc.Items) == 0 {
		// a pulled criterion is stored as a single mapping per file
		var single map[string]any
		if err := yaml.Unmarshal(data, &single); err == nil && single != nil {
			doc.Items = []any{single}
		}
	}
	var out []string
	for _, item := range doc.Items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if s := criterionText(v); s != "" {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func criterionText(m map[string]any) string {
	for _, k := range []string{"description", "text", "title"} {
		if s, ok := m[k]; ok && s != nil && fmt.Sprint(s) != "" {
			return fmt.Sprint(s)
		}
	}
	return ""
}

var slugRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// Slugify turns a criteria title into a file name stem.
func Slugify(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "criteria"
	}
	return s
}
