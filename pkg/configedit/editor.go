// Package configedit edits experiment files in place, keeping comments and key
// order.
package configedit

import (
	"strconv"
	"strings"

	yaml_editor "github.com/go-go-golems/clay/pkg/yaml-editor"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

type Editor struct {
	editor *yaml_editor.YAMLEditor
	path   string
}

func NewEditor(path string) (*Editor, error) {
	log.Debug().Str("path", path).Msg("opening experiment file for editing")
	editor, err := yaml_editor.NewYAMLEditorFromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	return &Editor{editor: editor, path: path}, nil
}

func (e *Editor) Save() error {
	return e.editor.Save(e.path)
}

// Set assigns value to a dotted key such as "runner.timeout_seconds". The
// value is typed the way a YAML author would write it: integers, floats and
// booleans stay scalars of that type, everything else is a string.
func (e *Editor) Set(key string, value string) (any, error) {
	path, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	node, typed := scalarNode(value)
	if err := e.editor.SetNode(node, path...); err != nil {
		return nil, errors.Wrapf(err, "could not set %s", key)
	}
	return typed, nil
}

// Get returns the scalar stored at a dotted key.
func (e *Editor) Get(key string) (string, error) {
	path, err := splitKey(key)
	if err != nil {
		return "", err
	}
	node, err := e.editor.GetNode(path...)
	if err != nil {
		return "", errors.Wrapf(err, "could not get %s", key)
	}
	if node.Kind != yaml.ScalarNode {
		return "", errors.Errorf("%s is not a scalar", key)
	}
	return node.Value, nil
}

// Flatten lists every scalar of the file under its dotted key, in file order.
// Sequence items are addressed by index.
func (e *Editor) Flatten() (*orderedmap.OrderedMap[string, string], error) {
	root, err := e.editor.GetNode()
	if err != nil {
		return nil, errors.Wrap(err, "could not get root node")
	}
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("experiment file is not a mapping")
	}
	out := orderedmap.New[string, string]()
	flatten(root, "", out)
	return out, nil
}

func flatten(n *yaml.Node, prefix string, out *orderedmap.OrderedMap[string, string]) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			flatten(n.Content[i+1], join(n.Content[i].Value), out)
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			flatten(c, join(strconv.Itoa(i)), out)
		}
	case yaml.AliasNode:
		if n.Alias != nil {
			flatten(n.Alias, prefix, out)
		}
	case yaml.ScalarNode:
		out.Set(prefix, n.Value)
	}
}

func splitKey(key string) ([]string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("empty configuration key")
	}
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return nil, errors.Errorf("invalid configuration key %q", key)
		}
	}
	return parts, nil
}

func scalarNode(value string) (*yaml.Node, any) {
	node := &yaml.Node{Kind: yaml.ScalarNode, Value: value, Tag: "!!str"}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		node.Tag = "!!int"
		return node, i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && strings.Contains(value, ".") {
		node.Tag = "!!float"
		return node, f
	}
	switch strings.ToLower(value) {
	case "true", "false":
		node.Tag = "!!bool"
		node.Value = strings.ToLower(value)
		return node, node.Value == "true"
	}
	return node, value
}
