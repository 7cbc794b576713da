package bundlesync

import (
	"os"
	"sort"

	"github.com/go-go-golems/fluxloop/pkg/config"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type mappingKey struct {
	Input   string
	Persona string
}

// InputItemMapping maps (input text, persona) to the remote input item ids
// found in the pulled inputs file. Every id is handed out at most once, so
// repeated inputs consume their ids in file order.
type InputItemMapping struct {
	items *orderedmap.OrderedMap[mappingKey, []string]
}

func NewInputItemMapping(entries []config.InputEntry) *InputItemMapping {
	m := &InputItemMapping{items: orderedmap.New[mappingKey, []string]()}
	for _, e := range entries {
		if e.Input == "" || e.InputItemID == "" {
			continue
		}
		k := mappingKey{Input: e.Input, Persona: e.Persona}
		ids, _ := m.items.Get(k)
		m.items.Set(k, append(ids, e.InputItemID))
	}
	return m
}

// LoadInputItemMapping builds the mapping from an inputs file. A missing file
// yields an empty mapping.
func LoadInputItemMapping(path string) (*InputItemMapping, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewInputItemMapping(nil), nil
	}
	entries, err := config.LoadInputsFile(path)
	if err != nil {
		return nil, err
	}
	return NewInputItemMapping(entries), nil
}

// Clone copies the ids not handed out yet.
func (m *InputItemMapping) Clone() *InputItemMapping {
	c := &InputItemMapping{items: orderedmap.New[mappingKey, []string]()}
	for p := m.items.Oldest(); p != nil; p = p.Next() {
		c.items.Set(p.Key, append([]string(nil), p.Value...))
	}
	return c
}

// Len counts the ids not handed out yet.
func (m *InputItemMapping) Len() int {
	n := 0
	for p := m.items.Oldest(); p != nil; p = p.Next() {
		n += len(p.Value)
	}
	return n
}

// Resolve hands out the next id for input and persona: the exact pair first,
// then the persona-less entry, then any remaining entry with the same text,
// taking personas in name order.
func (m *InputItemMapping) Resolve(input, persona string) (string, bool) {
	if input == "" {
		return "", false
	}
	if id, ok := m.pop(mappingKey{Input: input, Persona: persona}); ok {
		return id, true
	}
	if id, ok := m.pop(mappingKey{Input: input}); ok {
		return id, true
	}
	var candidates []mappingKey
	for p := m.items.Oldest(); p != nil; p = p.Next() {
		if p.Key.Input == input && len(p.Value) > 0 {
			candidates = append(candidates, p.Key)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Persona < candidates[j].Persona })
	return m.pop(candidates[0])
}

func (m *InputItemMapping) pop(k mappingKey) (string, bool) {
	ids, ok := m.items.Get(k)
	if !ok || len(ids) == 0 {
		return "", false
	}
	m.items.Set(k, ids[1:])
	return ids[0], true
}
