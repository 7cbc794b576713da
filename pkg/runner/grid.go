// Package runner executes an experiment: every (iteration, persona, input)
// cell of the run matrix is invoked once against the resolved target.
package runner

import (
	"strings"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/google/uuid"
)

// Cell is one planned invocation.
type Cell struct {
	Iteration int
	Persona   *config.Persona
	Entry     config.InputEntry
}

func (c Cell) PersonaName() string {
	if c.Persona == nil {
		return ""
	}
	return c.Persona.Name
}

// Key identifies the cell independently of the run id it gets.
func (c Cell) Key() RunKey {
	return RunKey{
		Iteration:   c.Iteration,
		Persona:     c.PersonaName(),
		SourceIndex: c.Entry.SourceIndex,
		Input:       c.Entry.Input,
	}
}

type RunKey struct {
	Iteration   int
	Persona     string
	SourceIndex int
	Input       string
}

// BuildGrid lays out the run matrix. With external inputs every entry brings
// its own persona tag, so entries are iterated directly; otherwise every
// configured persona (or a single nil persona) is crossed with every entry.
func BuildGrid(cfg *config.ExperimentConfig, entries []config.InputEntry, external bool) []Cell {
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 1
	}

	var cells []Cell
	if external {
		for it := 0; it < iterations; it++ {
			for _, e := range entries {
				cells = append(cells, Cell{Iteration: it, Persona: personaFor(cfg, e.Persona), Entry: e})
			}
		}
		return cells
	}

	personas := make([]*config.Persona, 0, len(cfg.Personas))
	for i := range cfg.Personas {
		personas = append(personas, &cfg.Personas[i])
	}
	if len(personas) == 0 {
		personas = []*config.Persona{nil}
	}
	for it := 0; it < iterations; it++ {
		for _, p := range personas {
			for _, e := range entries {
				cells = append(cells, Cell{Iteration: it, Persona: p, Entry: e})
			}
		}
	}
	return cells
}

// personaFor resolves a persona tag against the configuration. Unknown names
// become bare personas carrying only the name.
func personaFor(cfg *config.ExperimentConfig, name string) *config.Persona {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if p, ok := cfg.PersonaByName(name); ok {
		return &p
	}
	return &config.Persona{Name: name}
}

// RunIDAllocator hands out the run id of a cell. An id is requested once per
// cell and is the only reference used for that run afterwards.
type RunIDAllocator interface {
	RunID(key RunKey) string
}

// UUIDAllocator mints a fresh UUIDv4 per run.
type UUIDAllocator struct{}

func (UUIDAllocator) RunID(RunKey) string { return uuid.NewString() }

// PreassignedAllocator serves ids minted ahead of time, e.g. by a precreate
// call, and falls back to minting for unknown keys.
type PreassignedAllocator struct {
	ids      map[RunKey]string
	fallback RunIDAllocator
}

func NewPreassignedAllocator(ids map[RunKey]string) *PreassignedAllocator {
	cp := make(map[RunKey]string, len(ids))
	for k, v := range ids {
		cp[k] = v
	}
	return &PreassignedAllocator{ids: cp, fallback: UUIDAllocator{}}
}

func (a *PreassignedAllocator) RunID(key RunKey) string {
	if id, ok := a.ids[key]; ok && id != "" {
		return id
	}
	return a.fallback.RunID(key)
}

// Len reports how many ids were pre-assigned.
func (a *PreassignedAllocator) Len() int { return len(a.ids) }
