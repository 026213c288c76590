// Package scenario provides a read-only view over the steps of a scenario.
package scenario

import (
	"sort"

	"github.com/xaenox/flowbot/internal/models"
)

// Graph indexes the steps of one scenario by id. The zero value and a graph
// built from a nil scenario are empty: every lookup returns nil.
type Graph struct {
	scenario *models.Scenario
	steps    map[int64]*models.Step
}

func NewGraph(s *models.Scenario) *Graph {
	g := &Graph{scenario: s, steps: make(map[int64]*models.Step)}
	if s == nil {
		return g
	}
	for i := range s.Steps {
		g.steps[s.Steps[i].ID] = &s.Steps[i]
	}
	return g
}

// Empty reports whether the graph has no scenario behind it.
func (g *Graph) Empty() bool {
	return g == nil || g.scenario == nil
}

// ResolveInitial returns the designated entry step, or nil when the scenario
// has none or it points at a step that no longer exists.
func (g *Graph) ResolveInitial() *models.Step {
	if g.Empty() {
		return nil
	}
	return g.Lookup(g.scenario.InitialStepID)
}

// Next returns the successor of step, or nil at the end of the script.
// Dangling successor pointers resolve to nil.
func (g *Graph) Next(step *models.Step) *models.Step {
	if step == nil {
		return nil
	}
	return g.Lookup(step.NextStepID)
}

func (g *Graph) Lookup(id *int64) *models.Step {
	if g == nil || id == nil {
		return nil
	}
	return g.steps[*id]
}

// Ordered returns the steps sorted by display order, ties broken by id.
func (g *Graph) Ordered() []models.Step {
	if g.Empty() {
		return nil
	}
	out := make([]models.Step, len(g.scenario.Steps))
	copy(out, g.scenario.Steps)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}
