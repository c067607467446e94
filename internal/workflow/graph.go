package workflow

import (
	"slices"

	"github.com/mtzanidakis/maestro/internal/manifest"
)

// Edge is one possible transition out of a step.
type Edge struct {
	To    string
	Label string
}

// StepGraph describes every transition a workflow can take.
type StepGraph struct {
	Entry string
	Order []string          // steps in declaration order
	Edges map[string][]Edge // step -> outgoing transitions, EXIT included
}

// Graph builds the transition graph of wf: sequential fall-through plus
// every condition target.
func Graph(wf *manifest.Workflow) *StepGraph {
	tpl := &wf.Spec.Template
	g := &StepGraph{Edges: make(map[string][]Edge, len(tpl.Steps))}
	if len(tpl.Steps) > 0 {
		g.Entry = tpl.Steps[0].Name
	}

	for i := range tpl.Steps {
		s := &tpl.Steps[i]
		g.Order = append(g.Order, s.Name)

		if len(s.Condition) == 0 {
			to := StateExit
			if s.Kind() != manifest.StepExit && i+1 < len(tpl.Steps) {
				to = tpl.Steps[i+1].Name
			}
			g.Edges[s.Name] = append(g.Edges[s.Name], Edge{To: to})
			continue
		}

		for _, c := range s.Condition {
			switch {
			case c.If != "":
				g.Edges[s.Name] = append(g.Edges[s.Name], Edge{To: c.Then, Label: c.If})
				if c.Else != "" {
					g.Edges[s.Name] = append(g.Edges[s.Name], Edge{To: c.Else, Label: "not (" + c.If + ")"})
				}
			case c.Case != "":
				g.Edges[s.Name] = append(g.Edges[s.Name], Edge{To: c.Do, Label: c.Case})
			case c.Default != "":
				g.Edges[s.Name] = append(g.Edges[s.Name], Edge{To: c.Default, Label: "default"})
			}
		}
	}
	return g
}

// Reachable returns the set of steps reachable from the entry step.
func (g *StepGraph) Reachable() map[string]bool {
	seen := make(map[string]bool, len(g.Order))
	if g.Entry == "" {
		return seen
	}
	queue := []string{g.Entry}
	seen[g.Entry] = true
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, e := range g.Edges[node] {
			if e.To == StateExit || seen[e.To] {
				continue
			}
			if _, ok := g.Edges[e.To]; !ok {
				continue
			}
			seen[e.To] = true
			queue = append(queue, e.To)
		}
	}
	return seen
}

// Unreachable lists steps that no path from the entry step visits, in
// declaration order.
func (g *StepGraph) Unreachable() []string {
	seen := g.Reachable()
	var out []string
	for _, name := range g.Order {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}

// Cyclic lists the steps that sit on or behind a cycle, in declaration
// order. Runs through these steps only terminate when a condition eventually
// leaves the cycle.
func (g *StepGraph) Cyclic() []string {
	inDegree := make(map[string]int, len(g.Order))
	for _, name := range g.Order {
		inDegree[name] = 0
	}
	for _, edges := range g.Edges {
		for _, e := range uniqueTargets(edges) {
			if _, ok := inDegree[e]; ok {
				inDegree[e]++
			}
		}
	}

	// Kahn's algorithm; whatever is never drained is part of a cycle.
	var queue []string
	for _, name := range g.Order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	processed := make(map[string]bool, len(g.Order))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed[node] = true
		for _, to := range uniqueTargets(g.Edges[node]) {
			if _, ok := inDegree[to]; !ok {
				continue
			}
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	var out []string
	for _, name := range g.Order {
		if !processed[name] {
			out = append(out, name)
		}
	}
	return out
}

func uniqueTargets(edges []Edge) []string {
	var out []string
	for _, e := range edges {
		if e.To != StateExit && !slices.Contains(out, e.To) {
			out = append(out, e.To)
		}
	}
	return out
}
