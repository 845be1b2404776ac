package engine

import (
	"fmt"
	"strings"
)

// ActionGraph is the validated dependency graph of one cluster
// operation, with topological levels for reasoning about parallelism.
// Actions at the same level have no mutual ordering constraint.
type ActionGraph struct {
	// Actions indexes the graph members by action ID.
	Actions map[string]*Action

	// Levels lists action IDs level by level; level 0 has no
	// dependencies.
	Levels [][]string

	// Dependents maps an action ID to the IDs it unblocks.
	Dependents map[string][]string
}

// BuildGraph validates a set of actions as a dependency graph:
// duplicate IDs, edges to unknown actions and cycles are rejected.
func BuildGraph(actions []*Action) (*ActionGraph, error) {
	g := &ActionGraph{
		Actions:    make(map[string]*Action, len(actions)),
		Dependents: make(map[string][]string),
	}

	inDegree := make(map[string]int, len(actions))

	for _, a := range actions {
		if a.ID == "" {
			return nil, NewInternalError("action has empty ID", nil)
		}
		if _, exists := g.Actions[a.ID]; exists {
			return nil, NewInternalError(fmt.Sprintf("duplicate action ID: %s", a.ID), nil)
		}
		g.Actions[a.ID] = a
		inDegree[a.ID] = 0
	}

	for _, a := range g.Actions {
		for _, dep := range a.DependsOn {
			if _, exists := g.Actions[dep.Required]; !exists {
				return nil, NewInternalError(
					fmt.Sprintf("action %s depends on unknown action %s", a.ID, dep.Required), nil,
				).WithAction(a.ID)
			}
			g.Dependents[dep.Required] = append(g.Dependents[dep.Required], a.ID)
			inDegree[a.ID]++
		}
	}

	if cycle := findCycle(g); cycle != nil {
		return nil, NewInternalError(
			fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil)
	}

	// Kahn's algorithm with level tracking.
	var current []string
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		g.Levels = append(g.Levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range g.Dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if processed != len(g.Actions) {
		return nil, NewInternalError("failed to order all actions", nil)
	}

	return g, nil
}

// findCycle runs DFS over dependency edges and returns a cycle path if
// one exists.
func findCycle(g *ActionGraph) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.Actions))

	var path []string
	var walk func(id string) []string
	walk = func(id string) []string {
		state[id] = inStack
		path = append(path, id)

		for _, dep := range g.Dependents[id] {
			switch state[dep] {
			case unvisited:
				if cycle := walk(dep); cycle != nil {
					return cycle
				}
			case inStack:
				for i, p := range path {
					if p == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
			}
		}

		state[id] = done
		path = path[:len(path)-1]
		return nil
	}

	for id := range g.Actions {
		if state[id] == unvisited {
			if cycle := walk(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Roots returns the IDs of actions with no dependencies.
func (g *ActionGraph) Roots() []string {
	if len(g.Levels) == 0 {
		return nil
	}
	return g.Levels[0]
}

// Depth returns the number of topological levels.
func (g *ActionGraph) Depth() int {
	return len(g.Levels)
}
