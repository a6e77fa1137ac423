package engine

import (
	"loom/internal/types"
)

// validateDependencies checks new tasks against the outcome's existing task
// set: every dependency must name a known same-outcome task (existing or in
// the same batch), self-references are rejected, and the combined dependency
// graph must stay acyclic.
func validateDependencies(existing []*types.Task, incoming []*types.Task) error {
	known := make(map[string]*types.Task, len(existing)+len(incoming))
	for _, t := range existing {
		known[t.ID] = t
	}
	for _, t := range incoming {
		if _, dup := known[t.ID]; dup {
			return types.E(types.KindValidation, "duplicate task id %s", t.ID)
		}
		known[t.ID] = t
	}

	for _, t := range incoming {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return types.E(types.KindValidation, "task %s depends on itself", t.ID)
			}
			other, ok := known[dep]
			if !ok {
				return types.E(types.KindValidation, "task %s depends on unknown task %s", t.ID, dep)
			}
			if other.OutcomeID != t.OutcomeID {
				return types.E(types.KindValidation, "task %s depends on task %s from another outcome", t.ID, dep)
			}
		}
	}

	if cycleStart := findCycle(known); cycleStart != "" {
		return types.E(types.KindValidation, "cycle detected through task %s", cycleStart)
	}
	return nil
}

// findCycle runs a three-color depth-first search over the full dependency
// closure. Returns an ID on the cycle, or "" when acyclic.
func findCycle(tasks map[string]*types.Task) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) string
	visit = func(id string) string {
		t, ok := tasks[id]
		if !ok {
			return "" // dangling refs are caught before cycle detection
		}
		color[id] = gray
		for _, dep := range t.DependsOn {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for id := range tasks {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
