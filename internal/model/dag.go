package model

import "fmt"

// ValidateDAG verifies that deps (task id → dependency ids) contains no
// cycle. Edges pointing at unknown ids are allowed; they refer to tasks
// outside the candidate set and cannot close a cycle within it.
func ValidateDAG(deps map[string][]string) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through task %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// WouldCycle reports whether adding task id with the given dependencies to
// an existing dependency graph would create a cycle.
func WouldCycle(existing map[string][]string, id string, dependencies []string) bool {
	merged := make(map[string][]string, len(existing)+1)
	for k, v := range existing {
		merged[k] = v
	}
	merged[id] = dependencies
	return ValidateDAG(merged) != nil
}
