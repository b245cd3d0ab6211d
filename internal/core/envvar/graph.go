package envvar

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// Reference Graph Analysis
// =============================================================================

// Plan is the computed resolution order for a set of variables. Levels holds
// variable keys grouped so that each level only depends on earlier levels;
// variables in the same level are independent and may resolve concurrently.
// Failed carries pre-determined failures for variables that close a
// reference cycle; their dependents are still leveled and will observe the
// failure as a dependency error.
type Plan struct {
	Levels [][]string
	Failed map[string]error
}

// PlanResolution analyzes variable-to-variable references and produces the
// resolution plan. References to non-variable entities do not constrain
// ordering; references to unknown variable keys are left to fail at
// resolution time.
//
// Cycles never abort planning: for each cycle, the variable whose reference
// closes the cycle (under deterministic depth-first traversal in key order)
// is marked failed with a circular-reference error, and the remaining
// members level out as its dependents.
func PlanResolution(vars []Variable) (Plan, error) {
	keys := make([]string, 0, len(vars))
	exists := make(map[string]bool, len(vars))
	for _, v := range vars {
		if exists[v.Key] {
			return Plan{}, fmt.Errorf("%w: %s", ErrDuplicateVariable, v.Key)
		}
		exists[v.Key] = true
		keys = append(keys, v.Key)
	}

	deps := make(map[string]map[string]bool, len(vars))
	for _, v := range vars {
		d := make(map[string]bool)
		for _, dep := range v.variableDependencies() {
			if exists[dep] {
				d[dep] = true
			}
		}
		deps[v.Key] = d
	}

	plan := Plan{Failed: make(map[string]error)}
	for {
		levels, remainder := kahnLevels(keys, deps)
		if len(remainder) == 0 {
			plan.Levels = levels
			return plan, nil
		}

		closers := findCycleClosers(remainder, deps)
		if len(closers) == 0 {
			// Cannot happen: a non-empty remainder always contains a cycle.
			return Plan{}, fmt.Errorf("%w: unresolvable reference graph", ErrCircularReference)
		}
		for key, err := range closers {
			plan.Failed[key] = err
			// A closer fails terminally and waits on nothing; dropping its
			// dependencies breaks the cycle for the next pass.
			deps[key] = map[string]bool{}
		}
	}
}

// kahnLevels peels zero-dependency layers off the graph. Keys still holding
// dependencies when the peel exhausts are in (or downstream of) a cycle and
// are returned as the remainder.
func kahnLevels(keys []string, deps map[string]map[string]bool) ([][]string, []string) {
	indegree := make(map[string]int, len(keys))
	dependents := make(map[string][]string)
	for _, k := range keys {
		indegree[k] = len(deps[k])
		for d := range deps[k] {
			dependents[d] = append(dependents[d], k)
		}
	}

	var current []string
	for _, k := range keys {
		if indegree[k] == 0 {
			current = append(current, k)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, k := range current {
			for _, dep := range dependents[k] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if processed == len(keys) {
		return levels, nil
	}

	var remainder []string
	for _, k := range keys {
		if indegree[k] > 0 {
			remainder = append(remainder, k)
		}
	}
	sort.Strings(remainder)
	return levels, remainder
}

// findCycleClosers walks the remainder subgraph depth-first in key order and
// reports, per cycle, the variable whose outgoing reference lands back on
// the active path. That variable "closes" the cycle and carries the
// circular-reference error.
func findCycleClosers(remainder []string, deps map[string]map[string]bool) map[string]error {
	const (
		white = iota
		gray
		black
	)

	inRemainder := make(map[string]bool, len(remainder))
	for _, k := range remainder {
		inRemainder[k] = true
	}

	color := make(map[string]int, len(remainder))
	closers := make(map[string]error)
	var path []string

	var visit func(u string)
	visit = func(u string) {
		color[u] = gray
		path = append(path, u)

		for _, v := range sortedDeps(deps[u], inRemainder) {
			switch color[v] {
			case white:
				visit(v)
			case gray:
				if _, seen := closers[u]; !seen {
					closers[u] = fmt.Errorf("%w: %s", ErrCircularReference, cyclePath(path, v))
				}
			}
		}

		path = path[:len(path)-1]
		color[u] = black
	}

	for _, u := range remainder {
		if color[u] == white {
			visit(u)
		}
	}
	return closers
}

func sortedDeps(deps map[string]bool, allowed map[string]bool) []string {
	out := make([]string, 0, len(deps))
	for d := range deps {
		if allowed[d] {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// cyclePath renders "A -> B -> A" for the cycle that starts at the path
// position of v.
func cyclePath(path []string, v string) string {
	start := 0
	for i, p := range path {
		if p == v {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, path[start:]...), v)
	return strings.Join(cycle, " -> ")
}
