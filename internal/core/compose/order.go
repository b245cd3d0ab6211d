package compose

import (
	"sort"
	"strings"
)

// =============================================================================
// Start Order
// =============================================================================

// StartOrder returns the spec's services sorted so that every service
// appears after everything it depends on. Among services whose dependencies
// are all satisfied, name order decides, so the result is stable across
// runs. Dependencies naming services not present in the spec are ignored.
func StartOrder(spec *ParsedSpec) ([]Service, error) {
	known := make(map[string]Service, len(spec.Services))
	for _, svc := range spec.Services {
		known[svc.Name] = svc
	}

	indegree := make(map[string]int, len(known))
	dependents := make(map[string][]string, len(known))
	for _, svc := range spec.Services {
		if _, ok := indegree[svc.Name]; !ok {
			indegree[svc.Name] = 0
		}
		for _, dep := range svc.DependsOn {
			if _, ok := known[dep]; !ok {
				continue
			}
			indegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var ready []string
	for name, degree := range indegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]Service, 0, len(known))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, known[name])

		released := false
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(ordered) != len(known) {
		var stuck []string
		for name, degree := range indegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, NewParseError("services", "dependency cycle involving: "+strings.Join(stuck, ", "), ErrCircularDependency)
	}

	return ordered, nil
}

// StopOrder is StartOrder reversed: dependents stop before the services
// they depend on.
func StopOrder(spec *ParsedSpec) ([]Service, error) {
	ordered, err := StartOrder(spec)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered, nil
}
