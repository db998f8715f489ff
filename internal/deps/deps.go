// Package deps implements the dependency engine: validation, Kahn
// topological levels with deterministic ordering, cycle witnesses, and
// closure expansion over depends_on edges.
package deps

import (
	"sort"
	"strings"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/procconf"
)

// Validate checks that every name in any depends_on list is a key in the
// input set.
func Validate(configs map[string]procconf.ProcessConfig) error {
	for name, cfg := range configs {
		for _, dep := range cfg.DependsOn {
			if _, ok := configs[dep]; !ok {
				return apperrors.Newf(apperrors.ErrCodeDepsInvalid,
					"process '%s' depends on unknown process '%s'", name, dep)
			}
		}
	}
	return nil
}

// TopologicalLevels groups processes by dependency depth: level 0 has no
// dependencies, level 1 depends only on level 0, and so on. Names inside a
// level are sorted for determinism. A cycle yields an error naming a
// witness path.
func TopologicalLevels(configs map[string]procconf.ProcessConfig) ([][]string, error) {
	inDegree := make(map[string]int, len(configs))
	dependents := make(map[string][]string, len(configs))

	for name := range configs {
		inDegree[name] = 0
		dependents[name] = nil
	}
	for name, cfg := range configs {
		inDegree[name] += len(cfg.DependsOn)
		for _, dep := range cfg.DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	var levels [][]string
	processed := 0

	for len(queue) > 0 {
		level := make([]string, 0, len(queue))
		var next []string

		for _, node := range queue {
			level = append(level, node)
			processed++
			for _, dependent := range dependents[node] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}

		sort.Strings(level)
		levels = append(levels, level)
		queue = next
	}

	if processed != len(configs) {
		cycle := findCycle(configs)
		return nil, apperrors.Newf(apperrors.ErrCodeDepsInvalid,
			"circular dependency detected: %s", strings.Join(cycle, " -> "))
	}

	return levels, nil
}

// findCycle reconstructs a cycle witness with an iterative DFS started
// from lexicographically sorted keys.
func findCycle(configs map[string]procconf.ProcessConfig) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	parent := make(map[string]string)

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	type frame struct {
		node      string
		returning bool
	}

	for _, start := range names {
		if visited[start] {
			continue
		}
		stack := []frame{{node: start}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if f.returning {
				delete(onStack, f.node)
				continue
			}
			if onStack[f.node] {
				cycle := []string{f.node}
				cur, ok := parent[f.node]
				for ok {
					cycle = append(cycle, cur)
					if cur == f.node {
						break
					}
					cur, ok = parent[cur]
				}
				reverse(cycle)
				return cycle
			}
			if visited[f.node] {
				continue
			}
			visited[f.node] = true
			onStack[f.node] = true
			stack = append(stack, frame{node: f.node, returning: true})

			if cfg, ok := configs[f.node]; ok {
				for _, dep := range cfg.DependsOn {
					parent[dep] = f.node
					stack = append(stack, frame{node: dep})
				}
			}
		}
	}

	return []string{"unknown cycle"}
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// ReverseStopOrder flattens the topological levels and reverses them, so
// dependents come before their dependencies.
func ReverseStopOrder(configs map[string]procconf.ProcessConfig) ([]string, error) {
	levels, err := TopologicalLevels(configs)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, level := range levels {
		order = append(order, level...)
	}
	reverse(order)
	return order, nil
}

// ExpandDeps expands the requested names to include all transitive
// dependencies, returned in topological order (dependencies first).
func ExpandDeps(names []string, configs map[string]procconf.ProcessConfig) ([]string, error) {
	needed := make(map[string]bool)
	queue := make([]string, 0, len(names))
	for _, name := range names {
		if !needed[name] {
			needed[name] = true
			queue = append(queue, name)
		}
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if cfg, ok := configs[name]; ok {
			for _, dep := range cfg.DependsOn {
				if !needed[dep] {
					needed[dep] = true
					queue = append(queue, dep)
				}
			}
		}
	}

	levels, err := TopologicalLevels(subset(configs, needed))
	if err != nil {
		return nil, err
	}
	var order []string
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// ExpandDependents expands the targets to include all transitive
// dependents, returned in reverse topological order so dependents are
// stopped before their dependencies.
func ExpandDependents(targets []string, configs map[string]procconf.ProcessConfig) ([]string, error) {
	reverseAdj := make(map[string][]string, len(configs))
	for name := range configs {
		reverseAdj[name] = nil
	}
	for name, cfg := range configs {
		for _, dep := range cfg.DependsOn {
			reverseAdj[dep] = append(reverseAdj[dep], name)
		}
	}

	needed := make(map[string]bool)
	queue := make([]string, 0, len(targets))
	for _, t := range targets {
		if !needed[t] {
			needed[t] = true
			queue = append(queue, t)
		}
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, dependent := range reverseAdj[name] {
			if !needed[dependent] {
				needed[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}

	levels, err := TopologicalLevels(subset(configs, needed))
	if err != nil {
		return nil, err
	}
	var order []string
	for _, level := range levels {
		order = append(order, level...)
	}
	reverse(order)
	return order, nil
}

func subset(configs map[string]procconf.ProcessConfig, needed map[string]bool) map[string]procconf.ProcessConfig {
	out := make(map[string]procconf.ProcessConfig, len(needed))
	for name, cfg := range configs {
		if needed[name] {
			// Edges to processes outside the subset do not constrain its order.
			var kept []string
			for _, dep := range cfg.DependsOn {
				if needed[dep] {
					kept = append(kept, dep)
				}
			}
			cfg.DependsOn = kept
			out[name] = cfg
		}
	}
	return out
}
