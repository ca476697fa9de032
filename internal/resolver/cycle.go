package resolver

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle discovered by DFS over the
// finalized graph, per spec.md §4.5: "Any back-edge reported as a
// templated rendering cycle includes the full path."
type CycleError struct {
	Path []string // node identities (ResourceIdentity.String), in traversal order, repeating the start at the end
}

func (e CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	done
)

// DetectCycles runs DFS over g, returning the first cycle found (if any).
// Iteration order over roots is deterministic (sorted keys) so repeated
// runs over an unchanged graph report the same cycle.
func (g *Graph) DetectCycles() *CycleError {
	state := make(map[string]visitState, len(g.Nodes))
	var stack []string

	var visit func(key string) *CycleError
	visit = func(key string) *CycleError {
		switch state[key] {
		case done:
			return nil
		case visiting:
			// Found a back-edge: stack currently holds the path from the
			// cycle's start to key's immediate predecessor.
			start := 0
			for i, k := range stack {
				if k == key {
					start = i
					break
				}
			}
			cyclePath := append([]string{}, stack[start:]...)
			cyclePath = append(cyclePath, key)
			names := make([]string, len(cyclePath))
			for i, k := range cyclePath {
				names[i] = g.Nodes[k].Identity.String()
			}
			return &CycleError{Path: names}
		}

		state[key] = visiting
		stack = append(stack, key)

		n := g.Nodes[key]
		for _, child := range n.Children {
			if err := visit(child.Key()); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[key] = done
		return nil
	}

	for _, key := range g.sortedKeys() {
		if state[key] == unvisited {
			if err := visit(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopoSort returns the graph's nodes in topological installation order
// (dependencies before dependents), ties broken by canonical name then
// resource type (spec.md §4.5's "Order").
//
// Assumes the graph is acyclic; call DetectCycles first.
func (g *Graph) TopoSort() []*Node {
	visited := make(map[string]bool, len(g.Nodes))
	var order []*Node

	var visit func(key string)
	visit = func(key string) {
		if visited[key] {
			return
		}
		visited[key] = true
		n := g.Nodes[key]
		childKeys := make([]string, len(n.Children))
		for i, c := range n.Children {
			childKeys[i] = c.Key()
		}
		sortChildKeys(g, childKeys)
		for _, ck := range childKeys {
			visit(ck)
		}
		order = append(order, n)
	}

	for _, key := range g.sortedKeys() {
		visit(key)
	}
	return order
}

func sortChildKeys(g *Graph, keys []string) {
	less := func(i, j int) bool {
		a, b := g.Nodes[keys[i]], g.Nodes[keys[j]]
		if a.Identity.CanonicalName != b.Identity.CanonicalName {
			return a.Identity.CanonicalName < b.Identity.CanonicalName
		}
		return a.Identity.Type < b.Identity.Type
	}
	// Insertion sort: child lists are small, and this avoids importing
	// sort for a handful of elements per node.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
