package plan

import (
	"sort"
)

// Graph is a directed graph of node dependencies keyed by producerId.
// Edges run prerequisite -> dependent, mirroring the adjacency convention of
// the teacher's DependencyGraph.
type Graph struct {
	Nodes    map[string]*NodeSpec
	Edges    map[string][]string // producerId -> producerIds that depend on it
	InDegree map[string]int
}

// BuildGraph constructs a Graph from a node list. Invalid dependency
// references are skipped here; ValidatePlanSpec is responsible for rejecting
// them before a graph is ever scheduled.
func BuildGraph(nodes []NodeSpec) *Graph {
	g := &Graph{
		Nodes:    make(map[string]*NodeSpec, len(nodes)),
		Edges:    make(map[string][]string),
		InDegree: make(map[string]int, len(nodes)),
	}
	for i := range nodes {
		g.Nodes[nodes[i].ProducerID] = &nodes[i]
		g.InDegree[nodes[i].ProducerID] = 0
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := g.Nodes[dep]; !ok {
				continue
			}
			g.Edges[dep] = append(g.Edges[dep], n.ProducerID)
			g.InDegree[n.ProducerID]++
		}
	}
	for _, adj := range g.Edges {
		sort.Strings(adj)
	}
	return g
}

// FindCycle returns the producerId sequence of a cycle if one exists, or nil
// if the graph is acyclic. Uses DFS with white/gray/black coloring, same
// algorithm as the teacher's DependencyGraph.HasCycle, extended to return the
// offending path for error messages.
func (g *Graph) FindCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		colors[id] = white
	}

	var stack []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		stack = append(stack, node)

		for _, next := range g.Edges[node] {
			if colors[next] == gray {
				// Found the back edge; slice the stack from next's position.
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
				cycle = []string{node, next}
				return true
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}

		stack = stack[:len(stack)-1]
		colors[node] = black
		return false
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if colors[id] == white {
			if dfs(id) {
				return cycle
			}
		}
	}
	return nil
}

// Roots returns producerIds with no dependencies, in deterministic order.
func (g *Graph) Roots() []string {
	var roots []string
	for id, n := range g.Nodes {
		if len(n.Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Leaves returns producerIds with no dependents, in deterministic order.
// A leaf's branch is eligible for incremental merge (spec.md §4.4).
func (g *Graph) Leaves() []string {
	var leaves []string
	for id := range g.Nodes {
		if len(g.Edges[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// DeclarationOrder returns producerIds in the order nodes were declared in
// the original spec, used to break ties deterministically during selection
// (spec.md §4.1 "Ordering guarantees").
func DeclarationOrder(nodes []NodeSpec) []string {
	order := make([]string, len(nodes))
	for i, n := range nodes {
		order[i] = n.ProducerID
	}
	return order
}

// ReadyNodes computes the producerIds that are currently "pending" and whose
// dependencies are all "succeeded", in declaration order. isSucceeded and
// isPending are callbacks into the runtime state machine so this package
// stays free of runtime state.
func (g *Graph) ReadyNodes(declOrder []string, isPending, isSucceeded func(producerID string) bool) []string {
	var ready []string
	for _, id := range declOrder {
		n, ok := g.Nodes[id]
		if !ok || !isPending(id) {
			continue
		}
		allDepsSucceeded := true
		for _, dep := range n.Dependencies {
			if !isSucceeded(dep) {
				allDepsSucceeded = false
				break
			}
		}
		if allDepsSucceeded {
			ready = append(ready, id)
		}
	}
	return ready
}
