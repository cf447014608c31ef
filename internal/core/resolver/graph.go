package resolver

import (
	"container/heap"
	"sort"
)

// =============================================================================
// Dependency Graph
// =============================================================================

// graph is a directed graph over declaration indices. An edge dep -> node
// means node must come after dep.
type graph struct {
	names      []string
	dependents [][]int
	deps       []map[int]bool
	indeg      []int
}

func newGraph(names []string) *graph {
	g := &graph{
		names:      names,
		dependents: make([][]int, len(names)),
		deps:       make([]map[int]bool, len(names)),
		indeg:      make([]int, len(names)),
	}
	for i := range names {
		g.deps[i] = make(map[int]bool)
	}
	return g
}

// addEdge records that node depends on dep. Duplicate edges are ignored.
func (g *graph) addEdge(dep, node int) {
	if dep == node || g.deps[node][dep] {
		return
	}
	g.deps[node][dep] = true
	g.dependents[dep] = append(g.dependents[dep], node)
	g.indeg[node]++
}

// dependenciesOf returns the direct dependencies of node in declaration order.
func (g *graph) dependenciesOf(node int) []int {
	out := make([]int, 0, len(g.deps[node]))
	for dep := range g.deps[node] {
		out = append(out, dep)
	}
	sort.Ints(out)
	return out
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder sorts the graph using Kahn's algorithm. The ready set is a
// min-heap over declaration indices, so independent nodes keep the caller's
// order. If a cycle exists the returned order is shorter than the graph.
func (g *graph) topoOrder() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, n)
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return order
}

// findCycle extracts one cycle as a closed path of names following
// dependency edges, e.g. [A B A] for "A depends on B, B depends on A".
// The DFS visits nodes and edges in declaration order so the witness is
// stable across runs.
func (g *graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(g.names))
	var stack []int
	var cycle []int

	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range g.dependenciesOf(u) {
			switch color[v] {
			case white:
				if visit(v) {
					return true
				}
			case gray:
				// Back edge u -> v closes the cycle v ... u -> v.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == v {
						cycle = append(cycle, stack[i:]...)
						cycle = append(cycle, v)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for i := range g.names {
		if color[i] == white && visit(i) {
			break
		}
	}

	path := make([]string, len(cycle))
	for i, idx := range cycle {
		path[i] = g.names[idx]
	}
	return path
}

// =============================================================================
// Generic Ordering
// =============================================================================

// Node is anything that has a name, tags and dependency references.
type Node struct {
	Name      string
	Tags      []string
	DependsOn []string
}

// Order returns node indices such that every node comes after the nodes it
// depends on, keeping declaration order between independent nodes.
//
// References resolve to a node name first, then to every node carrying the
// referenced tag. Anything else is ErrUnknownDependency.
//
// Example:
//
//	idx, _ := Order([]Node{
//	    {Name: "Uniswap", DependsOn: []string{"tokens"}},
//	    {Name: "WrappedTokens", Tags: []string{"tokens"}},
//	})
//	// idx == [1, 0]
func Order(nodes []Node) ([]int, error) {
	names := make([]string, len(nodes))
	byName := make(map[string]int, len(nodes))
	byTag := make(map[string][]int)

	for i, n := range nodes {
		if _, dup := byName[n.Name]; dup {
			return nil, newResolutionError(ErrDuplicateUnit, []string{n.Name}, "%q declared twice", n.Name)
		}
		names[i] = n.Name
		byName[n.Name] = i
		for _, tag := range n.Tags {
			byTag[tag] = append(byTag[tag], i)
		}
	}

	g := newGraph(names)
	for i, n := range nodes {
		for _, ref := range n.DependsOn {
			if dep, ok := byName[ref]; ok {
				g.addEdge(dep, i)
				continue
			}
			tagged, ok := byTag[ref]
			if !ok {
				return nil, newResolutionError(ErrUnknownDependency, []string{n.Name, ref},
					"%q depends on %q which is neither a name nor a tag", n.Name, ref)
			}
			for _, dep := range tagged {
				g.addEdge(dep, i)
			}
		}
	}

	order := g.topoOrder()
	if len(order) < len(nodes) {
		return nil, cycleError(g.findCycle())
	}
	return order, nil
}
