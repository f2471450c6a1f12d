// Package orchestrator materializes a DAG of named assets, recomputing only the
// stale ones and committing each result copy-on-write.
package orchestrator

import (
	"container/heap"
	"context"
	"sort"

	"github.com/kailas-cloud/recluster/internal/domain"
)

// Asset is one node of the graph.
type Asset struct {
	Name string
	Deps []string
	// InputHash fingerprints the asset's own inputs (source bytes, configuration).
	// A change forces the asset stale. Nil means the asset depends only on Deps.
	InputHash func(ctx context.Context) (string, error)
	// Materialize computes the payload from the committed payloads of Deps.
	Materialize func(ctx context.Context, in Inputs) (Output, error)
}

// Output is what Materialize hands back for commit.
type Output struct {
	Payload     []byte
	Rows        int
	Diagnostics map[string]string
}

type node struct {
	asset Asset
	index int
}

// Graph is an immutable, validated asset DAG. Safe for concurrent reads.
type Graph struct {
	nodesByName map[string]*node
	nodes       []*node // sorted by name

	outgoing [][]int // dependents, sorted
	incoming [][]int // dependencies, sorted
	indeg    []int
	depth    []int

	order []int // topological, by (depth, name)
}

// NewGraph builds and validates the graph. It rejects empty or duplicate names,
// missing materializers, unknown or duplicate dependencies, self-loops and cycles.
func NewGraph(assets []Asset) (*Graph, error) {
	if len(assets) == 0 {
		return nil, invalidf("no assets")
	}

	nodesByName := make(map[string]*node, len(assets))
	nodes := make([]*node, 0, len(assets))
	for _, a := range assets {
		if a.Name == "" {
			return nil, invalidf("asset name is required")
		}
		if _, exists := nodesByName[a.Name]; exists {
			return nil, invalidf("duplicate asset name: %q", a.Name)
		}
		if a.Materialize == nil {
			return nil, invalidf("asset %q has no materializer", a.Name)
		}
		n := &node{asset: a}
		nodesByName[a.Name] = n
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].asset.Name < nodes[j].asset.Name })
	for i, n := range nodes {
		n.index = i
	}

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, n := range nodes {
		seen := make(map[string]struct{}, len(n.asset.Deps))
		for _, dep := range n.asset.Deps {
			if dep == n.asset.Name {
				return nil, invalidf("self-loop: %q", dep)
			}
			from, ok := nodesByName[dep]
			if !ok {
				return nil, invalidf("asset %q depends on unknown asset %q", n.asset.Name, dep)
			}
			if _, dup := seen[dep]; dup {
				return nil, invalidf("duplicate dependency: %q -> %q", dep, n.asset.Name)
			}
			seen[dep] = struct{}{}
			outgoing[from.index] = append(outgoing[from.index], n.index)
			incoming[n.index] = append(incoming[n.index], from.index)
			indeg[n.index]++
		}
	}
	for i := range nodes {
		sort.Ints(outgoing[i])
		sort.Ints(incoming[i])
	}

	g := &Graph{
		nodesByName: nodesByName,
		nodes:       nodes,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}

	kahn := g.topoOrderIndices()
	if len(kahn) != len(nodes) {
		return nil, cycleError(g.findCycle())
	}
	g.depth = g.computeDepth(kahn)

	g.order = append([]int(nil), kahn...)
	sort.SliceStable(g.order, func(i, j int) bool {
		a, b := g.order[i], g.order[j]
		if g.depth[a] != g.depth[b] {
			return g.depth[a] < g.depth[b]
		}
		return a < b
	})
	return g, nil
}

// Order returns asset names in deterministic topological order.
func (g *Graph) Order() []string {
	return g.names(g.order)
}

// Has reports whether the graph contains name.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodesByName[name]
	return ok
}

// Deps returns the direct dependencies of name, sorted.
func (g *Graph) Deps(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.names(g.incoming[n.index])
}

// Depth returns the length of the longest path from any root to name.
func (g *Graph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.index], true
}

// Upstream returns the transitive dependencies of name in topological order.
func (g *Graph) Upstream(name string) ([]string, error) {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil, domain.ErrUnknownAsset
	}
	return g.closure(n.index, g.incoming), nil
}

// Downstream returns the transitive dependents of name in topological order.
func (g *Graph) Downstream(name string) ([]string, error) {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil, domain.ErrUnknownAsset
	}
	return g.closure(n.index, g.outgoing), nil
}

func (g *Graph) closure(start int, adj [][]int) []string {
	seen := make([]bool, len(g.nodes))
	stack := append([]int(nil), adj[start]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[u] {
			continue
		}
		seen[u] = true
		stack = append(stack, adj[u]...)
	}
	out := make([]int, 0, len(g.nodes))
	for _, idx := range g.order {
		if seen[idx] {
			out = append(out, idx)
		}
	}
	return g.names(out)
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = g.nodes[j].asset.Name
	}
	return out
}

func (g *Graph) computeDepth(order []int) []int {
	depth := make([]int, len(g.nodes))
	for _, u := range order {
		for _, p := range g.incoming[u] {
			if d := depth[p] + 1; d > depth[u] {
				depth[u] = d
			}
		}
	}
	return depth
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices runs Kahn's algorithm with a min-heap ready queue.
// A result shorter than the node count means the graph has a cycle.
func (g *Graph) topoOrderIndices() []int {
	indeg := append([]int(nil), g.indeg...)

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as a closed name path (a -> b -> a), found by a
// DFS over nodes in name order.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back-edge u -> v; walk parents from u back to v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = g.nodes[cycle[len(cycle)-1-i]].asset.Name
	}
	return out
}
