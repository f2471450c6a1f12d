// Package hdbscan implements hierarchical density-based clustering: mutual-reachability
// minimum spanning tree, condensed cluster tree, and excess-of-mass cluster selection.
// It has no stochastic steps; ties are broken by point index, so identical input always
// yields identical labels.
package hdbscan

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
)

// Noise is the label of points that belong to no cluster.
const Noise = -1

// minDistance keeps lambda = 1/distance finite for coincident points.
const minDistance = 1e-12

// Config controls how aggressively sparse regions are treated as noise.
type Config struct {
	MinClusterSize int
	// MinSamples is the neighbourhood size of the core distance, the point itself
	// included. Zero means MinClusterSize.
	MinSamples int
	// AllowSingleCluster lets the root of the cluster tree be selected when it never
	// splits into two clusters of at least MinClusterSize points.
	AllowSingleCluster bool
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.MinClusterSize < 2 {
		return fmt.Errorf("min cluster size must be at least 2, got %d", c.MinClusterSize)
	}
	if c.MinSamples < 0 {
		return fmt.Errorf("min samples must not be negative, got %d", c.MinSamples)
	}
	return nil
}

// ClusterInfo summarizes one selected cluster.
type ClusterInfo struct {
	Label     int
	Size      int
	Stability float64
}

// Result holds one label and membership strength per input point.
// Degenerate reports that there were fewer points than MinClusterSize; every point is
// then noise. It is a successful outcome, not an error.
type Result struct {
	Labels     []int
	Strengths  []float64
	Clusters   []ClusterInfo
	Degenerate bool
}

// NoiseCount returns the number of noise points.
func (r Result) NoiseCount() int {
	n := 0
	for _, l := range r.Labels {
		if l == Noise {
			n++
		}
	}
	return n
}

// Cluster labels every point. Labels are numbered 0..K-1 in order of each cluster's
// smallest point index.
func Cluster(points [][]float64, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	n := len(points)
	if n > 0 {
		d := len(points[0])
		for i, p := range points {
			if len(p) != d {
				return Result{}, fmt.Errorf("point %d has %d dims, expected %d", i, len(p), d)
			}
			for _, x := range p {
				if math.IsNaN(x) || math.IsInf(x, 0) {
					return Result{}, errors.New("points must be finite")
				}
			}
		}
	}

	if n < cfg.MinClusterSize {
		return allNoise(n), nil
	}

	minSamples := cfg.MinSamples
	if minSamples == 0 {
		minSamples = cfg.MinClusterSize
	}
	minSamples = min(minSamples, n)

	core := coreDistances(points, minSamples)
	edges := mutualReachabilityMST(points, core)
	tree := singleLinkage(n, edges)
	ct := condense(tree, n, cfg.MinClusterSize)
	selected := ct.selectClusters(cfg.AllowSingleCluster)
	return ct.label(n, selected), nil
}

func allNoise(n int) Result {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = Noise
	}
	return Result{Labels: labels, Strengths: make([]float64, n), Degenerate: true}
}

func dist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

// coreDistances returns, per point, the distance to its k-th nearest neighbour
// counting the point itself as the first.
func coreDistances(points [][]float64, k int) []float64 {
	n := len(points)
	core := make([]float64, n)
	buf := make([]float64, n)
	for i := range points {
		for j := range points {
			buf[j] = dist(points[i], points[j])
		}
		buf[i] = 0
		sort.Float64s(buf)
		core[i] = buf[k-1]
	}
	return core
}

type edge struct {
	a, b int
	w    float64
}

// mutualReachabilityMST runs Prim's algorithm on the complete mutual-reachability graph,
// starting from point 0 and preferring the smallest index on equal weights.
func mutualReachabilityMST(points [][]float64, core []float64) []edge {
	n := len(points)
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
	}

	edges := make([]edge, 0, n-1)
	cur := 0
	inTree[cur] = true
	for len(edges) < n-1 {
		for j := range points {
			if inTree[j] {
				continue
			}
			mr := max(dist(points[cur], points[j]), core[cur], core[j])
			if mr < best[j] {
				best[j] = mr
				from[j] = cur
			}
		}
		next := -1
		for j := range points {
			if !inTree[j] && (next < 0 || best[j] < best[next]) {
				next = j
			}
		}
		inTree[next] = true
		edges = append(edges, edge{a: from[next], b: next, w: best[next]})
		cur = next
	}

	sort.SliceStable(edges, func(i, j int) bool { return edges[i].w < edges[j].w })
	return edges
}

// linkage is a single-linkage dendrogram. Nodes 0..n-1 are points; node n+i is the
// merge performed by edge i.
type linkage struct {
	left, right []int
	dist        []float64
	size        []int
}

func singleLinkage(n int, edges []edge) linkage {
	total := 2*n - 1
	l := linkage{
		left:  make([]int, total),
		right: make([]int, total),
		dist:  make([]float64, total),
		size:  make([]int, total),
	}
	parent := make([]int, total)
	for i := range parent {
		parent[i] = i
		l.left[i], l.right[i] = -1, -1
		if i < n {
			l.size[i] = 1
		}
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for i, e := range edges {
		node := n + i
		a, b := find(e.a), find(e.b)
		l.left[node], l.right[node] = a, b
		l.dist[node] = e.w
		l.size[node] = l.size[a] + l.size[b]
		parent[a], parent[b] = node, node
	}
	return l
}

// leaves returns the points under a dendrogram node.
func (l linkage) leaves(node, n int) []int {
	var out []int
	stack := []int{node}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if x < n {
			out = append(out, x)
			continue
		}
		stack = append(stack, l.right[x], l.left[x])
	}
	return out
}

type pointExit struct {
	cluster int
	point   int
	lambda  float64
}

// condensedTree keeps only splits into two clusters of at least MinClusterSize;
// smaller branches are recorded as points leaving their cluster at that lambda.
// Cluster 0 is the root; children always have larger ids than their parent.
type condensedTree struct {
	parent      []int     // per cluster, -1 for root
	birth       []float64 // lambda at which the cluster appeared
	children    [][]int   // child clusters
	childLambda []float64 // lambda at which the cluster split into children (0 if never)
	exits       []pointExit
	stability   []float64
}

func (ct *condensedTree) newCluster(parent int, birth float64) int {
	id := len(ct.parent)
	ct.parent = append(ct.parent, parent)
	ct.birth = append(ct.birth, birth)
	ct.children = append(ct.children, nil)
	ct.childLambda = append(ct.childLambda, 0)
	ct.stability = append(ct.stability, 0)
	if parent >= 0 {
		ct.children[parent] = append(ct.children[parent], id)
	}
	return id
}

func condense(l linkage, n, minClusterSize int) *condensedTree {
	ct := &condensedTree{}
	root := ct.newCluster(-1, 0)

	type frame struct{ node, cluster int }
	stack := []frame{{node: 2*n - 2, cluster: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.node < n {
			continue // clusters always hold at least two points
		}

		lambda := 1 / max(l.dist[f.node], minDistance)
		left, right := l.left[f.node], l.right[f.node]
		ls, rs := l.size[left], l.size[right]

		switch {
		case ls >= minClusterSize && rs >= minClusterSize:
			ct.childLambda[f.cluster] = lambda
			cl := ct.newCluster(f.cluster, lambda)
			cr := ct.newCluster(f.cluster, lambda)
			stack = append(stack, frame{right, cr}, frame{left, cl})
		case ls < minClusterSize && rs < minClusterSize:
			ct.exit(f.cluster, l.leaves(left, n), lambda)
			ct.exit(f.cluster, l.leaves(right, n), lambda)
		case ls < minClusterSize:
			ct.exit(f.cluster, l.leaves(left, n), lambda)
			stack = append(stack, frame{right, f.cluster})
		default:
			ct.exit(f.cluster, l.leaves(right, n), lambda)
			stack = append(stack, frame{left, f.cluster})
		}
	}

	sizes := make([]int, len(ct.parent))
	for _, e := range ct.exits {
		ct.stability[e.cluster] += e.lambda - ct.birth[e.cluster]
		for c := e.cluster; c >= 0; c = ct.parent[c] {
			sizes[c]++
		}
	}
	for c := range ct.parent {
		for _, ch := range ct.children[c] {
			ct.stability[c] += (ct.childLambda[c] - ct.birth[c]) * float64(sizes[ch])
		}
	}
	return ct
}

func (ct *condensedTree) exit(cluster int, points []int, lambda float64) {
	for _, p := range points {
		ct.exits = append(ct.exits, pointExit{cluster: cluster, point: p, lambda: lambda})
	}
}

// selectClusters applies excess-of-mass selection bottom-up. The root is never
// compared against its children; it is selected only when single clusters are
// allowed and it has no children at all.
func (ct *condensedTree) selectClusters(allowSingle bool) []bool {
	k := len(ct.parent)
	selected := make([]bool, k)
	subtree := slices.Clone(ct.stability)

	for c := k - 1; c >= 1; c-- {
		var childSum float64
		for _, ch := range ct.children[c] {
			childSum += subtree[ch]
		}
		if len(ct.children[c]) > 0 && childSum > ct.stability[c] {
			subtree[c] = childSum
			continue
		}
		selected[c] = true
		ct.deselectBelow(c, selected)
	}

	if allowSingle && len(ct.children[0]) == 0 {
		selected[0] = true
	}
	return selected
}

func (ct *condensedTree) deselectBelow(c int, selected []bool) {
	stack := slices.Clone(ct.children[c])
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		selected[x] = false
		stack = append(stack, ct.children[x]...)
	}
}

// label assigns every point to its nearest selected ancestor cluster. Inside a
// selected root only the points that persist to the root's densest level are kept.
func (ct *condensedTree) label(n int, selected []bool) Result {
	owner := make([]int, n)
	lambdas := make([]float64, n)
	for i := range owner {
		owner[i] = Noise
	}

	var rootMax float64
	for _, e := range ct.exits {
		if e.cluster == 0 {
			rootMax = max(rootMax, e.lambda)
		}
	}

	for _, e := range ct.exits {
		lambdas[e.point] = e.lambda
		for c := e.cluster; c >= 0; c = ct.parent[c] {
			if !selected[c] {
				continue
			}
			if c == 0 && e.lambda < rootMax {
				break
			}
			owner[e.point] = c
			break
		}
	}

	// Renumber by smallest member index.
	relabel := make(map[int]int)
	var order []int
	for p := range n {
		if c := owner[p]; c != Noise {
			if _, ok := relabel[c]; !ok {
				relabel[c] = len(order)
				order = append(order, c)
			}
		}
	}

	maxLambda := make(map[int]float64)
	for p := range n {
		if c := owner[p]; c != Noise {
			maxLambda[c] = max(maxLambda[c], lambdas[p])
		}
	}

	res := Result{
		Labels:    make([]int, n),
		Strengths: make([]float64, n),
		Clusters:  make([]ClusterInfo, len(order)),
	}
	for i, c := range order {
		res.Clusters[i] = ClusterInfo{Label: i, Stability: ct.stability[c]}
	}
	for p := range n {
		c := owner[p]
		if c == Noise {
			res.Labels[p] = Noise
			continue
		}
		l := relabel[c]
		res.Labels[p] = l
		res.Clusters[l].Size++
		if m := maxLambda[c]; m > 0 {
			res.Strengths[p] = min(lambdas[p], m) / m
		} else {
			res.Strengths[p] = 1
		}
	}
	return res
}
