// Package netstats turns a visible-pair set into an undirected graph and
// computes connectivity, path and centrality statistics over it.
package netstats

import (
	"sort"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

// Unreachable is the distance reported between disconnected nodes.
const Unreachable = -1

// Graph is an immutable undirected simple graph over nodes 0..n-1.
type Graph struct {
	n   int
	adj [][]int
}

// NewGraph builds the graph from visible pairs. Self loops, duplicates and
// indices outside 0..n-1 are ignored.
func NewGraph(n int, pairs []model.VisiblePair) *Graph {
	if n < 0 {
		n = 0
	}
	seen := make(map[model.PairKey]struct{}, len(pairs))
	adj := make([][]int, n)
	for _, p := range pairs {
		if p.I == p.J || p.I < 0 || p.J < 0 || p.I >= n || p.J >= n {
			continue
		}
		key := model.NewPairKey(p.I, p.J)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		adj[key.I] = append(adj[key.I], key.J)
		adj[key.J] = append(adj[key.J], key.I)
	}
	for i := range adj {
		sort.Ints(adj[i])
	}
	return &Graph{n: n, adj: adj}
}

// N returns the number of nodes.
func (g *Graph) N() int { return g.n }

// Degree returns the number of neighbours of node i.
func (g *Graph) Degree(i int) int { return len(g.adj[i]) }

// Neighbors returns the sorted neighbours of node i. The slice must not be
// modified.
func (g *Graph) Neighbors(i int) []int { return g.adj[i] }

// HasEdge reports whether i and j are adjacent.
func (g *Graph) HasEdge(i, j int) bool {
	if i < 0 || j < 0 || i >= g.n || j >= g.n {
		return false
	}
	nb := g.adj[i]
	k := sort.SearchInts(nb, j)
	return k < len(nb) && nb[k] == j
}

// EdgeCount returns the number of undirected edges.
func (g *Graph) EdgeCount() int {
	total := 0
	for _, nb := range g.adj {
		total += len(nb)
	}
	return total / 2
}

// Distances returns BFS hop counts from src, Unreachable for nodes in other
// components.
func (g *Graph) Distances(src int) []int {
	dist := make([]int, g.n)
	for i := range dist {
		dist[i] = Unreachable
	}
	if src < 0 || src >= g.n {
		return dist
	}
	dist[src] = 0
	queue := []int{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range g.adj[cur] {
			if dist[nb] == Unreachable {
				dist[nb] = dist[cur] + 1
				queue = append(queue, nb)
			}
		}
	}
	return dist
}

// Components returns the connected components, each sorted, ordered by
// their smallest node.
func (g *Graph) Components() [][]int {
	visited := make([]bool, g.n)
	var comps [][]int
	for start := 0; start < g.n; start++ {
		if visited[start] {
			continue
		}
		visited[start] = true
		comp := []int{start}
		queue := []int{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nb := range g.adj[cur] {
				if !visited[nb] {
					visited[nb] = true
					comp = append(comp, nb)
					queue = append(queue, nb)
				}
			}
		}
		sort.Ints(comp)
		comps = append(comps, comp)
	}
	return comps
}

// Clustering returns the local clustering coefficient of node i: the
// fraction of neighbour pairs that are themselves adjacent, 0 below degree 2.
func (g *Graph) Clustering(i int) float64 {
	nb := g.adj[i]
	k := len(nb)
	if k < 2 {
		return 0
	}
	triangles := 0
	for a := 0; a < k; a++ {
		for b := a + 1; b < k; b++ {
			if g.HasEdge(nb[a], nb[b]) {
				triangles++
			}
		}
	}
	return float64(triangles) / (float64(k*(k-1)) / 2)
}
