package netstats

// NodeStats holds per-node metrics.
type NodeStats struct {
	Index       int     `json:"index"`
	Degree      int     `json:"degree"`
	Clustering  float64 `json:"clustering"`
	Betweenness float64 `json:"betweenness"`
	Closeness   float64 `json:"closeness"`
	Component   int     `json:"component"`
}

// Stats summarises a visibility graph. Diameter and AveragePathLength are
// nil when undefined, which is distinct from zero.
type Stats struct {
	Nodes             int         `json:"nodes"`
	Edges             int         `json:"edges"`
	Density           float64     `json:"density"`
	AverageDegree     float64     `json:"average_degree"`
	AverageClustering float64     `json:"average_clustering"`
	ComponentCount    int         `json:"component_count"`
	LargestComponent  int         `json:"largest_component"`
	Components        [][]int     `json:"components"`
	Diameter          *int        `json:"diameter"`
	AveragePathLength *float64    `json:"average_path_length"`
	Betweenness       Method      `json:"betweenness_method"`
	Node              []NodeStats `json:"node"`
}

// Compute derives all statistics. The average path length is the mean
// over reachable unordered pairs only, so sparse graphs with many
// unreachable pairs report shorter averages than their connected cores
// would suggest.
func Compute(g *Graph, m Method) Stats {
	n := g.N()
	st := Stats{
		Nodes:       n,
		Edges:       g.EdgeCount(),
		Betweenness: m,
		Node:        make([]NodeStats, n),
	}
	if n == 0 {
		zero := 0
		st.Diameter = &zero
		return st
	}
	if n > 1 {
		st.Density = float64(st.Edges) / (float64(n*(n-1)) / 2)
	}

	st.Components = g.Components()
	st.ComponentCount = len(st.Components)
	for ci, comp := range st.Components {
		if len(comp) > st.LargestComponent {
			st.LargestComponent = len(comp)
		}
		for _, v := range comp {
			st.Node[v].Component = ci
		}
	}

	var (
		sumDegree, sumClustering float64
		maxDist                  int
		pathSum                  int
		pathPairs                int
	)
	for i := 0; i < n; i++ {
		ns := &st.Node[i]
		ns.Index = i
		ns.Degree = g.Degree(i)
		ns.Clustering = g.Clustering(i)
		sumDegree += float64(ns.Degree)
		sumClustering += ns.Clustering

		dist := g.Distances(i)
		reach, total := 0, 0
		for j, d := range dist {
			if j == i || d == Unreachable {
				continue
			}
			reach++
			total += d
			if d > maxDist {
				maxDist = d
			}
			if j > i {
				pathSum += d
				pathPairs++
			}
		}
		if reach > 0 {
			ns.Closeness = 1 / (float64(total) / float64(reach))
		}
	}
	st.AverageDegree = sumDegree / float64(n)
	st.AverageClustering = sumClustering / float64(n)

	switch {
	case maxDist > 0:
		d := maxDist
		st.Diameter = &d
	case n == 1:
		zero := 0
		st.Diameter = &zero
	}
	if pathPairs > 0 {
		apl := float64(pathSum) / float64(pathPairs)
		st.AveragePathLength = &apl
	}

	for i, b := range Betweenness(g, m) {
		st.Node[i].Betweenness = b
	}
	return st
}
