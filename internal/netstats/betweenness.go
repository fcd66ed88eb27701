package netstats

// Method selects the betweenness algorithm.
type Method string

const (
	// MethodEnumerate walks every shortest path of every node pair.
	MethodEnumerate Method = "enumerate"
	// MethodBrandes accumulates pair dependencies without materialising
	// paths.
	MethodBrandes Method = "brandes"
)

// ParseMethod maps a configuration value to a Method, defaulting to
// MethodEnumerate.
func ParseMethod(s string) (Method, bool) {
	switch Method(s) {
	case MethodEnumerate, "":
		return MethodEnumerate, true
	case MethodBrandes:
		return MethodBrandes, true
	default:
		return MethodEnumerate, false
	}
}

// Betweenness computes unnormalised betweenness centrality with the chosen
// method. Each unordered pair contributes 1/#paths to every interior node
// of each of its shortest paths.
func Betweenness(g *Graph, m Method) []float64 {
	if m == MethodBrandes {
		return BetweennessBrandes(g)
	}
	return BetweennessEnumerate(g)
}

// bfsPredecessors returns hop distances from s and, for every node, the
// neighbours that precede it on some shortest path from s.
func bfsPredecessors(g *Graph, s int) (dist []int, preds [][]int, order []int, sigma []float64) {
	dist = make([]int, g.n)
	preds = make([][]int, g.n)
	sigma = make([]float64, g.n)
	for i := range dist {
		dist[i] = Unreachable
	}
	dist[s] = 0
	sigma[s] = 1
	queue := []int{s}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, w := range g.adj[v] {
			if dist[w] == Unreachable {
				dist[w] = dist[v] + 1
				queue = append(queue, w)
			}
			if dist[w] == dist[v]+1 {
				sigma[w] += sigma[v]
				preds[w] = append(preds[w], v)
			}
		}
	}
	return dist, preds, order, sigma
}

// BetweennessEnumerate backtracks every shortest path through the
// predecessor sets. Cost grows with the number of shortest paths.
func BetweennessEnumerate(g *Graph) []float64 {
	scores := make([]float64, g.n)
	for s := 0; s < g.n; s++ {
		dist, preds, _, _ := bfsPredecessors(g, s)
		for t := s + 1; t < g.n; t++ {
			if dist[t] < 2 {
				continue
			}
			var paths [][]int
			var walk func(v int, interior []int)
			walk = func(v int, interior []int) {
				if v == s {
					paths = append(paths, append([]int(nil), interior...))
					return
				}
				if v != t {
					interior = append(interior, v)
				}
				for _, p := range preds[v] {
					walk(p, interior)
				}
			}
			walk(t, nil)

			share := 1 / float64(len(paths))
			for _, path := range paths {
				for _, v := range path {
					scores[v] += share
				}
			}
		}
	}
	return scores
}

// BetweennessBrandes computes the same scores with Brandes' dependency
// accumulation.
func BetweennessBrandes(g *Graph) []float64 {
	scores := make([]float64, g.n)
	for s := 0; s < g.n; s++ {
		_, preds, order, sigma := bfsPredecessors(g, s)
		delta := make([]float64, g.n)
		for k := len(order) - 1; k >= 0; k-- {
			w := order[k]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				scores[w] += delta[w]
			}
		}
	}
	// Every unordered pair was counted from both ends.
	for i := range scores {
		scores[i] /= 2
	}
	return scores
}
