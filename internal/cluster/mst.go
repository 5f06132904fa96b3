package cluster

import (
	"math"
	"sort"

	"github.com/entrolution/causantic/internal/vector"
)

// mstEdge is one edge of the minimum spanning tree over mutual-reachability
// distances.
type mstEdge struct {
	a, b     int
	distance float64
}

// coreDistances returns each point's distance to its k-th nearest neighbor.
func coreDistances(points [][]float32, k int) []float64 {
	n := len(points)
	cores := make([]float64, n)
	if n == 0 {
		return cores
	}
	if k >= n {
		k = n - 1
	}

	dists := make([]float64, n)
	for i := range points {
		for j := range points {
			dists[j] = vector.CosineDistance(points[i], points[j])
		}
		sorted := append([]float64(nil), dists...)
		sort.Float64s(sorted)
		// sorted[0] is the self-distance (0).
		cores[i] = sorted[k]
	}
	return cores
}

// mutualReachability is max(core_a, core_b, d(a, b)).
func mutualReachability(d, coreA, coreB float64) float64 {
	m := d
	if coreA > m {
		m = coreA
	}
	if coreB > m {
		m = coreB
	}
	return m
}

// buildMST computes a minimum spanning tree over mutual-reachability
// distances with Prim's algorithm, returning edges sorted ascending.
func buildMST(points [][]float32, cores []float64) []mstEdge {
	n := len(points)
	if n < 2 {
		return nil
	}

	inTree := make([]bool, n)
	best := make([]float64, n)
	bestFrom := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
		bestFrom[i] = -1
	}

	edges := make([]mstEdge, 0, n-1)
	current := 0
	inTree[0] = true

	for len(edges) < n-1 {
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			d := mutualReachability(vector.CosineDistance(points[current], points[j]), cores[current], cores[j])
			if d < best[j] {
				best[j] = d
				bestFrom[j] = current
			}
		}

		next := -1
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			if next == -1 || best[j] < best[next] {
				next = j
			}
		}
		if next == -1 {
			break
		}

		edges = append(edges, mstEdge{a: bestFrom[next], b: next, distance: best[next]})
		inTree[next] = true
		current = next
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].distance != edges[j].distance {
			return edges[i].distance < edges[j].distance
		}
		if edges[i].a != edges[j].a {
			return edges[i].a < edges[j].a
		}
		return edges[i].b < edges[j].b
	})
	return edges
}

// unionFind tracks connected components while MST edges are processed.
type unionFind struct {
	parent []int
	size   []int
	// cluster holds the active cluster id of each root component, or -1.
	cluster []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{
		parent:  make([]int, n),
		size:    make([]int, n),
		cluster: make([]int, n),
	}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
		uf.cluster[i] = -1
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

// union merges the components of a and b and returns the new root.
func (uf *unionFind) union(a, b int) int {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return ra
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
	return ra
}
