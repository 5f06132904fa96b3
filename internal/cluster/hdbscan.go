// Package cluster groups chunks by embedding proximity: an offline
// HDBSCAN-over-MST build with condensed-tree stability selection, plus
// incremental per-chunk assignment to the nearest stable centroid.
package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

// Options tunes the offline build.
type Options struct {
	// MinClusterSize is the smallest component declared a cluster.
	MinClusterSize int

	// ExemplarCount is how many representative chunks each cluster keeps.
	ExemplarCount int

	// AssignThreshold is the max cosine distance for the final cover sweep
	// and for incremental assignment.
	AssignThreshold float64
}

// DefaultOptions returns the defaults (min cluster size 4, threshold 0.10).
func DefaultOptions() Options {
	return Options{MinClusterSize: 4, ExemplarCount: 3, AssignThreshold: 0.10}
}

// Result is the output of one offline build, ready for
// store.ReplaceClusters.
type Result struct {
	Clusters    []*store.Cluster
	Assignments []*store.Assignment
}

// treeCluster is one node of the condensed cluster tree.
type treeCluster struct {
	id          int
	birthLambda float64
	deathLambda float64
	parent      int
	children    []int
	members     []int // point indices present during the cluster's life
	dead        bool
	stability   float64
	selected    bool
}

// Build runs the offline clusterer over the full embedding set.
// Memberships, centroids and exemplars are deterministic given identical
// input; cluster ids are fresh random UUIDs and creation times come from
// the clock on every call.
func Build(embeddings map[string][]float32, opts Options) *Result {
	if opts.MinClusterSize < 2 {
		opts.MinClusterSize = 4
	}
	if opts.ExemplarCount < 1 {
		opts.ExemplarCount = 3
	}
	if opts.AssignThreshold <= 0 {
		opts.AssignThreshold = 0.10
	}

	ids := make([]string, 0, len(embeddings))
	for id := range embeddings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) < opts.MinClusterSize {
		return &Result{}
	}

	points := make([][]float32, len(ids))
	for i, id := range ids {
		points[i] = embeddings[id]
	}

	cores := coreDistances(points, opts.MinClusterSize)
	edges := buildMST(points, cores)

	tree, joinLambda := condense(len(points), edges, opts.MinClusterSize)
	selected := selectClusters(tree)

	return materialize(ids, points, selected, joinLambda, opts)
}

// condense processes MST edges ascending, declaring a cluster when a
// component first reaches minClusterSize, merging clusters into parents,
// and accumulating per-cluster stability from per-point join lambdas.
// Also returns each point's join lambda: points that attached to a cluster
// below its birth density stay noise.
func condense(n int, edges []mstEdge, minClusterSize int) ([]*treeCluster, []float64) {
	uf := newUnionFind(n)
	joinLambda := make([]float64, n) // lambda of the edge that brought the point in
	var tree []*treeCluster

	// memberLists holds the point set of each root component.
	memberLists := make(map[int][]int, n)
	for i := 0; i < n; i++ {
		memberLists[i] = []int{i}
	}

	finalize := func(c *treeCluster, deathLambda float64) {
		c.deathLambda = deathLambda
		c.dead = true
		for _, p := range c.members {
			lambda := joinLambda[p]
			if lambda > c.birthLambda {
				lambda = c.birthLambda
			}
			c.stability += lambda - deathLambda
		}
	}

	for _, e := range edges {
		lambda := 0.0
		if e.distance > 0 {
			lambda = 1.0 / e.distance
		} else {
			lambda = 1e9 // identical points
		}

		ra, rb := uf.find(e.a), uf.find(e.b)
		if ra == rb {
			continue
		}
		ca, cb := uf.cluster[ra], uf.cluster[rb]
		membersA, membersB := memberLists[ra], memberLists[rb]

		// Points joining a component record the edge that brought them in.
		if uf.size[ra] == 1 {
			joinLambda[e.a] = lambda
		}
		if uf.size[rb] == 1 {
			joinLambda[e.b] = lambda
		}

		root := uf.union(ra, rb)
		merged := append(membersA, membersB...)
		memberLists[root] = merged
		delete(memberLists, ra+rb-root)

		switch {
		case ca >= 0 && cb >= 0:
			// Two clusters merge: both die, a parent cluster is born.
			finalize(tree[ca], lambda)
			finalize(tree[cb], lambda)
			parent := &treeCluster{
				id:          len(tree),
				birthLambda: lambda,
				parent:      -1,
				children:    []int{ca, cb},
				members:     append([]int(nil), merged...),
			}
			tree[ca].parent = parent.id
			tree[cb].parent = parent.id
			tree = append(tree, parent)
			uf.cluster[root] = parent.id

		case ca >= 0:
			// A sub-threshold component falls into an existing cluster.
			tree[ca].members = append(tree[ca].members, membersB...)
			for _, p := range membersB {
				joinLambda[p] = lambda
			}
			uf.cluster[root] = ca

		case cb >= 0:
			tree[cb].members = append(tree[cb].members, membersA...)
			for _, p := range membersA {
				joinLambda[p] = lambda
			}
			uf.cluster[root] = cb

		default:
			if uf.size[root] >= minClusterSize {
				// Component reaches the threshold: declare a cluster.
				c := &treeCluster{
					id:          len(tree),
					birthLambda: lambda,
					parent:      -1,
					members:     append([]int(nil), merged...),
				}
				tree = append(tree, c)
				uf.cluster[root] = c.id
			} else {
				uf.cluster[root] = -1
			}
		}
	}

	// Clusters alive at the end die at lambda zero.
	for _, c := range tree {
		if !c.dead {
			finalize(c, 0)
		}
	}
	return tree, joinLambda
}

// selectClusters picks the cluster set maximizing total stability:
// bottom-up excess-of-mass over the condensed tree, collapsing
// lower-stability branches into their parent.
func selectClusters(tree []*treeCluster) []*treeCluster {
	// Process children before parents; tree is built in that order.
	score := make([]float64, len(tree))
	for _, c := range tree {
		if len(c.children) == 0 {
			score[c.id] = c.stability
			c.selected = true
			continue
		}
		childSum := 0.0
		for _, ch := range c.children {
			childSum += score[ch]
		}
		if c.stability > childSum {
			c.selected = true
			deselectDescendants(tree, c)
			score[c.id] = c.stability
		} else {
			score[c.id] = childSum
		}
	}

	var out []*treeCluster
	for _, c := range tree {
		if c.selected {
			out = append(out, c)
		}
	}
	return out
}

func deselectDescendants(tree []*treeCluster, c *treeCluster) {
	for _, ch := range c.children {
		tree[ch].selected = false
		deselectDescendants(tree, tree[ch])
	}
}

// materialize turns selected tree nodes into store clusters: centroid,
// exemplars, membership hash, and the final assignment sweep that covers
// every point within the threshold of a centroid.
//
// Membership excludes points that attached below the cluster's birth
// density (join lambda < birth lambda); those stay noise until a rebuild.
func materialize(ids []string, points [][]float32, selected []*treeCluster, joinLambda []float64, opts Options) *Result {
	result := &Result{}
	if len(selected) == 0 {
		return result
	}

	now := time.Now()
	type built struct {
		cluster  *store.Cluster
		centroid []float32
		members  map[int]struct{}
	}
	var builtClusters []built

	for _, tc := range selected {
		memberSet := make(map[int]struct{}, len(tc.members))
		var members []int
		for _, p := range tc.members {
			if joinLambda[p] < tc.birthLambda {
				continue
			}
			if _, dup := memberSet[p]; dup {
				continue
			}
			memberSet[p] = struct{}{}
			members = append(members, p)
		}
		if len(members) < opts.MinClusterSize {
			continue
		}

		centroid := meanVector(points, members)
		vector.NormalizeInPlace(centroid)

		memberIDs := make([]string, 0, len(memberSet))
		for p := range memberSet {
			memberIDs = append(memberIDs, ids[p])
		}
		sort.Strings(memberIDs)

		sc := &store.Cluster{
			ID:             uuid.NewString(),
			Centroid:       centroid,
			ExemplarIDs:    exemplars(ids, points, members, centroid, opts.ExemplarCount),
			MembershipHash: MembershipHash(memberIDs),
			CreatedAt:      now,
		}
		builtClusters = append(builtClusters, built{cluster: sc, centroid: centroid, members: memberSet})
		result.Clusters = append(result.Clusters, sc)
	}

	// Final sweep: each point goes to its nearest centroid when it was a
	// member of a selected cluster or sits within the assignment threshold.
	// At most one cluster per point.
	for p := range points {
		bestIdx := -1
		bestDist := 0.0
		isMember := false
		for i, b := range builtClusters {
			d := vector.CosineDistance(points[p], b.centroid)
			if bestIdx == -1 || d < bestDist {
				bestIdx = i
				bestDist = d
			}
			if _, ok := b.members[p]; ok {
				isMember = true
			}
		}
		if bestIdx == -1 {
			continue
		}
		if isMember || bestDist <= opts.AssignThreshold {
			result.Assignments = append(result.Assignments, &store.Assignment{
				ChunkID:   ids[p],
				ClusterID: builtClusters[bestIdx].cluster.ID,
				Distance:  bestDist,
			})
		}
	}

	return result
}

// meanVector averages the member embeddings.
func meanVector(points [][]float32, members []int) []float32 {
	if len(members) == 0 {
		return nil
	}
	dims := len(points[members[0]])
	sum := make([]float64, dims)
	seen := make(map[int]struct{}, len(members))
	for _, p := range members {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		for d := 0; d < dims; d++ {
			sum[d] += float64(points[p][d])
		}
	}
	out := make([]float32, dims)
	for d := 0; d < dims; d++ {
		out[d] = float32(sum[d] / float64(len(seen)))
	}
	return out
}

// exemplars picks the k members nearest to the centroid.
func exemplars(ids []string, points [][]float32, members []int, centroid []float32, k int) []string {
	type scored struct {
		id   string
		dist float64
	}
	seen := make(map[int]struct{}, len(members))
	var scoredMembers []scored
	for _, p := range members {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		scoredMembers = append(scoredMembers, scored{id: ids[p], dist: vector.CosineDistance(points[p], centroid)})
	}
	sort.Slice(scoredMembers, func(i, j int) bool {
		if scoredMembers[i].dist != scoredMembers[j].dist {
			return scoredMembers[i].dist < scoredMembers[j].dist
		}
		return scoredMembers[i].id < scoredMembers[j].id
	})
	if k > len(scoredMembers) {
		k = len(scoredMembers)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = scoredMembers[i].id
	}
	return out
}

// MembershipHash hashes the sorted member-id set; label staleness is
// detected by comparing it against the hash recorded at labeling time.
func MembershipHash(sortedIDs []string) string {
	h := sha256.Sum256([]byte(strings.Join(sortedIDs, "\n")))
	return hex.EncodeToString(h[:])
}
