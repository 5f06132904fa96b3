package cluster

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

// blob generates points tightly grouped around a unit-vector center.
func blob(rng *rand.Rand, prefix string, center []float32, n int, jitter float32) map[string][]float32 {
	out := make(map[string][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, len(center))
		for d := range center {
			v[d] = center[d] + (rng.Float32()-0.5)*jitter
		}
		vector.NormalizeInPlace(v)
		out[fmt.Sprintf("%s-%02d", prefix, i)] = v
	}
	return out
}

func merge(maps ...map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func TestBuild_TwoWellSeparatedBlobs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := blob(rng, "a", []float32{1, 0, 0, 0}, 8, 0.05)
	b := blob(rng, "b", []float32{0, 0, 1, 0}, 8, 0.05)

	result := Build(merge(a, b), DefaultOptions())
	require.Len(t, result.Clusters, 2)

	// Every point lands in exactly one cluster.
	byChunk := make(map[string]string)
	for _, as := range result.Assignments {
		_, dup := byChunk[as.ChunkID]
		require.False(t, dup, "chunk assigned twice")
		byChunk[as.ChunkID] = as.ClusterID
	}
	assert.Len(t, byChunk, 16)

	// Blob members share a cluster and the blobs are separate.
	assert.Equal(t, byChunk["a-00"], byChunk["a-07"])
	assert.Equal(t, byChunk["b-00"], byChunk["b-07"])
	assert.NotEqual(t, byChunk["a-00"], byChunk["b-00"])
}

func TestBuild_ClusterMetadata(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	points := blob(rng, "a", []float32{1, 0, 0, 0}, 10, 0.05)

	result := Build(points, DefaultOptions())
	require.Len(t, result.Clusters, 1)
	c := result.Clusters[0]

	require.NotNil(t, c.Centroid)
	assert.Len(t, c.Centroid, 4)
	// Centroid is L2-normalized.
	var norm float64
	for _, v := range c.Centroid {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)

	assert.Len(t, c.ExemplarIDs, 3)
	assert.NotEmpty(t, c.MembershipHash)

	// Exemplars are members.
	members := make(map[string]struct{})
	for _, as := range result.Assignments {
		members[as.ChunkID] = struct{}{}
	}
	for _, ex := range c.ExemplarIDs {
		assert.Contains(t, members, ex)
	}
}

func TestBuild_TooFewPoints(t *testing.T) {
	points := map[string][]float32{
		"a": {1, 0},
		"b": {0, 1},
	}
	result := Build(points, DefaultOptions())
	assert.Empty(t, result.Clusters)
	assert.Empty(t, result.Assignments)
}

func TestBuild_NoiseStaysUnassigned(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	a := blob(rng, "a", []float32{1, 0, 0, 0}, 8, 0.05)
	// One far-away outlier.
	a["noise"] = []float32{0, 1, 0, 0}

	result := Build(a, DefaultOptions())
	require.NotEmpty(t, result.Clusters)
	for _, as := range result.Assignments {
		assert.NotEqual(t, "noise", as.ChunkID)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	points := merge(
		blob(rng, "a", []float32{1, 0, 0, 0}, 6, 0.05),
		blob(rng, "b", []float32{0, 0, 1, 0}, 6, 0.05),
	)

	r1 := Build(points, DefaultOptions())
	r2 := Build(points, DefaultOptions())
	require.Equal(t, len(r1.Clusters), len(r2.Clusters))
	require.Equal(t, len(r1.Assignments), len(r2.Assignments))

	// Cluster ids are fresh uuids, but membership hashes must agree.
	h1 := make(map[string]struct{})
	for _, c := range r1.Clusters {
		h1[c.MembershipHash] = struct{}{}
	}
	for _, c := range r2.Clusters {
		assert.Contains(t, h1, c.MembershipHash)
	}
}

func TestMembershipHash(t *testing.T) {
	a := MembershipHash([]string{"c1", "c2"})
	assert.Equal(t, a, MembershipHash([]string{"c1", "c2"}))
	assert.NotEqual(t, a, MembershipHash([]string{"c1", "c3"}))
}

func TestAssignNearest(t *testing.T) {
	clusters := []*store.Cluster{
		{ID: "cl1", Centroid: []float32{1, 0}},
		{ID: "cl2", Centroid: []float32{0, 1}},
	}

	// Close to cl1.
	as := AssignNearest("chunk", []float32{0.99, 0.05}, clusters, 0.10)
	require.NotNil(t, as)
	assert.Equal(t, "cl1", as.ClusterID)
	assert.LessOrEqual(t, as.Distance, 0.10)

	// Equidistant and far from both: unclustered.
	as = AssignNearest("chunk", []float32{0.7, 0.7}, clusters, 0.10)
	assert.Nil(t, as)

	// No centroids at all.
	as = AssignNearest("chunk", []float32{1, 0}, []*store.Cluster{{ID: "x"}}, 0.10)
	assert.Nil(t, as)
}
