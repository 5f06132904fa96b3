package cluster

import (
	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

// AssignNearest finds the nearest existing centroid for a new chunk
// embedding. Returns nil when no centroid is within the threshold; the
// chunk then stays unclustered until the next offline rebuild.
func AssignNearest(chunkID string, embedding []float32, clusters []*store.Cluster, threshold float64) *store.Assignment {
	if threshold <= 0 {
		threshold = 0.10
	}

	var best *store.Cluster
	bestDist := 0.0
	for _, c := range clusters {
		if c.Centroid == nil {
			continue
		}
		d := vector.CosineDistance(embedding, c.Centroid)
		if best == nil || d < bestDist {
			best = c
			bestDist = d
		}
	}
	if best == nil || bestDist > threshold {
		return nil
	}
	return &store.Assignment{ChunkID: chunkID, ClusterID: best.ID, Distance: bestDist}
}
