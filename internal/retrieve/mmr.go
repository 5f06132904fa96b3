package retrieve

import (
	"github.com/entrolution/causantic/internal/vector"
)

// DefaultMMRLambda balances relevance against diversity.
const DefaultMMRLambda = 0.7

// mmrRerank greedily picks k candidates maximizing
//
//	lambda * sim(query, d) - (1 - lambda) * max_{d' in picked} sim(d, d')
//
// Candidates without an embedding are skipped. Deterministic: ties fall to
// the earlier candidate in fused order.
func mmrRerank(candidates []*candidate, embeddings map[string][]float32, query []float32, k int, lambda float64) []*candidate {
	if lambda < 0 || lambda > 1 {
		lambda = DefaultMMRLambda
	}
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	type entry struct {
		cand     *candidate
		vec      []float32
		querySim float64
	}
	pool := make([]*entry, 0, len(candidates))
	for _, c := range candidates {
		vec, ok := embeddings[c.chunkID]
		if !ok {
			continue
		}
		pool = append(pool, &entry{
			cand:     c,
			vec:      vec,
			querySim: float64(vector.Cosine(query, vec)),
		})
	}

	var picked []*entry
	selected := make([]*candidate, 0, k)
	for len(selected) < k && len(pool) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for i, e := range pool {
			maxPickedSim := 0.0
			for _, p := range picked {
				sim := float64(vector.Cosine(e.vec, p.vec))
				if sim > maxPickedSim {
					maxPickedSim = sim
				}
			}
			score := lambda*e.querySim - (1-lambda)*maxPickedSim
			if bestIdx == -1 || score > bestScore {
				bestIdx = i
				bestScore = score
			}
		}

		chosen := pool[bestIdx]
		chosen.cand.vecScore = chosen.querySim
		picked = append(picked, chosen)
		selected = append(selected, chosen.cand)
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}
	return selected
}
