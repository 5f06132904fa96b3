package retrieve

import (
	"context"
	"sort"

	"github.com/entrolution/causantic/internal/store"
)

// Hop-decay parameters. Backward walks (recall) decay linearly and die at
// hop 10. Forward walks (predict) hold flat for the first 5 hops, then
// decay linearly to zero by hop 20.
const (
	backwardDecayDeath = 10
	forwardFlatHops    = 5
	forwardDecayDeath  = 20
)

// backwardDecay is 1 - h/10, zero at hop 10 and beyond.
func backwardDecay(hop int) float64 {
	if hop >= backwardDecayDeath {
		return 0
	}
	return 1.0 - float64(hop)/float64(backwardDecayDeath)
}

// forwardDecay is flat for the first 5 hops, then linear to zero by hop 20.
func forwardDecay(hop int) float64 {
	if hop <= forwardFlatHops {
		return 1.0
	}
	if hop >= forwardDecayDeath {
		return 0
	}
	return float64(forwardDecayDeath-hop) / float64(forwardDecayDeath-forwardFlatHops)
}

// chainHit is one chunk reached by a walk, with its decayed score.
type chainHit struct {
	chunkID string
	score   float64
	hop     int
}

// walkChains walks edges breadth-first from each seed. A walked chunk at
// hop h scores seedScore * decay(h) * pathWeight, where pathWeight is the
// product of edge weights along the walk. The walk stops once maxDepth
// chunks have been collected per seed or the caller's token budget is
// exhausted (measured against the walked chunks' token estimates).
//
// Neighbor order is deterministic: higher edge weight, then higher score,
// then earlier chunk start_time.
func walkChains(
	ctx context.Context,
	s *store.Store,
	seeds []*candidate,
	seedScores map[string]float64,
	edgeType store.EdgeType,
	decay func(hop int) float64,
	maxDepth int,
	tokenBudget int,
) []*chainHit {
	if maxDepth <= 0 {
		return nil
	}

	visited := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		visited[seed.chunkID] = struct{}{}
	}

	var hits []*chainHit
	tokensUsed := 0

	for _, seed := range seeds {
		seedScore := seedScores[seed.chunkID]
		if seedScore == 0 {
			seedScore = seed.rrfScore
		}

		type frontierEntry struct {
			chunkID    string
			pathWeight float64
			hop        int
		}
		frontier := []frontierEntry{{chunkID: seed.chunkID, pathWeight: 1.0, hop: 0}}
		collected := 0

		for len(frontier) > 0 && collected < maxDepth {
			ids := make([]string, len(frontier))
			byID := make(map[string]frontierEntry, len(frontier))
			for i, f := range frontier {
				ids[i] = f.chunkID
				byID[f.chunkID] = f
			}

			edges, err := s.GetEdgesFrom(ctx, ids, edgeType)
			if err != nil {
				// A failed walk leaves the seed with an empty chain.
				break
			}

			type nextEntry struct {
				frontierEntry
				score      float64
				edgeWeight float64
				startTime  int64
			}
			var next []nextEntry
			for _, e := range edges {
				if _, seen := visited[e.TargetChunkID]; seen {
					continue
				}
				from := byID[e.SourceChunkID]
				hop := from.hop + 1
				d := decay(hop)
				if d <= 0 {
					continue
				}
				pathWeight := from.pathWeight * e.Weight
				next = append(next, nextEntry{
					frontierEntry: frontierEntry{chunkID: e.TargetChunkID, pathWeight: pathWeight, hop: hop},
					score:         seedScore * d * pathWeight,
					edgeWeight:    e.Weight,
				})
			}
			if len(next) == 0 {
				break
			}

			// Resolve start times and token counts for tie-breaks and the
			// token budget.
			nextIDs := make([]string, len(next))
			for i, n := range next {
				nextIDs[i] = n.chunkID
			}
			chunks, err := s.GetChunksByIDs(ctx, nextIDs)
			if err != nil {
				break
			}
			startByID := make(map[string]int64, len(chunks))
			tokensByID := make(map[string]int, len(chunks))
			for _, c := range chunks {
				startByID[c.ID] = c.StartTime.UnixMilli()
				tokensByID[c.ID] = c.ApproxTokens
			}
			for i := range next {
				next[i].startTime = startByID[next[i].chunkID]
			}

			sort.Slice(next, func(i, j int) bool {
				if next[i].edgeWeight != next[j].edgeWeight {
					return next[i].edgeWeight > next[j].edgeWeight
				}
				if next[i].score != next[j].score {
					return next[i].score > next[j].score
				}
				if next[i].startTime != next[j].startTime {
					return next[i].startTime < next[j].startTime
				}
				return next[i].chunkID < next[j].chunkID
			})

			frontier = frontier[:0]
			for _, n := range next {
				if _, seen := visited[n.chunkID]; seen {
					continue
				}
				if collected >= maxDepth {
					break
				}
				if tokenBudget > 0 && tokensUsed+tokensByID[n.chunkID] > tokenBudget {
					return hits
				}
				visited[n.chunkID] = struct{}{}
				tokensUsed += tokensByID[n.chunkID]
				hits = append(hits, &chainHit{chunkID: n.chunkID, score: n.score, hop: n.hop})
				frontier = append(frontier, n.frontierEntry)
				collected++
			}
		}
	}
	return hits
}
