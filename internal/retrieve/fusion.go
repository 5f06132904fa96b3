package retrieve

import (
	"sort"
	"time"
)

// DefaultRRFConstant is the standard RRF smoothing parameter; k=60 is
// empirically validated across domains.
const DefaultRRFConstant = 60

// rankedList is one contributor to the fusion: chunk ids in rank order.
type rankedList struct {
	ids    []string
	source Source
}

// fuse combines ranked lists with Reciprocal Rank Fusion:
//
//	RRF(d) = Σ_i 1 / (k + rank_i(d))
//
// Ranks are 1-based; lists a document is absent from contribute zero.
// Ties (identical ranks in all contributing lists) order by chunk
// start_time ascending, then by chunk id.
func fuse(lists []rankedList, k int, startTimes map[string]time.Time) []*candidate {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	byID := make(map[string]*candidate)
	getOrCreate := func(id string, source Source) *candidate {
		if c, ok := byID[id]; ok {
			return c
		}
		c := &candidate{chunkID: id, source: source, startTime: startTimes[id]}
		byID[id] = c
		return c
	}

	for _, list := range lists {
		for rank, id := range list.ids {
			c := getOrCreate(id, list.source)
			c.rrfScore += 1.0 / float64(k+rank+1)
			switch list.source {
			case SourceVector:
				c.vecRank = rank + 1
			case SourceKeyword:
				c.keywordRank = rank + 1
			case SourceCluster:
				c.clusterRank = rank + 1
			}
		}
	}

	out := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rrfScore != out[j].rrfScore {
			return out[i].rrfScore > out[j].rrfScore
		}
		if !out[i].startTime.Equal(out[j].startTime) {
			return out[i].startTime.Before(out[j].startTime)
		}
		return out[i].chunkID < out[j].chunkID
	})
	return out
}
