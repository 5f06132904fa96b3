package graph

import (
	"math"

	"github.com/entrolution/causantic/internal/store"
)

// transition is one detected causal link between an earlier and a later
// chunk, before expansion into the symmetric edge pair.
type transition struct {
	earlier    *store.Chunk
	later      *store.Chunk
	ref        store.ReferenceType
	base       float64
	confidence float64
}

// weight folds the confidence multiplier into the base weight.
func (t transition) weight() float64 {
	w := t.base * t.confidence
	if w > 1 {
		w = 1
	}
	return w
}

// BuildSessionEdges runs detection pass one over a session's chunks in
// order: for each adjacent pair, every matching category emits one
// transition (at most one per reference type), and the adjacent fallback
// fires when nothing else does. Returns the symmetric edge pairs.
func BuildSessionEdges(chunks []*store.Chunk) []*store.Edge {
	var edges []*store.Edge
	for i := 1; i < len(chunks); i++ {
		for _, t := range detectTransitions(chunks[i-1], chunks[i]) {
			edges = append(edges, symmetricPair(t)...)
		}
	}
	return edges
}

// detectTransitions runs the category extractors over one adjacent pair.
func detectTransitions(earlier, later *store.Chunk) []transition {
	var out []transition

	if sharedFilePath(earlier.Content, later.Content) {
		out = append(out, transition{earlier, later, store.RefFilePath, weightFilePath, confidenceHigh})
	}
	if found, parsed := sharedCodeEntity(earlier.Content, later.Content); found {
		confidence := confidenceMedium
		if parsed {
			confidence = confidenceHigh
		}
		out = append(out, transition{earlier, later, store.RefCodeEntity, weightCodeEntity, confidence})
	}
	if hasBackref(later.Content) {
		out = append(out, transition{earlier, later, store.RefExplicitBackref, weightBackref, confidenceHigh})
	}
	if sharedErrorFragment(earlier.Content, later.Content) {
		out = append(out, transition{earlier, later, store.RefErrorFragment, weightErrorFrag, confidenceHigh})
	}
	if sharedToolOutput(earlier.Content, later.Content) {
		out = append(out, transition{earlier, later, store.RefToolOutput, weightToolOutput, confidenceMedium})
	}

	if len(out) == 0 {
		out = append(out, transition{earlier, later, store.RefAdjacent, weightAdjacent, confidenceHigh})
	}
	return out
}

// CrossSessionEdges links the last chunks of the previous session in the
// same project to the first chunk of the new one.
func CrossSessionEdges(previousLast []*store.Chunk, newFirst *store.Chunk) []*store.Edge {
	var edges []*store.Edge
	for _, prev := range previousLast {
		t := transition{
			earlier:    prev,
			later:      newFirst,
			ref:        store.RefCrossSession,
			base:       weightCrossSession,
			confidence: confidenceHigh,
		}
		edges = append(edges, symmetricPair(t)...)
	}
	return edges
}

// BriefEdges links the last parent chunk before a sub-agent spawn to the
// sub-agent's first chunk. Weight decays with spawn depth.
func BriefEdges(parentLast, subFirst *store.Chunk, spawnDepth int) []*store.Edge {
	t := transition{
		earlier:    parentLast,
		later:      subFirst,
		ref:        store.RefBrief,
		base:       spawnWeight(spawnDepth),
		confidence: confidenceHigh,
	}
	return symmetricPair(t)
}

// DebriefEdges links the sub-agent's last chunk to the first parent chunk
// after the return. Same weight policy as brief.
func DebriefEdges(subLast, parentNext *store.Chunk, spawnDepth int) []*store.Edge {
	t := transition{
		earlier:    subLast,
		later:      parentNext,
		ref:        store.RefDebrief,
		base:       spawnWeight(spawnDepth),
		confidence: confidenceHigh,
	}
	return symmetricPair(t)
}

// spawnWeight is 0.9 * 0.9^depth.
func spawnWeight(spawnDepth int) float64 {
	if spawnDepth < 0 {
		spawnDepth = 0
	}
	return weightBrief * math.Pow(briefDepthDecay, float64(spawnDepth))
}

// symmetricPair expands a transition into its backward/forward edge pair
// with identical weight: backward from the later chunk to the earlier, and
// forward the other way.
func symmetricPair(t transition) []*store.Edge {
	w := t.weight()
	return []*store.Edge{
		{
			SourceChunkID: t.later.ID,
			TargetChunkID: t.earlier.ID,
			EdgeType:      store.EdgeBackward,
			ReferenceType: t.ref,
			Weight:        w,
		},
		{
			SourceChunkID: t.earlier.ID,
			TargetChunkID: t.later.ID,
			EdgeType:      store.EdgeForward,
			ReferenceType: t.ref,
			Weight:        w,
		},
	}
}
