package retrieve

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/entrolution/causantic/internal/store"
	"github.com/entrolution/causantic/internal/vector"
)

// Options tunes the pipeline.
type Options struct {
	K             int
	RRFConstant   int
	MMRLambda     float64
	MaxChainDepth int
}

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		K:             10,
		RRFConstant:   DefaultRRFConstant,
		MMRLambda:     DefaultMMRLambda,
		MaxChainDepth: 15,
	}
}

// EmbedQueryFunc embeds a query string (external embedder call).
type EmbedQueryFunc func(ctx context.Context, query string) ([]float32, error)

// Retriever runs the hybrid query pipeline. Deterministic given identical
// inputs and identical stored state.
type Retriever struct {
	store      *store.Store
	index      vector.Index
	embedQuery EmbedQueryFunc
	opts       Options
}

// New creates a retriever over the given store and vector index.
func New(s *store.Store, idx vector.Index, embedQuery EmbedQueryFunc, opts Options) *Retriever {
	if opts.K <= 0 {
		opts.K = 10
	}
	if opts.RRFConstant <= 0 {
		opts.RRFConstant = DefaultRRFConstant
	}
	if opts.MMRLambda <= 0 || opts.MMRLambda > 1 {
		opts.MMRLambda = DefaultMMRLambda
	}
	if opts.MaxChainDepth <= 0 {
		opts.MaxChainDepth = 15
	}
	return &Retriever{store: s, index: idx, embedQuery: embedQuery, opts: opts}
}

// Search runs stages 1-5: vector + lexical + cluster expansion, RRF fusion,
// MMR rerank. Returns at most req.K hits.
func (r *Retriever) Search(ctx context.Context, req Request) ([]*Hit, error) {
	selected, _, err := r.selectCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.toHits(ctx, selected, nil)
}

// Recall runs the full pipeline plus the backward causal walk: for each
// selected chunk, backward edges are walked breadth-first with a linear
// hop decay dying at 10, until the chain depth or the caller's token
// budget is exhausted.
func (r *Retriever) Recall(ctx context.Context, req Request) ([]*Hit, error) {
	selected, scores, err := r.selectCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	chain := walkChains(ctx, r.store, selected, scores, store.EdgeBackward, backwardDecay, r.opts.MaxChainDepth, req.TokenBudget)
	return r.toHits(ctx, selected, chain)
}

// Predict runs the pipeline over the context text and walks forward edges
// with the delayed-linear decay (flat for 5 hops, zero by hop 20).
func (r *Retriever) Predict(ctx context.Context, req Request) ([]*Hit, error) {
	selected, scores, err := r.selectCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	chain := walkChains(ctx, r.store, selected, scores, store.EdgeForward, forwardDecay, r.opts.MaxChainDepth, req.TokenBudget)
	return r.toHits(ctx, selected, chain)
}

// selectCandidates runs stages 1-5 and returns the MMR-selected
// candidates plus their normalized scores.
func (r *Retriever) selectCandidates(ctx context.Context, req Request) ([]*candidate, map[string]float64, error) {
	k := req.K
	if k <= 0 {
		k = r.opts.K
	}

	queryVec, err := r.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, nil, err
	}

	// Stage 1: dense vector search, optionally project-filtered.
	var filter map[string]struct{}
	if req.Project != "" {
		ids, err := r.store.ChunkIDsForProject(ctx, req.Project)
		if err != nil {
			return nil, nil, err
		}
		filter = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			filter[id] = struct{}{}
		}
	}
	vecResults, err := r.index.Search(ctx, queryVec, 3*k, filter)
	if err != nil {
		return nil, nil, err
	}
	vecIDs := make([]string, len(vecResults))
	for i, v := range vecResults {
		vecIDs[i] = v.ID
	}

	// Stage 2: lexical search. Degrades to empty on failure.
	var keywordIDs []string
	ftsHits, err := r.store.FTSSearch(ctx, req.Query, 3*k, req.Project)
	if err != nil {
		slog.Warn("lexical_search_failed", slog.String("error", err.Error()))
	} else {
		keywordIDs = make([]string, len(ftsHits))
		for i, h := range ftsHits {
			keywordIDs[i] = h.ChunkID
		}
	}

	// Stage 3: cluster expansion. Failure skips the stage.
	var clusterIDs []string
	if !req.SkipClusters {
		clusterIDs, err = r.expandClusters(ctx, queryVec, vecIDs, keywordIDs, req.Project, k)
		if err != nil {
			slog.Warn("cluster_expansion_failed", slog.String("error", err.Error()))
			clusterIDs = nil
		}
	}

	// Stage 4: reciprocal-rank fusion.
	union := unionIDs(vecIDs, keywordIDs, clusterIDs)
	startTimes, err := r.chunkMeta(ctx, union)
	if err != nil {
		return nil, nil, err
	}
	fused := fuse([]rankedList{
		{ids: vecIDs, source: SourceVector},
		{ids: keywordIDs, source: SourceKeyword},
		{ids: clusterIDs, source: SourceCluster},
	}, r.opts.RRFConstant, startTimes)

	// Stage 5: MMR rerank over the fused top 3k.
	pool := fused
	if len(pool) > 3*k {
		pool = pool[:3*k]
	}
	poolIDs := make([]string, len(pool))
	for i, c := range pool {
		poolIDs[i] = c.chunkID
	}
	embeddings, err := r.store.GetEmbeddings(ctx, poolIDs)
	if err != nil {
		return nil, nil, err
	}
	selected := mmrRerank(pool, embeddings, queryVec, k, r.opts.MMRLambda)

	// Normalize fused scores so the best selected chunk scores 1.0; chain
	// scores decay from these.
	scores := make(map[string]float64, len(selected))
	if len(selected) > 0 {
		max := 0.0
		for _, c := range selected {
			if c.rrfScore > max {
				max = c.rrfScore
			}
		}
		for _, c := range selected {
			if max > 0 {
				scores[c.chunkID] = c.rrfScore / max
			} else {
				scores[c.chunkID] = 0
			}
		}
	}
	return selected, scores, nil
}

// expandClusters maps the top vector hits to their clusters, scores each
// cluster centroid against the query, and returns up to k representative
// chunks not already in the vector/keyword lists, ranked by cluster
// similarity times project relevance.
func (r *Retriever) expandClusters(ctx context.Context, queryVec []float32, vecIDs, keywordIDs []string, project string, k int) ([]string, error) {
	if len(vecIDs) == 0 {
		return nil, nil
	}

	assignments, err := r.store.ClustersForChunks(ctx, vecIDs)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, nil
	}

	clusterSet := make(map[string]struct{})
	for _, a := range assignments {
		clusterSet[a.ClusterID] = struct{}{}
	}

	already := make(map[string]struct{}, len(vecIDs)+len(keywordIDs))
	for _, id := range vecIDs {
		already[id] = struct{}{}
	}
	for _, id := range keywordIDs {
		already[id] = struct{}{}
	}

	type scoredChunk struct {
		id    string
		score float64
	}
	var candidates []scoredChunk

	clusterIDs := make([]string, 0, len(clusterSet))
	for id := range clusterSet {
		clusterIDs = append(clusterIDs, id)
	}
	sort.Strings(clusterIDs)

	for _, clusterID := range clusterIDs {
		cl, err := r.store.GetCluster(ctx, clusterID)
		if err != nil || cl.Centroid == nil {
			continue
		}
		clusterSim := float64(vector.Cosine(queryVec, cl.Centroid))
		if clusterSim <= 0 {
			continue
		}

		members, err := r.store.ClusterMembers(ctx, clusterID, 2*k)
		if err != nil {
			continue
		}
		relevance := 1.0
		if project != "" {
			chunks, err := r.store.GetChunksByIDs(ctx, members)
			if err != nil || len(chunks) == 0 {
				continue
			}
			inProject := 0
			var filtered []string
			for _, c := range chunks {
				if c.ProjectSlug == project {
					inProject++
					filtered = append(filtered, c.ID)
				}
			}
			if inProject == 0 {
				continue
			}
			relevance = float64(inProject) / float64(len(chunks))
			members = filtered
		}

		for _, m := range members {
			if _, dup := already[m]; dup {
				continue
			}
			candidates = append(candidates, scoredChunk{id: m, score: clusterSim * relevance})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	seen := make(map[string]struct{})
	var out []string
	for _, c := range candidates {
		if _, dup := seen[c.id]; dup {
			continue
		}
		seen[c.id] = struct{}{}
		out = append(out, c.id)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// toHits renders selected candidates and chain hits into the output list.
func (r *Retriever) toHits(ctx context.Context, selected []*candidate, chain []*chainHit) ([]*Hit, error) {
	ids := make([]string, 0, len(selected)+len(chain))
	for _, c := range selected {
		ids = append(ids, c.chunkID)
	}
	for _, ch := range chain {
		ids = append(ids, ch.chunkID)
	}
	chunks, err := r.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	contentByID := make(map[string]string, len(chunks))
	for _, c := range chunks {
		contentByID[c.ID] = c.Content
	}

	maxScore := 0.0
	for _, c := range selected {
		if c.rrfScore > maxScore {
			maxScore = c.rrfScore
		}
	}

	hits := make([]*Hit, 0, len(ids))
	for _, c := range selected {
		score := c.rrfScore
		if maxScore > 0 {
			score = c.rrfScore / maxScore
		}
		hits = append(hits, &Hit{
			ChunkID: c.chunkID,
			Score:   score,
			Source:  c.source,
			Preview: preview(contentByID[c.chunkID]),
		})
	}
	for _, ch := range chain {
		hits = append(hits, &Hit{
			ChunkID: ch.chunkID,
			Score:   ch.score,
			Source:  SourceChain,
			Preview: preview(contentByID[ch.chunkID]),
		})
	}
	return hits, nil
}

// chunkMeta resolves start times for the fusion tie-break.
func (r *Retriever) chunkMeta(ctx context.Context, ids []string) (map[string]time.Time, error) {
	chunks, err := r.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	startTimes := make(map[string]time.Time, len(chunks))
	for _, c := range chunks {
		startTimes[c.ID] = c.StartTime
	}
	return startTimes, nil
}

func unionIDs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// previewLen bounds result previews.
const previewLen = 160

func preview(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= previewLen {
		return content
	}
	cut := content[:previewLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > previewLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
