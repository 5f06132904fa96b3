package engine

import (
	"context"
)

// Stats summarizes corpus state for the status command.
type Stats struct {
	Projects      int
	Chunks        int
	Edges         int
	Clusters      int
	Vectors       int
	CacheEntries  int
	CacheHits     int
	FTSAvailable  bool
	FTSMissing    int // chunk rows without an FTS mirror
	OrphanVectors int // vectors with no embedding row behind them
}

// Stats gathers corpus statistics and the doctor-style consistency checks:
// chunk/FTS row parity and vector-index/embedding parity.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{}

	projects, err := e.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out.Projects = len(projects)
	for _, p := range projects {
		out.Chunks += p.ChunkCount
	}

	out.Edges, err = e.store.EdgeCount(ctx)
	if err != nil {
		return nil, err
	}

	clusters, err := e.store.GetClusters(ctx)
	if err != nil {
		return nil, err
	}
	out.Clusters = len(clusters)

	out.CacheEntries, out.CacheHits, err = e.store.CacheStats(ctx)
	if err != nil {
		return nil, err
	}

	out.FTSAvailable = e.store.FTSAvailable()
	out.FTSMissing, err = e.store.CheckFTSConsistency(ctx)
	if err != nil {
		return nil, err
	}

	out.Vectors = e.index.Count()
	embeddings, err := e.store.GetAllEmbeddings(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, id := range e.index.AllIDs() {
		if _, ok := embeddings[id]; !ok {
			out.OrphanVectors++
		}
	}

	return out, nil
}
