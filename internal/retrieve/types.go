// Package retrieve implements the hybrid query pipeline: dense vector
// search, lexical BM25, and cluster expansion fused by reciprocal-rank
// fusion, reranked by MMR, optionally extended by bounded causal-chain
// walks with hop decay.
package retrieve

import (
	"time"
)

// Source labels where a hit entered the result list.
type Source string

const (
	SourceVector  Source = "vector"
	SourceKeyword Source = "keyword"
	SourceCluster Source = "cluster"
	SourceChain   Source = "chain"
)

// Hit is one ranked result.
type Hit struct {
	ChunkID string
	Score   float64
	Source  Source
	Preview string
}

// candidate accumulates per-list evidence for one chunk during fusion.
type candidate struct {
	chunkID     string
	rrfScore    float64
	vecRank     int // 1-based; 0 when absent
	vecScore    float64
	keywordRank int
	clusterRank int
	source      Source
	startTime   time.Time
}

// Request carries one query through the pipeline.
type Request struct {
	Query string

	// Project restricts results to one project slug. Empty means all.
	Project string

	// K is the result budget.
	K int

	// SkipClusters disables the cluster-expansion stage.
	SkipClusters bool

	// TokenBudget bounds chain expansion by the walked chunks' token
	// estimates. Zero means unbounded.
	TokenBudget int
}
