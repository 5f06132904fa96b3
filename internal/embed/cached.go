package embed

import (
	"context"

	"github.com/entrolution/causantic/internal/chunker"
	"github.com/entrolution/causantic/internal/store"
)

// CacheStats reports the outcome of one cached batch.
type CacheStats struct {
	Hits   int
	Misses int
}

// CachedBatcher embeds chunk texts through the store's persistent
// embedding cache: (content_hash, model) -> vector. Only cache misses reach
// the external embedder, in a single batch call.
type CachedBatcher struct {
	embedder Embedder
	store    *store.Store
}

// NewCachedBatcher creates a cache-aware batch embedder.
func NewCachedBatcher(embedder Embedder, s *store.Store) *CachedBatcher {
	return &CachedBatcher{embedder: embedder, store: s}
}

// EmbedTexts returns one vector per text, serving from the cache where
// possible and writing fresh vectors back. Passage-side encoding; queries
// bypass the persistent cache.
func (c *CachedBatcher) EmbedTexts(ctx context.Context, texts []string) ([][]float32, CacheStats, error) {
	stats := CacheStats{}
	if len(texts) == 0 {
		return [][]float32{}, stats, nil
	}

	model := c.embedder.ModelName()
	hashes := make([]string, len(texts))
	for i, t := range texts {
		hashes[i] = chunker.ContentHash(t)
	}

	cached, err := c.store.CacheGet(ctx, hashes, model)
	if err != nil {
		return nil, stats, err
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	var missHashes []string
	for i, h := range hashes {
		if vec, ok := cached[h]; ok {
			results[i] = vec
			stats.Hits++
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, texts[i])
			missHashes = append(missHashes, h)
		}
	}
	stats.Misses = len(missIdx)
	if len(missIdx) == 0 {
		return results, stats, nil
	}

	fresh, err := c.embedder.EmbedBatch(ctx, missTexts, false)
	if err != nil {
		return nil, stats, err
	}
	for j, i := range missIdx {
		results[i] = fresh[j]
	}
	if err := c.store.CachePut(ctx, missHashes, fresh, model); err != nil {
		return nil, stats, err
	}
	return results, stats, nil
}

// EmbedQuery embeds a single query string with the query-side encoding.
func (c *CachedBatcher) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := c.embedder.EmbedBatch(ctx, []string{query}, true)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Model returns the underlying model id.
func (c *CachedBatcher) Model() string { return c.embedder.ModelName() }

// Dimensions returns the underlying embedding dimension.
func (c *CachedBatcher) Dimensions() int { return c.embedder.Dimensions() }
