// Package embed defines the boundary to the external text-embedding model
// and the cache/retry wrappers the engine layers on top of it.
//
// The engine never loads a model itself: callers provide an Embedder and
// own its concurrency. The engine invokes it with a batch of strings and
// awaits a batch of vectors.
package embed

import (
	"context"
	"time"

	cerr "github.com/entrolution/causantic/internal/errors"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// EmbedBatch embeds a batch of texts. isQuery selects the query-side
	// encoding for models with asymmetric query/passage prompts.
	EmbedBatch(ctx context.Context, texts []string, isQuery bool) ([][]float32, error)

	// Dimensions returns the model-fixed embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}

// RetryingEmbedder wraps an Embedder with the engine's backoff policy and a
// per-call timeout proportional to batch size.
type RetryingEmbedder struct {
	inner          Embedder
	retry          cerr.RetryConfig
	perItemTimeout time.Duration
}

// NewRetryingEmbedder wraps inner with retry and timeout handling.
func NewRetryingEmbedder(inner Embedder, perItemTimeout time.Duration) *RetryingEmbedder {
	if perItemTimeout <= 0 {
		perItemTimeout = 2 * time.Second
	}
	return &RetryingEmbedder{
		inner:          inner,
		retry:          cerr.DefaultRetryConfig(),
		perItemTimeout: perItemTimeout,
	}
}

// EmbedBatch embeds with retries. The deadline is batch size times the
// per-item budget. Embed failures that survive the retries propagate as
// external errors.
func (r *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string, isQuery bool) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	timeout := time.Duration(len(texts)) * r.perItemTimeout
	vectors, err := cerr.RetryWithResult(ctx, r.retry, func() ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		vecs, err := r.inner.EmbedBatch(callCtx, texts, isQuery)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, cerr.Transient("embedder timed out", err)
			}
			return nil, cerr.External("embedder failed", err)
		}
		if len(vecs) != len(texts) {
			return nil, cerr.External("embedder returned wrong batch size", nil)
		}
		for _, v := range vecs {
			if len(v) != r.inner.Dimensions() {
				return nil, cerr.Corruption("embedding dimension mismatch", nil)
			}
		}
		return vecs, nil
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.KindExternal, err)
	}
	return vectors, nil
}

// Dimensions returns the inner embedder's dimension.
func (r *RetryingEmbedder) Dimensions() int { return r.inner.Dimensions() }

// ModelName returns the inner embedder's model id.
func (r *RetryingEmbedder) ModelName() string { return r.inner.ModelName() }

// Close closes the inner embedder.
func (r *RetryingEmbedder) Close() error { return r.inner.Close() }

var _ Embedder = (*RetryingEmbedder)(nil)
