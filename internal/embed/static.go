package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/entrolution/causantic/internal/vector"
)

// StaticEmbedder is a deterministic hash-based embedder with no model
// behind it. Vectors are stable across processes, similar texts land near
// each other through shared token buckets. Test and fallback use only.
type StaticEmbedder struct {
	dims int
}

// NewStaticEmbedder creates a static embedder with the given dimension.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &StaticEmbedder{dims: dims}
}

// EmbedBatch hashes each text's tokens into a bag-of-buckets vector.
func (s *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string, isQuery bool) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.embedOne(t)
	}
	return out, nil
}

func (s *StaticEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, s.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := sha256.Sum256([]byte(token))
		bucket := int(binary.LittleEndian.Uint32(h[:4])) % s.dims
		if bucket < 0 {
			bucket += s.dims
		}
		sign := float32(1)
		if h[4]%2 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	vector.NormalizeInPlace(vec)
	return vec
}

// Dimensions returns the vector dimension.
func (s *StaticEmbedder) Dimensions() int { return s.dims }

// ModelName identifies the static embedder.
func (s *StaticEmbedder) ModelName() string { return "static-hash" }

// Close is a no-op.
func (s *StaticEmbedder) Close() error { return nil }

var _ Embedder = (*StaticEmbedder)(nil)
