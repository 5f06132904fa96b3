package embed

import (
	"log/slog"

	"github.com/entrolution/causantic/internal/config"
)

// FromConfig builds the embedder for CLI use. The real embedding model is
// an external collaborator injected by the host; standalone the engine
// falls back to the deterministic static embedder.
func FromConfig(cfg config.EmbeddingConfig) Embedder {
	switch cfg.Model {
	case "", "static", "static-hash":
		return NewStaticEmbedder(cfg.Dimensions)
	default:
		slog.Warn("external_embedder_not_wired",
			slog.String("model", cfg.Model),
			slog.String("fallback", "static-hash"))
		return NewStaticEmbedder(cfg.Dimensions)
	}
}
