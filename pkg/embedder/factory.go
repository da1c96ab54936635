package embedder

import (
	"log/slog"

	"github.com/kadirpekel/cortex/pkg/config"
)

// New builds the embedding service from config. Without a configured host
// it degrades to the deterministic hashing embedder so the caches and
// registries stay functional.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg.Host == "" {
		slog.Warn("No embeddings endpoint configured, using hashing fallback",
			"dimension", cfg.Dimension)
		return NewHashingEmbedder(cfg.Dimension), nil
	}
	return NewOpenAIEmbedder(cfg)
}
