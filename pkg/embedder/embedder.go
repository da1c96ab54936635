// Package embedder provides the single-model embedding service used for
// claim, topic, and cache similarity.
//
// The service speaks the OpenAI embeddings wire format against a local CPU
// inference server (the default model is all-MiniLM-L6-v2, 384 dimensions).
// A deterministic hashing embedder backs tests and degraded operation when
// no endpoint is configured.
package embedder

import (
	"context"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// Embed converts text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts to vector embeddings.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}
