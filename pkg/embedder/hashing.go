package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashingEmbedder is a deterministic feature-hashing embedder. It is not
// semantic, but it is stable, fast, and dependency-free, which makes it the
// right fallback when no embeddings endpoint is configured and the right
// fixture for tests: equal texts always embed to equal vectors.
type HashingEmbedder struct {
	dimension int
}

// NewHashingEmbedder creates a hashing embedder with the given dimension.
func NewHashingEmbedder(dimension int) *HashingEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashingEmbedder{dimension: dimension}
}

func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	for _, token := range hashTokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimension))
		// Second hash bit decides sign, which keeps the expectation of each
		// component at zero (standard feature hashing).
		if (sum>>32)&1 == 0 {
			vec[idx] += 1
		} else {
			vec[idx] -= 1
		}
	}
	normalize(vec)
	return vec, nil
}

func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (e *HashingEmbedder) Dimension() int { return e.dimension }

func (e *HashingEmbedder) Model() string { return "feature-hashing" }

func (e *HashingEmbedder) Close() error { return nil }

func hashTokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
