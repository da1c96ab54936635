package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFuserClampsAlpha(t *testing.T) {
	assert.Equal(t, 0.7, NewFuser(0, 0.5, 0.1).Alpha)
	assert.Equal(t, 0.7, NewFuser(1.5, 0.5, 0.1).Alpha)
	assert.Equal(t, 0.3, NewFuser(0.3, 0.5, 0.1).Alpha)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Mismatched or zero-norm inputs score zero.
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"vista", "80", "hamster", "wheel"}, Tokenize("Vista-80, hamster wheel!"))
	assert.Empty(t, Tokenize("  ...  "))
}

func TestRankOrdersByHybridScore(t *testing.T) {
	fuser := NewFuser(0.7, 0.0, 0.0)
	query := []float32{1, 0}
	queryTokens := []string{"wheel"}

	candidates := []Candidate{
		{Key: "close", Embedding: []float32{1, 0.1}, Tokens: []string{"wheel", "size"}},
		{Key: "far", Embedding: []float32{0.2, 1}, Tokens: []string{"bedding", "price"}},
	}

	results := fuser.Rank(query, queryTokens, candidates, 0)
	require.Len(t, results, 2)
	assert.Equal(t, "close", results[0].Key)
	assert.Greater(t, results[0].Hybrid, results[1].Hybrid)
	assert.InDelta(t, 0.7*results[0].Semantic+0.3*results[0].Keyword, results[0].Hybrid, 1e-9)
}

func TestRankAppliesThresholds(t *testing.T) {
	fuser := NewFuser(0.7, 0.5, 0.1)
	query := []float32{1, 0}
	queryTokens := []string{"wheel"}

	candidates := []Candidate{
		// Passes both thresholds.
		{Key: "keep", Embedding: []float32{1, 0}, Tokens: []string{"wheel"}},
		// Semantically near but shares no query terms.
		{Key: "no_keyword", Embedding: []float32{1, 0.1}, Tokens: []string{"bedding"}},
		// Keyword match but semantically orthogonal.
		{Key: "no_semantic", Embedding: []float32{0, 1}, Tokens: []string{"wheel"}},
	}

	results := fuser.Rank(query, queryTokens, candidates, 0)
	require.Len(t, results, 1)
	assert.Equal(t, "keep", results[0].Key)
}

func TestRankTruncatesToTopK(t *testing.T) {
	fuser := NewFuser(0.7, 0.0, 0.0)
	query := []float32{1, 0}

	candidates := []Candidate{
		{Key: "a", Embedding: []float32{1, 0}, Tokens: []string{"a"}},
		{Key: "b", Embedding: []float32{0.9, 0.1}, Tokens: []string{"b"}},
		{Key: "c", Embedding: []float32{0.8, 0.2}, Tokens: []string{"c"}},
	}

	results := fuser.Rank(query, []string{"a"}, candidates, 2)
	assert.Len(t, results, 2)

	assert.Nil(t, fuser.Rank(query, nil, nil, 3))
}
