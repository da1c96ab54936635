package embedder

import (
	"context"
	"math"
	"testing"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashingEmbedderIsDeterministic(t *testing.T) {
	emb := NewHashingEmbedder(128)
	ctx := context.Background()

	a, err := emb.Embed(ctx, "hamster wheel sizing")
	require.NoError(t, err)
	b, err := emb.Embed(ctx, "hamster wheel sizing")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := emb.Embed(ctx, "aquarium filter flow rate")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestHashingEmbedderNormalizes(t *testing.T) {
	emb := NewHashingEmbedder(64)

	vec, err := emb.Embed(context.Background(), "some text to embed")
	require.NoError(t, err)
	require.Len(t, vec, 64)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestHashingEmbedderEmptyText(t *testing.T) {
	emb := NewHashingEmbedder(32)

	vec, err := emb.Embed(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, vec, 32)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestHashingEmbedderDefaultsDimension(t *testing.T) {
	assert.Equal(t, 384, NewHashingEmbedder(0).Dimension())
	assert.Equal(t, 16, NewHashingEmbedder(16).Dimension())
}

func TestNewFallsBackWithoutHost(t *testing.T) {
	cfg := &config.EmbedderConfig{Dimension: 48}

	emb, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "feature-hashing", emb.Model())
	assert.Equal(t, 48, emb.Dimension())
}

func TestEmbedBatchMatchesSingle(t *testing.T) {
	emb := NewHashingEmbedder(64)
	ctx := context.Background()

	single, err := emb.Embed(ctx, "vista 80")
	require.NoError(t, err)

	batch, err := emb.EmbedBatch(ctx, []string{"vista 80", "niteangel"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, single, batch[0])
}
