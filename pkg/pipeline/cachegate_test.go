package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/cache"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/embedder"
	"github.com/kadirpekel/cortex/pkg/retrieval"
)

func newTestCaches(t *testing.T) *cache.Manager {
	t.Helper()
	fuser := retrieval.NewFuser(0.7, 0.5, 0.1)
	manager := cache.NewManager(time.Hour, nil)
	for _, name := range []string{cache.LayerResponse, cache.LayerClaims, cache.LayerTools} {
		require.NoError(t, manager.Register(cache.NewLayer(name, cache.LayerOptions{
			DefaultTTL: 6 * time.Hour,
			MaxEntries: 100,
		}, fuser)))
	}
	return manager
}

func putResponse(t *testing.T, manager *cache.Manager, emb embedder.Embedder, domain, query string, value interface{}, quality float64) {
	t.Helper()
	layer, ok := manager.Layer(cache.LayerResponse)
	require.True(t, ok)
	vec, err := emb.Embed(context.Background(), query)
	require.NoError(t, err)
	layer.Put(&cache.Entry{
		Key:       "resp_" + query,
		Domain:    domain,
		QueryText: query,
		Embedding: vec,
		Value:     value,
		Quality:   quality,
	})
}

func TestCacheGateFastBypass(t *testing.T) {
	gate := NewCacheGate(newTestCaches(t), embedder.NewHashingEmbedder(64), nil, contract.NewEnforcer())

	tests := []struct {
		name   string
		query  string
		reason string
	}{
		{"recall", "what were we talking about?", "recall"},
		{"retry", "retry that search", "retry"},
		{"low confidence", "zzz qqq", "confidence"},
		{"multi goal", "find a cage; compare prices and also order bedding", "multi-goal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := gate.Evaluate(context.Background(), tt.query, ClassifyIntent(tt.query))
			assert.Equal(t, DecisionProceed, result.Decision)
			assert.Contains(t, result.Reasoning, tt.reason)
		})
	}
}

func TestCacheGateAllLayersMiss(t *testing.T) {
	gate := NewCacheGate(newTestCaches(t), embedder.NewHashingEmbedder(64), nil, contract.NewEnforcer())
	result := gate.Evaluate(context.Background(), "find hamster cages", ClassifyIntent("find hamster cages"))
	assert.Equal(t, DecisionProceed, result.Decision)
	assert.Contains(t, result.Reasoning, "miss")
}

func TestCacheGateHeuristicServesFreshResponse(t *testing.T) {
	manager := newTestCaches(t)
	emb := embedder.NewHashingEmbedder(64)
	putResponse(t, manager, emb, "research", "find hamster cages online", "Here are three cage options.", 0.9)

	chat := &scriptedChat{err: fmt.Errorf("model down")}
	gate := NewCacheGate(manager, emb, chat.chat, contract.NewEnforcer())

	result := gate.Evaluate(context.Background(), "find hamster cages online", ClassifyIntent("find hamster cages online"))
	assert.Equal(t, DecisionUseResponse, result.Decision)
	require.NotNil(t, result.ResponseHit)
	assert.Equal(t, "Here are three cage options.", result.ResponseHit.Entry.Value)
}

func TestCacheGateDomainIsolation(t *testing.T) {
	manager := newTestCaches(t)
	emb := embedder.NewHashingEmbedder(64)
	// Cached under care, queried under research.
	putResponse(t, manager, emb, "care", "find hamster cages online", "cached answer", 0.9)

	chat := &scriptedChat{err: fmt.Errorf("model down")}
	gate := NewCacheGate(manager, emb, chat.chat, contract.NewEnforcer())

	result := gate.Evaluate(context.Background(), "find hamster cages online", ClassifyIntent("find hamster cages online"))
	assert.Equal(t, DecisionProceed, result.Decision)
}

func TestCacheGateFailurePhraseGuard(t *testing.T) {
	manager := newTestCaches(t)
	emb := embedder.NewHashingEmbedder(64)
	putResponse(t, manager, emb, "research", "find hamster cages online",
		"I couldn't find any results for that search.", 0.9)

	chat := &scriptedChat{err: fmt.Errorf("model down")}
	gate := NewCacheGate(manager, emb, chat.chat, contract.NewEnforcer())

	result := gate.Evaluate(context.Background(), "find hamster cages online", ClassifyIntent("find hamster cages online"))
	assert.Equal(t, DecisionProceed, result.Decision)
	assert.Contains(t, result.Reasoning, "failure")
}

func TestCacheGateModelDecision(t *testing.T) {
	manager := newTestCaches(t)
	emb := embedder.NewHashingEmbedder(64)
	putResponse(t, manager, emb, "research", "find hamster cages online", "Cage roundup.", 0.6)

	chat := &scriptedChat{replies: []string{
		`{"decision": "use_response_cache", "cache_source": "response", "reasoning": "same ask, still fresh", "confidence": 0.9}`,
	}}
	gate := NewCacheGate(manager, emb, chat.chat, contract.NewEnforcer())

	result := gate.Evaluate(context.Background(), "find hamster cages online", ClassifyIntent("find hamster cages online"))
	assert.Equal(t, DecisionUseResponse, result.Decision)
	assert.Equal(t, "same ask, still fresh", result.Reasoning)
	assert.Equal(t, 1, chat.calls)
}

func TestCacheGateModelCannotPickMissingLayer(t *testing.T) {
	manager := newTestCaches(t)
	emb := embedder.NewHashingEmbedder(64)
	// Low quality so the heuristic fallback proceeds.
	putResponse(t, manager, emb, "research", "find hamster cages online", "Cage roundup.", 0.4)

	chat := &scriptedChat{replies: []string{
		`{"decision": "use_claims", "confidence": 0.9}`,
	}}
	gate := NewCacheGate(manager, emb, chat.chat, contract.NewEnforcer())

	result := gate.Evaluate(context.Background(), "find hamster cages online", ClassifyIntent("find hamster cages online"))
	assert.Equal(t, DecisionProceed, result.Decision)
}
