package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/artifact"
	"github.com/kadirpekel/cortex/pkg/breaker"
	"github.com/kadirpekel/cortex/pkg/claims"
	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/embedder"
	"github.com/kadirpekel/cortex/pkg/ledger"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/memory"
	"github.com/kadirpekel/cortex/pkg/session"
	"github.com/kadirpekel/cortex/pkg/tools"
	"github.com/kadirpekel/cortex/pkg/turn"
)

// fakeLLM is an OpenAI-compatible endpoint that scripts every pipeline
// role by keying on the system prompt.
type fakeLLM struct {
	coordinatorCalls atomic.Int64

	// clarify makes every reflection ask demand clarification.
	clarify bool
}

func (f *fakeLLM) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		system := req.Messages[0].Content

		var content string
		switch {
		case strings.Contains(system, "gatekeeper"):
			if f.clarify {
				content = `{"confidence": 0.2, "decision": "CLARIFY", "question": "Which hamster do you mean?"}`
			} else {
				content = `{"confidence": 0.95, "decision": "PROCEED"}`
			}
		case strings.Contains(system, "Decide whether a cached result"):
			content = `{"decision": "use_response_cache", "cache_source": "response", "reasoning": "same query, still fresh", "confidence": 0.9}`
		case strings.Contains(system, "You coordinate tool execution"):
			if f.coordinatorCalls.Add(1) == 1 {
				content = `{"action": "TOOL_CALL", "tool_calls": [{"tool": "web.search", "args": {"query": "hamster cages"}}]}`
			} else {
				content = `{"action": "DONE", "reason": "goal satisfied"}`
			}
		case strings.Contains(system, "You verify evidence"):
			content = `{"claims": [{"claim": "The Niteangel Vista cage costs $89", "evidence": ["h_01_1_web_search"], ` +
				`"confidence": "high", "topic": "cages", "type": "PRICE"}], "caveats": ["one retailer checked"]}`
		case strings.Contains(system, "Write the final answer"):
			content = "The Niteangel Vista cage costs $89 and suits a Syrian hamster."
		case strings.Contains(system, "Digest this completed exchange"):
			content = `{"short_summary": "Priced a hamster cage", "topic": "cages", "satisfaction": 0.9, ` +
				`"memory_writes": [{"doc_type": "user_preferences", "entry": "keeps a Syrian hamster", "confidence": 0.9}]}`
		case strings.Contains(system, "You plan research tasks"):
			content = `{"goal": "Price hamster cages", "micro_plan": ["search retailers"], ` +
				`"subtasks": [{"id": "sub_1", "description": "search for cages"}]}`
		default:
			content = `{}`
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 50, "completion_tokens": 20},
		})
	}
}

type e2eHarness struct {
	pipeline *Pipeline
	cfg      *config.Config
	claims   *claims.Registry
	ledger   *ledger.Ledger
	memory   *memory.Store
}

func newE2EHarness(t *testing.T, llm *fakeLLM) *e2eHarness {
	t.Helper()

	llmSrv := httptest.NewServer(llm.handler())
	t.Cleanup(llmSrv.Close)

	toolSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    "Niteangel Vista 80 listed at $89 with free shipping",
		})
	}))
	t.Cleanup(toolSrv.Close)

	base := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths.TranscriptsDir = filepath.Join(base, "transcripts")
	cfg.Paths.MemoryRoot = filepath.Join(base, "memory")
	cfg.Paths.SharedStateDir = filepath.Join(base, "shared_state")
	cfg.LLMs = map[string]*config.LLMEndpointConfig{
		config.RoleGuide: {BaseURL: llmSrv.URL, Model: "test-model"},
	}
	cfg.Tools.ServerURL = toolSrv.URL
	cfg.SetDefaults()

	registry, err := llms.NewRegistry(cfg.LLMs, 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	claimsReg, err := claims.NewRegistry(filepath.Join(base, "claims.db"))
	require.NoError(t, err)
	t.Cleanup(func() { claimsReg.Close() })

	artifacts, err := artifact.NewStore(filepath.Join(base, "artifacts"))
	require.NoError(t, err)
	led, err := ledger.Open(filepath.Join(base, "ledger"))
	require.NoError(t, err)
	mem, err := memory.NewStore(cfg.Paths.MemoryRoot, 0)
	require.NoError(t, err)

	p, err := New(Deps{
		Config:      cfg,
		LLMs:        registry,
		Embedder:    embedder.NewHashingEmbedder(64),
		Recipes:     writeRecipes(t, map[string]string{"planner.yaml": plannerRecipeYAML}),
		Enforcer:    contract.NewEnforcer(),
		Claims:      claimsReg,
		Artifacts:   artifacts,
		Ledger:      led,
		Memory:      mem,
		Sessions:    session.NewManager(cfg.Pipeline.ContextKeepRecent),
		Caches:      newTestCaches(t),
		Tools:       tools.NewInvoker(cfg.Tools, contract.NewEnforcer(), nil, nil),
		LLMBreaker:  breaker.NewGroup("llm", cfg.Breakers.LLM, nil),
		ToolBreaker: breaker.NewGroup("tools", cfg.Breakers.Tools, nil),
	})
	require.NoError(t, err)

	return &e2eHarness{pipeline: p, cfg: cfg, claims: claimsReg, ledger: led, memory: mem}
}

func (h *e2eHarness) ledgerKinds(t *testing.T, sessionID string) []ledger.EventKind {
	t.Helper()
	entries, err := h.ledger.BySession(sessionID)
	require.NoError(t, err)
	kinds := make([]ledger.EventKind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestPipelineRunEndToEnd(t *testing.T) {
	h := newE2EHarness(t, &fakeLLM{})
	ctx := context.Background()

	result, err := h.pipeline.Run(ctx, "sess_e2e", "find hamster cages online")
	require.NoError(t, err)

	assert.Equal(t, OutcomePipeline, result.Outcome)
	assert.Equal(t, "sess_e2e", result.SessionID)
	assert.Contains(t, result.Answer, "Niteangel Vista")
	require.NotNil(t, result.Summary)
	assert.Equal(t, "Priced a hamster cage", result.Summary.ShortSummary)

	// The sealed turn directory carries every phase document.
	turnDir := filepath.Join(h.cfg.Paths.TranscriptsDir, "sess_e2e", result.TurnID)
	for _, doc := range []string{
		turn.DocUserQuery, turn.DocContext, turn.DocIntent, turn.DocPlan,
		turn.DocBundle, turn.DocCapsule, turn.DocEnvelope, turn.DocAnswer,
		turn.DocTurnSummary, turn.DocManifest,
	} {
		_, err := os.Stat(filepath.Join(turnDir, doc))
		assert.NoError(t, err, "missing turn document %s", doc)
	}

	kinds := h.ledgerKinds(t, "sess_e2e")
	for _, want := range []ledger.EventKind{
		ledger.EventTurnStarted, ledger.EventTicketIssued, ledger.EventBundleStored,
		ledger.EventCapsuleStored, ledger.EventMemoryWrite, ledger.EventTurnCompleted,
	} {
		assert.Contains(t, kinds, want)
	}

	// Verified claims land in the registry under the intent's domain.
	rows, err := h.claims.GetByDomain(ctx, "research", 10)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "The Niteangel Vista cage costs $89", rows[0].Statement)

	// Detected memory writes reach the long-term store.
	prefs, err := h.memory.ReadDoc("user_preferences")
	require.NoError(t, err)
	assert.Contains(t, prefs, "Syrian hamster")
}

func TestPipelineSecondTurnServedFromResponseCache(t *testing.T) {
	h := newE2EHarness(t, &fakeLLM{})
	ctx := context.Background()

	first, err := h.pipeline.Run(ctx, "sess_cache", "find hamster cages online")
	require.NoError(t, err)
	require.Equal(t, OutcomePipeline, first.Outcome)

	second, err := h.pipeline.Run(ctx, "sess_cache", "find hamster cages online")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCacheResponse, second.Outcome)
	assert.Equal(t, first.Answer, second.Answer)
	assert.NotEqual(t, first.TurnID, second.TurnID)
}

func TestPipelineClarifyShortCircuits(t *testing.T) {
	h := newE2EHarness(t, &fakeLLM{clarify: true})

	result, err := h.pipeline.Run(context.Background(), "sess_clarify", "do the thing")
	require.NoError(t, err)

	assert.Equal(t, OutcomeClarify, result.Outcome)
	assert.Contains(t, result.Answer, "Which hamster do you mean?")

	kinds := h.ledgerKinds(t, "sess_clarify")
	assert.NotContains(t, kinds, ledger.EventTicketIssued, "clarification must happen before planning")
	assert.Contains(t, kinds, ledger.EventTurnCompleted)
}

func TestPipelineRejectsEmptyQuery(t *testing.T) {
	h := newE2EHarness(t, &fakeLLM{})

	_, err := h.pipeline.Run(context.Background(), "sess_x", "   ")
	require.Error(t, err)
}
