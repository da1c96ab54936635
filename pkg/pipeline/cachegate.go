package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/cortex/pkg/cache"
	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/embedder"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/retrieval"
	"github.com/kadirpekel/cortex/pkg/utils"
)

// Cache gate decisions.
const (
	DecisionUseResponse = "use_response_cache"
	DecisionUseClaims   = "use_claims"
	DecisionProceed     = "proceed_to_plan"
)

// gateLLMMaxTokens caps the gate's model call; the gate is a latency
// trade-off and must stay cheap.
const gateLLMMaxTokens = 250

// heuristicFreshQuality is the quality floor for serving a fresh
// response hit without the model's opinion.
const heuristicFreshQuality = 0.70

// heuristicClaimCoverage is the claim-layer score at which the heuristic
// fallback answers from claims.
const heuristicClaimCoverage = 0.80

// failurePhrases in a cached response block its reuse for action queries.
var failurePhrases = []string{
	"couldn't find any", "could not find any", "no results", "0 results",
	"nothing came up", "search failed", "unable to find",
}

// GateResult is the cache gate's verdict for one turn.
type GateResult struct {
	Decision   string  `json:"decision"`
	Source     string  `json:"cache_source,omitempty"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
	IsRetry    bool    `json:"is_retry,omitempty"`

	// ResponseHit is set when Decision is use_response_cache.
	ResponseHit *cache.Hit `json:"-"`

	// ClaimsHit is set when Decision is use_claims.
	ClaimsHit *cache.Hit `json:"-"`
}

// CacheGate decides whether a turn can be served from cache before any
// planning happens. Deterministic fast-bypass rules run first; only when
// none fires does the gate spend a small model call on the decision.
type CacheGate struct {
	caches   *cache.Manager
	embedder embedder.Embedder
	chat     ChatFunc
	enforcer *contract.Enforcer
	logger   *slog.Logger
}

// NewCacheGate wires the gate.
func NewCacheGate(caches *cache.Manager, emb embedder.Embedder, chat ChatFunc, enforcer *contract.Enforcer) *CacheGate {
	return &CacheGate{
		caches:   caches,
		embedder: emb,
		chat:     chat,
		enforcer: enforcer,
		logger:   slog.Default().With("component", "cache_gate"),
	}
}

// Evaluate runs the gate for one query.
func (g *CacheGate) Evaluate(ctx context.Context, query string, intent *Intent) *GateResult {
	if bypass := g.fastBypass(intent); bypass != nil {
		return bypass
	}

	respHit, claimsHit := g.probe(ctx, query, intent)
	if respHit == nil && claimsHit == nil {
		g.record(cache.LayerResponse, "miss")
		g.record(cache.LayerClaims, "miss")
		return proceed("no cache potential, all layers miss", intent)
	}

	// A cached failure must never satisfy a query that asks for action.
	if respHit != nil && intent.HasActionVerb() && containsFailurePhrase(respHit.Entry) {
		g.record(cache.LayerResponse, "miss")
		respHit = nil
		if claimsHit == nil {
			return proceed("cached response records a failure, action query bypasses", intent)
		}
	}

	result := g.askModel(ctx, query, intent, respHit, claimsHit)
	if result == nil {
		result = g.heuristic(respHit, claimsHit, intent)
	}

	switch result.Decision {
	case DecisionUseResponse:
		result.ResponseHit = respHit
		g.record(cache.LayerResponse, hitKind(respHit))
	case DecisionUseClaims:
		result.ClaimsHit = claimsHit
		g.record(cache.LayerClaims, hitKind(claimsHit))
	}
	return result
}

// fastBypass applies the deterministic short-circuit rules. These must
// run before any model call.
func (g *CacheGate) fastBypass(intent *Intent) *GateResult {
	switch {
	case intent.IsRecall:
		return proceed("recall back-reference, answer must come from session history", intent)
	case intent.IsRetry:
		return proceed("explicit retry, cached results are what the user is rejecting", intent)
	case intent.Confidence < 0.3:
		return proceed("intent confidence too low for safe cache reuse", intent)
	case intent.MultiGoal:
		return proceed("multi-goal query must be split into subtasks, not served from cache", intent)
	}
	return nil
}

// probe looks up the response and claims layers, honoring freshness and
// the stale-acceptance rule.
func (g *CacheGate) probe(ctx context.Context, query string, intent *Intent) (respHit, claimsHit *cache.Hit) {
	queryEmb, err := g.embedder.Embed(ctx, query)
	if err != nil {
		g.logger.Warn("Query embedding failed, cache gate proceeds", "error", err)
		return nil, nil
	}
	tokens := retrieval.Tokenize(query)
	now := time.Now()

	if layer, ok := g.caches.Layer(cache.LayerResponse); ok {
		if hit := layer.Lookup(intent.Domain, queryEmb, tokens); hit != nil {
			if hit.Fresh || hit.Entry.StaleAcceptable(now) {
				respHit = hit
			} else {
				g.record(cache.LayerResponse, "stale")
			}
		}
	}
	if layer, ok := g.caches.Layer(cache.LayerClaims); ok {
		if hit := layer.Lookup(intent.Domain, queryEmb, tokens); hit != nil && hit.Fresh {
			claimsHit = hit
		}
	}
	return respHit, claimsHit
}

type gateReply struct {
	Decision   string  `json:"decision"`
	Source     string  `json:"cache_source,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`
}

// askModel spends one small model call weighing the cached candidates.
// Returns nil when the call fails so the heuristic fallback runs.
func (g *CacheGate) askModel(ctx context.Context, query string, intent *Intent, respHit, claimsHit *cache.Hit) *GateResult {
	candidates := map[string]interface{}{}
	if respHit != nil {
		candidates["response"] = candidateSummary(respHit)
	}
	if claimsHit != nil {
		candidates["claims"] = candidateSummary(claimsHit)
	}
	payload, err := json.Marshal(candidates)
	if err != nil {
		return nil
	}

	resp, err := g.chat(ctx, config.RoleGuide, []llms.Message{
		llms.System("Decide whether a cached result should answer the query. " +
			`Answer only JSON: {"decision": "use_response_cache"|"use_claims"|"proceed_to_plan", ` +
			`"cache_source": "...", "reasoning": "...", "confidence": 0.0-1.0}. ` +
			"Weigh semantic match, freshness, quality versus staleness, and intent alignment."),
		llms.User(fmt.Sprintf("Query: %s\nDomain: %s\nCandidates: %s", query, intent.Domain, payload)),
	}, &llms.Options{MaxTokens: gateLLMMaxTokens, JSONMode: true})
	if err != nil {
		g.logger.Warn("Cache gate model call failed, using heuristic", "error", err)
		return nil
	}

	var reply gateReply
	if _, perr := g.enforcer.ParseJSON("cache_gate", resp.Content, &reply); perr != nil {
		return nil
	}
	switch reply.Decision {
	case DecisionUseResponse, DecisionUseClaims, DecisionProceed:
	default:
		return nil
	}
	// The model cannot pick a layer that did not hit.
	if reply.Decision == DecisionUseResponse && respHit == nil {
		return nil
	}
	if reply.Decision == DecisionUseClaims && claimsHit == nil {
		return nil
	}
	return &GateResult{
		Decision:   reply.Decision,
		Source:     reply.Source,
		Reasoning:  reply.Reasoning,
		Confidence: clampUnit(reply.Confidence),
		IsRetry:    intent.IsRetry,
	}
}

// heuristic is the deterministic fallback when the model call fails.
func (g *CacheGate) heuristic(respHit, claimsHit *cache.Hit, intent *Intent) *GateResult {
	now := time.Now()
	if respHit != nil && respHit.Entry.Fresh(now) && respHit.Entry.Quality >= heuristicFreshQuality {
		return &GateResult{
			Decision:   DecisionUseResponse,
			Source:     cache.LayerResponse,
			Reasoning:  "heuristic: fresh response above quality floor",
			Confidence: respHit.Hybrid,
			IsRetry:    intent.IsRetry,
		}
	}
	if claimsHit != nil && claimsHit.Hybrid >= heuristicClaimCoverage {
		return &GateResult{
			Decision:   DecisionUseClaims,
			Source:     cache.LayerClaims,
			Reasoning:  "heuristic: claim coverage sufficient",
			Confidence: claimsHit.Hybrid,
			IsRetry:    intent.IsRetry,
		}
	}
	return proceed("heuristic: no candidate cleared its bar", intent)
}

func (g *CacheGate) record(layer, result string) {
	g.caches.RecordLookup(layer, result)
}

func proceed(reason string, intent *Intent) *GateResult {
	return &GateResult{
		Decision:   DecisionProceed,
		Reasoning:  reason,
		Confidence: 1.0,
		IsRetry:    intent.IsRetry,
	}
}

func hitKind(hit *cache.Hit) string {
	if hit.Fresh {
		return "hit"
	}
	return "stale"
}

func candidateSummary(hit *cache.Hit) map[string]interface{} {
	now := time.Now()
	return map[string]interface{}{
		"query_text": hit.Entry.QueryText,
		"age_hours":  hit.Entry.Age(now).Hours(),
		"fresh":      hit.Entry.Fresh(now),
		"quality":    hit.Entry.Quality,
		"hybrid":     hit.Hybrid,
		"preview":    previewValue(hit.Entry.Value, 200),
	}
}

func containsFailurePhrase(entry *cache.Entry) bool {
	text, ok := entry.Value.(string)
	if !ok {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range failurePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func previewValue(v interface{}, n int) string {
	s, ok := v.(string)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		s = string(data)
	}
	return utils.TruncateString(s, n)
}
