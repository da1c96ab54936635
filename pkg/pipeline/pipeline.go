// Package pipeline implements the turn orchestrator: the phase machine
// that turns one user utterance into a grounded answer.
//
// A turn flows through context build, meta-reflection, the cache gate,
// planning, the tool-execution agent loop, verification, synthesis, and
// summarization. Each phase reads and writes typed documents in the
// turn directory; later phases never read mutable state earlier phases
// could still change. Every model and tool call sits behind a circuit
// breaker, and every payload crossing a phase boundary passes the
// contract enforcer.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/cortex/pkg/artifact"
	"github.com/kadirpekel/cortex/pkg/breaker"
	"github.com/kadirpekel/cortex/pkg/cache"
	"github.com/kadirpekel/cortex/pkg/claims"
	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/embedder"
	"github.com/kadirpekel/cortex/pkg/ledger"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/memory"
	"github.com/kadirpekel/cortex/pkg/observability"
	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/recipe"
	"github.com/kadirpekel/cortex/pkg/retrieval"
	"github.com/kadirpekel/cortex/pkg/session"
	"github.com/kadirpekel/cortex/pkg/tools"
	"github.com/kadirpekel/cortex/pkg/topics"
	"github.com/kadirpekel/cortex/pkg/turn"
)

// Turn outcomes, recorded per turn.
const (
	OutcomePipeline      = "pipeline"
	OutcomeCacheResponse = "cache_response"
	OutcomeCacheClaims   = "cache_claims"
	OutcomeClarify       = "clarify"
	OutcomeAborted       = "aborted"
)

// Deps is everything the orchestrator needs, built once at the
// composition root and injected.
type Deps struct {
	Config    *config.Config
	LLMs      *llms.Registry
	Embedder  embedder.Embedder
	Recipes   *recipe.Loader
	Enforcer  *contract.Enforcer
	Claims    *claims.Registry
	Topics    *topics.Index
	Artifacts *artifact.Store
	Ledger    *ledger.Ledger
	Memory    *memory.Store
	Sessions  *session.Manager
	Caches    *cache.Manager
	Tools     *tools.Invoker

	LLMBreaker  *breaker.Group
	ToolBreaker *breaker.Group

	Metrics observability.Metrics
}

// TurnResult is what one completed turn hands back to the HTTP surface.
type TurnResult struct {
	TurnID    string                `json:"turn_id"`
	SessionID string                `json:"session_id"`
	Answer    string                `json:"answer"`
	Outcome   string                `json:"outcome"`
	Summary   *protocol.TurnSummary `json:"summary,omitempty"`
}

// Pipeline is the turn orchestrator.
type Pipeline struct {
	deps Deps

	contextBuilder *ContextBuilder
	cacheGate      *CacheGate
	planner        *Planner
	executor       *Executor
	verifier       *Verifier
	synthesizer    *Synthesizer
	summarizer     *Summarizer

	logger *slog.Logger
}

// New builds the pipeline from its dependencies.
func New(deps Deps) (*Pipeline, error) {
	if deps.Config == nil || deps.LLMs == nil || deps.Embedder == nil ||
		deps.Recipes == nil || deps.Enforcer == nil || deps.Claims == nil ||
		deps.Artifacts == nil || deps.Ledger == nil || deps.Memory == nil ||
		deps.Sessions == nil || deps.Caches == nil || deps.Tools == nil ||
		deps.LLMBreaker == nil || deps.ToolBreaker == nil {
		return nil, fmt.Errorf("pipeline is missing required dependencies")
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}

	p := &Pipeline{
		deps:   deps,
		logger: slog.Default().With("component", "pipeline"),
	}

	p.contextBuilder = NewContextBuilder(deps.Config, deps.Memory, deps.Claims, deps.Embedder, p.chat)
	p.cacheGate = NewCacheGate(deps.Caches, deps.Embedder, p.chat, deps.Enforcer)
	p.planner = NewPlanner(deps.Config, deps.Recipes, p.chat, deps.Enforcer)
	p.executor = NewExecutor(deps.Config, p.chat, deps.Tools, deps.ToolBreaker, deps.Artifacts, deps.Caches, deps.Enforcer)
	p.verifier = NewVerifier(deps.Recipes, p.chat, deps.Enforcer, nil)
	p.synthesizer = NewSynthesizer(deps.Recipes, p.chat)
	p.summarizer = NewSummarizer(p.chat, deps.Enforcer)
	return p, nil
}

// chat routes one model call through the LLM circuit breaker with the
// configured hard deadline. It is the only way phases reach a model.
func (p *Pipeline) chat(ctx context.Context, role string, messages []llms.Message, opts *llms.Options) (*llms.Response, error) {
	client, err := p.deps.LLMs.Get(role)
	if err != nil {
		return nil, err
	}

	var resp *llms.Response
	err = p.deps.LLMBreaker.Call(ctx, role, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.deps.Config.ModelDeadline())
		defer cancel()

		r, err := client.Chat(callCtx, messages, opts)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Run processes one user turn end to end. A second request on the same
// session queues behind the in-flight turn and starts when it finishes,
// unless the request's context expires while waiting.
func (p *Pipeline) Run(ctx context.Context, sessionID, query string) (*TurnResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is empty")
	}
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()[:8]
	}

	sess := p.deps.Sessions.Get(sessionID)
	release, err := sess.BeginTurn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	turnID := "turn_" + uuid.NewString()[:12]
	dir, err := turn.New(p.deps.Config.Paths.TranscriptsDir, sessionID, turnID)
	if err != nil {
		return nil, fmt.Errorf("allocate turn directory: %w", err)
	}

	ctx, span := observability.GetTracer("pipeline").Start(ctx, "turn")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("turn.id", turnID),
	)
	defer span.End()

	started := time.Now()
	result, err := p.run(ctx, dir, sess, query)
	if err != nil {
		p.appendLedger(ledger.EventTurnAborted, sessionID, turnID, map[string]interface{}{
			"error": err.Error(),
		})
		p.deps.Metrics.RecordTurn(time.Since(started), OutcomeAborted)
		return nil, err
	}

	p.deps.Metrics.RecordTurn(time.Since(started), result.Outcome)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, dir *turn.Dir, sess *session.Context, query string) (*TurnResult, error) {
	sessionID, turnID := dir.SessionID(), dir.TurnID()
	result := &TurnResult{TurnID: turnID, SessionID: sessionID, Outcome: OutcomePipeline}

	if err := dir.WriteDoc(turn.DocUserQuery, []byte(query)); err != nil {
		return nil, err
	}
	p.appendLedger(ledger.EventTurnStarted, sessionID, turnID, map[string]interface{}{
		"query_chars": len(query),
	})

	intent := ClassifyIntent(query)
	if err := dir.WriteJSON(turn.DocIntent, intent); err != nil {
		return nil, err
	}

	var contextDoc string
	if err := p.phase("context_build", func() error {
		var err error
		contextDoc, err = p.contextBuilder.Build(ctx, dir, sess, query, intent)
		return err
	}); err != nil {
		return nil, err
	}

	gate := NewReflectionGate(p.deps.Config.Reflection, p.chat, p.deps.Enforcer)
	var reflectionLog []string
	defer func() {
		if len(reflectionLog) > 0 {
			_ = dir.WriteDoc("meta_reflection.md", []byte(strings.Join(reflectionLog, "\n")))
		}
	}()

	// Meta-reflection before planning. CLARIFY short-circuits the whole
	// pipeline with a question instead of an answer.
	action := p.reflect(ctx, gate, "planner", contextDoc+"\n\nUser query: "+query, &reflectionLog)
	if clarify, ok := action.(RequestClarification); ok {
		result.Outcome = OutcomeClarify
		result.Answer = p.synthesizer.Clarify(clarify.Question)
		return p.finish(ctx, dir, sess, query, intent, nil, result)
	}

	var gateResult *GateResult
	_ = p.phase("cache_gate", func() error {
		gateResult = p.cacheGate.Evaluate(ctx, query, intent)
		return nil
	})
	if err := dir.WriteJSON("cache_decision.json", gateResult); err != nil {
		return nil, err
	}

	switch gateResult.Decision {
	case DecisionUseResponse:
		result.Outcome = OutcomeCacheResponse
		result.Answer = previewValue(gateResult.ResponseHit.Entry.Value, 1<<20)
		sess.RecordAction("cache", "served response from cache")
		return p.finish(ctx, dir, sess, query, intent, nil, result)

	case DecisionUseClaims:
		answer, ok := p.answerFromClaims(ctx, query, contextDoc, intent)
		if ok {
			result.Outcome = OutcomeCacheClaims
			result.Answer = answer
			sess.RecordAction("cache", "synthesized answer from cached claims")
			return p.finish(ctx, dir, sess, query, intent, nil, result)
		}
		// Claim coverage fell through; plan normally.
	}

	var ticket *protocol.TaskTicket
	if err := p.phase("planning", func() error {
		var err error
		ticket, err = p.planner.Plan(ctx, dir, query, intent, contextDoc)
		return err
	}); err != nil {
		return nil, err
	}
	p.appendLedger(ledger.EventTicketIssued, sessionID, turnID, map[string]interface{}{
		"ticket_id": ticket.TicketID,
		"goal":      ticket.Goal,
	})

	action = p.reflect(ctx, gate, "coordinator", "Plan:\n"+ticket.Goal, &reflectionLog)
	if clarify, ok := action.(RequestClarification); ok {
		result.Outcome = OutcomeClarify
		result.Answer = p.synthesizer.Clarify(clarify.Question)
		return p.finish(ctx, dir, sess, query, intent, nil, result)
	}

	var bundle *protocol.RawBundle
	if err := p.phase("execution", func() error {
		var err error
		bundle, err = p.executor.Execute(ctx, dir, ticket, contextDoc)
		return err
	}); err != nil {
		return nil, err
	}
	if err := dir.WriteJSON(turn.DocBundle, bundle); err != nil {
		return nil, err
	}
	p.appendLedger(ledger.EventBundleStored, sessionID, turnID, map[string]interface{}{
		"ticket_id": ticket.TicketID,
		"status":    string(bundle.Status),
		"items":     len(bundle.Items),
	})
	sess.RecordAction("execute", fmt.Sprintf("gathered %d evidence items", len(bundle.Items)))

	// The verifier-role gate looks at the evidence before distillation;
	// a clarify here still carries whatever was gathered into the answer
	// path via the degraded synthesizer.
	action = p.reflect(ctx, gate, "verifier",
		fmt.Sprintf("Evidence items: %d, bundle status: %s", len(bundle.Items), bundle.Status), &reflectionLog)
	if clarify, ok := action.(RequestClarification); ok {
		result.Outcome = OutcomeClarify
		result.Answer = p.synthesizer.Clarify(clarify.Question)
		return p.finish(ctx, dir, sess, query, intent, nil, result)
	}

	var capsule *protocol.DistilledCapsule
	_ = p.phase("verification", func() error {
		capsule = p.verifier.Verify(ctx, ticket, bundle)
		return nil
	})
	if err := dir.WriteJSON(turn.DocCapsule, capsule); err != nil {
		return nil, err
	}
	p.appendLedger(ledger.EventCapsuleStored, sessionID, turnID, map[string]interface{}{
		"ticket_id": ticket.TicketID,
		"status":    capsule.Status,
		"claims":    len(capsule.Claims),
	})

	delta, err := p.deps.Claims.ComputeDelta(ctx, capsule.Claims)
	if err != nil {
		p.logger.Warn("Delta computation failed", "error", err)
		delta = &claims.Delta{}
	}
	p.persistClaims(ctx, sessionID, intent, capsule)

	envelope := BuildEnvelope(capsule, delta.HasChanges())
	if err := dir.WriteJSON(turn.DocEnvelope, envelope); err != nil {
		return nil, err
	}

	_ = p.phase("synthesis", func() error {
		result.Answer = p.synthesizer.Synthesize(ctx, query, contextDoc, envelope)
		return nil
	})

	p.maybeCacheResponse(ctx, query, intent, capsule, result.Answer)
	return p.finish(ctx, dir, sess, query, intent, capsule, result)
}

// finish runs summarization, applies memory writes, seals the turn, and
// records completion. Every successful path ends here, including cache
// hits and clarifications.
func (p *Pipeline) finish(ctx context.Context, dir *turn.Dir, sess *session.Context, query string, intent *Intent, capsule *protocol.DistilledCapsule, result *TurnResult) (*TurnResult, error) {
	if err := dir.WriteDoc(turn.DocAnswer, []byte(result.Answer)); err != nil {
		return nil, err
	}

	var summary *protocol.TurnSummary
	var writes []protocol.MemoryWrite
	_ = p.phase("summarization", func() error {
		summary, writes = p.summarizer.Summarize(ctx, query, result.Answer, intent, capsule)
		return nil
	})
	result.Summary = summary

	if err := dir.WriteJSON(turn.DocTurnSummary, summary); err != nil {
		return nil, err
	}
	if err := dir.WriteJSON(turn.DocMemoryWrites, writes); err != nil {
		return nil, err
	}
	if len(writes) > 0 {
		if err := p.deps.Memory.Apply(writes); err != nil {
			p.logger.Warn("Memory writes failed", "error", err)
		} else {
			p.appendLedger(ledger.EventMemoryWrite, dir.SessionID(), dir.TurnID(), map[string]interface{}{
				"writes": len(writes),
			})
		}
	}

	sess.CompleteTurn(summary)

	if _, err := dir.Seal(); err != nil {
		return nil, fmt.Errorf("seal turn: %w", err)
	}
	p.appendLedger(ledger.EventTurnCompleted, dir.SessionID(), dir.TurnID(), map[string]interface{}{
		"outcome": result.Outcome,
	})
	return result, nil
}

// reflect runs one gate ask including the bounded NEED_INFO loop.
func (p *Pipeline) reflect(ctx context.Context, gate *ReflectionGate, role, input string, log *[]string) MetaAction {
	action := gate.Ask(ctx, role, input)
	for round := 0; round < gate.MaxInfoRounds(); round++ {
		need, ok := action.(NeedInfo)
		if !ok {
			break
		}
		fetched := p.fetchInfo(ctx, need.Requests)
		if fetched == "" {
			action = NeedsAnalysis{Conf: need.Conf}
			break
		}
		input = input + "\n\n## Fetched information\n" + fetched
		action = gate.Ask(ctx, role, input)
	}
	// Whatever survives the loop that still wants info proceeds with
	// reduced confidence.
	if need, ok := action.(NeedInfo); ok {
		action = NeedsAnalysis{Conf: need.Conf}
	}
	*log = append(*log, fmt.Sprintf("- %s: %T (confidence %.2f)", role, action, action.Confidence()))
	return action
}

// fetchInfo services NEED_INFO requests from local state: memory
// documents and the claim registry. Tool-typed requests are left to the
// planner; reflection never invokes external tools.
func (p *Pipeline) fetchInfo(ctx context.Context, requests []InfoRequest) string {
	var sb strings.Builder
	for _, req := range requests {
		if req.Type != "memory" {
			continue
		}
		if content, err := p.deps.Memory.ReadDoc(req.Query); err == nil && content != "" {
			sb.WriteString(content + "\n")
			continue
		}
		rows, err := p.deps.Claims.GetByDomain(ctx, req.Query, 5)
		if err == nil && len(rows) > 0 {
			sb.WriteString(renderClaims(rows) + "\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

// answerFromClaims serves the use_claims gate decision: recall the best
// registry claims for the intent's domains and synthesize from them.
func (p *Pipeline) answerFromClaims(ctx context.Context, query, contextDoc string, intent *Intent) (string, bool) {
	var recalled []*claims.Claim
	for _, domain := range intent.ClaimDomains() {
		rows, err := p.deps.Claims.GetByDomain(ctx, domain, p.deps.Config.Memory.RecallK)
		if err != nil {
			continue
		}
		recalled = append(recalled, rows...)
	}
	if len(recalled) == 0 {
		return "", false
	}

	envelope := &protocol.CapsuleEnvelope{
		ClaimSummaries: make(map[string]string, len(recalled)),
	}
	for _, c := range recalled {
		envelope.ClaimsTopK = append(envelope.ClaimsTopK, c.ClaimID)
		envelope.ClaimSummaries[c.ClaimID] = c.Statement
		if err := p.deps.Claims.MarkReused(ctx, c.ClaimID, true); err != nil {
			p.logger.Warn("Claim reuse marking failed", "claim_id", c.ClaimID, "error", err)
		}
	}
	return p.synthesizer.Synthesize(ctx, query, contextDoc, envelope), true
}

// persistClaims promotes the capsule's claims into the registry, the
// claims cache layer, and the topic index association.
func (p *Pipeline) persistClaims(ctx context.Context, sessionID string, intent *Intent, capsule *protocol.DistilledCapsule) {
	claimsLayer, hasLayer := p.deps.Caches.Layer(cache.LayerClaims)

	for _, cc := range capsule.Claims {
		row := &claims.Claim{
			ClaimID:      cc.ClaimID,
			SessionID:    sessionID,
			Domain:       intent.Domain,
			Statement:    cc.Claim,
			Evidence:     cc.Evidence,
			Confidence:   cc.Confidence,
			LastVerified: cc.LastVerified,
			TTLSeconds:   cc.TTLSeconds,
		}
		if t, ok := cc.Metadata["claim_type"].(string); ok {
			row.Type = claims.ParseClaimType(t)
		}
		if emb, err := p.deps.Embedder.Embed(ctx, cc.Claim); err == nil {
			row.Embedding = emb
		}
		if p.deps.Topics != nil && cc.Topic != "" {
			if matches, err := p.deps.Topics.SearchByQuery(ctx, cc.Topic, topics.DefaultMinSimilarity, 1); err == nil && len(matches) > 0 {
				row.TopicID = matches[0].Topic.TopicID
			}
		}

		if err := p.deps.Claims.Upsert(ctx, row); err != nil {
			p.logger.Warn("Claim upsert failed", "claim_id", cc.ClaimID, "error", err)
			continue
		}
		if hasLayer {
			claimsLayer.Put(&cache.Entry{
				Key:       cc.ClaimID,
				Domain:    intent.Domain,
				QueryText: cc.Claim,
				Embedding: row.Embedding,
				Value:     cc.Claim,
				Quality:   0.5,
				TTL:       time.Duration(cc.TTLSeconds) * time.Second,
			})
		}
	}
}

// maybeCacheResponse stores the final answer in the response cache when
// the turn is a cacheable success.
func (p *Pipeline) maybeCacheResponse(ctx context.Context, query string, intent *Intent, capsule *protocol.DistilledCapsule, answer string) {
	if intent.IsRetry || intent.IsRecall || intent.MultiGoal {
		return
	}
	if capsule == nil || len(capsule.Claims) == 0 || answer == "" {
		return
	}
	layer, ok := p.deps.Caches.Layer(cache.LayerResponse)
	if !ok {
		return
	}

	emb, err := p.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return
	}
	quality := 0.5
	if capsule.Status == "ok" {
		quality = 0.8
	}
	layer.Put(&cache.Entry{
		Key:       "resp_" + protocol.ClaimID(query),
		Domain:    intent.Domain,
		QueryText: query,
		Embedding: emb,
		Tokens:    retrieval.Tokenize(query),
		Value:     answer,
		Quality:   quality,
	})
}

func (p *Pipeline) phase(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.deps.Metrics.RecordPhase(name, time.Since(start), err)
	if err != nil {
		p.logger.Error("Phase failed", "phase", name, "error", err)
	}
	return err
}

func (p *Pipeline) appendLedger(kind ledger.EventKind, sessionID, turnID string, payload map[string]interface{}) {
	if _, err := p.deps.Ledger.Append(kind, sessionID, turnID, payload); err != nil {
		p.logger.Warn("Ledger append failed", "kind", string(kind), "error", err)
	}
}
