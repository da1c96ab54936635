package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/llms"
)

// MetaAction is the tagged outcome of one reflection ask. Tying each
// decision's payload to its tag keeps the bounded info-fetch loop
// impossible to miswire.
type MetaAction interface {
	isMetaAction()
	Confidence() float64
}

// Proceed means the phase may continue.
type Proceed struct {
	Conf float64
}

// RequestClarification short-circuits the turn with a question for the
// user.
type RequestClarification struct {
	Question string
	Conf     float64
}

// NeedsAnalysis means confidence fell between the thresholds; the phase
// continues but the reduced confidence is recorded.
type NeedsAnalysis struct {
	Conf float64
}

// NeedInfo asks the orchestrator to fetch information and re-ask.
type NeedInfo struct {
	Requests []InfoRequest
	Conf     float64
}

func (Proceed) isMetaAction()              {}
func (RequestClarification) isMetaAction() {}
func (NeedsAnalysis) isMetaAction()        {}
func (NeedInfo) isMetaAction()             {}

func (a Proceed) Confidence() float64              { return a.Conf }
func (a RequestClarification) Confidence() float64 { return a.Conf }
func (a NeedsAnalysis) Confidence() float64        { return a.Conf }
func (a NeedInfo) Confidence() float64             { return a.Conf }

// InfoRequest is one piece of information a reflection ask wants before
// it can decide.
type InfoRequest struct {
	Type     string `json:"type"`
	Query    string `json:"query"`
	Reason   string `json:"reason,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// roleQuestions are the fixed self-ask prompts per pipeline role.
var roleQuestions = map[string]string{
	"planner":     "Can I produce a concrete plan for this request with what I have?",
	"coordinator": "Can I execute this plan with the available tools?",
	"verifier":    "Is the gathered evidence sufficient to answer the request?",
}

// ChatFunc runs one chat call for a role. The pipeline supplies an
// implementation that routes through the LLM circuit breaker.
type ChatFunc func(ctx context.Context, role string, messages []llms.Message, opts *llms.Options) (*llms.Response, error)

// ReflectionGate asks the model whether a phase may proceed. One gate
// instance serves one turn so shared-budget accounting stays per-turn.
type ReflectionGate struct {
	cfg      config.ReflectionConfig
	chat     ChatFunc
	enforcer *contract.Enforcer
	logger   *slog.Logger

	// remaining is the shared token pool; per_role_budget mode ignores it.
	remaining int
}

// NewReflectionGate creates a gate for one turn.
func NewReflectionGate(cfg config.ReflectionConfig, chat ChatFunc, enforcer *contract.Enforcer) *ReflectionGate {
	pool := cfg.MaxTokens
	if cfg.BudgetMode == config.ReflectionSharedBudget {
		// All role gates in a turn draw from one pool sized for the
		// worst case of one ask per role.
		pool = cfg.MaxTokens * len(roleQuestions)
	}
	return &ReflectionGate{
		cfg:       cfg,
		chat:      chat,
		enforcer:  enforcer,
		logger:    slog.Default().With("component", "reflection"),
		remaining: pool,
	}
}

type reflectionReply struct {
	Confidence   float64       `json:"confidence"`
	Decision     string        `json:"decision"`
	QueryType    string        `json:"query_type,omitempty"`
	Question     string        `json:"question,omitempty"`
	InfoRequests []InfoRequest `json:"info_requests,omitempty"`
}

// Ask runs one reflection round for a role over the given input.
func (g *ReflectionGate) Ask(ctx context.Context, role, input string) MetaAction {
	question, ok := roleQuestions[role]
	if !ok {
		question = roleQuestions["planner"]
	}

	budget := g.askBudget()
	if budget <= 0 {
		g.logger.Debug("Reflection budget exhausted, proceeding", "role", role)
		return Proceed{Conf: g.cfg.AcceptThreshold}
	}

	messages := []llms.Message{
		llms.System("You are a gatekeeper. Answer only with a JSON object: " +
			`{"confidence": 0.0-1.0, "decision": "PROCEED"|"NEED_INFO"|"CLARIFY", ` +
			`"question": "...", "info_requests": [{"type": "memory"|"tool", "query": "...", "reason": "..."}]}`),
		llms.User(fmt.Sprintf("%s\n\n%s", question, input)),
	}
	resp, err := g.chat(ctx, config.RoleGuide, messages, &llms.Options{
		MaxTokens: budget,
		JSONMode:  true,
	})
	if err != nil {
		// Soft failure: proceed with reduced confidence rather than
		// stalling the turn.
		g.logger.Warn("Reflection ask failed, proceeding degraded", "role", role, "error", err)
		return Proceed{Conf: 0.5}
	}
	g.consume(resp.OutputTokens, budget)

	var reply reflectionReply
	if _, perr := g.enforcer.ParseJSON("reflection_"+role, resp.Content, &reply); perr != nil {
		g.logger.Warn("Reflection reply unparseable, proceeding degraded", "role", role)
		return Proceed{Conf: 0.5}
	}
	return g.decide(reply)
}

// decide maps a parsed reply onto the threshold ladder.
func (g *ReflectionGate) decide(reply reflectionReply) MetaAction {
	conf := clampUnit(reply.Confidence)

	switch strings.ToUpper(strings.TrimSpace(reply.Decision)) {
	case "NEED_INFO":
		if len(reply.InfoRequests) > 0 {
			return NeedInfo{Requests: reply.InfoRequests, Conf: conf}
		}
	case "CLARIFY":
		return RequestClarification{Question: reply.Question, Conf: conf}
	}

	switch {
	case conf >= g.cfg.AcceptThreshold:
		return Proceed{Conf: conf}
	case conf < g.cfg.RejectThreshold:
		return RequestClarification{Question: reply.Question, Conf: conf}
	default:
		return NeedsAnalysis{Conf: conf}
	}
}

// MaxInfoRounds bounds the NEED_INFO fetch/re-ask loop.
func (g *ReflectionGate) MaxInfoRounds() int {
	return g.cfg.MaxInfoRounds
}

func (g *ReflectionGate) askBudget() int {
	if g.cfg.BudgetMode == config.ReflectionPerRoleBudget {
		return g.cfg.MaxTokens
	}
	if g.remaining < g.cfg.MaxTokens {
		return g.remaining
	}
	return g.cfg.MaxTokens
}

func (g *ReflectionGate) consume(used, budget int) {
	if g.cfg.BudgetMode != config.ReflectionSharedBudget {
		return
	}
	if used <= 0 {
		used = budget
	}
	g.remaining -= used
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
