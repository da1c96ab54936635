package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/recipe"
)

// claimIDPattern matches claim citations in generated answers.
var claimIDPattern = regexp.MustCompile(`clm_[0-9a-f]{16}`)

// Synthesizer produces the final answer from the capsule envelope. It
// never sees the raw bundle and may only cite claim IDs the envelope
// carries.
type Synthesizer struct {
	recipes *recipe.Loader
	chat    ChatFunc
	logger  *slog.Logger
}

// NewSynthesizer wires the synthesizer.
func NewSynthesizer(recipes *recipe.Loader, chat ChatFunc) *Synthesizer {
	return &Synthesizer{
		recipes: recipes,
		chat:    chat,
		logger:  slog.Default().With("component", "synthesizer"),
	}
}

// Synthesize generates answer.md content. Callers always get an answer:
// a model failure or an empty envelope degrades to an honest paragraph,
// never an error surface.
func (s *Synthesizer) Synthesize(ctx context.Context, query, contextDoc string, envelope *protocol.CapsuleEnvelope) string {
	if len(envelope.ClaimsTopK) == 0 {
		return s.degraded(envelope)
	}

	system := "Write the final answer for the user. Ground every statement in the provided claims, " +
		"citing them inline as [claim_id]. Cite only IDs that appear in the envelope. " +
		"Mention caveats when they matter. Plain markdown, no JSON."
	maxTokens := 0
	if r, err := s.recipes.Select("synthesizer", "", ""); err == nil {
		maxTokens = r.MaxOutputTokens
		if fragment, ferr := s.recipes.Fragment(r); ferr == nil {
			system = fragment + "\n\n" + system
		}
	}

	payload, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return s.degraded(envelope)
	}

	resp, err := s.chat(ctx, config.RoleGuide, []llms.Message{
		llms.System(system),
		llms.User(fmt.Sprintf("## Context\n%s\n\n## Envelope\n%s\n\n## Question\n%s",
			contextDoc, payload, query)),
	}, &llms.Options{MaxTokens: maxTokens})
	if err != nil {
		s.logger.Warn("Synthesis model call failed, degrading", "error", err)
		return s.degraded(envelope)
	}

	answer := stripUnknownCitations(resp.Content, envelope)
	if maxTokens > 0 {
		answer, _ = contract.EnforceTokenBudget(answer, maxTokens)
	}
	if strings.TrimSpace(answer) == "" {
		return s.degraded(envelope)
	}
	return answer
}

// Clarify renders the short-circuit answer when meta-reflection asked
// for clarification instead of proceeding.
func (s *Synthesizer) Clarify(question string) string {
	if strings.TrimSpace(question) == "" {
		question = "Could you say more about what you are looking for?"
	}
	return fmt.Sprintf("I need a bit more information before I can help with this.\n\n%s", question)
}

// degraded is the honest fallback: what happened, and what the user can
// do about it. Callers never receive a bare error.
func (s *Synthesizer) degraded(envelope *protocol.CapsuleEnvelope) string {
	var sb strings.Builder
	sb.WriteString("I wasn't able to gather enough verified information to answer this confidently. ")
	sb.WriteString("The sources I tried either returned nothing usable or were unavailable. ")
	sb.WriteString("You could try rephrasing the request or asking again in a little while.\n")
	if len(envelope.OpenQuestions) > 0 {
		sb.WriteString("\nIt would help to know:\n")
		for _, q := range envelope.OpenQuestions {
			sb.WriteString("- " + q + "\n")
		}
	}
	return sb.String()
}

// stripUnknownCitations removes claim IDs the envelope does not carry;
// the synthesizer must not invent citations.
func stripUnknownCitations(answer string, envelope *protocol.CapsuleEnvelope) string {
	known := make(map[string]bool, len(envelope.ClaimsTopK))
	for _, id := range envelope.ClaimsTopK {
		known[id] = true
	}
	cleaned := claimIDPattern.ReplaceAllStringFunc(answer, func(id string) string {
		if known[id] {
			return id
		}
		return ""
	})
	// Citations usually sit in brackets; drop any emptied pairs.
	cleaned = strings.ReplaceAll(cleaned, "[]", "")
	return cleaned
}
