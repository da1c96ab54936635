package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/utils"
)

// summarizerMaxTokens caps the digest call; summaries are small.
const summarizerMaxTokens = 400

// Summarizer produces the turn digest and detected memory writes. It
// always yields a summary: when the model is unavailable a heuristic
// digest is built from the turn's own documents.
type Summarizer struct {
	chat     ChatFunc
	enforcer *contract.Enforcer
	logger   *slog.Logger
}

// NewSummarizer wires the summarizer.
func NewSummarizer(chat ChatFunc, enforcer *contract.Enforcer) *Summarizer {
	return &Summarizer{
		chat:     chat,
		enforcer: enforcer,
		logger:   slog.Default().With("component", "summarizer"),
	}
}

type summaryReply struct {
	protocol.TurnSummary
	MemoryWrites []protocol.MemoryWrite `json:"memory_writes,omitempty"`
}

// Summarize digests one completed turn.
func (s *Summarizer) Summarize(ctx context.Context, query, answer string, intent *Intent, capsule *protocol.DistilledCapsule) (*protocol.TurnSummary, []protocol.MemoryWrite) {
	reply, err := s.ask(ctx, query, answer)
	if err != nil {
		s.logger.Warn("Summary model call failed, using heuristic digest", "error", err)
		return s.heuristic(query, answer, intent, capsule), nil
	}

	summary := reply.TurnSummary
	if strings.TrimSpace(summary.ShortSummary) == "" {
		return s.heuristic(query, answer, intent, capsule), reply.MemoryWrites
	}
	summary.Satisfaction = clampUnit(summary.Satisfaction)
	if summary.Topic == "" {
		summary.Topic = intent.Domain
	}

	writes := reply.MemoryWrites[:0]
	for _, w := range reply.MemoryWrites {
		if strings.TrimSpace(w.Entry) == "" || w.DocType == "" {
			continue
		}
		w.Confidence = clampUnit(w.Confidence)
		writes = append(writes, w)
	}
	return &summary, writes
}

func (s *Summarizer) ask(ctx context.Context, query, answer string) (*summaryReply, error) {
	resp, err := s.chat(ctx, config.RoleGuide, []llms.Message{
		llms.System("Digest this completed exchange. Answer only JSON: " +
			`{"short_summary": "...", "key_findings": ["..."], "preferences_learned": {}, ` +
			`"topic": "...", "satisfaction": 0.0-1.0, "next_turn_hints": ["..."], ` +
			`"memory_writes": [{"doc_type": "user_preferences"|"user_facts"|"system_learnings"|"domain_knowledge", ` +
			`"section": "...", "entry": "...", "confidence": 0.0-1.0, "source": "..."}]}`),
		llms.User(fmt.Sprintf("## Query\n%s\n\n## Answer\n%s", query, answer)),
	}, &llms.Options{MaxTokens: summarizerMaxTokens, JSONMode: true})
	if err != nil {
		return nil, err
	}

	var reply summaryReply
	if _, perr := s.enforcer.ParseJSON("summarizer", resp.Content, &reply); perr != nil {
		return nil, perr
	}
	return &reply, nil
}

// heuristic builds a serviceable digest from what the turn produced.
func (s *Summarizer) heuristic(query, answer string, intent *Intent, capsule *protocol.DistilledCapsule) *protocol.TurnSummary {
	summary := &protocol.TurnSummary{
		ShortSummary: firstSentence(answer),
		Topic:        intent.Domain,
		Satisfaction: 0.5,
	}
	if summary.ShortSummary == "" {
		summary.ShortSummary = "Answered: " + firstSentence(query)
	}
	if capsule != nil {
		for i, claim := range capsule.Claims {
			if i == 3 {
				break
			}
			summary.KeyFindings = append(summary.KeyFindings, claim.Claim)
		}
		if len(capsule.Claims) > 0 && capsule.Claims[0].Topic != "" {
			summary.Topic = capsule.Claims[0].Topic
		}
	}
	return summary
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return strings.TrimSpace(text[:i+1])
		}
	}
	return utils.TruncateString(text, 200)
}
