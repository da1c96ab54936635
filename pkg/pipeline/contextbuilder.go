package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/cortex/pkg/claims"
	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/embedder"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/memory"
	"github.com/kadirpekel/cortex/pkg/retrieval"
	"github.com/kadirpekel/cortex/pkg/session"
	"github.com/kadirpekel/cortex/pkg/turn"
)

// memoryDocOrder is the fixed priority order of long-term memory
// documents in the composed context.
var memoryDocOrder = []struct {
	docType string
	heading string
}{
	{"user_preferences", "User preferences"},
	{"user_facts", "User facts"},
	{"system_learnings", "System knowledge"},
	{"domain_knowledge", "Domain knowledge"},
}

// ContextBuilder composes context.md for one turn: prior-turn digest,
// session state, long-term memory documents, and recalled claims, under
// a hard token cap.
type ContextBuilder struct {
	cfg      *config.Config
	memory   *memory.Store
	claims   *claims.Registry
	embedder embedder.Embedder
	fuser    *retrieval.Fuser
	chat     ChatFunc
	logger   *slog.Logger
}

// NewContextBuilder wires the builder. chat may be nil; it is only used
// when LLM-assisted compression is enabled.
func NewContextBuilder(cfg *config.Config, mem *memory.Store, reg *claims.Registry, emb embedder.Embedder, chat ChatFunc) *ContextBuilder {
	return &ContextBuilder{
		cfg:      cfg,
		memory:   mem,
		claims:   reg,
		embedder: emb,
		fuser: retrieval.NewFuser(cfg.Caches.Alpha,
			cfg.Caches.SemanticThreshold, cfg.Caches.KeywordThreshold),
		chat:   chat,
		logger: slog.Default().With("component", "context_builder"),
	}
}

// contextSource records one section included in the composed context.
type contextSource struct {
	Section string `json:"section"`
	Chars   int    `json:"chars"`
}

// Build composes context.md and writes it (plus context_sources.json)
// into the turn directory. Returns the final context text.
func (b *ContextBuilder) Build(ctx context.Context, dir *turn.Dir, sess *session.Context, query string, intent *Intent) (string, error) {
	var sections []string
	var sources []contextSource

	add := func(name, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		sections = append(sections, text)
		sources = append(sources, contextSource{Section: name, Chars: len(text)})
	}

	// Priority order: prior turn and session state first, then long-term
	// memory, then recalled claims.
	add("session", sess.AsMarkdown())

	for _, doc := range memoryDocOrder {
		content, err := b.memory.ReadDoc(doc.docType)
		if err != nil || strings.TrimSpace(content) == "" {
			continue
		}
		add(doc.docType, fmt.Sprintf("## %s\n%s", doc.heading, content))
	}

	if recalled := b.recallClaims(ctx, query, intent); recalled != "" {
		add("claims", recalled)
	}

	composed := strings.Join(sections, "\n\n")
	composed = b.fit(ctx, composed, query)

	// The timestamp footer is unconditional so downstream phases can see
	// how old their context is.
	composed += fmt.Sprintf("\n\n---\nContext assembled at %s\n",
		time.Now().UTC().Format(time.RFC3339))

	if err := dir.WriteDoc(turn.DocContext, []byte(composed)); err != nil {
		return "", fmt.Errorf("write context doc: %w", err)
	}
	if err := dir.WriteJSON("context_sources.json", sources); err != nil {
		return "", fmt.Errorf("write context sources: %w", err)
	}
	return composed, nil
}

// recallClaims retrieves the most relevant fresh claims for the query's
// domains, ranked by hybrid fusion.
func (b *ContextBuilder) recallClaims(ctx context.Context, query string, intent *Intent) string {
	if b.cfg.Memory.RecallEnable != nil && !*b.cfg.Memory.RecallEnable {
		return ""
	}

	var pool []*claims.Claim
	for _, domain := range intent.ClaimDomains() {
		rows, err := b.claims.GetByDomain(ctx, domain, b.cfg.Memory.RecallK*4)
		if err != nil {
			b.logger.Warn("Claim recall failed", "domain", domain, "error", err)
			continue
		}
		pool = append(pool, rows...)
	}
	if len(pool) == 0 {
		return ""
	}

	queryEmb, err := b.embedder.Embed(ctx, query)
	if err != nil {
		b.logger.Warn("Query embedding failed, recall skips ranking", "error", err)
		if len(pool) > b.cfg.Memory.RecallK {
			pool = pool[:b.cfg.Memory.RecallK]
		}
		return renderClaims(pool)
	}

	candidates := make([]retrieval.Candidate, len(pool))
	for i, c := range pool {
		candidates[i] = retrieval.Candidate{
			Key:       c.ClaimID,
			Embedding: c.Embedding,
			Tokens:    retrieval.Tokenize(c.Statement),
		}
	}
	ranked := b.fuser.Rank(queryEmb, retrieval.Tokenize(query), candidates, b.cfg.Memory.RecallK)

	byID := make(map[string]*claims.Claim, len(pool))
	for _, c := range pool {
		byID[c.ClaimID] = c
	}
	var picked []*claims.Claim
	for _, r := range ranked {
		if c, ok := byID[r.Key]; ok {
			picked = append(picked, c)
		}
	}
	return renderClaims(picked)
}

func renderClaims(rows []*claims.Claim) string {
	if len(rows) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Known claims\n")
	for _, c := range rows {
		fmt.Fprintf(&sb, "- %s (%s confidence, verified %s)\n",
			c.Statement, c.Confidence, c.LastVerified.UTC().Format("2006-01-02"))
	}
	return sb.String()
}

// fit brings the composed context under the window cap: LLM-assisted
// selection when enabled, sentence-boundary truncation otherwise.
func (b *ContextBuilder) fit(ctx context.Context, composed, query string) string {
	window := b.cfg.Pipeline.ContextWindowSize
	fitted, cut := contract.EnforceTokenBudget(composed, window)
	if !cut {
		return composed
	}

	if b.cfg.Pipeline.ContextCompressionEnable && b.chat != nil {
		compressed, err := b.compress(ctx, composed, query, window)
		if err == nil {
			if within, stillCut := contract.EnforceTokenBudget(compressed, window); !stillCut {
				return within
			}
		}
		b.logger.Warn("Context compression did not fit, falling back to truncation", "error", err)
	}
	return fitted
}

func (b *ContextBuilder) compress(ctx context.Context, composed, query string, budget int) (string, error) {
	resp, err := b.chat(ctx, config.RoleGuide, []llms.Message{
		llms.System("Select the parts of the context most relevant to the query. " +
			"Keep original wording, drop whole irrelevant sections, output markdown only."),
		llms.User(fmt.Sprintf("Query: %s\n\nContext:\n%s", query, composed)),
	}, &llms.Options{MaxTokens: budget})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
