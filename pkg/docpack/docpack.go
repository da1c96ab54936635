// Package docpack assembles the document pack an LLM call reads.
//
// A recipe names input documents and gives each a token share; the
// builder resolves each source against its root (turn directory, repo,
// session directory, or absolute), trims over-budget documents with the
// recipe's strategy, and refuses to emit a pack whose grand total
// (prompt fragments + input docs + reserved output) exceeds the recipe
// budget. Budgets are hard: trimming that cannot get a pack under budget
// is an error, never a silent overflow.
package docpack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/cortex/pkg/recipe"
	"github.com/kadirpekel/cortex/pkg/utils"
)

// SummarizeFunc condenses text to roughly maxTokens. Wired to the
// summarizer phase when available; absent, summarize trimming falls back
// to a one-line count-and-head placeholder.
type SummarizeFunc func(ctx context.Context, text string, maxTokens int) (string, error)

// Markers attached where trimming cut a document.
const (
	trimTailMarker = "\n\n[... truncated]"
	trimHeadMarker = "[... truncated]\n\n"
)

// Roots anchors the non-absolute path types.
type Roots struct {
	Turn    string
	Repo    string
	Session string
}

// Doc is one assembled document.
type Doc struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	Content  string `json:"content"`
	Tokens   int    `json:"tokens"`
	Budget   int    `json:"budget"`
	Trimmed  bool   `json:"trimmed,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// Pack is the assembled document set for one LLM call. TotalTokens is
// the grand total the budget binds: prompt fragments, input docs, and
// the reserved output together.
type Pack struct {
	Docs          []Doc `json:"docs"`
	PromptTokens  int   `json:"prompt_tokens,omitempty"`
	DocTokens     int   `json:"doc_tokens"`
	OutputReserve int   `json:"output_reserve,omitempty"`
	TotalTokens   int   `json:"total_tokens"`
	Budget        int   `json:"budget"`

	// TrimLog records what was cut and why.
	TrimLog []string `json:"trim_log,omitempty"`

	// OverBudget names docs that needed trimming.
	OverBudget []string `json:"over_budget,omitempty"`

	// Skipped names optional docs whose sources were missing.
	Skipped []string `json:"skipped,omitempty"`
}

// AsPrompt renders the pack as one prompt body with document headers.
func (p *Pack) AsPrompt() string {
	var b strings.Builder
	for _, doc := range p.Docs {
		b.WriteString("## ")
		b.WriteString(doc.Name)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(doc.Content, "\n"))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// BudgetExceededError reports a pack that could not be brought under
// budget. This is fatal for the call that requested the pack.
type BudgetExceededError struct {
	Budget int
	Tokens int
	Doc    string
}

func (e *BudgetExceededError) Error() string {
	if e.Doc != "" {
		return fmt.Sprintf("doc '%s' cannot fit its budget: %d tokens over %d", e.Doc, e.Tokens, e.Budget)
	}
	return fmt.Sprintf("doc pack exceeds budget: %d tokens over %d", e.Tokens, e.Budget)
}

// Builder assembles packs.
type Builder struct {
	counter   *utils.TokenCounter
	roots     Roots
	summarize SummarizeFunc
}

// NewBuilder creates a builder counting tokens for the given model.
func NewBuilder(model string, roots Roots, summarize SummarizeFunc) (*Builder, error) {
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		return nil, err
	}
	return &Builder{counter: counter, roots: roots, summarize: summarize}, nil
}

// Build assembles the pack for the given specs. prompt is the already
// resolved system prompt text, counted against the budget alongside the
// docs and the budget's reserved output share, so the grand total never
// exceeds budget.Total.
func (b *Builder) Build(ctx context.Context, prompt string, specs []recipe.DocSpec, budget recipe.TokenBudget) (*Pack, error) {
	pack := &Pack{
		Budget:        budget.Total,
		PromptTokens:  b.counter.Count(prompt),
		OutputReserve: budget.Output,
	}

	for _, spec := range specs {
		path, err := b.resolve(spec)
		if err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && !spec.Required {
				pack.Skipped = append(pack.Skipped, spec.Name)
				continue
			}
			return nil, fmt.Errorf("read doc '%s' (%s): %w", spec.Name, path, err)
		}

		content := string(data)
		tokens := b.counter.Count(content)
		doc := Doc{
			Name:   spec.Name,
			Source: spec.Source,
			Budget: spec.Budget,
		}

		if spec.Budget > 0 && tokens > spec.Budget {
			pack.OverBudget = append(pack.OverBudget, spec.Name)
			trimmed, err := b.trim(ctx, content, spec.Budget, spec.TrimStrategy)
			if err != nil {
				return nil, fmt.Errorf("trim doc '%s': %w", spec.Name, err)
			}
			newTokens := b.counter.Count(trimmed)
			if newTokens > spec.Budget {
				return nil, &BudgetExceededError{Budget: spec.Budget, Tokens: newTokens, Doc: spec.Name}
			}
			pack.TrimLog = append(pack.TrimLog, fmt.Sprintf(
				"%s: %d -> %d tokens via %s", spec.Name, tokens, newTokens, spec.TrimStrategy))
			content = trimmed
			tokens = newTokens
			doc.Trimmed = true
			doc.Strategy = spec.TrimStrategy
		}

		doc.Content = content
		doc.Tokens = tokens
		pack.Docs = append(pack.Docs, doc)
		pack.DocTokens += tokens
	}

	pack.TotalTokens = pack.PromptTokens + pack.DocTokens + pack.OutputReserve
	if docShare := budget.DocShare(); docShare > 0 && pack.DocTokens > docShare {
		return nil, &BudgetExceededError{Budget: docShare, Tokens: pack.DocTokens}
	}
	if budget.Total > 0 && pack.TotalTokens > budget.Total {
		return nil, &BudgetExceededError{Budget: budget.Total, Tokens: pack.TotalTokens}
	}
	return pack, nil
}

func (b *Builder) resolve(spec recipe.DocSpec) (string, error) {
	switch spec.PathType {
	case recipe.PathTurn, "":
		return filepath.Join(b.roots.Turn, spec.Source), nil
	case recipe.PathRepo:
		return filepath.Join(b.roots.Repo, spec.Source), nil
	case recipe.PathSession:
		return filepath.Join(b.roots.Session, spec.Source), nil
	case recipe.PathAbsolute:
		if !filepath.IsAbs(spec.Source) {
			return "", fmt.Errorf("doc '%s' declares path_type absolute with relative source '%s'", spec.Name, spec.Source)
		}
		return spec.Source, nil
	default:
		return "", fmt.Errorf("doc '%s' has unknown path_type '%s'", spec.Name, spec.PathType)
	}
}

func (b *Builder) trim(ctx context.Context, content string, budget int, strategy string) (string, error) {
	switch strategy {
	case recipe.TrimTruncateStart:
		return b.truncate(content, budget, false), nil
	case recipe.TrimDropOldest:
		return b.dropOldest(content, budget), nil
	case recipe.TrimSummarize:
		if b.summarize == nil {
			return b.placeholder(content), nil
		}
		summary, err := b.summarize(ctx, content, budget)
		if err == nil && b.counter.Count(summary) <= budget {
			return summary, nil
		}
		// Summarization failed or overflowed; degrade to truncation.
		return b.truncate(content, budget, true), nil
	default: // truncate_end
		return b.truncate(content, budget, true), nil
	}
}

// truncate cuts content to the budget, from the end (keepHead) or from
// the start, and marks the cut so readers can tell the document is
// partial.
func (b *Builder) truncate(content string, budget int, keepHead bool) string {
	if b.counter.Count(content) <= budget {
		return content
	}
	marker := trimTailMarker
	if !keepHead {
		marker = trimHeadMarker
	}
	inner := budget - b.counter.Count(marker)
	if inner <= 0 {
		// No room for the marker; a bare cut is all the budget allows.
		return b.cut(content, budget, keepHead)
	}
	body := b.cut(content, inner, keepHead)
	if keepHead {
		return body + marker
	}
	return marker + body
}

// cut shrinks content under the token cap. The cut ratio converges in a
// few passes because token density is near-uniform within one document.
func (b *Builder) cut(content string, budget int, keepHead bool) string {
	for i := 0; i < 8; i++ {
		tokens := b.counter.Count(content)
		if tokens <= budget {
			return content
		}
		// Undershoot slightly so the loop terminates fast.
		keep := len(content) * budget * 95 / (tokens * 100)
		if keep <= 0 {
			return ""
		}
		if keepHead {
			content = utils.TruncateString(content, keep)
		} else {
			content = utils.TruncateStringTail(content, keep)
		}
	}
	return content
}

// placeholder stands in for summarize trimming when no summarizer is
// wired: a one-line digest naming the item count and the head of the
// dropped content.
func (b *Builder) placeholder(content string) string {
	items := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			items++
		}
	}
	head := strings.TrimSpace(content)
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	head = strings.TrimSpace(utils.TruncateString(head, 80))
	return fmt.Sprintf("[%d items, %s ...]", items, head)
}

// dropOldest removes whole leading entries until the rest fits. Suits
// append-only logs where the tail is the recent, relevant part.
func (b *Builder) dropOldest(content string, budget int) string {
	lines := strings.Split(content, "\n")
	dropped := 0
	for len(lines) > 1 {
		joined := strings.Join(lines, "\n")
		if dropped > 0 {
			joined = fmt.Sprintf("[%d entries dropped]\n%s", dropped, joined)
		}
		if b.counter.Count(joined) <= budget {
			return joined
		}
		lines = lines[1:]
		dropped++
	}
	return b.truncate(lines[0], budget, false)
}
