package docpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/recipe"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func newTestBuilder(t *testing.T, turnDir string, summarize SummarizeFunc) *Builder {
	t.Helper()
	b, err := NewBuilder("gpt-4", Roots{Turn: turnDir, Repo: t.TempDir(), Session: t.TempDir()}, summarize)
	require.NoError(t, err)
	return b
}

func TestBuildAssemblesDocs(t *testing.T) {
	turn := t.TempDir()
	writeDoc(t, turn, "user_query.md", "Find me a cheap laptop.")
	writeDoc(t, turn, "context.md", "User prefers refurbished hardware.")

	b := newTestBuilder(t, turn, nil)
	pack, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "context", Source: "context.md", PathType: recipe.PathTurn, Budget: 100},
		{Name: "query", Source: "user_query.md", PathType: recipe.PathTurn, Budget: 100, Required: true},
	}, recipe.TokenBudget{Total: 200})
	require.NoError(t, err)

	require.Len(t, pack.Docs, 2)
	assert.Equal(t, "context", pack.Docs[0].Name)
	assert.Greater(t, pack.TotalTokens, 0)
	assert.LessOrEqual(t, pack.TotalTokens, 200)
	assert.Empty(t, pack.OverBudget)

	prompt := pack.AsPrompt()
	assert.Contains(t, prompt, "## context")
	assert.Contains(t, prompt, "## query")
	assert.Contains(t, prompt, "cheap laptop")
}

func TestMissingOptionalDocIsSkipped(t *testing.T) {
	turn := t.TempDir()
	writeDoc(t, turn, "user_query.md", "hello")

	b := newTestBuilder(t, turn, nil)
	pack, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "plan", Source: "plan.json", PathType: recipe.PathTurn, Budget: 50},
		{Name: "query", Source: "user_query.md", PathType: recipe.PathTurn, Budget: 50},
	}, recipe.TokenBudget{Total: 100})
	require.NoError(t, err)
	assert.Len(t, pack.Docs, 1)
	assert.Equal(t, []string{"plan"}, pack.Skipped)
}

func TestMissingRequiredDocFails(t *testing.T) {
	b := newTestBuilder(t, t.TempDir(), nil)
	_, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "query", Source: "user_query.md", PathType: recipe.PathTurn, Budget: 50, Required: true},
	}, recipe.TokenBudget{Total: 50})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query")
}

func TestTruncateEndTrimsToBudget(t *testing.T) {
	turn := t.TempDir()
	long := strings.Repeat("alpha beta gamma delta. ", 500)
	writeDoc(t, turn, "big.md", long)

	b := newTestBuilder(t, turn, nil)
	pack, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "big", Source: "big.md", PathType: recipe.PathTurn, Budget: 100, TrimStrategy: recipe.TrimTruncateEnd},
	}, recipe.TokenBudget{Total: 100})
	require.NoError(t, err)

	require.Len(t, pack.Docs, 1)
	assert.True(t, pack.Docs[0].Trimmed)
	assert.LessOrEqual(t, pack.Docs[0].Tokens, 100)
	assert.Equal(t, []string{"big"}, pack.OverBudget)
	require.Len(t, pack.TrimLog, 1)
	assert.Contains(t, pack.TrimLog[0], "truncate_end")
	// The head survives a truncate_end trim and the cut is marked.
	assert.True(t, strings.HasPrefix(pack.Docs[0].Content, "alpha beta"))
	assert.True(t, strings.HasSuffix(pack.Docs[0].Content, "[... truncated]"))
}

func TestTruncateStartKeepsTail(t *testing.T) {
	turn := t.TempDir()
	content := strings.Repeat("old material here. ", 300) + "FINAL-MARKER"
	writeDoc(t, turn, "log.md", content)

	b := newTestBuilder(t, turn, nil)
	pack, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "log", Source: "log.md", PathType: recipe.PathTurn, Budget: 80, TrimStrategy: recipe.TrimTruncateStart},
	}, recipe.TokenBudget{Total: 80})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(pack.Docs[0].Content, "FINAL-MARKER"))
	assert.True(t, strings.HasPrefix(pack.Docs[0].Content, "[... truncated]"))
}

func TestDropOldestKeepsRecentLines(t *testing.T) {
	turn := t.TempDir()
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, fmt.Sprintf("line %03d with some payload text", i))
	}
	writeDoc(t, turn, "records.jsonl", strings.Join(lines, "\n"))

	b := newTestBuilder(t, turn, nil)
	pack, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "records", Source: "records.jsonl", PathType: recipe.PathTurn, Budget: 100, TrimStrategy: recipe.TrimDropOldest},
	}, recipe.TokenBudget{Total: 100})
	require.NoError(t, err)

	content := pack.Docs[0].Content
	assert.True(t, strings.HasSuffix(content, "line 199 with some payload text"))
	assert.NotContains(t, content, "line 000")
}

func TestSummarizeStrategyUsesSummarizer(t *testing.T) {
	turn := t.TempDir()
	writeDoc(t, turn, "big.md", strings.Repeat("many words in this document. ", 200))

	called := false
	summarize := func(ctx context.Context, text string, maxTokens int) (string, error) {
		called = true
		return "condensed summary", nil
	}

	b := newTestBuilder(t, turn, summarize)
	pack, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "big", Source: "big.md", PathType: recipe.PathTurn, Budget: 50, TrimStrategy: recipe.TrimSummarize},
	}, recipe.TokenBudget{Total: 50})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "condensed summary", pack.Docs[0].Content)
}

func TestSummarizeFailureDegradesToTruncation(t *testing.T) {
	turn := t.TempDir()
	writeDoc(t, turn, "big.md", strings.Repeat("many words in this document. ", 200))

	summarize := func(ctx context.Context, text string, maxTokens int) (string, error) {
		return "", errors.New("model unavailable")
	}

	b := newTestBuilder(t, turn, summarize)
	pack, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "big", Source: "big.md", PathType: recipe.PathTurn, Budget: 50, TrimStrategy: recipe.TrimSummarize},
	}, recipe.TokenBudget{Total: 50})
	require.NoError(t, err)
	assert.LessOrEqual(t, pack.Docs[0].Tokens, 50)
}

func TestSummarizeWithoutSummarizerEmitsPlaceholder(t *testing.T) {
	turn := t.TempDir()
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = fmt.Sprintf("observation %d about the product under review", i)
	}
	writeDoc(t, turn, "notes.md", strings.Join(lines, "\n"))

	b := newTestBuilder(t, turn, nil)
	pack, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "notes", Source: "notes.md", PathType: recipe.PathTurn, Budget: 30, TrimStrategy: recipe.TrimSummarize},
	}, recipe.TokenBudget{Total: 30})
	require.NoError(t, err)

	content := pack.Docs[0].Content
	assert.True(t, strings.HasPrefix(content, "[40 items,"))
	assert.True(t, strings.HasSuffix(content, "...]"))
	assert.Contains(t, content, "observation 0")
}

func TestGrandTotalCoversPromptAndOutputReserve(t *testing.T) {
	turn := t.TempDir()
	writeDoc(t, turn, "context.md", "short context")

	b := newTestBuilder(t, turn, nil)
	prompt := strings.Repeat("system instruction text. ", 100)
	_, err := b.Build(context.Background(), prompt, []recipe.DocSpec{
		{Name: "context", Source: "context.md", PathType: recipe.PathTurn, Budget: 50},
	}, recipe.TokenBudget{Total: 200, Prompt: 50, InputDocs: 50, Output: 100})
	require.Error(t, err)

	var over *BudgetExceededError
	require.True(t, errors.As(err, &over))
	assert.Equal(t, 200, over.Budget)
}

func TestAbsolutePathTypeRejectsRelativeSource(t *testing.T) {
	b := newTestBuilder(t, t.TempDir(), nil)
	_, err := b.Build(context.Background(), "", []recipe.DocSpec{
		{Name: "x", Source: "relative.md", PathType: recipe.PathAbsolute, Budget: 10},
	}, recipe.TokenBudget{Total: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}
