package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeRecipeDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, FragmentsDir), 0755))
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

const plannerRecipe = `
name: planner-default
role: planner
system: planner.md
token_budget: 4000
input_docs:
  - name: context
    source: context.md
    budget: 1500
    required: true
  - name: query
    source: user_query.md
    budget: 2500
    trim_strategy: truncate_end
`

func TestLoadAndGet(t *testing.T) {
	dir := writeRecipeDir(t, map[string]string{
		"planner.yaml":         plannerRecipe,
		"fragments/planner.md": "You plan tasks.",
	})
	l, err := NewLoader(dir)
	require.NoError(t, err)
	defer l.Close()

	r, ok := l.Get("planner-default")
	require.True(t, ok)
	assert.Equal(t, "planner", r.Role)
	assert.Equal(t, 4000, r.TokenBudget.Total)
	require.Len(t, r.InputDocs, 2)
	assert.True(t, r.InputDocs[0].Required)

	prompt, err := l.Fragment(r)
	require.NoError(t, err)
	assert.Equal(t, "You plan tasks.", prompt)
}

func TestDocBudgetsCannotExceedShare(t *testing.T) {
	dir := writeRecipeDir(t, map[string]string{
		"bad.yaml": `
name: bad
role: planner
system: inline prompt text
token_budget: 1000
input_docs:
  - name: a
    source: a.md
    budget: 600
  - name: b
    source: b.md
    budget: 500
`,
	})
	_, err := NewLoader(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1100")
}

func TestSplitBudgetMustSumToTotal(t *testing.T) {
	var r Recipe
	err := yaml.Unmarshal([]byte(`
name: lopsided
role: planner
system: inline prompt text
token_budget:
  total: 4000
  prompt: 1000
  input_docs: 2000
  output: 800
  buffer: 100
`), &r)
	require.NoError(t, err)
	err = r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 3900, total is 4000")
}

func TestStructuredBudgetWithAnnotatedDocs(t *testing.T) {
	var r Recipe
	err := yaml.Unmarshal([]byte(`
name: planner-chat-electronics
role: planner
system: inline prompt text
token_budget:
  total: 4000
  prompt: 1000
  input_docs: 2000
  output: 800
  buffer: 200
input_docs:
  - "notes.md (optional, max 400 tokens)"
  - context.md
`), &r)
	require.NoError(t, err)

	r.SpreadBudgets()
	require.NoError(t, r.Validate())

	assert.Equal(t, 2000, r.TokenBudget.DocShare())

	// The annotated cap sticks; the bare doc absorbs the rest of the
	// doc share.
	require.Len(t, r.InputDocs, 2)
	assert.Equal(t, "notes.md", r.InputDocs[0].Source)
	assert.Equal(t, 400, r.InputDocs[0].Budget)
	assert.False(t, r.InputDocs[0].Required)
	assert.Equal(t, "context.md", r.InputDocs[1].Source)
	assert.Equal(t, 1600, r.InputDocs[1].Budget)

	// The output share becomes the response cap.
	assert.Equal(t, 800, r.MaxOutputTokens)
}

func TestMissingFragmentFailsLoad(t *testing.T) {
	dir := writeRecipeDir(t, map[string]string{
		"planner.yaml": plannerRecipe,
	})
	_, err := NewLoader(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing fragment")
}

func TestLegacyStringInputDocs(t *testing.T) {
	var r Recipe
	err := yaml.Unmarshal([]byte(`
name: legacy
role: guide
system: do the thing with care
token_budget: 900
input_docs:
  - context.md
  - user_query.md
  - plan.json
`), &r)
	require.NoError(t, err)

	r.SpreadBudgets()
	require.NoError(t, r.Validate())

	// Legacy role alias resolves.
	assert.Equal(t, "planner", r.Role)

	// Spread budgets still sum exactly.
	total := 0
	for _, doc := range r.InputDocs {
		total += doc.Budget
	}
	assert.Equal(t, 900, total)
	assert.Equal(t, PathTurn, r.InputDocs[0].PathType)
	assert.Equal(t, "context", r.InputDocs[0].Name)
}

func TestSelectFallback(t *testing.T) {
	dir := writeRecipeDir(t, map[string]string{
		"recipes.yaml": `
recipes:
  - name: executor-research-comparison
    role: executor
    mode: research
    content_type: comparison
    system: specialized executor prompt
    token_budget: 1000
  - name: executor-research
    role: executor
    mode: research
    system: research executor prompt
    token_budget: 1000
  - name: executor-default
    role: executor
    system: default executor prompt
    token_budget: 1000
`,
	})
	l, err := NewLoader(dir)
	require.NoError(t, err)
	defer l.Close()

	r, err := l.Select("executor", "research", "comparison")
	require.NoError(t, err)
	assert.Equal(t, "executor-research-comparison", r.Name)

	r, err = l.Select("executor", "research", "listicle")
	require.NoError(t, err)
	assert.Equal(t, "executor-research", r.Name)

	r, err = l.Select("executor", "chat", "")
	require.NoError(t, err)
	assert.Equal(t, "executor-default", r.Name)

	_, err = l.Select("narrator", "", "")
	require.Error(t, err)
}

func TestReloadKeepsPreviousSetOnError(t *testing.T) {
	dir := writeRecipeDir(t, map[string]string{
		"planner.yaml":         plannerRecipe,
		"fragments/planner.md": "You plan tasks.",
	})
	l, err := NewLoader(dir)
	require.NoError(t, err)
	defer l.Close()

	// Break the file on disk, then reload: the loader reports the error
	// and the old set keeps serving.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planner.yaml"), []byte("name: broken\nrole: planner\n"), 0644))
	require.Error(t, l.Reload())

	_, ok := l.Get("planner-default")
	assert.True(t, ok)
}
