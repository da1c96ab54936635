package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/recipe"
	"github.com/kadirpekel/cortex/pkg/turn"
)

const plannerRecipeYAML = `name: planner-chat
role: planner
mode: chat
system: "You plan research tasks. Decompose the goal into verifiable subtasks."
token_budget: 2000
max_output_tokens: 600
`

func writeRecipes(t *testing.T, files map[string]string) *recipe.Loader {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	loader, err := recipe.NewLoader(dir)
	require.NoError(t, err)
	return loader
}

func newTestPlanner(t *testing.T, chat ChatFunc) *Planner {
	t.Helper()
	recipes := writeRecipes(t, map[string]string{"planner.yaml": plannerRecipeYAML})
	return NewPlanner(executorConfig(""), recipes, chat, contract.NewEnforcer())
}

func TestPlanParsesModelTicket(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{
		"goal": "Find three hamster cages under $100",
		"micro_plan": ["search retailers", "compare prices"],
		"subtasks": [
			{"id": "sub_search", "description": "search for cages"},
			{"description": "rank the candidates"}
		],
		"return_shape": "ranked list"
	}`}}
	p := newTestPlanner(t, chat.chat)
	dir := newTurnDir(t)

	ticket, err := p.Plan(context.Background(), dir, "find hamster cages", ClassifyIntent("find hamster cages"), "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ticket.TicketID, "tkt_"))
	assert.Equal(t, dir.TurnID(), ticket.UserTurnID)
	assert.Equal(t, "Find three hamster cages under $100", ticket.Goal)
	assert.Len(t, ticket.MicroPlan, 2)
	require.Len(t, ticket.Subtasks, 2)
	assert.Equal(t, "sub_search", ticket.Subtasks[0].ID)
	assert.Equal(t, "sub_2", ticket.Subtasks[1].ID, "subtasks without IDs get positional ones")
	assert.Equal(t, "ranked list", ticket.ReturnShape)

	_, err = os.Stat(filepath.Join(dir.Path(), turn.DocPlan))
	assert.NoError(t, err)
}

func TestPlanDegradesOnModelFailure(t *testing.T) {
	chat := &scriptedChat{err: fmt.Errorf("model down")}
	p := newTestPlanner(t, chat.chat)

	query := "find a cage; compare prices and also order bedding"
	ticket, err := p.Plan(context.Background(), newTurnDir(t), query, ClassifyIntent(query), "")
	require.NoError(t, err)

	assert.Equal(t, query, ticket.Goal)
	require.Len(t, ticket.Subtasks, 3, "degraded tickets carry one subtask per goal")
	assert.Equal(t, "sub_1", ticket.Subtasks[0].ID)
	assert.Equal(t, "find a cage", ticket.Subtasks[0].Description)
}

func TestPlanUnparseableReplyDegrades(t *testing.T) {
	chat := &scriptedChat{replies: []string{"I would start by searching."}}
	p := newTestPlanner(t, chat.chat)

	ticket, err := p.Plan(context.Background(), newTurnDir(t), "find cages", ClassifyIntent("find cages"), "")
	require.NoError(t, err)
	assert.Equal(t, "find cages", ticket.Goal)
}

func TestPlanAltFieldFallbacks(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{
		"answer": "Compare cage prices",
		"plan": ["step one", "step two"]
	}`}}
	p := newTestPlanner(t, chat.chat)

	ticket, err := p.Plan(context.Background(), newTurnDir(t), "find cages", ClassifyIntent("find cages"), "")
	require.NoError(t, err)
	assert.Equal(t, "Compare cage prices", ticket.Goal)
	assert.Equal(t, []string{"step one", "step two"}, ticket.MicroPlan)
}

func TestPlanMissingRecipeErrors(t *testing.T) {
	recipes, err := recipe.NewLoader(t.TempDir())
	require.NoError(t, err)
	p := NewPlanner(executorConfig(""), recipes, (&scriptedChat{}).chat, contract.NewEnforcer())

	_, err = p.Plan(context.Background(), newTurnDir(t), "find cages", ClassifyIntent("find cages"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipe")
}
