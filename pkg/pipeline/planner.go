package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/docpack"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/recipe"
	"github.com/kadirpekel/cortex/pkg/turn"
)

// Planner turns the user query plus composed context into a TaskTicket.
type Planner struct {
	cfg      *config.Config
	recipes  *recipe.Loader
	chat     ChatFunc
	enforcer *contract.Enforcer
	logger   *slog.Logger
}

// NewPlanner wires the planner.
func NewPlanner(cfg *config.Config, recipes *recipe.Loader, chat ChatFunc, enforcer *contract.Enforcer) *Planner {
	return &Planner{
		cfg:      cfg,
		recipes:  recipes,
		chat:     chat,
		enforcer: enforcer,
		logger:   slog.Default().With("component", "planner"),
	}
}

// planReply is the lenient shape of the model's STRATEGIC_PLAN output.
type planReply struct {
	Goal         string             `json:"goal"`
	MicroPlan    []string           `json:"micro_plan"`
	Subtasks     []protocol.Subtask `json:"subtasks"`
	Constraints  map[string]string  `json:"constraints"`
	Verification []string           `json:"verification"`
	ReturnShape  string             `json:"return_shape"`

	// Alternate field names models drift into.
	Plan     []string `json:"plan,omitempty"`
	Answer   string   `json:"answer,omitempty"`
	Response string   `json:"response,omitempty"`
}

// Plan produces the turn's ticket and writes plan.json. A doc-pack
// budget violation is fatal; a model failure degrades to a single-goal
// ticket so the pipeline keeps moving.
func (p *Planner) Plan(ctx context.Context, dir *turn.Dir, query string, intent *Intent, contextDoc string) (*protocol.TaskTicket, error) {
	r, err := p.recipes.Select("planner", "chat", intent.Domain)
	if err != nil {
		return nil, fmt.Errorf("select planner recipe: %w", err)
	}
	system, err := p.recipes.Fragment(r)
	if err != nil {
		return nil, fmt.Errorf("load planner fragment: %w", err)
	}

	input := contextDoc
	if len(r.InputDocs) > 0 {
		// The turn root changes per turn, so the pack builder is built
		// per call against this turn's directory.
		builder, err := docpack.NewBuilder(p.cfg.LLMs[config.RoleGuide].Model, docpack.Roots{
			Turn:    dir.Path(),
			Repo:    ".",
			Session: p.cfg.Paths.MemoryRoot,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("build doc pack builder: %w", err)
		}
		pack, err := builder.Build(ctx, system, r.InputDocs, r.TokenBudget)
		if err != nil {
			// Budget violations mean a mis-specified recipe; escalate
			// instead of silently truncating the prompt.
			return nil, fmt.Errorf("planner doc pack: %w", err)
		}
		input = pack.AsPrompt()
	}

	ticket := &protocol.TaskTicket{
		TicketID:   "tkt_" + uuid.NewString()[:8],
		UserTurnID: dir.TurnID(),
	}

	resp, err := p.chat(ctx, config.RoleGuide, []llms.Message{
		llms.System(system + "\n\nAnswer only with a JSON object: " +
			`{"goal": "...", "micro_plan": ["..."], "subtasks": [{"id": "...", "description": "..."}], ` +
			`"constraints": {}, "verification": ["..."], "return_shape": "..."}`),
		llms.User(fmt.Sprintf("%s\n\n## User query\n%s", input, query)),
	}, &llms.Options{MaxTokens: r.MaxOutputTokens, JSONMode: true})
	if err != nil {
		p.logger.Warn("Planner model call failed, degrading to single-goal ticket", "error", err)
		fillDegradedTicket(ticket, query, intent)
	} else {
		var reply planReply
		if _, perr := p.enforcer.ParseJSON("planner", resp.Content, &reply); perr != nil {
			p.logger.Warn("Plan unparseable, degrading to single-goal ticket")
			fillDegradedTicket(ticket, query, intent)
		} else {
			fillTicket(ticket, &reply, query)
		}
	}

	if err := dir.WriteJSON(turn.DocPlan, ticket); err != nil {
		return nil, fmt.Errorf("write plan doc: %w", err)
	}
	return ticket, nil
}

func fillTicket(ticket *protocol.TaskTicket, reply *planReply, query string) {
	goal := reply.Goal
	for _, alt := range []string{reply.Answer, reply.Response} {
		if goal == "" && strings.TrimSpace(alt) != "" {
			goal = alt
		}
	}
	if strings.TrimSpace(goal) == "" {
		goal = query
	}

	ticket.Goal = goal
	ticket.MicroPlan = reply.MicroPlan
	if len(ticket.MicroPlan) == 0 {
		ticket.MicroPlan = reply.Plan
	}
	ticket.Subtasks = reply.Subtasks
	ticket.Constraints = reply.Constraints
	ticket.Verification = reply.Verification
	ticket.ReturnShape = reply.ReturnShape

	for i := range ticket.Subtasks {
		if ticket.Subtasks[i].ID == "" {
			ticket.Subtasks[i].ID = fmt.Sprintf("sub_%d", i+1)
		}
	}
}

// fillDegradedTicket builds the minimal ticket the executor can still
// act on when planning itself failed. Multi-goal queries become one
// subtask per goal.
func fillDegradedTicket(ticket *protocol.TaskTicket, query string, intent *Intent) {
	ticket.Goal = query
	for i, goal := range intent.Goals {
		ticket.Subtasks = append(ticket.Subtasks, protocol.Subtask{
			ID:          fmt.Sprintf("sub_%d", i+1),
			Description: goal,
		})
	}
}
