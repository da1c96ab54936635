package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/cortex/pkg/artifact"
	"github.com/kadirpekel/cortex/pkg/breaker"
	"github.com/kadirpekel/cortex/pkg/cache"
	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/tools"
	"github.com/kadirpekel/cortex/pkg/turn"
)

// Agent loop actions.
const (
	ActionToolCall = "TOOL_CALL"
	ActionDone     = "DONE"
	ActionBlocked  = "BLOCKED"
)

// previewLimit caps inline evidence previews.
const previewLimit = 400

// Executor drives the agent loop: the coordinator model picks tool
// calls, tools run in bounded concurrent batches behind the tool
// breaker, and every result becomes an evidence item in the raw bundle.
type Executor struct {
	cfg       *config.Config
	chat      ChatFunc
	invoker   *tools.Invoker
	toolBrk   *breaker.Group
	artifacts *artifact.Store
	caches    *cache.Manager
	enforcer  *contract.Enforcer
	logger    *slog.Logger
}

// NewExecutor wires the executor.
func NewExecutor(cfg *config.Config, chat ChatFunc, invoker *tools.Invoker, toolBrk *breaker.Group, artifacts *artifact.Store, caches *cache.Manager, enforcer *contract.Enforcer) *Executor {
	return &Executor{
		cfg:       cfg,
		chat:      chat,
		invoker:   invoker,
		toolBrk:   toolBrk,
		artifacts: artifacts,
		caches:    caches,
		enforcer:  enforcer,
		logger:    slog.Default().With("component", "executor"),
	}
}

// stepDecision is the coordinator's per-step choice.
type stepDecision struct {
	Action    string              `json:"action"`
	Reason    string              `json:"reason,omitempty"`
	ToolCalls []protocol.ToolCall `json:"tool_calls,omitempty"`

	// Alternate field names models drift into.
	Calls []protocol.ToolCall `json:"calls,omitempty"`
	Plan  []protocol.ToolCall `json:"plan,omitempty"`
}

// toolCallRecord is what gets written under tool_calls/ per executed call.
type toolCallRecord struct {
	Step     int                 `json:"step"`
	Call     protocol.ToolCall   `json:"call"`
	Output   protocol.ToolOutput `json:"output"`
	Cached   bool                `json:"cached,omitempty"`
	Duration string              `json:"duration"`
}

// Execute runs the agent loop for one ticket and returns the evidence
// bundle. The loop ends on DONE, BLOCKED, or the step cap; the cap is
// treated as BLOCKED with whatever evidence was gathered.
func (e *Executor) Execute(ctx context.Context, dir *turn.Dir, ticket *protocol.TaskTicket, contextDoc string) (*protocol.RawBundle, error) {
	bundle := &protocol.RawBundle{
		TicketID: ticket.TicketID,
		Status:   protocol.BundleEmpty,
	}
	transcript := e.initialTranscript(ticket, contextDoc)

	for step := 1; step <= e.cfg.Pipeline.MaxCycles; step++ {
		decision := e.decide(ctx, transcript)

		switch decision.Action {
		case ActionDone:
			if len(bundle.Items) > 0 {
				bundle.Status = protocol.BundleOK
			}
			return bundle, nil

		case ActionBlocked:
			bundle.Status = protocol.BundleError
			if len(bundle.Items) > 0 {
				bundle.Status = protocol.BundleConflict
			}
			e.logger.Info("Agent loop blocked", "ticket", ticket.TicketID, "step", step, "reason", decision.Reason)
			return bundle, nil

		case ActionToolCall:
			calls := decision.ToolCalls
			if len(calls) > e.cfg.Pipeline.ToolsPerStep {
				calls = calls[:e.cfg.Pipeline.ToolsPerStep]
			}
			results := e.runBatch(ctx, dir, step, calls)
			for i, out := range results {
				item := e.promote(step, i, calls[i], out)
				if item != nil {
					bundle.Items = append(bundle.Items, *item)
				}
			}
			transcript += renderStepResults(step, calls, results)
		}

		if ctx.Err() != nil {
			bundle.Status = protocol.BundleError
			return bundle, ctx.Err()
		}
	}

	// Step cap reached.
	bundle.Status = protocol.BundleError
	if len(bundle.Items) > 0 {
		bundle.Status = protocol.BundleConflict
	}
	e.logger.Info("Agent loop hit step cap", "ticket", ticket.TicketID, "max_cycles", e.cfg.Pipeline.MaxCycles)
	return bundle, nil
}

func (e *Executor) initialTranscript(ticket *protocol.TaskTicket, contextDoc string) string {
	var sb strings.Builder
	sb.WriteString("## Goal\n" + ticket.Goal + "\n")
	if len(ticket.MicroPlan) > 0 {
		sb.WriteString("\n## Plan\n")
		for _, step := range ticket.MicroPlan {
			sb.WriteString("- " + step + "\n")
		}
	}
	for _, sub := range ticket.Subtasks {
		fmt.Fprintf(&sb, "- [%s] %s\n", sub.ID, sub.Description)
	}
	if contextDoc != "" {
		sb.WriteString("\n## Context\n" + contextDoc + "\n")
	}
	sb.WriteString("\n## Tool execution\n")
	return sb.String()
}

// decide asks the coordinator for the next action. Any failure maps to
// BLOCKED; the verifier will work with partial evidence.
func (e *Executor) decide(ctx context.Context, transcript string) *stepDecision {
	resp, err := e.chat(ctx, config.RoleCoordinator, []llms.Message{
		llms.System("You coordinate tool execution. Answer only with a JSON object: " +
			`{"action": "TOOL_CALL"|"DONE"|"BLOCKED", "reason": "...", ` +
			`"tool_calls": [{"tool": "web.search", "args": {"query": "..."}}]}. ` +
			"Choose DONE when the goal is satisfied, BLOCKED when it cannot be."),
		llms.User(transcript),
	}, &llms.Options{JSONMode: true})
	if err != nil {
		e.logger.Warn("Coordinator call failed, loop blocks", "error", err)
		return &stepDecision{Action: ActionBlocked, Reason: "coordinator unavailable"}
	}

	var decision stepDecision
	if _, perr := e.enforcer.ParseJSON("coordinator", resp.Content, &decision); perr != nil {
		return &stepDecision{Action: ActionBlocked, Reason: "coordinator output unparseable"}
	}
	normalizeDecision(&decision)
	return &decision
}

func normalizeDecision(d *stepDecision) {
	switch strings.ToUpper(strings.TrimSpace(d.Action)) {
	case ActionDone, "FINISHED", "COMPLETE":
		d.Action = ActionDone
	case ActionBlocked, "FAIL", "FAILED", "STUCK":
		d.Action = ActionBlocked
	default:
		d.Action = ActionToolCall
	}
	if len(d.ToolCalls) == 0 {
		d.ToolCalls = d.Calls
	}
	if len(d.ToolCalls) == 0 {
		d.ToolCalls = d.Plan
	}
	// Drop items the repair pass could not give a tool name.
	valid := d.ToolCalls[:0]
	for _, c := range d.ToolCalls {
		if strings.TrimSpace(c.Tool) != "" {
			valid = append(valid, c)
		}
	}
	d.ToolCalls = valid
	if d.Action == ActionToolCall && len(d.ToolCalls) == 0 {
		d.Action = ActionBlocked
		if d.Reason == "" {
			d.Reason = "no executable tool calls"
		}
	}
}

// runBatch executes one step's tool calls concurrently. Failures never
// abort the batch; each slot gets an output, synthetic if necessary.
func (e *Executor) runBatch(ctx context.Context, dir *turn.Dir, step int, calls []protocol.ToolCall) []protocol.ToolOutput {
	results := make([]protocol.ToolOutput, len(calls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			start := time.Now()
			out, cached := e.invokeOne(gctx, call)
			record := toolCallRecord{
				Step:     step,
				Call:     call,
				Output:   out,
				Cached:   cached,
				Duration: time.Since(start).String(),
			}

			mu.Lock()
			results[i] = out
			if err := dir.WriteToolCall(step, call.Tool, record); err != nil {
				e.logger.Warn("Tool call record write failed", "tool", call.Tool, "error", err)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// invokeOne runs a single tool call through the tool cache and the
// breaker. Circuit-open and invocation errors become synthetic failure
// outputs, never panics or aborts.
func (e *Executor) invokeOne(ctx context.Context, call protocol.ToolCall) (protocol.ToolOutput, bool) {
	key := tools.CacheKey(call)
	layer, hasLayer := e.caches.Layer(cache.LayerTools)

	if hasLayer {
		if hit := layer.GetExact(key); hit != nil {
			e.caches.RecordLookup(cache.LayerTools, "hit")
			if out, ok := hit.Entry.Value.(protocol.ToolOutput); ok {
				return out, true
			}
		}
		e.caches.RecordLookup(cache.LayerTools, "miss")
	}

	var out protocol.ToolOutput
	err := e.toolBrk.Call(ctx, toolCategory(call.Tool), func(ctx context.Context) error {
		result, err := e.invoker.Invoke(ctx, call)
		if err != nil {
			return err
		}
		out = result
		if !out.Success {
			return fmt.Errorf("%s", out.Error)
		}
		return nil
	})
	if err != nil {
		if breaker.IsCircuitOpen(err) {
			return protocol.ToolOutput{
				Success: false,
				Error:   fmt.Sprintf("tool category %s circuit open", toolCategory(call.Tool)),
				Metadata: map[string]interface{}{
					"tool":         call.Tool,
					"circuit_open": true,
				},
			}, false
		}
		if out.Error == "" {
			out = protocol.ToolOutput{Success: false, Error: err.Error()}
		}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]interface{}{}
	}
	out.Metadata["tool"] = call.Tool

	if hasLayer && out.Success {
		if ttl := e.invoker.CacheTTL(call.Tool); ttl > 0 {
			layer.Put(&cache.Entry{
				Key:       key,
				Domain:    toolCategory(call.Tool),
				QueryText: call.Tool,
				Value:     out,
				Quality:   1.0,
				TTL:       ttl,
			})
		}
	}
	return out, false
}

// promote turns one tool output into an evidence item: the full payload
// goes to the artifact store, the bundle carries a handle, a summary,
// and a short inline preview.
func (e *Executor) promote(step, slot int, call protocol.ToolCall, out protocol.ToolOutput) *protocol.RawBundleItem {
	payload, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	blobID, err := e.artifacts.StoreBytes(payload, "tool_output", map[string]string{
		"tool": call.Tool,
	})
	if err != nil {
		e.logger.Warn("Evidence blob store failed", "tool", call.Tool, "error", err)
		return nil
	}

	summary := fmt.Sprintf("%s succeeded", call.Tool)
	if !out.Success {
		summary = fmt.Sprintf("%s failed: %s", call.Tool, out.Error)
	}
	return &protocol.RawBundleItem{
		Handle:  fmt.Sprintf("h_%02d_%d_%s", step, slot+1, strings.ReplaceAll(call.Tool, ".", "_")),
		Kind:    protocol.BundleKindToolOutput,
		Summary: summary,
		BlobID:  blobID,
		Preview: previewValue(out.Data, previewLimit),
		Metadata: map[string]interface{}{
			"tool":    call.Tool,
			"success": out.Success,
		},
	}
}

func renderStepResults(step int, calls []protocol.ToolCall, results []protocol.ToolOutput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n### Step %d\n", step)
	for i, call := range calls {
		out := results[i]
		status := "ok"
		if !out.Success {
			status = "failed: " + out.Error
		}
		fmt.Fprintf(&sb, "- %s -> %s\n", call.Tool, status)
		if preview := previewValue(out.Data, previewLimit); preview != "" {
			fmt.Fprintf(&sb, "  %s\n", preview)
		}
	}
	return sb.String()
}

// toolCategory maps a dotted tool name to its breaker component
// ("web.search" -> "web.*").
func toolCategory(tool string) string {
	if idx := strings.Index(tool, "."); idx > 0 {
		return tool[:idx] + ".*"
	}
	return tool
}
