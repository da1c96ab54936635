package tools

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/httpclient"
	"github.com/kadirpekel/cortex/pkg/observability"
	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/registry"
)

// Invoker executes tool calls against the tool server.
type Invoker struct {
	cfg         config.ToolsConfig
	http        *httpclient.Client
	enforcer    *contract.Enforcer
	definitions *registry.BaseRegistry[*Definition]
	broker      *Broker
	metrics     observability.Metrics
	logger      *slog.Logger
}

// NewInvoker creates an invoker. broker may be nil when no tools require
// approval.
func NewInvoker(cfg config.ToolsConfig, enforcer *contract.Enforcer, broker *Broker, metrics observability.Metrics) *Invoker {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Invoker{
		cfg:      cfg,
		http:     httpclient.New(httpclient.WithHTTPClient(&http.Client{Timeout: timeout})),
		enforcer: enforcer,
		// Standard contracts ship built in; servers may expose more.
		definitions: NewDefinitionRegistry(),
		broker:      broker,
		metrics:     metrics,
		logger:      slog.Default().With("component", "tools"),
	}
}

// Definitions exposes the tool contract registry.
func (i *Invoker) Definitions() *registry.BaseRegistry[*Definition] {
	return i.definitions
}

// Definition returns the contract for a tool, if known.
func (i *Invoker) Definition(tool string) (*Definition, bool) {
	return i.definitions.Get(tool)
}

// NeedsApproval reports whether a tool is on the approval-required list.
// Entries match exactly or by prefix ("file.*").
func (i *Invoker) NeedsApproval(tool string) bool {
	for _, pattern := range i.cfg.ApprovalRequired {
		if pattern == tool {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(tool, prefix) {
			return true
		}
	}
	return false
}

// CacheTTL returns the tool-output cache TTL for a tool, or 0 when its
// output must not be cached.
func (i *Invoker) CacheTTL(tool string) time.Duration {
	if override, ok := i.cfg.CacheTTLSeconds[tool]; ok {
		return time.Duration(override) * time.Second
	}
	if def, ok := i.definitions.Get(tool); ok && def.Cacheable {
		return def.CacheTTL
	}
	return 0
}

// CacheKey derives the deterministic cache key for a call: the tool name
// plus its args serialized with sorted keys.
func CacheKey(call protocol.ToolCall) string {
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(call.Tool)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		v, _ := json.Marshal(call.Args[k])
		b.Write(v)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "tool_" + hex.EncodeToString(sum[:])[:24]
}

// Invoke executes one tool call. Failures surface as failed ToolOutput,
// not errors; the error return is reserved for context cancellation.
func (i *Invoker) Invoke(ctx context.Context, call protocol.ToolCall) (protocol.ToolOutput, error) {
	if call.Tool == "" {
		return failed("tool call has no tool name"), nil
	}

	if def, ok := i.definitions.Get(call.Tool); ok {
		if err := def.ValidateCall(call); err != nil {
			return failed(err.Error()), nil
		}
	}

	if i.NeedsApproval(call.Tool) {
		if i.broker == nil {
			return failed(fmt.Sprintf("tool %s requires approval but no approval channel is configured", call.Tool)), nil
		}
		approved, err := i.broker.Request(ctx, call.Tool, call.Args, "tool requires user approval")
		if err != nil {
			return protocol.ToolOutput{}, err
		}
		if !approved {
			i.logger.Info("Tool call denied", "tool", call.Tool)
			return failed(fmt.Sprintf("user denied approval for %s", call.Tool)), nil
		}
	}

	if i.cfg.ServerURL == "" {
		return failed("no tool server configured"), nil
	}

	start := time.Now()
	out, err := i.post(ctx, call)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.ToolOutput{}, ctx.Err()
		}
		i.metrics.RecordToolCall(call.Tool, time.Since(start), err)
		return failed(fmt.Sprintf("tool %s unreachable: %v", call.Tool, err)), nil
	}

	var callErr error
	if !out.Success {
		callErr = fmt.Errorf("%s", out.Error)
	}
	i.metrics.RecordToolCall(call.Tool, time.Since(start), callErr)
	return out, nil
}

func (i *Invoker) post(ctx context.Context, call protocol.ToolCall) (protocol.ToolOutput, error) {
	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return protocol.ToolOutput{}, fmt.Errorf("marshal tool args: %w", err)
	}

	url := strings.TrimRight(i.cfg.ServerURL, "/") + "/" + call.Tool
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return protocol.ToolOutput{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := i.http.Do(req)
	if err != nil {
		return protocol.ToolOutput{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.ToolOutput{}, fmt.Errorf("read tool response: %w", err)
	}

	return i.enforcer.EnforceToolOutput(call.Tool, string(body)), nil
}

func failed(msg string) protocol.ToolOutput {
	return protocol.ToolOutput{Success: false, Error: msg}
}
