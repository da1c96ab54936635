// Package contract enforces payload contracts at component boundaries.
//
// Model output is hostile input: the enforcer first tries a strict parse,
// then walks a fixed ladder of repairs (fence stripping, balanced-object
// extraction, trailing-comma removal) before declaring failure. Every
// attempt is recorded so repair rates per component stay observable.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/utils"
)

// Repair strategy names, in ladder order.
const (
	StrategyStrict        = "strict"
	StrategyFenceStrip    = "fence_strip"
	StrategyExtractObject = "extract_object"
	StrategyCommaFix      = "comma_fix"
)

// Result describes how a payload was normalized.
type Result struct {
	Repaired bool
	Strategy string
}

// Enforcer normalizes raw payloads into typed shapes.
type Enforcer struct {
	monitor *Monitor
}

// NewEnforcer creates an enforcer with its own monitor.
func NewEnforcer() *Enforcer {
	return &Enforcer{monitor: NewMonitor(monitorWindow)}
}

// Monitor exposes the enforcement monitor.
func (e *Enforcer) Monitor() *Monitor {
	return e.monitor
}

// ParseJSON parses raw into v, repairing if needed. component labels the
// producer for monitoring.
func (e *Enforcer) ParseJSON(component, raw string, v interface{}) (*Result, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		e.monitor.record(component, false, true)
		return nil, fmt.Errorf("%s produced an empty payload", component)
	}

	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		e.monitor.record(component, false, false)
		return &Result{Strategy: StrategyStrict}, nil
	}

	repairs := []struct {
		strategy string
		apply    func(string) string
	}{
		{StrategyFenceStrip, stripFences},
		{StrategyExtractObject, extractBalanced},
		{StrategyCommaFix, func(s string) string { return removeTrailingCommas(extractBalanced(stripFences(s))) }},
	}
	for _, repair := range repairs {
		candidate := strings.TrimSpace(repair.apply(trimmed))
		if candidate == "" {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			e.monitor.record(component, true, false)
			return &Result{Repaired: true, Strategy: repair.strategy}, nil
		}
	}

	e.monitor.record(component, false, true)
	return nil, fmt.Errorf("%s payload is not parseable JSON: %s", component, snippet(trimmed, 120))
}

// EnforceToolOutput normalizes a raw tool response into the uniform
// shape. Unparseable output becomes a failed ToolOutput carrying a
// snippet of the raw payload instead of an error, so the agent loop can
// reason about the failure.
func (e *Enforcer) EnforceToolOutput(tool, raw string) protocol.ToolOutput {
	var out protocol.ToolOutput
	if _, err := e.ParseJSON("tool:"+tool, raw, &out); err == nil {
		return out
	}

	// Maybe the tool returned a bare JSON value rather than the envelope.
	var data interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &data); err == nil {
		return protocol.ToolOutput{Success: true, Data: data}
	}

	return protocol.ToolOutput{
		Success: false,
		Error:   fmt.Sprintf("malformed tool output: %s", snippet(raw, 200)),
	}
}

// EnforceEnvelope parses and validates a capsule envelope: every cited
// claim ID must have a summary.
func (e *Enforcer) EnforceEnvelope(raw string) (*protocol.CapsuleEnvelope, error) {
	var env protocol.CapsuleEnvelope
	if _, err := e.ParseJSON("verifier", raw, &env); err != nil {
		return nil, err
	}
	for _, id := range env.ClaimsTopK {
		if _, ok := env.ClaimSummaries[id]; !ok {
			return nil, fmt.Errorf("envelope cites claim %s without a summary", id)
		}
	}
	return &env, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag like "json" on the fence line.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractBalanced returns the first balanced JSON object or array in s,
// respecting string literals and escapes.
func extractBalanced(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// removeTrailingCommas drops commas that directly precede a closing
// brace or bracket, outside string literals.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			b.WriteByte(c)
			continue
		}
		if c == '\\' && inString {
			escaped = true
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if c == ',' && !inString {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return utils.TruncateString(s, n) + "..."
}
