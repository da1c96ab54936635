// Package protocol defines the typed payloads exchanged between pipeline
// phases: tickets, tool calls, evidence bundles, capsules, and envelopes.
//
// Every payload that crosses a phase boundary lives here so the contract
// enforcer, the phases, and the stores agree on one shape.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Confidence labels a claim's reliability.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// TTLSeconds returns the confidence-scaled claim TTL: high 48h, medium 24h,
// low 6h.
func (c Confidence) TTLSeconds() int {
	switch c {
	case ConfidenceHigh:
		return 48 * 3600
	case ConfidenceLow:
		return 6 * 3600
	default:
		return 24 * 3600
	}
}

// ParseConfidence normalizes a string to a Confidence, defaulting to medium.
func ParseConfidence(s string) Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return ConfidenceHigh
	case "low":
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// TaskTicket is the planner's intent handed to the executor tier.
// Immutable once emitted.
type TaskTicket struct {
	TicketID     string            `json:"ticket_id"`
	UserTurnID   string            `json:"user_turn_id"`
	Goal         string            `json:"goal"`
	MicroPlan    []string          `json:"micro_plan,omitempty"`
	Subtasks     []Subtask         `json:"subtasks,omitempty"`
	Constraints  map[string]string `json:"constraints,omitempty"`
	Verification []string          `json:"verification,omitempty"`
	ReturnShape  string            `json:"return_shape,omitempty"`
}

// Subtask is one structured sub-goal within a ticket.
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Rationale   string `json:"rationale,omitempty"`
}

// ToolCall names a tool and its arguments, produced by the coordinator.
type ToolCall struct {
	Tool     string                 `json:"tool"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Required bool                   `json:"required,omitempty"`
}

// ToolOutput is the enforced shape of every raw tool response.
type ToolOutput struct {
	Success  bool                   `json:"success"`
	Data     interface{}            `json:"data,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// BundleItemKind classifies evidence items.
type BundleItemKind string

const (
	BundleKindDocExcerpt BundleItemKind = "doc_excerpt"
	BundleKindMemory     BundleItemKind = "memory"
	BundleKindToolOutput BundleItemKind = "tool_output"
)

// RawBundleItem is one piece of evidence gathered during execution.
type RawBundleItem struct {
	Handle   string                 `json:"handle"`
	Kind     BundleItemKind         `json:"kind"`
	Summary  string                 `json:"summary,omitempty"`
	BlobID   string                 `json:"blob_id"`
	Preview  string                 `json:"preview,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// BundleStatus summarizes a bundle's outcome.
type BundleStatus string

const (
	BundleOK       BundleStatus = "ok"
	BundleEmpty    BundleStatus = "empty"
	BundleError    BundleStatus = "error"
	BundleConflict BundleStatus = "conflict"
)

// RawBundle is the coordinator-produced evidence collection for a ticket.
type RawBundle struct {
	TicketID string                 `json:"ticket_id"`
	Status   BundleStatus           `json:"status"`
	Items    []RawBundleItem        `json:"items"`
	Usage    map[string]interface{} `json:"usage,omitempty"`
}

// HasHandle reports whether the bundle contains an item with the handle.
func (b *RawBundle) HasHandle(handle string) bool {
	for _, item := range b.Items {
		if item.Handle == handle {
			return true
		}
	}
	return false
}

// CapsuleClaim is one verified, evidence-backed claim.
type CapsuleClaim struct {
	ClaimID      string                 `json:"claim_id"`
	Claim        string                 `json:"claim"`
	Topic        string                 `json:"topic,omitempty"`
	Evidence     []string               `json:"evidence"`
	Confidence   Confidence             `json:"confidence"`
	LastVerified time.Time              `json:"last_verified"`
	TTLSeconds   int                    `json:"ttl_seconds,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Validate enforces the claim invariant: at least one evidence handle.
func (c *CapsuleClaim) Validate() error {
	if strings.TrimSpace(c.Claim) == "" {
		return fmt.Errorf("claim statement is empty")
	}
	if len(c.Evidence) == 0 {
		return fmt.Errorf("claim %q has no evidence handles", c.Claim)
	}
	return nil
}

// ArtifactRef is a labelled blob reference carried by a capsule.
type ArtifactRef struct {
	Label  string `json:"label"`
	BlobID string `json:"blob_id"`
}

// DistilledCapsule is the verifier's output.
type DistilledCapsule struct {
	TicketID               string                 `json:"ticket_id"`
	Status                 string                 `json:"status"`
	Claims                 []CapsuleClaim         `json:"claims"`
	Caveats                []string               `json:"caveats,omitempty"`
	OpenQuestions          []string               `json:"open_questions,omitempty"`
	Artifacts              []ArtifactRef          `json:"artifacts,omitempty"`
	RecommendedAnswerShape string                 `json:"recommended_answer_shape,omitempty"`
	BudgetReport           map[string]interface{} `json:"budget_report,omitempty"`
}

// CapsuleEnvelope is the minimal capsule form delivered to the synthesizer.
type CapsuleEnvelope struct {
	ClaimsTopK     []string               `json:"claims_topk"`
	ClaimSummaries map[string]string      `json:"claim_summaries"`
	Caveats        []string               `json:"caveats,omitempty"`
	OpenQuestions  []string               `json:"open_questions,omitempty"`
	Artifacts      []ArtifactRef          `json:"artifacts,omitempty"`
	Delta          bool                   `json:"delta"`
	BudgetReport   map[string]interface{} `json:"budget_report,omitempty"`
	QualityReport  map[string]interface{} `json:"quality_report,omitempty"`
}

// ClaimID derives the stable claim ID from a canonicalized statement, so
// equal claims produced twice deduplicate.
func ClaimID(statement string) string {
	canonical := strings.Join(strings.Fields(strings.ToLower(statement)), " ")
	canonical = strings.TrimRight(canonical, ".!? ")
	sum := sha256.Sum256([]byte(canonical))
	return "clm_" + hex.EncodeToString(sum[:])[:16]
}

// MemoryWrite is one detected long-term memory append.
type MemoryWrite struct {
	DocType    string  `json:"doc_type"`
	Section    string  `json:"section,omitempty"`
	Entry      string  `json:"entry"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// TurnSummary is the summarizer's digest of one turn.
type TurnSummary struct {
	ShortSummary       string            `json:"short_summary"`
	KeyFindings        []string          `json:"key_findings,omitempty"`
	PreferencesLearned map[string]string `json:"preferences_learned,omitempty"`
	Topic              string            `json:"topic,omitempty"`
	Satisfaction       float64           `json:"satisfaction"`
	NextTurnHints      []string          `json:"next_turn_hints,omitempty"`
}
