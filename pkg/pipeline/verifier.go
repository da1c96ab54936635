package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/llms"
	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/recipe"
	"github.com/kadirpekel/cortex/pkg/utils"
)

// defaultClaimCap bounds claims per capsule when the recipe does not.
const defaultClaimCap = 12

// claimSummaryLimit caps the per-claim text in the envelope.
const claimSummaryLimit = 160

// ClaimRanker orders capsule claims before the cap is applied. The
// policy is pluggable; the default weighs confidence then recency.
type ClaimRanker interface {
	Rank(claims []protocol.CapsuleClaim) []protocol.CapsuleClaim
}

// QualityRanker is the default ranker: high confidence first, ties
// broken by verification recency.
type QualityRanker struct{}

func confidenceWeight(c protocol.Confidence) int {
	switch c {
	case protocol.ConfidenceHigh:
		return 2
	case protocol.ConfidenceLow:
		return 0
	default:
		return 1
	}
}

func (QualityRanker) Rank(claims []protocol.CapsuleClaim) []protocol.CapsuleClaim {
	ranked := make([]protocol.CapsuleClaim, len(claims))
	copy(ranked, claims)
	sort.SliceStable(ranked, func(i, j int) bool {
		wi, wj := confidenceWeight(ranked[i].Confidence), confidenceWeight(ranked[j].Confidence)
		if wi != wj {
			return wi > wj
		}
		return ranked[i].LastVerified.After(ranked[j].LastVerified)
	})
	return ranked
}

// Verifier distills the raw evidence bundle into a capsule of validated,
// evidence-backed claims.
type Verifier struct {
	recipes  *recipe.Loader
	chat     ChatFunc
	enforcer *contract.Enforcer
	ranker   ClaimRanker
	logger   *slog.Logger
}

// NewVerifier wires the verifier. ranker may be nil for the default.
func NewVerifier(recipes *recipe.Loader, chat ChatFunc, enforcer *contract.Enforcer, ranker ClaimRanker) *Verifier {
	if ranker == nil {
		ranker = QualityRanker{}
	}
	return &Verifier{
		recipes:  recipes,
		chat:     chat,
		enforcer: enforcer,
		ranker:   ranker,
		logger:   slog.Default().With("component", "verifier"),
	}
}

type verifierReply struct {
	Claims []struct {
		Claim      string   `json:"claim"`
		Topic      string   `json:"topic,omitempty"`
		Type       string   `json:"type,omitempty"`
		Evidence   []string `json:"evidence"`
		Confidence string   `json:"confidence"`
	} `json:"claims"`
	Caveats       []string `json:"caveats,omitempty"`
	OpenQuestions []string `json:"open_questions,omitempty"`
}

// Verify produces the capsule for a ticket's bundle. Claims whose
// evidence handles do not resolve in the bundle are dropped one by one;
// an empty bundle yields an empty capsule, never an error.
func (v *Verifier) Verify(ctx context.Context, ticket *protocol.TaskTicket, bundle *protocol.RawBundle) *protocol.DistilledCapsule {
	capsule := &protocol.DistilledCapsule{
		TicketID: ticket.TicketID,
		Status:   "empty",
	}
	if len(bundle.Items) == 0 {
		capsule.Caveats = []string{"no evidence was gathered for this request"}
		return capsule
	}

	reply, err := v.distill(ctx, ticket, bundle)
	if err != nil {
		capsule.Status = "error"
		capsule.Caveats = []string{"evidence could not be distilled: " + err.Error()}
		return capsule
	}

	now := time.Now().UTC()
	dropped := 0
	seen := make(map[string]int)
	for _, rc := range reply.Claims {
		claim := protocol.CapsuleClaim{
			Claim:        strings.TrimSpace(rc.Claim),
			Topic:        rc.Topic,
			Evidence:     resolveHandles(rc.Evidence, bundle),
			Confidence:   protocol.ParseConfidence(rc.Confidence),
			LastVerified: now,
		}
		claim.ClaimID = protocol.ClaimID(claim.Claim)
		claim.TTLSeconds = claim.Confidence.TTLSeconds()
		if rc.Type != "" {
			claim.Metadata = map[string]interface{}{"claim_type": rc.Type}
		}

		if err := claim.Validate(); err != nil {
			dropped++
			v.logger.Debug("Dropping invalid claim", "error", err)
			continue
		}

		// Equal statements dedup on the stable ID, merging evidence.
		if idx, ok := seen[claim.ClaimID]; ok {
			capsule.Claims[idx].Evidence = mergeEvidence(capsule.Claims[idx].Evidence, claim.Evidence)
			continue
		}
		seen[claim.ClaimID] = len(capsule.Claims)
		capsule.Claims = append(capsule.Claims, claim)
	}

	capsule.Claims = v.ranker.Rank(capsule.Claims)
	if len(capsule.Claims) > defaultClaimCap {
		capsule.Claims = capsule.Claims[:defaultClaimCap]
	}
	capsule.Caveats = reply.Caveats
	capsule.OpenQuestions = reply.OpenQuestions
	capsule.BudgetReport = map[string]interface{}{
		"claims_emitted": len(reply.Claims),
		"claims_kept":    len(capsule.Claims),
		"claims_dropped": dropped,
	}

	switch {
	case len(capsule.Claims) == 0 && dropped > 0:
		capsule.Status = "error"
	case len(capsule.Claims) == 0:
		capsule.Status = "empty"
	case dropped > 0:
		capsule.Status = "partial"
	default:
		capsule.Status = "ok"
	}
	return capsule
}

func (v *Verifier) distill(ctx context.Context, ticket *protocol.TaskTicket, bundle *protocol.RawBundle) (*verifierReply, error) {
	system := "You verify evidence. Extract checkable claims, each citing at least one evidence handle. " +
		`Answer only JSON: {"claims": [{"claim": "...", "evidence": ["handle"], "confidence": "high"|"medium"|"low", ` +
		`"topic": "...", "type": "RETAILER"|"PRICE"|"SPEC_INFO"|"GENERAL"}], "caveats": ["..."], "open_questions": ["..."]}`
	if r, err := v.recipes.Select("verifier", "", ""); err == nil {
		if fragment, ferr := v.recipes.Fragment(r); ferr == nil {
			system = fragment + "\n\n" + system
		}
	}

	evidence, err := json.MarshalIndent(bundleDigest(bundle), "", "  ")
	if err != nil {
		return nil, err
	}

	resp, err := v.chat(ctx, config.RoleGuide, []llms.Message{
		llms.System(system),
		llms.User(fmt.Sprintf("## Goal\n%s\n\n## Evidence\n%s", ticket.Goal, evidence)),
	}, &llms.Options{JSONMode: true})
	if err != nil {
		return nil, err
	}

	var reply verifierReply
	if _, perr := v.enforcer.ParseJSON("verifier", resp.Content, &reply); perr != nil {
		return nil, perr
	}
	return &reply, nil
}

// BuildEnvelope packages a capsule into the minimal form the synthesizer
// sees: claim IDs plus short summaries, never raw evidence.
func BuildEnvelope(capsule *protocol.DistilledCapsule, delta bool) *protocol.CapsuleEnvelope {
	env := &protocol.CapsuleEnvelope{
		ClaimsTopK:     make([]string, 0, len(capsule.Claims)),
		ClaimSummaries: make(map[string]string, len(capsule.Claims)),
		Caveats:        capsule.Caveats,
		OpenQuestions:  capsule.OpenQuestions,
		Artifacts:      capsule.Artifacts,
		Delta:          delta,
		BudgetReport:   capsule.BudgetReport,
	}
	for _, claim := range capsule.Claims {
		env.ClaimsTopK = append(env.ClaimsTopK, claim.ClaimID)
		summary := utils.TruncateString(claim.Claim, claimSummaryLimit)
		env.ClaimSummaries[claim.ClaimID] = summary
	}
	return env
}

// bundleDigest renders the bundle for the model: handles, summaries, and
// previews only, never full blobs.
func bundleDigest(bundle *protocol.RawBundle) []map[string]string {
	digest := make([]map[string]string, 0, len(bundle.Items))
	for _, item := range bundle.Items {
		digest = append(digest, map[string]string{
			"handle":  item.Handle,
			"kind":    string(item.Kind),
			"summary": item.Summary,
			"preview": item.Preview,
		})
	}
	return digest
}

// resolveHandles keeps only evidence handles present in the bundle.
func resolveHandles(handles []string, bundle *protocol.RawBundle) []string {
	var kept []string
	for _, h := range handles {
		if bundle.HasHandle(h) {
			kept = append(kept, h)
		}
	}
	return kept
}

func mergeEvidence(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	merged := append([]string{}, a...)
	for _, h := range a {
		seen[h] = true
	}
	for _, h := range b {
		if !seen[h] {
			seen[h] = true
			merged = append(merged, h)
		}
	}
	return merged
}
