package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cortex/pkg/contract"
	"github.com/kadirpekel/cortex/pkg/protocol"
	"github.com/kadirpekel/cortex/pkg/recipe"
)

func newTestVerifier(t *testing.T, chat ChatFunc) *Verifier {
	t.Helper()
	recipes, err := recipe.NewLoader(t.TempDir())
	require.NoError(t, err)
	return NewVerifier(recipes, chat, contract.NewEnforcer(), nil)
}

func evidenceBundle(handles ...string) *protocol.RawBundle {
	bundle := &protocol.RawBundle{TicketID: "tkt_test", Status: protocol.BundleOK}
	for _, h := range handles {
		bundle.Items = append(bundle.Items, protocol.RawBundleItem{
			Handle:  h,
			Kind:    protocol.BundleKindToolOutput,
			Summary: "web.search succeeded",
			BlobID:  "blob_" + h,
		})
	}
	return bundle
}

func TestVerifyEmptyBundle(t *testing.T) {
	v := newTestVerifier(t, (&scriptedChat{}).chat)

	capsule := v.Verify(context.Background(), &protocol.TaskTicket{TicketID: "tkt_test"}, &protocol.RawBundle{})
	assert.Equal(t, "empty", capsule.Status)
	assert.Empty(t, capsule.Claims)
	require.Len(t, capsule.Caveats, 1)
	assert.Contains(t, capsule.Caveats[0], "no evidence")
}

func TestVerifyDistillFailure(t *testing.T) {
	chat := &scriptedChat{err: fmt.Errorf("model down")}
	v := newTestVerifier(t, chat.chat)

	capsule := v.Verify(context.Background(), &protocol.TaskTicket{TicketID: "tkt_test"}, evidenceBundle("h_01_1_web_search"))
	assert.Equal(t, "error", capsule.Status)
	assert.Empty(t, capsule.Claims)
}

func TestVerifyDropsClaimsWithUnresolvedEvidence(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{
		"claims": [
			{"claim": "The Niteangel Vista cage costs $89", "evidence": ["h_01_1_web_search"], "confidence": "high", "type": "PRICE"},
			{"claim": "Free shipping is available", "evidence": ["h_99_9_bogus"], "confidence": "medium"}
		],
		"caveats": ["prices checked on one retailer only"]
	}`}}
	v := newTestVerifier(t, chat.chat)

	capsule := v.Verify(context.Background(), &protocol.TaskTicket{TicketID: "tkt_test", Goal: "price a cage"}, evidenceBundle("h_01_1_web_search"))

	assert.Equal(t, "partial", capsule.Status)
	require.Len(t, capsule.Claims, 1)
	claim := capsule.Claims[0]
	assert.Equal(t, protocol.ClaimID("The Niteangel Vista cage costs $89"), claim.ClaimID)
	assert.Equal(t, protocol.ConfidenceHigh, claim.Confidence)
	assert.Equal(t, protocol.ConfidenceHigh.TTLSeconds(), claim.TTLSeconds)
	assert.Equal(t, "PRICE", claim.Metadata["claim_type"])
	assert.Equal(t, 1, capsule.BudgetReport["claims_dropped"])
	assert.Equal(t, []string{"prices checked on one retailer only"}, capsule.Caveats)
}

func TestVerifyAllClaimsDroppedIsError(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{
		"claims": [{"claim": "Unsupported claim", "evidence": ["h_99_9_bogus"], "confidence": "high"}]
	}`}}
	v := newTestVerifier(t, chat.chat)

	capsule := v.Verify(context.Background(), &protocol.TaskTicket{TicketID: "tkt_test"}, evidenceBundle("h_01_1_web_search"))
	assert.Equal(t, "error", capsule.Status)
	assert.Empty(t, capsule.Claims)
}

func TestVerifyDedupesEqualClaims(t *testing.T) {
	// Same statement modulo whitespace and trailing punctuation; the
	// stable ID must collapse them and merge their evidence.
	chat := &scriptedChat{replies: []string{`{
		"claims": [
			{"claim": "The cage ships in two days", "evidence": ["h_01_1_web_search"], "confidence": "medium"},
			{"claim": "  the cage   ships in two days.", "evidence": ["h_01_2_web_fetch"], "confidence": "medium"}
		]
	}`}}
	v := newTestVerifier(t, chat.chat)

	capsule := v.Verify(context.Background(), &protocol.TaskTicket{TicketID: "tkt_test"},
		evidenceBundle("h_01_1_web_search", "h_01_2_web_fetch"))

	require.Len(t, capsule.Claims, 1)
	assert.ElementsMatch(t, []string{"h_01_1_web_search", "h_01_2_web_fetch"}, capsule.Claims[0].Evidence)
	assert.Equal(t, "ok", capsule.Status)
}

func TestQualityRankerOrdersByConfidenceThenRecency(t *testing.T) {
	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now()
	claims := []protocol.CapsuleClaim{
		{ClaimID: "clm_low", Confidence: protocol.ConfidenceLow, LastVerified: newer},
		{ClaimID: "clm_med_old", Confidence: protocol.ConfidenceMedium, LastVerified: older},
		{ClaimID: "clm_high", Confidence: protocol.ConfidenceHigh, LastVerified: older},
		{ClaimID: "clm_med_new", Confidence: protocol.ConfidenceMedium, LastVerified: newer},
	}

	ranked := QualityRanker{}.Rank(claims)
	got := make([]string, len(ranked))
	for i, c := range ranked {
		got[i] = c.ClaimID
	}
	assert.Equal(t, []string{"clm_high", "clm_med_new", "clm_med_old", "clm_low"}, got)
}

func TestVerifyCapsClaims(t *testing.T) {
	var claims string
	for i := 0; i < defaultClaimCap+3; i++ {
		if i > 0 {
			claims += ","
		}
		claims += fmt.Sprintf(`{"claim": "distinct fact number %d", "evidence": ["h_01_1_web_search"], "confidence": "high"}`, i)
	}
	chat := &scriptedChat{replies: []string{`{"claims": [` + claims + `]}`}}
	v := newTestVerifier(t, chat.chat)

	capsule := v.Verify(context.Background(), &protocol.TaskTicket{TicketID: "tkt_test"}, evidenceBundle("h_01_1_web_search"))
	assert.Len(t, capsule.Claims, defaultClaimCap)
	assert.Equal(t, defaultClaimCap+3, capsule.BudgetReport["claims_emitted"])
}

func TestBuildEnvelope(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "very long claim "
	}
	capsule := &protocol.DistilledCapsule{
		Status: "ok",
		Claims: []protocol.CapsuleClaim{
			{ClaimID: "clm_aaaaaaaaaaaaaaaa", Claim: "short claim"},
			{ClaimID: "clm_bbbbbbbbbbbbbbbb", Claim: long},
		},
		Caveats:       []string{"one retailer"},
		OpenQuestions: []string{"is it in stock?"},
	}

	env := BuildEnvelope(capsule, true)
	assert.True(t, env.Delta)
	assert.Equal(t, []string{"clm_aaaaaaaaaaaaaaaa", "clm_bbbbbbbbbbbbbbbb"}, env.ClaimsTopK)
	assert.Equal(t, "short claim", env.ClaimSummaries["clm_aaaaaaaaaaaaaaaa"])
	assert.Len(t, env.ClaimSummaries["clm_bbbbbbbbbbbbbbbb"], claimSummaryLimit)
	assert.Equal(t, []string{"one retailer"}, env.Caveats)
	assert.Equal(t, []string{"is it in stock?"}, env.OpenQuestions)
}
