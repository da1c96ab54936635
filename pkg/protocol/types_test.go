package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimIDCanonicalizes(t *testing.T) {
	base := ClaimID("The Vista 80 costs $89")

	// Case, whitespace, and trailing punctuation do not change the ID.
	assert.Equal(t, base, ClaimID("the  vista 80   costs $89"))
	assert.Equal(t, base, ClaimID("The Vista 80 costs $89."))
	assert.Equal(t, base, ClaimID("THE VISTA 80 COSTS $89!"))

	// Different statements get different IDs.
	assert.NotEqual(t, base, ClaimID("The Vista 80 costs $99"))
}

func TestClaimIDShape(t *testing.T) {
	id := ClaimID("some statement")
	require.True(t, strings.HasPrefix(id, "clm_"))
	assert.Len(t, id, len("clm_")+16)
}

func TestConfidenceTTLSeconds(t *testing.T) {
	assert.Equal(t, 48*3600, ConfidenceHigh.TTLSeconds())
	assert.Equal(t, 24*3600, ConfidenceMedium.TTLSeconds())
	assert.Equal(t, 6*3600, ConfidenceLow.TTLSeconds())

	// Unknown values fall back to the medium TTL.
	assert.Equal(t, 24*3600, Confidence("certain").TTLSeconds())
}

func TestParseConfidence(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, ParseConfidence("high"))
	assert.Equal(t, ConfidenceHigh, ParseConfidence("  HIGH "))
	assert.Equal(t, ConfidenceLow, ParseConfidence("low"))
	assert.Equal(t, ConfidenceMedium, ParseConfidence("medium"))
	assert.Equal(t, ConfidenceMedium, ParseConfidence(""))
	assert.Equal(t, ConfidenceMedium, ParseConfidence("whatever"))
}

func TestRawBundleHasHandle(t *testing.T) {
	bundle := &RawBundle{
		TicketID: "tkt_1",
		Status:   BundleOK,
		Items: []RawBundleItem{
			{Handle: "h1", Kind: BundleKindToolOutput, BlobID: "blob://aa"},
			{Handle: "h2", Kind: BundleKindDocExcerpt, BlobID: "blob://bb"},
		},
	}

	assert.True(t, bundle.HasHandle("h1"))
	assert.True(t, bundle.HasHandle("h2"))
	assert.False(t, bundle.HasHandle("h3"))

	empty := &RawBundle{Status: BundleEmpty}
	assert.False(t, empty.HasHandle("h1"))
}

func TestCapsuleClaimValidate(t *testing.T) {
	valid := &CapsuleClaim{
		Claim:      "The hamster wheel is 28cm",
		Evidence:   []string{"h1"},
		Confidence: ConfidenceHigh,
	}
	require.NoError(t, valid.Validate())

	noEvidence := &CapsuleClaim{Claim: "unsupported"}
	err := noEvidence.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no evidence")

	blank := &CapsuleClaim{Claim: "   ", Evidence: []string{"h1"}}
	require.Error(t, blank.Validate())
}
