package contract

import "strings"

// TruncationMarker is appended to any budget-truncated text.
const TruncationMarker = "\n[output truncated at token budget]"

// charsPerToken is the conservative chars-to-tokens estimate used when a
// payload must be cut without a tokenizer in the loop.
const charsPerToken = 4

// EnforceTokenBudget cuts text to roughly maxTokens. The cut prefers the
// last sentence boundary inside the final fifth of the limit so truncation
// does not end mid-sentence; truncated text carries a visible marker.
// maxTokens <= 0 means unlimited.
func EnforceTokenBudget(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return text, false
	}
	limit := maxTokens * charsPerToken
	if len(text) <= limit {
		return text, false
	}

	cut := text[:limit]
	floor := limit * 8 / 10
	if idx := lastSentenceBoundary(cut); idx >= floor {
		cut = cut[:idx+1]
	}
	return strings.TrimRight(cut, " \t") + TruncationMarker, true
}

func lastSentenceBoundary(s string) int {
	best := -1
	for i, r := range s {
		switch r {
		case '.', '!', '?', '\n':
			best = i
		}
	}
	return best
}
