package pipeline

import (
	"strings"
)

// QueryType classifies what kind of turn the user is asking for.
type QueryType string

const (
	QueryRetry         QueryType = "RETRY"
	QueryAction        QueryType = "ACTION"
	QueryRecall        QueryType = "RECALL"
	QueryInformational QueryType = "INFORMATIONAL"
	QueryClarification QueryType = "CLARIFICATION"
	QueryMetadata      QueryType = "METADATA"
)

// Intent is the heuristic classification of one user query. It drives
// cache domain isolation, claim recall filtering, and the fast-bypass
// rules in the cache gate.
type Intent struct {
	QueryType  QueryType `json:"query_type"`
	Domain     string    `json:"domain"`
	Verb       string    `json:"verb,omitempty"`
	Confidence float64   `json:"confidence"`
	Goals      []string  `json:"goals,omitempty"`
	MultiGoal  bool      `json:"multi_goal,omitempty"`
	IsRetry    bool      `json:"is_retry,omitempty"`
	IsRecall   bool      `json:"is_recall,omitempty"`
}

// verbDomains maps a leading imperative verb to the cache domain and the
// claim domains recall should search.
var verbDomains = map[string]struct {
	domain string
	claims []string
}{
	"buy":      {"commerce", []string{"pricing", "commerce"}},
	"purchase": {"commerce", []string{"pricing", "commerce"}},
	"order":    {"commerce", []string{"pricing", "commerce"}},
	"price":    {"pricing", []string{"pricing", "commerce"}},
	"cost":     {"pricing", []string{"pricing"}},
	"find":     {"research", []string{"research", "specifications"}},
	"search":   {"research", []string{"research", "specifications"}},
	"look":     {"research", []string{"research", "specifications"}},
	"research": {"research", []string{"research", "specifications"}},
	"compare":  {"research", []string{"research", "specifications", "pricing"}},
	"check":    {"research", []string{"research"}},
	"care":     {"care", []string{"care"}},
	"feed":     {"care", []string{"care"}},
	"clean":    {"care", []string{"care"}},
	"write":    {"workspace", []string{"workspace"}},
	"read":     {"workspace", []string{"workspace"}},
	"save":     {"workspace", []string{"workspace"}},
	"run":      {"workspace", []string{"workspace"}},
}

var retryPhrases = []string{
	"retry", "try again", "try that again", "refresh",
	"fresh search", "search again", "re-run", "rerun", "redo",
}

var recallPhrases = []string{
	"why did you", "you mentioned", "you said", "those options",
	"the first one", "the second one", "what were we", "we were talking",
	"we talked about", "earlier you", "as you said", "elaborate on that",
}

var multiGoalMarkers = []string{"; ", " and also ", " and then ", ", then ", " as well as "}

// questionWords open informational queries.
var questionWords = map[string]bool{
	"what": true, "how": true, "where": true, "when": true,
	"which": true, "who": true, "why": true, "is": true,
	"are": true, "can": true, "does": true, "do": true,
}

// IsRetry is the single authoritative retry detector; the cache gate and
// the planner both consult it.
func IsRetry(query string) bool {
	q := strings.ToLower(query)
	for _, phrase := range retryPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

// IsRecall detects back-references to earlier turns.
func IsRecall(query string) bool {
	q := strings.ToLower(query)
	for _, phrase := range recallPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

// SplitGoals breaks a multi-goal query into its parts. A single-goal
// query comes back as a one-element slice.
func SplitGoals(query string) []string {
	parts := []string{query}
	for _, marker := range multiGoalMarkers {
		var next []string
		for _, p := range parts {
			for _, piece := range strings.Split(p, marker) {
				if s := strings.TrimSpace(piece); s != "" {
					next = append(next, s)
				}
			}
		}
		parts = next
	}
	return parts
}

// ClassifyIntent runs the heuristic intent classifier. It never calls a
// model; confidence reflects how unambiguous the heuristics were.
func ClassifyIntent(query string) *Intent {
	intent := &Intent{
		QueryType:  QueryInformational,
		Domain:     "general",
		Confidence: 0.25,
	}

	goals := SplitGoals(query)
	intent.Goals = goals
	intent.MultiGoal = len(goals) > 1

	if IsRetry(query) {
		intent.QueryType = QueryRetry
		intent.IsRetry = true
		intent.Confidence = 0.9
	}
	if IsRecall(query) {
		intent.QueryType = QueryRecall
		intent.IsRecall = true
		intent.Confidence = 0.9
	}

	words := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	if len(words) == 0 {
		intent.QueryType = QueryClarification
		intent.Confidence = 0.1
		return intent
	}

	first := strings.Trim(words[0], ",.!?")
	if vd, ok := verbDomains[first]; ok {
		intent.Verb = first
		intent.Domain = vd.domain
		if !intent.IsRetry && !intent.IsRecall {
			intent.QueryType = QueryAction
			intent.Confidence = 0.85
		}
		return intent
	}

	// Scan past a question opener for an embedded verb ("how much does
	// it cost", "where can I buy").
	for _, w := range words[1:] {
		w = strings.Trim(w, ",.!?")
		if vd, ok := verbDomains[w]; ok {
			intent.Verb = w
			intent.Domain = vd.domain
			if !intent.IsRetry && !intent.IsRecall {
				intent.Confidence = 0.6
			}
			return intent
		}
	}

	if questionWords[first] && !intent.IsRetry && !intent.IsRecall {
		intent.Confidence = 0.5
	}
	return intent
}

// ClaimDomains returns the claim-registry domains recall should search
// for this intent.
func (i *Intent) ClaimDomains() []string {
	if i.Verb != "" {
		if vd, ok := verbDomains[i.Verb]; ok {
			return vd.claims
		}
	}
	return []string{i.Domain}
}

// HasActionVerb reports whether the query carries an imperative verb;
// used by the failure-phrase guard in the cache gate.
func (i *Intent) HasActionVerb() bool {
	return i.Verb != ""
}
