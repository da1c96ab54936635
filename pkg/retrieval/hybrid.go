// Package retrieval implements hybrid semantic + keyword ranking.
//
// Both the cache layers and the topic index rank candidates the same way:
// cosine similarity over embeddings fused with a BM25-style keyword score,
// `hybrid = alpha*semantic + (1-alpha)*keyword`. Candidates below either
// per-signal threshold are rejected before fusion.
package retrieval

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Candidate is one rankable item.
type Candidate struct {
	Key       string
	Embedding []float32
	Tokens    []string
}

// Result is one ranked candidate with its component scores.
type Result struct {
	Key      string
	Semantic float64
	Keyword  float64
	Hybrid   float64
}

// Fuser ranks candidates with fused semantic+keyword scores.
type Fuser struct {
	// Alpha weights the semantic score; (1-Alpha) weights keyword.
	Alpha float64

	// SemanticThreshold rejects candidates below this cosine similarity.
	SemanticThreshold float64

	// KeywordThreshold rejects candidates below this keyword score.
	KeywordThreshold float64
}

// NewFuser creates a fuser with the given weights and thresholds.
func NewFuser(alpha, semanticThreshold, keywordThreshold float64) *Fuser {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.7
	}
	return &Fuser{
		Alpha:             alpha,
		SemanticThreshold: semanticThreshold,
		KeywordThreshold:  keywordThreshold,
	}
}

// Rank scores every candidate against the query and returns survivors
// sorted by hybrid score, truncated to topK (topK <= 0 means no limit).
func (f *Fuser) Rank(queryEmbedding []float32, queryTokens []string, candidates []Candidate, topK int) []Result {
	if len(candidates) == 0 {
		return nil
	}

	scorer := newBM25Scorer(queryTokens, candidates)

	results := make([]Result, 0, len(candidates))
	for i, c := range candidates {
		semantic := CosineSimilarity(queryEmbedding, c.Embedding)
		keyword := scorer.score(i)

		if semantic < f.SemanticThreshold || keyword < f.KeywordThreshold {
			continue
		}

		results = append(results, Result{
			Key:      c.Key,
			Semantic: semantic,
			Keyword:  keyword,
			Hybrid:   f.Alpha*semantic + (1-f.Alpha)*keyword,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Hybrid > results[j].Hybrid
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// CosineSimilarity computes cosine similarity between two vectors,
// returning 0 for mismatched or zero-norm inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Tokenize lower-cases and splits text on non-alphanumeric runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// bm25Scorer computes a BM25-style score normalized to [0,1] over the
// candidate set (document frequencies come from the candidates themselves,
// which is the working set a lookup actually ranks).
type bm25Scorer struct {
	queryTerms []string
	candidates []Candidate
	idf        map[string]float64
	avgLen     float64
	maxScore   float64
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

func newBM25Scorer(queryTokens []string, candidates []Candidate) *bm25Scorer {
	df := make(map[string]int)
	totalLen := 0
	for _, c := range candidates {
		seen := make(map[string]struct{}, len(c.Tokens))
		for _, t := range c.Tokens {
			seen[t] = struct{}{}
		}
		for t := range seen {
			df[t]++
		}
		totalLen += len(c.Tokens)
	}

	n := float64(len(candidates))
	avgLen := 1.0
	if len(candidates) > 0 && totalLen > 0 {
		avgLen = float64(totalLen) / n
	}

	idf := make(map[string]float64, len(queryTokens))
	maxScore := 0.0
	for _, term := range queryTokens {
		if _, ok := idf[term]; ok {
			continue
		}
		termIDF := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
		idf[term] = termIDF
		maxScore += termIDF * (bm25K1 + 1)
	}

	return &bm25Scorer{
		queryTerms: queryTokens,
		candidates: candidates,
		idf:        idf,
		avgLen:     avgLen,
		maxScore:   maxScore,
	}
}

func (s *bm25Scorer) score(i int) float64 {
	if s.maxScore == 0 {
		return 0
	}
	doc := s.candidates[i].Tokens
	if len(doc) == 0 {
		return 0
	}

	tf := make(map[string]int, len(doc))
	for _, t := range doc {
		tf[t]++
	}

	docLen := float64(len(doc))
	var raw float64
	for term, termIDF := range s.idf {
		f := float64(tf[term])
		if f == 0 {
			continue
		}
		raw += termIDF * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLen/s.avgLen))
	}
	return raw / s.maxScore
}
