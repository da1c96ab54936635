// Package recipe loads and serves prompt recipes.
//
// A recipe pairs a role (planner, executor, verifier, ...) with a system
// prompt fragment, a token budget, and the input documents that budget is
// split across. Recipes live in YAML files under the recipes directory,
// with prompt fragments alongside in fragments/. A split token budget
// must sum exactly to its total; doc budgets may not exceed the doc
// share, and unbudgeted docs divide whatever the budgeted ones leave.
package recipe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Path types for input documents.
const (
	PathTurn     = "turn"
	PathRepo     = "repo"
	PathSession  = "session"
	PathAbsolute = "absolute"
)

// Trim strategies for over-budget documents.
const (
	TrimTruncateEnd   = "truncate_end"
	TrimTruncateStart = "truncate_start"
	TrimDropOldest    = "drop_oldest"
	TrimSummarize     = "summarize"
)

// DocSpec describes one input document and its share of the budget.
type DocSpec struct {
	// Name labels the document in the assembled pack.
	Name string `yaml:"name"`

	// Source is the file path, interpreted per PathType.
	Source string `yaml:"source"`

	// PathType anchors Source: turn, repo, session, or absolute.
	PathType string `yaml:"path_type,omitempty"`

	// Budget is this document's token share.
	Budget int `yaml:"budget"`

	// Required makes a missing source fatal instead of skipped.
	Required bool `yaml:"required,omitempty"`

	// TrimStrategy applies when the document exceeds its budget.
	TrimStrategy string `yaml:"trim_strategy,omitempty"`
}

// legacyDocAnnotation matches the old annotated string form:
// "path.md (optional, max 400 tokens)".
var (
	legacyDocAnnotation = regexp.MustCompile(`^(.+?)\s*\(([^)]*)\)\s*$`)
	legacyMaxTokens     = regexp.MustCompile(`(?i)^max\s+(\d+)\s+tokens?$`)
)

// UnmarshalYAML accepts both the structured map form and the legacy
// string forms: a bare path ("context.md") or a path with annotations
// ("context.md (optional, max 400 tokens)"). Bare paths become optional
// turn-relative docs with no explicit budget.
func (d *DocSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var source string
		if err := node.Decode(&source); err != nil {
			return err
		}
		if m := legacyDocAnnotation.FindStringSubmatch(source); m != nil {
			source = strings.TrimSpace(m[1])
			if err := d.applyAnnotations(source, m[2]); err != nil {
				return err
			}
		}
		d.Name = strings.TrimSuffix(source, ".md")
		d.Source = source
		d.PathType = PathTurn
		return nil
	}

	type rawDocSpec DocSpec
	var raw rawDocSpec
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*d = DocSpec(raw)
	return nil
}

func (d *DocSpec) applyAnnotations(source, annotations string) error {
	for _, part := range strings.Split(annotations, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "" || strings.EqualFold(part, "optional"):
		case strings.EqualFold(part, "required"):
			d.Required = true
		default:
			m := legacyMaxTokens.FindStringSubmatch(part)
			if m == nil {
				return fmt.Errorf("doc '%s' has unknown annotation '%s'", source, part)
			}
			budget, err := strconv.Atoi(m[1])
			if err != nil {
				return fmt.Errorf("doc '%s' has bad token cap '%s'", source, part)
			}
			d.Budget = budget
		}
	}
	return nil
}

// TokenBudget splits a recipe's total token allowance across the prompt
// fragments, the input documents, the reserved model output, and a
// safety buffer. The scalar YAML form ("token_budget: 2000") sets only
// Total, leaving the whole allowance to the doc pack.
type TokenBudget struct {
	Total     int `yaml:"total"`
	Prompt    int `yaml:"prompt,omitempty"`
	InputDocs int `yaml:"input_docs,omitempty"`
	Output    int `yaml:"output,omitempty"`
	Buffer    int `yaml:"buffer,omitempty"`
}

// UnmarshalYAML accepts the structured map form and the legacy scalar
// total.
func (b *TokenBudget) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&b.Total)
	}
	type rawBudget TokenBudget
	var raw rawBudget
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*b = TokenBudget(raw)
	return nil
}

// Split reports whether the budget carries an explicit breakdown.
func (b *TokenBudget) Split() bool {
	return b.Prompt != 0 || b.InputDocs != 0 || b.Output != 0 || b.Buffer != 0
}

// DocShare is the allowance available to input documents: the input_docs
// share when the budget is split, the whole total otherwise.
func (b *TokenBudget) DocShare() int {
	if b.Split() {
		return b.InputDocs
	}
	return b.Total
}

// Validate checks that a split budget sums exactly to its total.
func (b *TokenBudget) Validate() error {
	if b.Total <= 0 {
		return fmt.Errorf("token budget total must be positive")
	}
	if b.Split() {
		sum := b.Prompt + b.InputDocs + b.Output + b.Buffer
		if sum != b.Total {
			return fmt.Errorf("token budget parts sum to %d, total is %d", sum, b.Total)
		}
	}
	return nil
}

// Recipe is one prompt recipe.
type Recipe struct {
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	Mode        string `yaml:"mode,omitempty"`
	ContentType string `yaml:"content_type,omitempty"`

	// System is the system prompt fragment path (under fragments/) or
	// inline text when it contains whitespace.
	System string `yaml:"system"`

	// TokenBudget for the whole call: prompt, input docs, and reserved
	// output together.
	TokenBudget TokenBudget `yaml:"token_budget"`

	// MaxOutputTokens caps the model response for this recipe. Defaults
	// to the budget's output share when that is set.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`

	InputDocs []DocSpec `yaml:"input_docs,omitempty"`
}

// legacyRoles maps old role names still present in existing recipe files
// onto current ones.
var legacyRoles = map[string]string{
	"guide":       "planner",
	"distiller":   "verifier",
	"synthesiser": "synthesizer",
}

// CanonicalRole resolves legacy role aliases.
func CanonicalRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if canonical, ok := legacyRoles[role]; ok {
		return canonical
	}
	return role
}

// Validate checks recipe consistency. A split token budget must sum
// exactly to its total, and explicit doc budgets may not exceed the
// budget's doc share.
func (r *Recipe) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("recipe has no name")
	}
	if r.Role == "" {
		return fmt.Errorf("recipe '%s' has no role", r.Name)
	}
	if r.System == "" {
		return fmt.Errorf("recipe '%s' has no system prompt", r.Name)
	}
	if err := r.TokenBudget.Validate(); err != nil {
		return fmt.Errorf("recipe '%s': %w", r.Name, err)
	}
	if r.MaxOutputTokens == 0 {
		r.MaxOutputTokens = r.TokenBudget.Output
	}

	budgeted := 0
	anyBudget := false
	seen := make(map[string]struct{}, len(r.InputDocs))
	for i := range r.InputDocs {
		doc := &r.InputDocs[i]
		if doc.Source == "" {
			return fmt.Errorf("recipe '%s' doc %d has no source", r.Name, i)
		}
		if doc.Name == "" {
			doc.Name = strings.TrimSuffix(doc.Source, ".md")
		}
		if _, dup := seen[doc.Name]; dup {
			return fmt.Errorf("recipe '%s' has duplicate doc '%s'", r.Name, doc.Name)
		}
		seen[doc.Name] = struct{}{}

		if doc.PathType == "" {
			doc.PathType = PathTurn
		}
		switch doc.PathType {
		case PathTurn, PathRepo, PathSession, PathAbsolute:
		default:
			return fmt.Errorf("recipe '%s' doc '%s' has unknown path_type '%s'", r.Name, doc.Name, doc.PathType)
		}

		if doc.TrimStrategy == "" {
			doc.TrimStrategy = TrimTruncateEnd
		}
		switch doc.TrimStrategy {
		case TrimTruncateEnd, TrimTruncateStart, TrimDropOldest, TrimSummarize:
		default:
			return fmt.Errorf("recipe '%s' doc '%s' has unknown trim_strategy '%s'", r.Name, doc.Name, doc.TrimStrategy)
		}

		if doc.Budget < 0 {
			return fmt.Errorf("recipe '%s' doc '%s' has negative budget", r.Name, doc.Name)
		}
		if doc.Budget > 0 {
			anyBudget = true
			budgeted += doc.Budget
		}
	}

	if anyBudget && budgeted > r.TokenBudget.DocShare() {
		return fmt.Errorf("recipe '%s' doc budgets sum to %d, over the %d doc share",
			r.Name, budgeted, r.TokenBudget.DocShare())
	}

	r.Role = CanonicalRole(r.Role)
	return nil
}

// SpreadBudgets gives docs without an explicit budget an even split of
// whatever the budgeted docs leave of the doc share, with the remainder
// going to the first of them, so the shares still sum exactly.
func (r *Recipe) SpreadBudgets() {
	var unbudgeted []int
	taken := 0
	for i := range r.InputDocs {
		if r.InputDocs[i].Budget > 0 {
			taken += r.InputDocs[i].Budget
		} else {
			unbudgeted = append(unbudgeted, i)
		}
	}
	left := r.TokenBudget.DocShare() - taken
	if len(unbudgeted) == 0 || left <= 0 {
		return
	}
	share := left / len(unbudgeted)
	remainder := left - share*len(unbudgeted)
	for _, i := range unbudgeted {
		r.InputDocs[i].Budget = share
	}
	r.InputDocs[unbudgeted[0]].Budget += remainder
}

// SystemIsInline reports whether System is inline prompt text rather
// than a fragment path.
func (r *Recipe) SystemIsInline() bool {
	return strings.ContainsAny(r.System, " \n")
}
