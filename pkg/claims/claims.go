// Package claims implements the persistent claim registry.
//
// Claims are verified, evidence-backed statements extracted from turns.
// They are keyed by a stable content-derived ID so the same statement
// produced twice deduplicates, carry a confidence-scaled TTL, and accrue
// quality signals (intent alignment, evidence strength, user feedback)
// that drive reuse ranking and deprecation.
package claims

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/cortex/pkg/protocol"
)

// ClaimType classifies what a claim asserts.
type ClaimType string

const (
	TypeRetailer     ClaimType = "RETAILER"
	TypePrice        ClaimType = "PRICE"
	TypeSpecInfo     ClaimType = "SPEC_INFO"
	TypeBuyingTip    ClaimType = "BUYING_TIP"
	TypeMarketInfo   ClaimType = "MARKET_INFO"
	TypeAvailability ClaimType = "AVAILABILITY"
	TypePreference   ClaimType = "PREFERENCE"
	TypeConstraint   ClaimType = "CONSTRAINT"
	TypeGeneral      ClaimType = "GENERAL"
)

// ParseClaimType normalizes a string to a ClaimType, defaulting to GENERAL.
func ParseClaimType(s string) ClaimType {
	switch ClaimType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeRetailer, TypePrice, TypeSpecInfo, TypeBuyingTip,
		TypeMarketInfo, TypeAvailability, TypePreference, TypeConstraint:
		return ClaimType(strings.ToUpper(strings.TrimSpace(s)))
	default:
		return TypeGeneral
	}
}

// DeprecationThreshold is the quality composite below which a claim is
// retired from reuse.
const DeprecationThreshold = 0.30

// Claim is one registry row.
type Claim struct {
	ClaimID         string              `json:"claim_id"`
	SessionID       string              `json:"session_id"`
	TopicID         string              `json:"topic_id,omitempty"`
	Domain          string              `json:"domain,omitempty"`
	Type            ClaimType           `json:"type"`
	Statement       string              `json:"statement"`
	Evidence        []string            `json:"evidence"`
	Confidence      protocol.Confidence `json:"confidence"`
	Embedding       []float32           `json:"embedding,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	LastVerified    time.Time           `json:"last_verified"`
	TTLSeconds      int                 `json:"ttl_seconds"`
	TimesReused     int                 `json:"times_reused"`
	IntentAlignment float64             `json:"intent_alignment"`
	EvidenceStr     float64             `json:"evidence_strength"`
	UserFeedback    float64             `json:"user_feedback_score"`
	Deprecated      bool                `json:"deprecated"`
}

// QualityComposite is the reuse-ranking score:
// 0.4*intent_alignment + 0.3*evidence_strength + 0.3*user_feedback_score.
func (c *Claim) QualityComposite() float64 {
	return 0.4*c.IntentAlignment + 0.3*c.EvidenceStr + 0.3*c.UserFeedback
}

// Fresh reports whether the claim is within its confidence-scaled TTL.
func (c *Claim) Fresh(now time.Time) bool {
	ttl := c.TTLSeconds
	if ttl <= 0 {
		ttl = c.Confidence.TTLSeconds()
	}
	return now.Sub(c.LastVerified) < time.Duration(ttl)*time.Second
}

// Delta describes how a turn's claim set differs from the registry.
type Delta struct {
	New       []string `json:"new,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// HasChanges reports whether the delta contains anything new or updated.
func (d *Delta) HasChanges() bool {
	return len(d.New) > 0 || len(d.Updated) > 0
}

// Registry is the sqlite-backed claim store. A single write lock
// serializes mutations; reads go straight to the WAL-mode database.
type Registry struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewRegistry opens (or creates) the registry database at path.
func NewRegistry(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open claim registry: %w", err)
	}
	// sqlite tolerates one writer; funnel everything through one conn.
	db.SetMaxOpenConns(1)

	r := &Registry{
		db:     db,
		logger: slog.Default().With("component", "claims"),
	}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS claims (
	claim_id            TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL,
	topic_id            TEXT NOT NULL DEFAULT '',
	domain              TEXT NOT NULL DEFAULT '',
	claim_type          TEXT NOT NULL DEFAULT 'GENERAL',
	statement           TEXT NOT NULL,
	evidence_handles    TEXT NOT NULL DEFAULT '[]',
	confidence          TEXT NOT NULL DEFAULT 'medium',
	embedding           TEXT,
	created_at          TIMESTAMP NOT NULL,
	last_verified       TIMESTAMP NOT NULL,
	ttl_seconds         INTEGER NOT NULL,
	times_reused        INTEGER NOT NULL DEFAULT 0,
	intent_alignment    REAL NOT NULL DEFAULT 0.5,
	evidence_strength   REAL NOT NULL DEFAULT 0.5,
	user_feedback_score REAL NOT NULL DEFAULT 0.5,
	deprecated          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_claims_topic ON claims(topic_id);
CREATE INDEX IF NOT EXISTS idx_claims_session ON claims(session_id);
CREATE INDEX IF NOT EXISTS idx_claims_domain ON claims(domain);
CREATE INDEX IF NOT EXISTS idx_claims_type ON claims(claim_type);
`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate claim registry: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Upsert writes a claim, deduplicating by claim ID. Re-observing an
// existing claim counts as a reuse: evidence handles are merged,
// last_verified moves forward only, times_reused is incremented, and the
// TTL is re-derived from the incoming confidence.
func (r *Registry) Upsert(ctx context.Context, claim *Claim) error {
	if claim.Statement == "" {
		return fmt.Errorf("claim statement is empty")
	}
	if claim.ClaimID == "" {
		claim.ClaimID = protocol.ClaimID(claim.Statement)
	}
	if claim.Type == "" {
		claim.Type = TypeGeneral
	}
	if claim.Confidence == "" {
		claim.Confidence = protocol.ConfidenceMedium
	}
	if claim.TTLSeconds == 0 {
		claim.TTLSeconds = claim.Confidence.TTLSeconds()
	}
	now := time.Now().UTC()
	if claim.LastVerified.IsZero() {
		claim.LastVerified = now
	}
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = now
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	existing, err := r.get(ctx, claim.ClaimID)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if err == sql.ErrNoRows {
		if claim.IntentAlignment == 0 {
			claim.IntentAlignment = 0.5
		}
		if claim.EvidenceStr == 0 {
			claim.EvidenceStr = evidenceStrength(len(claim.Evidence))
		}
		if claim.UserFeedback == 0 {
			claim.UserFeedback = 0.5
		}
		return r.insert(ctx, claim)
	}

	merged := mergeHandles(existing.Evidence, claim.Evidence)
	lastVerified := existing.LastVerified
	if claim.LastVerified.After(lastVerified) {
		lastVerified = claim.LastVerified
	}
	embedding := existing.Embedding
	if len(claim.Embedding) > 0 {
		embedding = claim.Embedding
	}

	evidenceJSON, _ := json.Marshal(merged)
	embeddingJSON := marshalEmbedding(embedding)

	_, err = r.db.ExecContext(ctx, `
		UPDATE claims SET
			session_id = ?, topic_id = ?, domain = ?, claim_type = ?,
			evidence_handles = ?, confidence = ?, embedding = ?,
			last_verified = ?, ttl_seconds = ?,
			times_reused = times_reused + 1,
			evidence_strength = ?, deprecated = 0
		WHERE claim_id = ?`,
		claim.SessionID, orDefault(claim.TopicID, existing.TopicID),
		orDefault(claim.Domain, existing.Domain), string(claim.Type),
		string(evidenceJSON), string(claim.Confidence), embeddingJSON,
		lastVerified, claim.Confidence.TTLSeconds(),
		evidenceStrength(len(merged)),
		claim.ClaimID)
	if err != nil {
		return fmt.Errorf("update claim %s: %w", claim.ClaimID, err)
	}
	return nil
}

func (r *Registry) insert(ctx context.Context, claim *Claim) error {
	evidenceJSON, _ := json.Marshal(claim.Evidence)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO claims (
			claim_id, session_id, topic_id, domain, claim_type, statement,
			evidence_handles, confidence, embedding, created_at, last_verified,
			ttl_seconds, times_reused, intent_alignment, evidence_strength,
			user_feedback_score, deprecated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0)`,
		claim.ClaimID, claim.SessionID, claim.TopicID, claim.Domain,
		string(claim.Type), claim.Statement, string(evidenceJSON),
		string(claim.Confidence), marshalEmbedding(claim.Embedding),
		claim.CreatedAt, claim.LastVerified, claim.TTLSeconds,
		claim.IntentAlignment, claim.EvidenceStr, claim.UserFeedback)
	if err != nil {
		return fmt.Errorf("insert claim %s: %w", claim.ClaimID, err)
	}
	return nil
}

// Get returns one claim by ID.
func (r *Registry) Get(ctx context.Context, claimID string) (*Claim, error) {
	claim, err := r.get(ctx, claimID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("claim not found: %s", claimID)
	}
	return claim, err
}

func (r *Registry) get(ctx context.Context, claimID string) (*Claim, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE claim_id = ?`, claimID)
	return scanClaim(row)
}

// GetByTopic returns live claims for a topic ordered by quality composite,
// best first. Deprecated and expired claims are excluded.
func (r *Registry) GetByTopic(ctx context.Context, topicID string, limit int) ([]*Claim, error) {
	return r.query(ctx, `topic_id = ?`, topicID, limit)
}

// GetBySession returns live claims recorded under a session.
func (r *Registry) GetBySession(ctx context.Context, sessionID string, limit int) ([]*Claim, error) {
	return r.query(ctx, `session_id = ?`, sessionID, limit)
}

// GetByDomain returns live claims within a domain.
func (r *Registry) GetByDomain(ctx context.Context, domain string, limit int) ([]*Claim, error) {
	return r.query(ctx, `domain = ?`, domain, limit)
}

// GetByType returns live claims of one type.
func (r *Registry) GetByType(ctx context.Context, claimType ClaimType, limit int) ([]*Claim, error) {
	return r.query(ctx, `claim_type = ?`, string(claimType), limit)
}

const selectColumns = `
	SELECT claim_id, session_id, topic_id, domain, claim_type, statement,
	       evidence_handles, confidence, embedding, created_at, last_verified,
	       ttl_seconds, times_reused, intent_alignment, evidence_strength,
	       user_feedback_score, deprecated
	FROM claims`

func (r *Registry) query(ctx context.Context, where string, arg interface{}, limit int) ([]*Claim, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, selectColumns+`
		WHERE `+where+` AND deprecated = 0
		ORDER BY (0.4*intent_alignment + 0.3*evidence_strength + 0.3*user_feedback_score) DESC,
		         last_verified DESC
		LIMIT ?`, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []*Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		if !claim.Fresh(now) {
			continue
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}

// All returns every non-deprecated claim, freshness included, for sweeps
// and in-memory candidate ranking.
func (r *Registry) All(ctx context.Context) ([]*Claim, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` WHERE deprecated = 0`)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var out []*Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}

// MarkReused records a reuse event: it bumps times_reused and folds the
// outcome into the user feedback score (exponential moving average). A
// claim whose quality composite falls below the deprecation threshold is
// retired.
func (r *Registry) MarkReused(ctx context.Context, claimID string, helpful bool) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	claim, err := r.get(ctx, claimID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("claim not found: %s", claimID)
	}
	if err != nil {
		return err
	}

	outcome := 0.0
	if helpful {
		outcome = 1.0
	}
	claim.UserFeedback = 0.7*claim.UserFeedback + 0.3*outcome
	claim.TimesReused++

	deprecated := 0
	if claim.QualityComposite() < DeprecationThreshold {
		deprecated = 1
		r.logger.Info("Deprecating low-quality claim",
			"claim_id", claimID,
			"quality", claim.QualityComposite())
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE claims SET times_reused = ?, user_feedback_score = ?, deprecated = ?
		WHERE claim_id = ?`,
		claim.TimesReused, claim.UserFeedback, deprecated, claimID)
	if err != nil {
		return fmt.Errorf("mark claim reused: %w", err)
	}
	return nil
}

// SetIntentAlignment records how well a claim matched the intent it was
// reused under, then applies the deprecation rule.
func (r *Registry) SetIntentAlignment(ctx context.Context, claimID string, alignment float64) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	claim, err := r.get(ctx, claimID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("claim not found: %s", claimID)
	}
	if err != nil {
		return err
	}

	claim.IntentAlignment = clamp01(alignment)
	deprecated := 0
	if claim.QualityComposite() < DeprecationThreshold {
		deprecated = 1
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE claims SET intent_alignment = ?, deprecated = ? WHERE claim_id = ?`,
		claim.IntentAlignment, deprecated, claimID)
	if err != nil {
		return fmt.Errorf("set intent alignment: %w", err)
	}
	return nil
}

// ComputeDelta compares a turn's capsule claims against the registry and
// reports which are new, which update an existing row (fresher evidence or
// verification time), and which are unchanged.
func (r *Registry) ComputeDelta(ctx context.Context, incoming []protocol.CapsuleClaim) (*Delta, error) {
	delta := &Delta{}
	for _, in := range incoming {
		id := in.ClaimID
		if id == "" {
			id = protocol.ClaimID(in.Claim)
		}
		existing, err := r.get(ctx, id)
		if err == sql.ErrNoRows {
			delta.New = append(delta.New, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if in.LastVerified.After(existing.LastVerified) ||
			len(mergeHandles(existing.Evidence, in.Evidence)) > len(existing.Evidence) {
			delta.Updated = append(delta.Updated, id)
		} else {
			delta.Unchanged = append(delta.Unchanged, id)
		}
	}
	return delta, nil
}

// PruneExpired deletes claims past twice their TTL and returns the count.
// Claims between one and two TTLs stay readable as stale candidates.
func (r *Registry) PruneExpired(ctx context.Context) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := time.Now().UTC()
	all, err := r.All(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, claim := range all {
		if now.Sub(claim.LastVerified) < 2*time.Duration(claim.TTLSeconds)*time.Second {
			continue
		}
		if _, err := r.db.ExecContext(ctx, `DELETE FROM claims WHERE claim_id = ?`, claim.ClaimID); err != nil {
			return pruned, fmt.Errorf("prune claim %s: %w", claim.ClaimID, err)
		}
		pruned++
	}
	return pruned, nil
}

// Count returns the number of non-deprecated rows.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE deprecated = 0`).Scan(&n)
	return n, err
}

// CountByTopic returns the number of non-deprecated claims under a topic.
func (r *Registry) CountByTopic(ctx context.Context, topicID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE topic_id = ? AND deprecated = 0`, topicID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(row rowScanner) (*Claim, error) {
	var (
		c             Claim
		claimType     string
		confidence    string
		evidenceJSON  string
		embeddingJSON sql.NullString
		deprecated    int
	)
	err := row.Scan(&c.ClaimID, &c.SessionID, &c.TopicID, &c.Domain,
		&claimType, &c.Statement, &evidenceJSON, &confidence, &embeddingJSON,
		&c.CreatedAt, &c.LastVerified, &c.TTLSeconds, &c.TimesReused,
		&c.IntentAlignment, &c.EvidenceStr, &c.UserFeedback, &deprecated)
	if err != nil {
		return nil, err
	}
	c.Type = ClaimType(claimType)
	c.Confidence = protocol.ParseConfidence(confidence)
	c.Deprecated = deprecated != 0
	if err := json.Unmarshal([]byte(evidenceJSON), &c.Evidence); err != nil {
		c.Evidence = nil
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &c.Embedding); err != nil {
			c.Embedding = nil
		}
	}
	return &c, nil
}

func marshalEmbedding(vec []float32) interface{} {
	if len(vec) == 0 {
		return nil
	}
	data, _ := json.Marshal(vec)
	return string(data)
}

func mergeHandles(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, h := range a {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

// evidenceStrength maps evidence count to [0,1]: one handle is weak, four
// or more saturate.
func evidenceStrength(handles int) float64 {
	if handles <= 0 {
		return 0
	}
	s := 0.4 + 0.2*float64(handles-1)
	return clamp01(s)
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
