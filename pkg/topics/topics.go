// Package topics maintains the hierarchical topic index.
//
// Topics form a tree (domain > category > product line). Each node can
// carry retailers, spec attributes, and a price range; children inherit
// from ancestors with union semantics for retailers and specs and
// most-specific-wins for the price range. Topic lookup by free text runs
// against an embedded vector index.
package topics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/philippgille/chromem-go"

	"github.com/kadirpekel/cortex/pkg/embedder"
)

// DefaultMinSimilarity is the search floor below which a topic does not
// match a query.
const DefaultMinSimilarity = 0.75

// PriceRange bounds expected prices within a topic.
type PriceRange struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Currency string  `json:"currency,omitempty"`
}

// Topic is one node in the topic tree.
type Topic struct {
	TopicID     string            `json:"topic_id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	Retailers   []string          `json:"retailers,omitempty"`
	Specs       map[string]string `json:"specs,omitempty"`
	PriceRange  *PriceRange       `json:"price_range,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Match is a search hit with its similarity and live claim count.
type Match struct {
	Topic      *Topic  `json:"topic"`
	Similarity float64 `json:"similarity"`
	ClaimCount int     `json:"claim_count"`
}

// ClaimCounter reports how many live claims a topic holds. The claim
// registry satisfies this.
type ClaimCounter interface {
	CountByTopic(ctx context.Context, topicID string) (int, error)
}

const vectorCollection = "topics"

// Index is the sqlite-backed topic tree with an embedded vector index
// over topic names and descriptions.
type Index struct {
	db       *sql.DB
	vectors  *chromem.DB
	embedder embedder.Embedder
	counter  ClaimCounter

	persistPath string
	writeMu     sync.Mutex
	logger      *slog.Logger
}

// NewIndex opens the topic index rooted at dir. counter may be nil, in
// which case claim counts are reported as zero.
func NewIndex(dir string, emb embedder.Embedder, counter ClaimCounter) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create topic index dir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "topics.db")+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open topic index: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{
		db:          db,
		embedder:    emb,
		counter:     counter,
		persistPath: filepath.Join(dir, "topics.gob"),
		logger:      slog.Default().With("component", "topics"),
	}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := idx.openVectors(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS topics (
	topic_id    TEXT PRIMARY KEY,
	parent_id   TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	domain      TEXT NOT NULL DEFAULT '',
	retailers   TEXT NOT NULL DEFAULT '[]',
	specs       TEXT NOT NULL DEFAULT '{}',
	price_range TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_topics_parent ON topics(parent_id);
CREATE INDEX IF NOT EXISTS idx_topics_domain ON topics(domain);
`
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate topic index: %w", err)
	}
	return nil
}

func (idx *Index) openVectors() error {
	idx.vectors = chromem.NewDB()
	if _, err := os.Stat(idx.persistPath); err == nil {
		//nolint:staticcheck // Import pairs with the Export call below.
		if err := idx.vectors.Import(idx.persistPath, ""); err != nil {
			idx.logger.Warn("Failed to load topic vectors, rebuilding", "error", err)
			idx.vectors = chromem.NewDB()
		}
	}
	return nil
}

func (idx *Index) collection() (*chromem.Collection, error) {
	// Vectors are pre-computed; the embedding func must never run.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("topic vectors are pre-computed")
	}
	return idx.vectors.GetOrCreateCollection(vectorCollection, nil, identity)
}

// Close persists the vector index and closes the database.
func (idx *Index) Close() error {
	if err := idx.persistVectors(); err != nil {
		idx.logger.Warn("Failed to persist topic vectors", "error", err)
	}
	return idx.db.Close()
}

func (idx *Index) persistVectors() error {
	//nolint:staticcheck // Export is the stable persistence entry point.
	return idx.vectors.Export(idx.persistPath, false, "")
}

// Upsert writes a topic node and refreshes its vector entry.
func (idx *Index) Upsert(ctx context.Context, topic *Topic) error {
	if topic.TopicID == "" {
		return fmt.Errorf("topic_id is required")
	}
	if topic.Name == "" {
		return fmt.Errorf("topic %s has no name", topic.TopicID)
	}
	if topic.ParentID == topic.TopicID {
		return fmt.Errorf("topic %s cannot be its own parent", topic.TopicID)
	}

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	now := time.Now().UTC()
	if topic.CreatedAt.IsZero() {
		if existing, err := idx.get(ctx, topic.TopicID); err == nil {
			topic.CreatedAt = existing.CreatedAt
		} else {
			topic.CreatedAt = now
		}
	}
	topic.UpdatedAt = now

	retailersJSON, _ := json.Marshal(topic.Retailers)
	specsJSON, _ := json.Marshal(topic.Specs)
	var priceJSON interface{}
	if topic.PriceRange != nil {
		data, _ := json.Marshal(topic.PriceRange)
		priceJSON = string(data)
	}

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO topics (topic_id, parent_id, name, description, domain,
			retailers, specs, price_range, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			description = excluded.description,
			domain = excluded.domain,
			retailers = excluded.retailers,
			specs = excluded.specs,
			price_range = excluded.price_range,
			updated_at = excluded.updated_at`,
		topic.TopicID, topic.ParentID, topic.Name, topic.Description,
		topic.Domain, string(retailersJSON), string(specsJSON), priceJSON,
		topic.CreatedAt, topic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert topic %s: %w", topic.TopicID, err)
	}

	return idx.indexVector(ctx, topic)
}

func (idx *Index) indexVector(ctx context.Context, topic *Topic) error {
	text := topic.Name
	if topic.Description != "" {
		text += ". " + topic.Description
	}
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed topic %s: %w", topic.TopicID, err)
	}

	col, err := idx.collection()
	if err != nil {
		return fmt.Errorf("topic vector collection: %w", err)
	}
	doc := chromem.Document{
		ID:        topic.TopicID,
		Content:   text,
		Metadata:  map[string]string{"domain": topic.Domain},
		Embedding: vec,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("index topic vector: %w", err)
	}
	if err := idx.persistVectors(); err != nil {
		idx.logger.Warn("Failed to persist topic vectors", "error", err)
	}
	return nil
}

// Get returns one topic by ID.
func (idx *Index) Get(ctx context.Context, topicID string) (*Topic, error) {
	topic, err := idx.get(ctx, topicID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("topic not found: %s", topicID)
	}
	return topic, err
}

func (idx *Index) get(ctx context.Context, topicID string) (*Topic, error) {
	row := idx.db.QueryRowContext(ctx, `
		SELECT topic_id, parent_id, name, description, domain, retailers,
		       specs, price_range, created_at, updated_at
		FROM topics WHERE topic_id = ?`, topicID)
	return scanTopic(row)
}

// Children returns the direct children of a topic, name-ordered.
func (idx *Index) Children(ctx context.Context, topicID string) ([]*Topic, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT topic_id, parent_id, name, description, domain, retailers,
		       specs, price_range, created_at, updated_at
		FROM topics WHERE parent_id = ? ORDER BY name`, topicID)
	if err != nil {
		return nil, fmt.Errorf("query children of %s: %w", topicID, err)
	}
	defer rows.Close()

	var out []*Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, topic)
	}
	return out, rows.Err()
}

// ResolveInheritance returns the effective view of a topic: retailers and
// specs are the union over the node and its ancestors (the node wins on
// spec key conflicts), and the price range comes from the most specific
// node that defines one.
func (idx *Index) ResolveInheritance(ctx context.Context, topicID string) (*Topic, error) {
	chain, err := idx.ancestry(ctx, topicID)
	if err != nil {
		return nil, err
	}

	// chain runs leaf-first; walk root-first so more specific nodes
	// overwrite less specific ones.
	node := chain[0]
	effective := &Topic{
		TopicID:     node.TopicID,
		ParentID:    node.ParentID,
		Name:        node.Name,
		Description: node.Description,
		Domain:      node.Domain,
		Specs:       make(map[string]string),
		CreatedAt:   node.CreatedAt,
		UpdatedAt:   node.UpdatedAt,
	}
	seen := make(map[string]struct{})
	for i := len(chain) - 1; i >= 0; i-- {
		ancestor := chain[i]
		for _, retailer := range ancestor.Retailers {
			if _, ok := seen[retailer]; !ok {
				seen[retailer] = struct{}{}
				effective.Retailers = append(effective.Retailers, retailer)
			}
		}
		for k, v := range ancestor.Specs {
			effective.Specs[k] = v
		}
		if ancestor.PriceRange != nil {
			effective.PriceRange = ancestor.PriceRange
		}
		if effective.Domain == "" {
			effective.Domain = ancestor.Domain
		}
	}
	sort.Strings(effective.Retailers)
	return effective, nil
}

// ancestry returns the chain leaf-first: [topic, parent, ..., root].
func (idx *Index) ancestry(ctx context.Context, topicID string) ([]*Topic, error) {
	var chain []*Topic
	visited := make(map[string]struct{})
	id := topicID
	for id != "" {
		if _, ok := visited[id]; ok {
			return nil, fmt.Errorf("topic ancestry cycle at %s", id)
		}
		visited[id] = struct{}{}
		topic, err := idx.Get(ctx, id)
		if err != nil {
			if len(chain) > 0 {
				// Dangling parent reference; stop the walk.
				idx.logger.Warn("Topic has missing ancestor", "topic_id", topicID, "missing", id)
				break
			}
			return nil, err
		}
		chain = append(chain, topic)
		id = topic.ParentID
	}
	return chain, nil
}

// SearchByQuery finds topics semantically matching the query text, above
// minSimilarity (<= 0 uses the default floor), with live claim counts.
func (idx *Index) SearchByQuery(ctx context.Context, query string, minSimilarity float64, limit int) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is empty")
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	if limit <= 0 {
		limit = 5
	}

	col, err := idx.collection()
	if err != nil {
		return nil, fmt.Errorf("topic vector collection: %w", err)
	}
	if col.Count() == 0 {
		return nil, nil
	}

	vec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	k := limit
	if count := col.Count(); k > count {
		k = count
	}
	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("topic search: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if float64(r.Similarity) < minSimilarity {
			continue
		}
		topic, err := idx.Get(ctx, r.ID)
		if err != nil {
			// Vector entry outlived its row; skip it.
			continue
		}
		count := 0
		if idx.counter != nil {
			if n, err := idx.counter.CountByTopic(ctx, topic.TopicID); err == nil {
				count = n
			}
		}
		matches = append(matches, Match{
			Topic:      topic,
			Similarity: float64(r.Similarity),
			ClaimCount: count,
		})
	}
	return matches, nil
}

func scanTopic(row interface{ Scan(...interface{}) error }) (*Topic, error) {
	var (
		t             Topic
		retailersJSON string
		specsJSON     string
		priceJSON     sql.NullString
	)
	err := row.Scan(&t.TopicID, &t.ParentID, &t.Name, &t.Description,
		&t.Domain, &retailersJSON, &specsJSON, &priceJSON,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(retailersJSON), &t.Retailers); err != nil {
		t.Retailers = nil
	}
	if err := json.Unmarshal([]byte(specsJSON), &t.Specs); err != nil {
		t.Specs = nil
	}
	if priceJSON.Valid && priceJSON.String != "" {
		var pr PriceRange
		if err := json.Unmarshal([]byte(priceJSON.String), &pr); err == nil {
			t.PriceRange = &pr
		}
	}
	return &t, nil
}
