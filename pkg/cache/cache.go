// Package cache implements the layered gateway cache.
//
// Three layers share one mechanism: a response cache (final answers), a
// claim cache (verified claims), and a tool-output cache (raw tool
// results). Lookups are domain-isolated first, then ranked with hybrid
// semantic+keyword fusion. Freshness is strict (age < TTL); a stale entry
// is still usable when it is younger than twice its TTL and its quality
// is at or above the stale-acceptance bar.
package cache

import (
	"sync"
	"time"

	"github.com/kadirpekel/cortex/pkg/retrieval"
)

// StaleAcceptQuality is the minimum quality for serving a stale entry.
const StaleAcceptQuality = 0.80

// Entry is one cached item, layer-independent.
type Entry struct {
	// Key identifies the entry within its layer.
	Key string `json:"key"`

	// Domain isolates entries; lookups never cross domains.
	Domain string `json:"domain"`

	// QueryText is the text the entry was stored under.
	QueryText string `json:"query_text"`

	// Embedding of QueryText, for the semantic half of lookup.
	Embedding []float32 `json:"embedding,omitempty"`

	// Tokens of QueryText, for the keyword half of lookup.
	Tokens []string `json:"tokens,omitempty"`

	// Value is the cached payload.
	Value interface{} `json:"value"`

	// Quality in [0,1]; drives stale acceptance and sweep pruning.
	Quality float64 `json:"quality"`

	// TTL for strict freshness.
	TTL time.Duration `json:"ttl"`

	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Hits       int       `json:"hits"`
}

// Age returns how long ago the entry was created.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Fresh reports strict freshness: age < TTL.
func (e *Entry) Fresh(now time.Time) bool {
	return e.Age(now) < e.TTL
}

// StaleAcceptable reports whether a non-fresh entry may still be served:
// age < 2*TTL and quality >= the stale-acceptance bar.
func (e *Entry) StaleAcceptable(now time.Time) bool {
	return e.Age(now) < 2*e.TTL && e.Quality >= StaleAcceptQuality
}

// Hit is one lookup result.
type Hit struct {
	Entry    *Entry
	Semantic float64
	Keyword  float64
	Hybrid   float64

	// Fresh is strict freshness; when false the hit passed the
	// stale-acceptance rule instead.
	Fresh bool
}

// SweepStats counts one sweep pass over a layer.
type SweepStats struct {
	Expired    int `json:"expired"`
	LowQuality int `json:"low_quality"`
	LRUEvicted int `json:"lru_evicted"`
	Remaining  int `json:"remaining"`
}

// Total returns how many entries the sweep removed.
func (s SweepStats) Total() int {
	return s.Expired + s.LowQuality + s.LRUEvicted
}

// LayerOptions tunes one layer.
type LayerOptions struct {
	// DefaultTTL for entries stored without one.
	DefaultTTL time.Duration

	// MaxEntries before LRU eviction; 0 means unbounded.
	MaxEntries int

	// MinQuality below which the sweeper prunes entries.
	MinQuality float64
}

// Layer is one in-memory cache layer.
type Layer struct {
	name    string
	opts    LayerOptions
	fuser   *retrieval.Fuser
	mu      sync.RWMutex
	entries map[string]*Entry

	lookups int
	hits    int
}

// NewLayer creates a layer that ranks lookups with the given fuser.
func NewLayer(name string, opts LayerOptions, fuser *retrieval.Fuser) *Layer {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 6 * time.Hour
	}
	return &Layer{
		name:    name,
		opts:    opts,
		fuser:   fuser,
		entries: make(map[string]*Entry),
	}
}

// Name returns the layer name.
func (l *Layer) Name() string { return l.name }

// Put stores an entry, filling defaults for TTL and timestamps.
func (l *Layer) Put(entry *Entry) {
	now := time.Now().UTC()
	if entry.TTL <= 0 {
		entry.TTL = l.opts.DefaultTTL
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccess.IsZero() {
		entry.LastAccess = now
	}
	if len(entry.Tokens) == 0 && entry.QueryText != "" {
		entry.Tokens = retrieval.Tokenize(entry.QueryText)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.Key] = entry
}

// GetExact returns a usable entry by key, or nil. Exact gets still honor
// freshness and stale acceptance.
func (l *Layer) GetExact(key string) *Hit {
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lookups++
	entry, ok := l.entries[key]
	if !ok {
		return nil
	}
	fresh := entry.Fresh(now)
	if !fresh && !entry.StaleAcceptable(now) {
		return nil
	}
	entry.LastAccess = now
	entry.Hits++
	l.hits++
	return &Hit{Entry: entry, Fresh: fresh, Semantic: 1, Keyword: 1, Hybrid: 1}
}

// Lookup ranks the layer's entries for the query within one domain and
// returns the best usable hit, or nil. Domain isolation is applied before
// any scoring.
func (l *Layer) Lookup(domain string, queryEmbedding []float32, queryTokens []string) *Hit {
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lookups++

	candidates := make([]retrieval.Candidate, 0, len(l.entries))
	byKey := make(map[string]*Entry, len(l.entries))
	for key, entry := range l.entries {
		if entry.Domain != domain {
			continue
		}
		if !entry.Fresh(now) && !entry.StaleAcceptable(now) {
			continue
		}
		candidates = append(candidates, retrieval.Candidate{
			Key:       key,
			Embedding: entry.Embedding,
			Tokens:    entry.Tokens,
		})
		byKey[key] = entry
	}
	if len(candidates) == 0 {
		return nil
	}

	ranked := l.fuser.Rank(queryEmbedding, queryTokens, candidates, 1)
	if len(ranked) == 0 {
		return nil
	}

	best := ranked[0]
	entry := byKey[best.Key]
	entry.LastAccess = now
	entry.Hits++
	l.hits++
	return &Hit{
		Entry:    entry,
		Semantic: best.Semantic,
		Keyword:  best.Keyword,
		Hybrid:   best.Hybrid,
		Fresh:    entry.Fresh(now),
	}
}

// Invalidate removes an entry by key.
func (l *Layer) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// InvalidateDomain removes every entry in a domain and returns the count.
func (l *Layer) InvalidateDomain(domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, entry := range l.entries {
		if entry.Domain == domain {
			delete(l.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// HitRate returns lookups, hits, and the hit ratio since creation.
func (l *Layer) HitRate() (lookups, hits int, ratio float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lookups > 0 {
		ratio = float64(l.hits) / float64(l.lookups)
	}
	return l.lookups, l.hits, ratio
}

// Sweep prunes the layer in fixed order: hard-expired entries first (past
// twice their TTL), then low-quality entries, then LRU down to the size
// cap. Sweeping an already-clean layer removes nothing.
func (l *Layer) Sweep(now time.Time) SweepStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats SweepStats

	for key, entry := range l.entries {
		if entry.Age(now) >= 2*entry.TTL {
			delete(l.entries, key)
			stats.Expired++
		}
	}

	if l.opts.MinQuality > 0 {
		for key, entry := range l.entries {
			if entry.Quality < l.opts.MinQuality {
				delete(l.entries, key)
				stats.LowQuality++
			}
		}
	}

	if l.opts.MaxEntries > 0 && len(l.entries) > l.opts.MaxEntries {
		type aged struct {
			key  string
			last time.Time
		}
		order := make([]aged, 0, len(l.entries))
		for key, entry := range l.entries {
			order = append(order, aged{key, entry.LastAccess})
		}
		// Evict least recently used until at the cap.
		for len(l.entries) > l.opts.MaxEntries {
			oldest := 0
			for i := 1; i < len(order); i++ {
				if order[i].last.Before(order[oldest].last) {
					oldest = i
				}
			}
			delete(l.entries, order[oldest].key)
			order = append(order[:oldest], order[oldest+1:]...)
			stats.LRUEvicted++
		}
	}

	stats.Remaining = len(l.entries)
	return stats
}
