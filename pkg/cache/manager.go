package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/cortex/pkg/observability"
	"github.com/kadirpekel/cortex/pkg/registry"
)

// Standard layer names.
const (
	LayerResponse = "response"
	LayerClaims   = "claims"
	LayerTools    = "tools"
)

// Manager owns the cache layers and runs the single background sweeper.
// Layers register once at startup; the sweeper walks them in registration
// order every interval.
type Manager struct {
	layers  *registry.BaseRegistry[*Layer]
	metrics observability.Metrics
	logger  *slog.Logger

	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu        sync.Mutex
	lastSweep map[string]SweepStats
	sweepRuns int
}

// NewManager creates a manager sweeping at the given interval.
func NewManager(interval time.Duration, metrics observability.Metrics) *Manager {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Manager{
		layers:    registry.NewBaseRegistry[*Layer](),
		metrics:   metrics,
		logger:    slog.Default().With("component", "cache"),
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		lastSweep: make(map[string]SweepStats),
	}
}

// Register adds a layer to the sweep set.
func (m *Manager) Register(layer *Layer) error {
	return m.layers.Register(layer.Name(), layer)
}

// Layer returns a registered layer by name.
func (m *Manager) Layer(name string) (*Layer, bool) {
	return m.layers.Get(name)
}

// RecordLookup forwards a lookup outcome to metrics. result is one of
// "hit", "stale", or "miss".
func (m *Manager) RecordLookup(layer, result string) {
	m.metrics.RecordCacheLookup(layer, result)
}

// Start launches the sweeper goroutine. It stops when ctx is cancelled or
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.SweepNow()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// SweepNow runs one sweep pass over every registered layer. Safe to call
// directly; a second pass over an already-swept set removes nothing.
func (m *Manager) SweepNow() map[string]SweepStats {
	now := time.Now().UTC()
	results := make(map[string]SweepStats)

	for _, name := range m.layers.Names() {
		layer, ok := m.layers.Get(name)
		if !ok {
			continue
		}
		stats := layer.Sweep(now)
		results[name] = stats

		m.metrics.RecordCacheEviction(name, "ttl", stats.Expired)
		m.metrics.RecordCacheEviction(name, "quality", stats.LowQuality)
		m.metrics.RecordCacheEviction(name, "lru", stats.LRUEvicted)

		if stats.Total() > 0 {
			m.logger.Debug("Cache sweep pruned entries",
				"layer", name,
				"expired", stats.Expired,
				"low_quality", stats.LowQuality,
				"lru", stats.LRUEvicted,
				"remaining", stats.Remaining)
		}
	}

	m.mu.Lock()
	m.lastSweep = results
	m.sweepRuns++
	m.mu.Unlock()
	return results
}

// LayerStatus is the reporting view of one layer.
type LayerStatus struct {
	Name      string     `json:"name"`
	Entries   int        `json:"entries"`
	Lookups   int        `json:"lookups"`
	Hits      int        `json:"hits"`
	HitRatio  float64    `json:"hit_ratio"`
	LastSweep SweepStats `json:"last_sweep"`
}

// Status reports every layer plus sweep run count, for the status API.
func (m *Manager) Status() (layers []LayerStatus, sweepRuns int) {
	m.mu.Lock()
	lastSweep := m.lastSweep
	sweepRuns = m.sweepRuns
	m.mu.Unlock()

	for _, name := range m.layers.Names() {
		layer, ok := m.layers.Get(name)
		if !ok {
			continue
		}
		lookups, hits, ratio := layer.HitRate()
		layers = append(layers, LayerStatus{
			Name:      name,
			Entries:   layer.Len(),
			Lookups:   lookups,
			Hits:      hits,
			HitRatio:  ratio,
			LastSweep: lastSweep[name],
		})
	}
	return layers, sweepRuns
}
