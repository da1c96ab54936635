package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records pipeline-level measurements. A noop implementation is
// used when metrics are disabled.
type Metrics interface {
	RecordTurn(duration time.Duration, outcome string)
	RecordPhase(phase string, duration time.Duration, err error)
	RecordLLMCall(role, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordToolCall(tool string, duration time.Duration, err error)
	RecordCacheLookup(layer, result string)
	RecordCacheEviction(layer, reason string, count int)
	SetBreakerState(group, component string, state int)
	Registry() *prometheus.Registry
}

// PrometheusMetrics implements Metrics on a dedicated registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	turnDuration  *prometheus.HistogramVec
	phaseDuration *prometheus.HistogramVec
	phaseErrors   *prometheus.CounterVec

	llmDuration *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec
	llmErrors   *prometheus.CounterVec

	toolDuration *prometheus.HistogramVec
	toolErrors   *prometheus.CounterVec

	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	breakerState *prometheus.GaugeVec
}

// NewPrometheusMetrics builds the metric set on a fresh registry and bridges
// the otel meter provider onto it.
func NewPrometheusMetrics() (*PrometheusMetrics, error) {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_turn_duration_seconds",
			Help:    "End-to-end duration of one user turn.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_phase_duration_seconds",
			Help:    "Duration of one pipeline phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		phaseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_phase_errors_total",
			Help: "Errors surfaced at phase boundaries.",
		}, []string{"phase"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_llm_call_duration_seconds",
			Help:    "Duration of outbound LLM calls.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 90},
		}, []string{"role", "model"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_llm_tokens_total",
			Help: "Tokens consumed by outbound LLM calls.",
		}, []string{"role", "model", "direction"}),
		llmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_llm_errors_total",
			Help: "Failed outbound LLM calls.",
		}, []string{"role", "model"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_tool_call_duration_seconds",
			Help:    "Duration of outbound tool RPCs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		toolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_tool_errors_total",
			Help: "Failed outbound tool RPCs.",
		}, []string{"tool"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_cache_lookups_total",
			Help: "Cache lookups by layer and result (hit, miss, stale).",
		}, []string{"layer", "result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_cache_evictions_total",
			Help: "Entries removed by the sweeper, by reason (ttl, quality, lru).",
		}, []string{"layer", "reason"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cortex_breaker_state",
			Help: "Circuit state per component (0=closed, 1=half_open, 2=open).",
		}, []string{"group", "component"}),
	}

	collectors := []prometheus.Collector{
		m.turnDuration, m.phaseDuration, m.phaseErrors,
		m.llmDuration, m.llmTokens, m.llmErrors,
		m.toolDuration, m.toolErrors,
		m.cacheLookups, m.cacheEvictions,
		m.breakerState,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	// Bridge the otel meter provider onto the same registry.
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create otel prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	setGlobalMeterProvider(mp)

	return m, nil
}

func (m *PrometheusMetrics) RecordTurn(duration time.Duration, outcome string) {
	m.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordPhase(phase string, duration time.Duration, err error) {
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
	if err != nil {
		m.phaseErrors.WithLabelValues(phase).Inc()
	}
}

func (m *PrometheusMetrics) RecordLLMCall(role, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	m.llmDuration.WithLabelValues(role, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.llmTokens.WithLabelValues(role, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokens.WithLabelValues(role, model, "output").Add(float64(outputTokens))
	}
	if err != nil {
		m.llmErrors.WithLabelValues(role, model).Inc()
	}
}

func (m *PrometheusMetrics) RecordToolCall(tool string, duration time.Duration, err error) {
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if err != nil {
		m.toolErrors.WithLabelValues(tool).Inc()
	}
}

func (m *PrometheusMetrics) RecordCacheLookup(layer, result string) {
	m.cacheLookups.WithLabelValues(layer, result).Inc()
}

func (m *PrometheusMetrics) RecordCacheEviction(layer, reason string, count int) {
	if count > 0 {
		m.cacheEvictions.WithLabelValues(layer, reason).Add(float64(count))
	}
}

func (m *PrometheusMetrics) SetBreakerState(group, component string, state int) {
	m.breakerState.WithLabelValues(group, component).Set(float64(state))
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}
