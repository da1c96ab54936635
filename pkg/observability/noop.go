package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NoopMetrics discards all measurements. Used in tests and when metrics
// are disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordTurn(_ time.Duration, _ string)                          {}
func (NoopMetrics) RecordPhase(_ string, _ time.Duration, _ error)                {}
func (NoopMetrics) RecordLLMCall(_, _ string, _ time.Duration, _, _ int, _ error) {}
func (NoopMetrics) RecordToolCall(_ string, _ time.Duration, _ error)             {}
func (NoopMetrics) RecordCacheLookup(_, _ string)                                 {}
func (NoopMetrics) RecordCacheEviction(_, _ string, _ int)                        {}
func (NoopMetrics) SetBreakerState(_, _ string, _ int)                            {}
func (NoopMetrics) Registry() *prometheus.Registry                                { return prometheus.NewRegistry() }

func setGlobalMeterProvider(mp *sdkmetric.MeterProvider) {
	otel.SetMeterProvider(mp)
}
