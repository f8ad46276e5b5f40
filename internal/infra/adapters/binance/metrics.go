package binance

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/livefeed/internal/infra/telemetry"
)

type sourceMetrics struct {
	environment string
	source      string

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func newSourceMetrics(source string) *sourceMetrics {
	meter := otel.Meter("adapter.binance")
	sm := &sourceMetrics{
		environment: telemetry.Environment(),
		source:      source,
		requests:    nil,
		latency:     nil,
	}

	sm.requests, _ = meter.Int64Counter(telemetry.MetricSourceRequests,
		metric.WithDescription("REST requests issued to the bar source"),
		metric.WithUnit("{request}"))

	sm.latency, _ = meter.Float64Histogram(telemetry.MetricSourceLatency,
		metric.WithDescription("Round trip latency of bar source requests"),
		metric.WithUnit("ms"))

	return sm
}

func (sm *sourceMetrics) recordRequest(ctx context.Context, endpoint, result string, latency time.Duration) {
	if sm == nil || sm.requests == nil || sm.latency == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if latency < 0 {
		latency = 0
	}
	attrs := telemetry.SourceAttributes(sm.environment, sm.source, endpoint, result)
	sm.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.latency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}
