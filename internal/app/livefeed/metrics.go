package livefeed

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/livefeed/errs"
	"github.com/coachpo/livefeed/internal/domain/schema"
	"github.com/coachpo/livefeed/internal/infra/telemetry"
)

// Stats is a point-in-time snapshot of feed counters.
type Stats struct {
	Subscriptions  int   `json:"subscriptions"`
	Consumers      int   `json:"consumers"`
	Cycles         int64 `json:"cycles"`
	FetchAttempts  int64 `json:"fetchAttempts"`
	FetchErrors    int64 `json:"fetchErrors"`
	StaleCycles    int64 `json:"staleCycles"`
	Deliveries     int64 `json:"deliveries"`
	Dropped        int64 `json:"dropped"`
	CallbackErrors int64 `json:"callbackErrors"`
}

type counters struct {
	cycles         atomic.Int64
	fetchAttempts  atomic.Int64
	fetchErrors    atomic.Int64
	staleCycles    atomic.Int64
	deliveries     atomic.Int64
	dropped        atomic.Int64
	callbackErrors atomic.Int64
	consumers      atomic.Int64
}

type feedMetrics struct {
	environment string
	source      string
	counters    counters

	fetchAttempts    metric.Int64Counter
	fetchErrors      metric.Int64Counter
	fetchStale       metric.Int64Counter
	deliveryCount    metric.Int64Counter
	deliveryDropped  metric.Int64Counter
	callbackErrors   metric.Int64Counter
	callbackDuration metric.Float64Histogram
	subscriptions    metric.Int64UpDownCounter
	consumers        metric.Int64UpDownCounter
	cycleDuration    metric.Float64Histogram
}

func newFeedMetrics(meter metric.Meter, source string) *feedMetrics {
	if meter == nil {
		meter = otel.Meter("livefeed")
	}
	fm := &feedMetrics{
		environment: telemetry.Environment(),
		source:      source,
	}

	fm.fetchAttempts, _ = meter.Int64Counter(telemetry.MetricFetchAttempts,
		metric.WithDescription("Fetch calls issued to the bar source"),
		metric.WithUnit("{call}"))

	fm.fetchErrors, _ = meter.Int64Counter(telemetry.MetricFetchErrors,
		metric.WithDescription("Fetch calls that failed with a network or timeout error"),
		metric.WithUnit("{error}"))

	fm.fetchStale, _ = meter.Int64Counter(telemetry.MetricFetchStale,
		metric.WithDescription("Wake cycles that exhausted staleness retries without a new bar"),
		metric.WithUnit("{cycle}"))

	fm.deliveryCount, _ = meter.Int64Counter(telemetry.MetricDeliveryCount,
		metric.WithDescription("Bars pushed into consumer inboxes"),
		metric.WithUnit("{bar}"))

	fm.deliveryDropped, _ = meter.Int64Counter(telemetry.MetricDeliveryDropped,
		metric.WithDescription("Bars dropped because a consumer inbox stayed full"),
		metric.WithUnit("{bar}"))

	fm.callbackErrors, _ = meter.Int64Counter(telemetry.MetricCallbackErrors,
		metric.WithDescription("Consumer callbacks that returned an error or panicked"),
		metric.WithUnit("{error}"))

	fm.callbackDuration, _ = meter.Float64Histogram(telemetry.MetricCallbackDuration,
		metric.WithDescription("Consumer callback execution time"),
		metric.WithUnit("ms"))

	fm.subscriptions, _ = meter.Int64UpDownCounter(telemetry.MetricSubscriptions,
		metric.WithDescription("Live subscriptions in the registry"),
		metric.WithUnit("{subscription}"))

	fm.consumers, _ = meter.Int64UpDownCounter(telemetry.MetricConsumers,
		metric.WithDescription("Running consumer workers"),
		metric.WithUnit("{consumer}"))

	fm.cycleDuration, _ = meter.Float64Histogram(telemetry.MetricCycleDuration,
		metric.WithDescription("Wall time of one scheduler wake cycle"),
		metric.WithUnit("ms"))

	return fm
}

func (m *feedMetrics) keyAttrs(key schema.Key) metric.MeasurementOption {
	attrs := telemetry.KeyAttributes(m.environment, key.Symbol, key.Exchange, string(key.Interval))
	if m.source != "" {
		attrs = append(attrs, telemetry.AttrSource.String(m.source))
	}
	return metric.WithAttributes(attrs...)
}

func (m *feedMetrics) recordFetch(ctx context.Context, key schema.Key) {
	if m == nil {
		return
	}
	m.counters.fetchAttempts.Add(1)
	if m.fetchAttempts != nil {
		m.fetchAttempts.Add(ctx, 1, m.keyAttrs(key))
	}
}

func (m *feedMetrics) recordFetchError(ctx context.Context, key schema.Key, err error) {
	if m == nil {
		return
	}
	m.counters.fetchErrors.Add(1)
	if m.fetchErrors != nil {
		attrs := telemetry.ErrorAttributes(m.environment, key.Symbol, key.Exchange, string(key.Interval), string(errs.CodeOf(err)))
		m.fetchErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *feedMetrics) recordStale(ctx context.Context, key schema.Key) {
	if m == nil {
		return
	}
	m.counters.staleCycles.Add(1)
	if m.fetchStale != nil {
		m.fetchStale.Add(ctx, 1, m.keyAttrs(key))
	}
}

func (m *feedMetrics) recordDelivery(ctx context.Context, key schema.Key) {
	if m == nil {
		return
	}
	m.counters.deliveries.Add(1)
	if m.deliveryCount != nil {
		m.deliveryCount.Add(ctx, 1, m.keyAttrs(key))
	}
}

func (m *feedMetrics) recordDrop(ctx context.Context, key schema.Key) {
	if m == nil {
		return
	}
	m.counters.dropped.Add(1)
	if m.deliveryDropped != nil {
		m.deliveryDropped.Add(ctx, 1, m.keyAttrs(key))
	}
}

func (m *feedMetrics) recordCallback(ctx context.Context, key schema.Key, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if m.callbackDuration != nil {
		m.callbackDuration.Record(ctx, float64(elapsed.Microseconds())/1000, m.keyAttrs(key))
	}
	if err == nil {
		return
	}
	m.counters.callbackErrors.Add(1)
	if m.callbackErrors != nil {
		m.callbackErrors.Add(ctx, 1, m.keyAttrs(key))
	}
}

func (m *feedMetrics) recordCycle(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.counters.cycles.Add(1)
	if m.cycleDuration != nil {
		m.cycleDuration.Record(ctx, float64(elapsed.Microseconds())/1000)
	}
}

func (m *feedMetrics) subscriptionDelta(ctx context.Context, delta int64) {
	if m == nil || m.subscriptions == nil {
		return
	}
	m.subscriptions.Add(ctx, delta)
}

func (m *feedMetrics) consumerDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.counters.consumers.Add(delta)
	if m.consumers != nil {
		m.consumers.Add(ctx, delta)
	}
}

func (m *feedMetrics) snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Consumers:      int(m.counters.consumers.Load()),
		Cycles:         m.counters.cycles.Load(),
		FetchAttempts:  m.counters.fetchAttempts.Load(),
		FetchErrors:    m.counters.fetchErrors.Load(),
		StaleCycles:    m.counters.staleCycles.Load(),
		Deliveries:     m.counters.deliveries.Load(),
		Dropped:        m.counters.dropped.Load(),
		CallbackErrors: m.counters.callbackErrors.Load(),
	}
}
