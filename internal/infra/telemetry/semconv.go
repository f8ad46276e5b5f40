package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for livefeed telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSymbol captures the instrument symbol of a subscription (e.g. BTCUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrExchange identifies the venue the subscription is keyed on.
	AttrExchange = attribute.Key("exchange")
	// AttrInterval records the canonical bar interval (1, 1H, 1D, ...).
	AttrInterval = attribute.Key("interval")
	// AttrSource names the fetcher adapter serving the feed.
	AttrSource = attribute.Key("source")
	// AttrResult records the outcome of an operation (delivered, stale, error class, ...).
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by canonical error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrSink labels consumer sink metrics (log, jsonl, archive, script).
	AttrSink = attribute.Key("sink")
	// AttrEndpoint names the upstream REST endpoint a source request targeted.
	AttrEndpoint = attribute.Key("endpoint")
)

// Instrument names.
const (
	MetricFetchAttempts    = "livefeed.fetch.attempts"
	MetricFetchErrors      = "livefeed.fetch.errors"
	MetricFetchStale       = "livefeed.fetch.stale"
	MetricDeliveryCount    = "livefeed.delivery.count"
	MetricDeliveryDropped  = "livefeed.delivery.dropped"
	MetricCallbackErrors   = "livefeed.callback.errors"
	MetricCallbackDuration = "livefeed.callback.duration"
	MetricSubscriptions    = "livefeed.subscriptions"
	MetricConsumers        = "livefeed.consumers"
	MetricCycleDuration    = "livefeed.cycle.duration"
	MetricArchiveWrites    = "livefeed.archive.writes"
	MetricSourceRequests   = "livefeed.source.requests"
	MetricSourceLatency    = "livefeed.source.latency"
)

// Result values.
const (
	ResultDelivered = "delivered"
	ResultStale     = "stale"
	ResultError     = "error"
	ResultDropped   = "dropped"
)

// KeyAttributes returns the attribute set identifying a subscription.
func KeyAttributes(environment, symbol, exchange, interval string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSymbol.String(symbol),
		AttrExchange.String(exchange),
		AttrInterval.String(interval),
	}
}

// ErrorAttributes returns attributes for error metrics on a subscription.
func ErrorAttributes(environment, symbol, exchange, interval, errorType string) []attribute.KeyValue {
	attrs := KeyAttributes(environment, symbol, exchange, interval)
	if errorType != "" {
		attrs = append(attrs, AttrErrorType.String(errorType))
	}
	return attrs
}

// SourceAttributes returns attributes for upstream request metrics.
func SourceAttributes(environment, source, endpoint, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSource.String(source),
		AttrEndpoint.String(endpoint),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// SinkAttributes returns attributes for consumer sink metrics.
func SinkAttributes(environment, sink, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSink.String(sink),
		AttrResult.String(result),
	}
}
