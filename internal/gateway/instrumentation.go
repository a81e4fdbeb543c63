package gateway

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "voicegate/internal/gateway"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)

	requestCounter, _ = meter.Int64Counter(
		"voicegate.gateway.requests",
		metric.WithDescription("Engine requests by engine and outcome"),
	)
	queuedCounter, _ = meter.Int64UpDownCounter(
		"voicegate.gateway.queued",
		metric.WithDescription("Engine requests waiting for a concurrency slot"),
	)
	engineDuration, _ = meter.Float64Histogram(
		"voicegate.gateway.engine.duration",
		metric.WithDescription("Time spent inside the engine per request"),
		metric.WithUnit("s"),
	)
)
