package streams

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	streamMetricsOnce sync.Once
	publishedTotal    otelmetric.Int64Counter
	consumedTotal     otelmetric.Int64Counter
	droppedTotal      otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("peermesh/queue/streams")
	var err error
	publishedTotal, err = meter.Int64Counter(
		"stream_messages_published_total",
		otelmetric.WithDescription("Envelopes appended to Redis streams"),
	)
	if err != nil {
		zap.L().Warn("queue streams metrics init", zap.String("metric", "stream_messages_published_total"), zap.Error(err))
	}
	consumedTotal, err = meter.Int64Counter(
		"stream_messages_consumed_total",
		otelmetric.WithDescription("Envelopes delivered to consumers"),
	)
	if err != nil {
		zap.L().Warn("queue streams metrics init", zap.String("metric", "stream_messages_consumed_total"), zap.Error(err))
	}
	droppedTotal, err = meter.Int64Counter(
		"stream_messages_dropped_total",
		otelmetric.WithDescription("Malformed or schema-invalid entries acknowledged without delivery"),
	)
	if err != nil {
		zap.L().Warn("queue streams metrics init", zap.String("metric", "stream_messages_dropped_total"), zap.Error(err))
	}
}

func recordPublished(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishedTotal == nil {
		return
	}
	publishedTotal.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func recordConsumed(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if consumedTotal == nil {
		return
	}
	consumedTotal.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func recordDropped(ctx context.Context, stream, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if droppedTotal == nil {
		return
	}
	droppedTotal.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("reason", reason),
	))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
