package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// LagMetrics is the backlog of one consumer group. Lag is -1 when the group
// was not found.
type LagMetrics struct {
	Pending    int64
	Lag        int64
	Consumers  int64
	OldestIdle time.Duration
}

// GroupLag reads XINFO GROUPS and the oldest pending entry for group.
func GroupLag(ctx context.Context, client redis.UniversalClient, stream, group string) (LagMetrics, error) {
	if client == nil {
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" {
		return LagMetrics{}, fmt.Errorf("stream is required")
	}
	if group == "" {
		return LagMetrics{}, fmt.Errorf("group is required")
	}

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups: %w", err)
	}
	metrics := LagMetrics{Lag: -1}
	for _, info := range groups {
		if info.Name != group {
			continue
		}
		metrics.Pending = info.Pending
		metrics.Lag = info.Lag
		metrics.Consumers = int64(info.Consumers)
		break
	}

	if metrics.Pending > 0 {
		entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return LagMetrics{}, fmt.Errorf("xpendingext: %w", err)
		}
		if len(entries) > 0 {
			metrics.OldestIdle = entries[0].Idle
		}
	}

	return metrics, nil
}

// GroupRef names a stream and one of its consumer groups.
type GroupRef struct {
	Stream string
	Group  string
}

// RegisterLagGauges exports pending count and lag of every ref as otel
// observable gauges. The returned registration must be unregistered on
// shutdown.
func RegisterLagGauges(client redis.UniversalClient, refs []GroupRef, logger *zap.Logger) (otelmetric.Registration, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter("peermesh/queue/streams")
	pending, err := meter.Int64ObservableGauge("stream_group_pending",
		otelmetric.WithDescription("Entries delivered to the group but not yet acknowledged"))
	if err != nil {
		return nil, fmt.Errorf("stream_group_pending: %w", err)
	}
	lag, err := meter.Int64ObservableGauge("stream_group_lag",
		otelmetric.WithDescription("Entries not yet delivered to the group"))
	if err != nil {
		return nil, fmt.Errorf("stream_group_lag: %w", err)
	}
	return meter.RegisterCallback(func(ctx context.Context, o otelmetric.Observer) error {
		for _, ref := range refs {
			m, err := GroupLag(ctx, client, ref.Stream, ref.Group)
			if err != nil {
				logger.Debug("group lag unavailable", zap.String("stream", ref.Stream), zap.String("group", ref.Group), zap.Error(err))
				continue
			}
			attrs := otelmetric.WithAttributes(
				attribute.String("stream", ref.Stream),
				attribute.String("group", ref.Group),
			)
			o.ObserveInt64(pending, m.Pending, attrs)
			o.ObserveInt64(lag, m.Lag, attrs)
		}
		return nil
	}, pending, lag)
}
