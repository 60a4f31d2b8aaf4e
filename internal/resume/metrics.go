package resume

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	resumeMetricsOnce  sync.Once
	repliesConsumed    otelmetric.Int64Counter
	checkpointsCreated otelmetric.Int64Counter
	tasksLoaded        otelmetric.Int64Counter
)

func initResumeMetrics() {
	meter := otel.Meter("peermesh/resume")
	var err error
	repliesConsumed, err = meter.Int64Counter(
		"resume_replies_consumed_total",
		otelmetric.WithDescription("Peer replies offered to the coordinator, by outcome"),
	)
	if err != nil {
		zap.L().Warn("resume metrics init", zap.String("instrument", "resume_replies_consumed_total"), zap.Error(err))
	}
	checkpointsCreated, err = meter.Int64Counter(
		"resume_checkpoints_total",
		otelmetric.WithDescription("Logical tasks suspended"),
	)
	if err != nil {
		zap.L().Warn("resume metrics init", zap.String("instrument", "resume_checkpoints_total"), zap.Error(err))
	}
	tasksLoaded, err = meter.Int64Counter(
		"resume_loads_total",
		otelmetric.WithDescription("Logical tasks loaded and cleared for resumption"),
	)
	if err != nil {
		zap.L().Warn("resume metrics init", zap.String("instrument", "resume_loads_total"), zap.Error(err))
	}
}

func recordReply(ctx context.Context, outcome string) {
	resumeMetricsOnce.Do(initResumeMetrics)
	if repliesConsumed != nil {
		repliesConsumed.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func recordCheckpoint(ctx context.Context) {
	resumeMetricsOnce.Do(initResumeMetrics)
	if checkpointsCreated != nil {
		checkpointsCreated.Add(ctx, 1)
	}
}

func recordLoad(ctx context.Context) {
	resumeMetricsOnce.Do(initResumeMetrics)
	if tasksLoaded != nil {
		tasksLoaded.Add(ctx, 1)
	}
}
