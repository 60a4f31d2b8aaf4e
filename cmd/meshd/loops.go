package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/replay"
	"github.com/mohammad-safakhou/peermesh/internal/runtime"
	"github.com/mohammad-safakhou/peermesh/internal/scheduler"
	"github.com/mohammad-safakhou/peermesh/internal/server"
	"github.com/mohammad-safakhou/peermesh/internal/sweeper"
	"github.com/mohammad-safakhou/peermesh/internal/worker"
)

func consumerName(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "meshd"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

// serveLoops runs the replay HTTP API and the consumed-event pruner.
func serveLoops(a *app) ([]worker.Loop, error) {
	secret, err := runtime.LoadJWTSecret(a.cfg)
	if err != nil {
		return nil, err
	}
	buf := replay.New(a.store,
		replay.WithLogger(a.logger),
		replay.WithRetention(a.cfg.Replay.Retention),
		replay.WithLivePublisher(replay.StreamPublisher{Publisher: a.publisher, Stream: a.cfg.Streams.TaskEventStream}),
	)
	e, err := server.New(server.Deps{
		Events:    buf,
		JWTSecret: secret,
		Metrics:   a.telemetry.Handler(),
		Health:    a.checkHealth,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	return []worker.Loop{
		{Name: "http", Run: func(ctx context.Context) error {
			return server.Run(ctx, e, a.cfg.Server.Address, a.logger)
		}},
		{Name: "replay-pruner", Run: func(ctx context.Context) error {
			return buf.RunPruner(ctx, a.cfg.Replay.PruneInterval)
		}},
	}, nil
}

// workerLoops consumes peer replies and publishes task.resume for completed
// groups.
func workerLoops(ctx context.Context, a *app) ([]worker.Loop, error) {
	sc := a.cfg.Streams
	group := sc.ConsumerGroup
	for _, stream := range []string{sc.PeerReplyStream, sc.ResumeStream} {
		if err := streams.EnsureGroup(ctx, a.redis, stream, group); err != nil {
			return nil, err
		}
	}
	if _, err := streams.RegisterLagGauges(a.redis, []streams.GroupRef{{Stream: sc.PeerReplyStream, Group: group}}, a.logger); err != nil {
		a.logger.Warn("lag gauges unavailable", zap.Error(err))
	}

	trigger := worker.StreamResumeTrigger{Publisher: a.publisher, Stream: sc.ResumeStream}
	handler := worker.NewReplyHandler(a.coordinator(), trigger, a.logger, a.cfg.Resume.RetryMaxElapsed)
	consumer := streams.NewConsumer(a.redis, a.registry, group, consumerName("replies")).WithLogger(a.logger)
	proc := worker.NewProcessor(consumer, sc.PeerReplyStream, handler,
		worker.WithLogger(a.logger),
		worker.WithClaim(sc.ClaimMinIdle, sc.ClaimMinIdle/2),
	)
	return []worker.Loop{{Name: "reply-processor", Run: proc.Start}}, nil
}

// sweepLoops times out overdue sub-tasks.
func sweepLoops(a *app) []worker.Loop {
	trigger := worker.StreamResumeTrigger{
		Publisher: a.publisher,
		Stream:    a.cfg.Streams.ResumeStream,
		Reason:    streams.ResumeTimeoutSweep,
	}
	sw := sweeper.New(a.store, a.coordinator(), trigger,
		sweeper.WithLogger(a.logger),
		sweeper.WithInterval(a.cfg.Resume.SweepInterval),
		sweeper.WithBatchSize(a.cfg.Resume.SweepBatchSize),
		sweeper.WithRetryMaxElapsed(a.cfg.Resume.RetryMaxElapsed),
		sweeper.WithRecovery(a.store, a.cfg.Resume.RecoveryInterval),
	)
	return []worker.Loop{{Name: "sweeper", Run: sw.Run}}
}

// schedulerLoops fires configured schedules and collects their replies.
func schedulerLoops(ctx context.Context, a *app) ([]worker.Loop, error) {
	sc := a.cfg.Scheduler
	if !sc.Enabled {
		return nil, nil
	}
	schedules := make([]scheduler.Schedule, 0, len(sc.Schedules))
	for _, entry := range sc.Schedules {
		payload, err := json.Marshal(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("schedule %s payload: %w", entry.Name, err)
		}
		if entry.Payload == nil {
			payload = nil
		}
		schedules = append(schedules, scheduler.Schedule{Name: entry.Name, Cron: entry.Cron, Agent: entry.Agent, Payload: payload})
	}
	s, err := scheduler.New(a.store, a.publisher, schedules,
		scheduler.WithLogger(a.logger),
		scheduler.WithInterval(sc.TickInterval),
		scheduler.WithExecutionTimeout(sc.ExecutionTimeout),
		scheduler.WithStreams(a.cfg.Streams.PeerRequestStream, sc.ReplyStream, ""),
	)
	if err != nil {
		return nil, err
	}

	group := a.cfg.Streams.ConsumerGroup
	if err := streams.EnsureGroup(ctx, a.redis, s.ReplyStream(), group); err != nil {
		return nil, err
	}
	collector := scheduler.NewCollector(a.store, a.logger)
	if inflight, err := collector.ListInFlight(ctx, 100); err != nil {
		a.logger.Warn("list in-flight executions", zap.Error(err))
	} else if len(inflight) > 0 {
		a.logger.Info("scheduled executions awaiting replies", zap.Int("count", len(inflight)))
	}
	consumer := streams.NewConsumer(a.redis, a.registry, group, consumerName("schedule")).WithLogger(a.logger)
	proc := worker.NewProcessor(consumer, s.ReplyStream(), collector, worker.WithLogger(a.logger))
	return []worker.Loop{
		{Name: "scheduler", Run: s.Run},
		{Name: "schedule-collector", Run: proc.Start},
	}, nil
}
