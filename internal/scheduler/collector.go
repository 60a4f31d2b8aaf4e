package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// Collector completes scheduled executions from peer replies.
type Collector struct {
	store  Store
	logger *zap.Logger
}

// NewCollector builds a Collector.
func NewCollector(st Store, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{store: st, logger: logger.Named("scheduler.collector")}
}

// HandleReply completes the execution correlated with correlationID. It
// reports false for an unknown or already finished execution.
func (c *Collector) HandleReply(ctx context.Context, correlationID string, reply streams.PeerReply) (bool, error) {
	status, errMsg := store.ExecutionSucceeded, ""
	if !reply.Success {
		status, errMsg = store.ExecutionFailed, reply.Error
	}
	done, err := c.store.CompleteScheduledExecution(ctx, correlationID, status, reply.Output, errMsg)
	if err != nil {
		return false, fmt.Errorf("complete execution %s: %w", correlationID, err)
	}
	if !done {
		c.logger.Debug("reply for unknown or finished execution ignored", zap.String("correlation_id", correlationID))
		return false, nil
	}
	c.logger.Info("scheduled execution completed",
		zap.String("correlation_id", correlationID),
		zap.String("status", status),
	)
	return true, nil
}

// Handle adapts the collector to a stream processor. Storage errors leave
// the entry pending.
func (c *Collector) Handle(ctx context.Context, msg streams.Message) (bool, error) {
	var reply streams.PeerReply
	if err := msg.Envelope.Decode(&reply); err != nil {
		return true, err
	}
	if reply.SubTaskID == "" {
		return true, errors.New("reply has no correlation id")
	}
	if _, err := c.HandleReply(ctx, reply.SubTaskID, reply); err != nil {
		return false, err
	}
	return true, nil
}

// ListInFlight returns executions still waiting for a reply.
func (c *Collector) ListInFlight(ctx context.Context, limit int) ([]store.ScheduledExecution, error) {
	return c.store.ListInFlightExecutions(ctx, limit)
}
