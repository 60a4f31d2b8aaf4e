package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/resume"
)

// ReplyConsumer records peer replies. *resume.Coordinator satisfies it.
type ReplyConsumer interface {
	ConsumeReply(ctx context.Context, subTaskID string, result resume.PeerResult) (resume.ConsumeOutcome, error)
}

// ReplyHandler turns peer.reply entries into ConsumeReply calls and fires
// the resume trigger for the reply that completes a group.
type ReplyHandler struct {
	consumer        ReplyConsumer
	trigger         resume.Trigger
	logger          *zap.Logger
	retryMaxElapsed time.Duration
}

// NewReplyHandler builds a ReplyHandler. retryMaxElapsed bounds retries of
// transient storage errors and of the trigger.
func NewReplyHandler(c ReplyConsumer, trigger resume.Trigger, logger *zap.Logger, retryMaxElapsed time.Duration) *ReplyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplyHandler{
		consumer:        c,
		trigger:         trigger,
		logger:          logger.Named("replies"),
		retryMaxElapsed: retryMaxElapsed,
	}
}

// Handle implements Handler. Malformed payloads, duplicates and requests the
// coordinator rejects are acked. Storage failures are left pending.
func (h *ReplyHandler) Handle(ctx context.Context, msg streams.Message) (bool, error) {
	if msg.Envelope.EventType != streams.EventPeerReply {
		return true, fmt.Errorf("%w: unexpected event type %q", errMalformed, msg.Envelope.EventType)
	}
	var reply streams.PeerReply
	if err := msg.Envelope.Decode(&reply); err != nil {
		return true, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if reply.SubTaskID == "" {
		return true, fmt.Errorf("%w: sub_task_id is empty", errMalformed)
	}

	result := resume.PeerResult{Kind: resume.KindOK, Payload: []byte(reply.Output)}
	if !reply.Success {
		result = resume.PeerResult{Kind: resume.KindError, Payload: []byte(reply.Output), Error: reply.Error}
	}

	var out resume.ConsumeOutcome
	err := resume.Retry(ctx, h.retryMaxElapsed, func() error {
		var err error
		out, err = h.consumer.ConsumeReply(ctx, reply.SubTaskID, result)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, resume.ErrStorageTransient), errors.Is(err, resume.ErrStorage):
		return false, err
	default:
		return true, err
	}

	if out.Status != resume.StatusReady {
		return true, nil
	}
	h.logger.Info("group ready",
		zap.String("logical_task_id", out.LogicalTaskID),
		zap.String("invocation_id", out.InvocationID),
		zap.Int("results", out.CompletedCount),
	)
	if err := h.fire(ctx, out.LogicalTaskID, out.InvocationID); err != nil {
		// The reply is already consumed; redelivery would be ignored.
		h.logger.Error("resume trigger failed; the sweeper recovery pass will re-fire it",
			zap.String("logical_task_id", out.LogicalTaskID),
			zap.String("invocation_id", out.InvocationID),
			zap.Error(err),
		)
		return true, err
	}
	return true, nil
}

func (h *ReplyHandler) fire(ctx context.Context, logicalTaskID, invocationID string) error {
	if h.trigger == nil {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if h.retryMaxElapsed > 0 {
		b.MaxElapsedTime = h.retryMaxElapsed
	} else {
		b.MaxElapsedTime = resume.DefaultRetryMaxElapsed
	}
	return backoff.Retry(func() error {
		return h.trigger.TriggerResume(ctx, logicalTaskID, invocationID)
	}, backoff.WithContext(b, ctx))
}

// StreamResumeTrigger publishes task.resume so any runtime instance can load
// and continue the task.
type StreamResumeTrigger struct {
	Publisher interface {
		PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
	}
	Stream string
	Reason string
}

// TriggerResume implements resume.Trigger.
func (t StreamResumeTrigger) TriggerResume(ctx context.Context, logicalTaskID, invocationID string) error {
	stream := t.Stream
	if stream == "" {
		stream = streams.StreamTaskResume
	}
	reason := t.Reason
	if reason == "" {
		reason = streams.ResumeRepliesComplete
	}
	_, err := t.Publisher.PublishRaw(ctx, stream, streams.EventTaskResume, streams.VersionV1, streams.TaskResume{
		LogicalTaskID: logicalTaskID,
		InvocationID:  invocationID,
		Reason:        reason,
	})
	if err != nil {
		return fmt.Errorf("publish task.resume: %w", err)
	}
	return nil
}
