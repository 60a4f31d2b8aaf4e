// Package dispatch suspends a task on a fan-out of peer calls: it checkpoints
// the task first and only then publishes the peer.request messages, so a
// reply can never arrive for a sub-task that is not yet recorded.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/resume"
	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// ErrPublish marks a Suspend whose checkpoint committed but where one or more
// peer requests could not be published. Unpublished sub-tasks are resolved by
// the timeout sweeper.
var ErrPublish = errors.New("dispatch: publish peer request")

// Checkpointer persists a suspended task. *resume.Coordinator satisfies it.
type Checkpointer interface {
	Checkpoint(ctx context.Context, req resume.CheckpointRequest) error
}

// Publisher sends envelopes to a stream. *streams.Publisher satisfies it.
type Publisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// PeerCall is one outbound request of a fan-out.
type PeerCall struct {
	SubTaskID string
	PeerAgent string
	Input     json.RawMessage
	Deadline  *time.Time
}

// FanOut is a group of peer calls the task waits on together.
type FanOut struct {
	InvocationID string
	Calls        []PeerCall
}

// Dispatcher checkpoints tasks and fans their peer calls out on the bus.
type Dispatcher struct {
	checkpoints  Checkpointer
	publisher    Publisher
	stream       string
	replyTo      string
	peerTimeout  time.Duration
	now          func() time.Time
	logger       *zap.Logger
	dispatched   otelmetric.Int64Counter
	publishFails otelmetric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithStreams overrides the request stream and the reply_to stream peers
// answer on.
func WithStreams(request, replyTo string) Option {
	return func(d *Dispatcher) {
		if request != "" {
			d.stream = request
		}
		if replyTo != "" {
			d.replyTo = replyTo
		}
	}
}

// WithPeerTimeout stamps calls without a deadline with now+timeout.
func WithPeerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.peerTimeout = timeout }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New builds a Dispatcher.
func New(cp Checkpointer, pub Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		checkpoints: cp,
		publisher:   pub,
		stream:      streams.StreamPeerRequests,
		replyTo:     streams.StreamPeerReplies,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatch")
	meter := otel.Meter("peermesh/dispatch")
	var err error
	if d.dispatched, err = meter.Int64Counter("dispatch_peer_requests_total",
		otelmetric.WithDescription("Peer requests published after a checkpoint")); err != nil {
		d.logger.Warn("dispatch metrics init", zap.Error(err))
	}
	if d.publishFails, err = meter.Int64Counter("dispatch_publish_failures_total",
		otelmetric.WithDescription("Peer requests that could not be published")); err != nil {
		d.logger.Warn("dispatch metrics init", zap.Error(err))
	}
	return d
}

// Suspend checkpoints task with the given fan-outs and publishes one
// peer.request per call. Missing invocation and sub-task ids are generated
// and returned in the result. The task's current invocation is the last
// fan-out unless task.CurrentInvocationID says otherwise.
func (d *Dispatcher) Suspend(ctx context.Context, task store.PausedTask, fanOuts []FanOut) ([]FanOut, error) {
	if len(fanOuts) == 0 {
		return nil, fmt.Errorf("%w: at least one fan-out is required", resume.ErrInvalidRequest)
	}
	now := d.now()
	planned := make([]FanOut, len(fanOuts))
	groups := make([]resume.Group, len(fanOuts))
	for i, fo := range fanOuts {
		if fo.InvocationID == "" {
			fo.InvocationID = uuid.NewString()
		}
		calls := make([]PeerCall, len(fo.Calls))
		subs := make([]store.PeerSubTask, len(fo.Calls))
		for j, call := range fo.Calls {
			if call.SubTaskID == "" {
				call.SubTaskID = uuid.NewString()
			}
			if call.Deadline == nil && d.peerTimeout > 0 {
				deadline := now.Add(d.peerTimeout)
				call.Deadline = &deadline
			}
			if len(call.Input) == 0 {
				call.Input = json.RawMessage("null")
			}
			calls[j] = call
			subs[j] = store.PeerSubTask{
				SubTaskID:       call.SubTaskID,
				PeerAgent:       call.PeerAgent,
				CorrelationData: []byte(call.Input),
				TimeoutDeadline: call.Deadline,
			}
		}
		planned[i] = FanOut{InvocationID: fo.InvocationID, Calls: calls}
		groups[i] = resume.Group{InvocationID: fo.InvocationID, SubTasks: subs}
	}

	if err := d.checkpoints.Checkpoint(ctx, resume.CheckpointRequest{Task: task, Groups: groups}); err != nil {
		return nil, err
	}

	var errs []error
	for _, fo := range planned {
		for _, call := range fo.Calls {
			req := streams.PeerRequest{
				LogicalTaskID: task.LogicalTaskID,
				InvocationID:  fo.InvocationID,
				SubTaskID:     call.SubTaskID,
				PeerAgent:     call.PeerAgent,
				ReplyTo:       d.replyTo,
				Deadline:      call.Deadline,
				Input:         call.Input,
			}
			if _, err := d.publisher.PublishRaw(ctx, d.stream, streams.EventPeerRequest, streams.VersionV1, req); err != nil {
				d.logger.Warn("peer request not published; sweeper will time it out",
					zap.String("logical_task_id", task.LogicalTaskID),
					zap.String("sub_task_id", call.SubTaskID),
					zap.String("peer_agent", call.PeerAgent),
					zap.Error(err),
				)
				if d.publishFails != nil {
					d.publishFails.Add(ctx, 1)
				}
				errs = append(errs, fmt.Errorf("sub-task %s: %w", call.SubTaskID, err))
				continue
			}
			if d.dispatched != nil {
				d.dispatched.Add(ctx, 1)
			}
		}
	}
	if len(errs) > 0 {
		return planned, fmt.Errorf("%w: %w", ErrPublish, errors.Join(errs...))
	}
	d.logger.Debug("task suspended",
		zap.String("logical_task_id", task.LogicalTaskID),
		zap.Int("fan_outs", len(planned)),
	)
	return planned, nil
}
