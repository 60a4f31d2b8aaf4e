// Package resume implements the checkpoint-and-resume protocol that lets a
// stateless worker suspend a logical task while peer agents work, consume
// their replies exactly once under at-least-once delivery, and hand the task
// to whichever worker resumes it.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// Store is the transactional surface the coordinator needs. *store.Store and
// *memstore.Store both satisfy it.
type Store interface {
	WithTx(ctx context.Context, fn func(store.CheckpointTx) error) error
}

// Group is one fan-out: the sub-tasks dispatched together whose replies must
// all be consumed before the task resumes.
type Group struct {
	InvocationID string
	SubTasks     []store.PeerSubTask
}

// CheckpointRequest suspends Task waiting on Groups. LogicalTaskID and
// InvocationID on each sub-task are filled in from the request.
type CheckpointRequest struct {
	Task   store.PausedTask
	Groups []Group
}

// ConsumeStatus is the result of offering a reply to the coordinator.
type ConsumeStatus string

const (
	// StatusIgnored means the sub-task was unknown or already consumed.
	StatusIgnored ConsumeStatus = "ignored"
	// StatusWaiting means the reply was recorded and the group has more
	// outstanding sub-tasks.
	StatusWaiting ConsumeStatus = "waiting"
	// StatusReady means the reply completed its group.
	StatusReady ConsumeStatus = "ready"
)

// ConsumeOutcome describes what ConsumeReply did.
type ConsumeOutcome struct {
	Status         ConsumeStatus
	LogicalTaskID  string
	InvocationID   string
	CompletedCount int
	TotalExpected  int
}

// ResumeState is everything a worker needs to continue a task.
type ResumeState struct {
	Task         store.PausedTask
	InvocationID string
	Results      []PeerResult
}

// Coordinator owns the protocol. It holds no per-task state, so any number of
// coordinators in any number of processes may share one store.
type Coordinator struct {
	store          Store
	logger         *zap.Logger
	tracer         trace.Tracer
	now            func() time.Time
	defaultTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer used for coordinator spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDefaultPeerTimeout gives sub-tasks without a deadline one that is d
// after checkpoint time. Zero leaves them without a deadline.
func WithDefaultPeerTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.defaultTimeout = d
	}
}

// NewCoordinator builds a Coordinator over st.
func NewCoordinator(st Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  st,
		logger: zap.NewNop(),
		tracer: otel.Tracer("peermesh/resume"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("resume")
	return c
}

// Checkpoint persists the paused task with its groups and sub-tasks in one
// transaction. A task that is already suspended yields ErrConflict.
func (c *Coordinator) Checkpoint(ctx context.Context, req CheckpointRequest) error {
	ctx, span := c.tracer.Start(ctx, "resume.Checkpoint", trace.WithAttributes(
		attribute.String("logical_task_id", req.Task.LogicalTaskID),
	))
	defer span.End()

	if err := c.normalizeCheckpoint(&req); err != nil {
		return err
	}
	err := c.store.WithTx(ctx, func(tx store.CheckpointTx) error {
		if err := tx.PutPausedTask(ctx, req.Task); err != nil {
			return err
		}
		for _, g := range req.Groups {
			if err := tx.PutParallelInvocation(ctx, store.ParallelInvocation{
				LogicalTaskID: req.Task.LogicalTaskID,
				InvocationID:  g.InvocationID,
				TotalExpected: len(g.SubTasks),
			}); err != nil {
				return err
			}
			for _, st := range g.SubTasks {
				if err := tx.PutPeerSubTask(ctx, st); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return translateStorageError("checkpoint", err)
	}
	recordCheckpoint(ctx)
	c.logger.Debug("task checkpointed",
		zap.String("logical_task_id", req.Task.LogicalTaskID),
		zap.String("invocation_id", req.Task.CurrentInvocationID),
		zap.Int("groups", len(req.Groups)),
	)
	return nil
}

func (c *Coordinator) normalizeCheckpoint(req *CheckpointRequest) error {
	task := &req.Task
	if task.LogicalTaskID == "" {
		return fmt.Errorf("%w: logical_task_id is required", ErrInvalidRequest)
	}
	if task.AgentName == "" {
		return fmt.Errorf("%w: agent_name is required", ErrInvalidRequest)
	}
	now := c.now()
	if task.CheckpointedAt.IsZero() {
		task.CheckpointedAt = now
	}
	seenGroups := make(map[string]struct{}, len(req.Groups))
	seenSubs := make(map[string]struct{})
	for gi := range req.Groups {
		g := &req.Groups[gi]
		if g.InvocationID == "" {
			return fmt.Errorf("%w: group %d has no invocation_id", ErrInvalidRequest, gi)
		}
		if _, dup := seenGroups[g.InvocationID]; dup {
			return fmt.Errorf("%w: duplicate invocation_id %s", ErrInvalidRequest, g.InvocationID)
		}
		seenGroups[g.InvocationID] = struct{}{}
		if len(g.SubTasks) == 0 {
			return fmt.Errorf("%w: group %s has no sub-tasks", ErrInvalidRequest, g.InvocationID)
		}
		for si := range g.SubTasks {
			st := &g.SubTasks[si]
			if st.SubTaskID == "" {
				return fmt.Errorf("%w: group %s sub-task %d has no id", ErrInvalidRequest, g.InvocationID, si)
			}
			if _, dup := seenSubs[st.SubTaskID]; dup {
				return fmt.Errorf("%w: duplicate sub_task_id %s", ErrInvalidRequest, st.SubTaskID)
			}
			seenSubs[st.SubTaskID] = struct{}{}
			st.LogicalTaskID = task.LogicalTaskID
			st.InvocationID = g.InvocationID
			if st.CreatedAt.IsZero() {
				st.CreatedAt = now
			}
			if st.TimeoutDeadline == nil && c.defaultTimeout > 0 {
				d := now.Add(c.defaultTimeout)
				st.TimeoutDeadline = &d
			}
		}
	}
	if task.CurrentInvocationID == "" && len(req.Groups) > 0 {
		task.CurrentInvocationID = req.Groups[len(req.Groups)-1].InvocationID
	}
	if task.CurrentInvocationID != "" {
		if _, ok := seenGroups[task.CurrentInvocationID]; !ok {
			return fmt.Errorf("%w: current invocation %s is not among the checkpointed groups", ErrInvalidRequest, task.CurrentInvocationID)
		}
	}
	return nil
}

// ConsumeReply records result for subTaskID. The sub-task row is deleted in
// the same transaction that increments its group, so a duplicate or late
// delivery finds nothing and returns StatusIgnored with a nil error.
func (c *Coordinator) ConsumeReply(ctx context.Context, subTaskID string, result PeerResult) (ConsumeOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "resume.ConsumeReply", trace.WithAttributes(
		attribute.String("sub_task_id", subTaskID),
	))
	defer span.End()

	if subTaskID == "" {
		return ConsumeOutcome{}, fmt.Errorf("%w: sub_task_id is required", ErrInvalidRequest)
	}
	if result.Kind == "" {
		result.Kind = KindOK
	}
	if !result.Kind.valid() {
		return ConsumeOutcome{}, fmt.Errorf("%w: unknown result kind %q", ErrInvalidRequest, result.Kind)
	}
	result.SubTaskID = subTaskID
	if result.RecordedAt.IsZero() {
		result.RecordedAt = c.now()
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return ConsumeOutcome{}, fmt.Errorf("%w: encode result: %v", ErrInvalidRequest, err)
	}

	var out ConsumeOutcome
	err = c.store.WithTx(ctx, func(tx store.CheckpointTx) error {
		out = ConsumeOutcome{Status: StatusIgnored}
		sub, ok, err := tx.DeletePeerSubTaskIfExists(ctx, subTaskID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		inv, err := tx.UpsertAndIncrementParallelInvocation(ctx, sub.LogicalTaskID, sub.InvocationID, encoded)
		if err != nil {
			return err
		}
		out = ConsumeOutcome{
			Status:         StatusWaiting,
			LogicalTaskID:  sub.LogicalTaskID,
			InvocationID:   sub.InvocationID,
			CompletedCount: inv.CompletedCount,
			TotalExpected:  inv.TotalExpected,
		}
		if inv.Ready() {
			out.Status = StatusReady
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return ConsumeOutcome{}, translateStorageError("consume reply", err)
	}
	recordReply(ctx, string(out.Status))
	if out.Status == StatusIgnored {
		c.logger.Debug("duplicate or late reply ignored", zap.String("sub_task_id", subTaskID))
		return out, nil
	}
	c.logger.Debug("reply consumed",
		zap.String("sub_task_id", subTaskID),
		zap.String("logical_task_id", out.LogicalTaskID),
		zap.String("invocation_id", out.InvocationID),
		zap.String("kind", string(result.Kind)),
		zap.Int("completed", out.CompletedCount),
		zap.Int("expected", out.TotalExpected),
	)
	return out, nil
}

// Cancel consumes subTaskID with a cancelled result through the same path as
// a real reply.
func (c *Coordinator) Cancel(ctx context.Context, subTaskID, reason string) (ConsumeOutcome, error) {
	return c.ConsumeReply(ctx, subTaskID, PeerResult{Kind: KindCancelled, Error: reason})
}

// IsReady reports whether every sub-task of the group has been consumed.
func (c *Coordinator) IsReady(ctx context.Context, logicalTaskID, invocationID string) (bool, error) {
	var ready bool
	err := c.store.WithTx(ctx, func(tx store.CheckpointTx) error {
		inv, ok, err := tx.GetParallelInvocation(ctx, logicalTaskID, invocationID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: invocation %s/%s", ErrNotFound, logicalTaskID, invocationID)
		}
		ready = inv.Ready()
		return nil
	})
	if err != nil {
		return false, translateStorageError("is ready", err)
	}
	return ready, nil
}

// LoadAndClear returns the suspended task with the ordered results of its
// current group and deletes it with all of its children. Exactly one caller
// succeeds per checkpoint; others get ErrNotFound. If the group is not ready
// the call fails with ErrNotReady and nothing is deleted.
func (c *Coordinator) LoadAndClear(ctx context.Context, logicalTaskID string) (*ResumeState, error) {
	ctx, span := c.tracer.Start(ctx, "resume.LoadAndClear", trace.WithAttributes(
		attribute.String("logical_task_id", logicalTaskID),
	))
	defer span.End()

	var state *ResumeState
	err := c.store.WithTx(ctx, func(tx store.CheckpointTx) error {
		task, ok, err := tx.LockPausedTask(ctx, logicalTaskID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: paused task %s", ErrNotFound, logicalTaskID)
		}
		st := &ResumeState{Task: task, InvocationID: task.CurrentInvocationID, Results: []PeerResult{}}
		if task.CurrentInvocationID != "" {
			inv, ok, err := tx.GetParallelInvocation(ctx, logicalTaskID, task.CurrentInvocationID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: invocation %s/%s", ErrNotFound, logicalTaskID, task.CurrentInvocationID)
			}
			if !inv.Ready() {
				return fmt.Errorf("%w: %s/%s has %d of %d replies", ErrNotReady, logicalTaskID, inv.InvocationID, inv.CompletedCount, inv.TotalExpected)
			}
			results, err := decodeResults(inv.Results)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			st.Results = results
		}
		deleted, err := tx.DeletePausedTask(ctx, logicalTaskID)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: paused task %s", ErrNotFound, logicalTaskID)
		}
		state = st
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
		}
		return nil, translateStorageError("load and clear", err)
	}
	recordLoad(ctx)
	c.logger.Info("task cleared for resumption",
		zap.String("logical_task_id", logicalTaskID),
		zap.String("invocation_id", state.InvocationID),
		zap.Int("results", len(state.Results)),
	)
	return state, nil
}

// Abandon deletes a suspended task and its children without resuming it.
func (c *Coordinator) Abandon(ctx context.Context, logicalTaskID string) error {
	err := c.store.WithTx(ctx, func(tx store.CheckpointTx) error {
		deleted, err := tx.DeletePausedTask(ctx, logicalTaskID)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("%w: paused task %s", ErrNotFound, logicalTaskID)
		}
		return nil
	})
	if err != nil {
		return translateStorageError("abandon", err)
	}
	c.logger.Info("task abandoned", zap.String("logical_task_id", logicalTaskID))
	return nil
}
