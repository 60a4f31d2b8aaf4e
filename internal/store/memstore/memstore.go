// Package memstore is an in-process implementation of the store contracts,
// used for single-node development mode and as the fake behind unit tests.
// A transaction holds the store mutex for its whole duration and works on a
// copy of the checkpoint tables that replaces the live state on commit.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/peermesh/internal/store"
)

type invKey struct {
	taskID       string
	invocationID string
}

type checkpointState struct {
	tasks       map[string]store.PausedTask
	subTasks    map[string]store.PeerSubTask
	invocations map[invKey]store.ParallelInvocation
}

func newCheckpointState() *checkpointState {
	return &checkpointState{
		tasks:       make(map[string]store.PausedTask),
		subTasks:    make(map[string]store.PeerSubTask),
		invocations: make(map[invKey]store.ParallelInvocation),
	}
}

func (s *checkpointState) clone() *checkpointState {
	out := newCheckpointState()
	for k, v := range s.tasks {
		out.tasks[k] = v
	}
	for k, v := range s.subTasks {
		out.subTasks[k] = v
	}
	for k, v := range s.invocations {
		v.Results = append([]json.RawMessage(nil), v.Results...)
		out.invocations[k] = v
	}
	return out
}

// Store keeps every table in memory behind one mutex.
type Store struct {
	mu         sync.Mutex
	cp         *checkpointState
	events     map[string]map[int64]store.EventRecord
	lastSeq    map[string]int64
	executions map[string]store.ScheduledExecution
	now        func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		cp:         newCheckpointState(),
		events:     make(map[string]map[int64]store.EventRecord),
		lastSeq:    make(map[string]int64),
		executions: make(map[string]store.ScheduledExecution),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx runs fn against a private copy of the checkpoint tables and publishes
// the copy only when fn returns nil. fn must not call back into s.
func (s *Store) WithTx(ctx context.Context, fn func(store.CheckpointTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.cp.clone()
	if err := fn(&tx{state: work, now: s.now}); err != nil {
		return err
	}
	s.cp = work
	return nil
}

// Checkpoints returns a CheckpointTx whose calls each commit on their own.
func (s *Store) Checkpoints() store.CheckpointTx {
	return autoTx{s: s}
}

// ListExpiredSubTasks mirrors the Postgres query: deadline at or before now,
// earliest first, at most limit rows.
func (s *Store) ListExpiredSubTasks(ctx context.Context, now time.Time, limit int) ([]store.PeerSubTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PeerSubTask
	for _, st := range s.cp.subTasks {
		if st.TimeoutDeadline != nil && !st.TimeoutDeadline.After(now) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeoutDeadline.Equal(*out[j].TimeoutDeadline) {
			return out[i].SubTaskID < out[j].SubTaskID
		}
		return out[i].TimeoutDeadline.Before(*out[j].TimeoutDeadline)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPausedTasks pages through tasks checkpointed before before, ordered
// by logical task id and starting after afterID.
func (s *Store) ListPausedTasks(ctx context.Context, before time.Time, afterID string, limit int) ([]store.PausedTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if before.IsZero() {
		before = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.PausedTask
	for id, t := range s.cp.tasks {
		if id > afterID && t.CheckpointedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalTaskID < out[j].LogicalTaskID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type autoTx struct {
	s *Store
}

func (a autoTx) run(ctx context.Context, fn func(store.CheckpointTx) error) error {
	return a.s.WithTx(ctx, fn)
}

func (a autoTx) PutPausedTask(ctx context.Context, t store.PausedTask) error {
	return a.run(ctx, func(tx store.CheckpointTx) error { return tx.PutPausedTask(ctx, t) })
}

func (a autoTx) GetPausedTask(ctx context.Context, id string) (out store.PausedTask, ok bool, err error) {
	err = a.run(ctx, func(tx store.CheckpointTx) error {
		out, ok, err = tx.GetPausedTask(ctx, id)
		return err
	})
	return out, ok, err
}

func (a autoTx) LockPausedTask(ctx context.Context, id string) (store.PausedTask, bool, error) {
	return a.GetPausedTask(ctx, id)
}

func (a autoTx) DeletePausedTask(ctx context.Context, id string) (ok bool, err error) {
	err = a.run(ctx, func(tx store.CheckpointTx) error {
		ok, err = tx.DeletePausedTask(ctx, id)
		return err
	})
	return ok, err
}

func (a autoTx) PutPeerSubTask(ctx context.Context, st store.PeerSubTask) error {
	return a.run(ctx, func(tx store.CheckpointTx) error { return tx.PutPeerSubTask(ctx, st) })
}

func (a autoTx) DeletePeerSubTaskIfExists(ctx context.Context, id string) (out store.PeerSubTask, ok bool, err error) {
	err = a.run(ctx, func(tx store.CheckpointTx) error {
		out, ok, err = tx.DeletePeerSubTaskIfExists(ctx, id)
		return err
	})
	return out, ok, err
}

func (a autoTx) PutParallelInvocation(ctx context.Context, inv store.ParallelInvocation) error {
	return a.run(ctx, func(tx store.CheckpointTx) error { return tx.PutParallelInvocation(ctx, inv) })
}

func (a autoTx) GetParallelInvocation(ctx context.Context, taskID, invID string) (out store.ParallelInvocation, ok bool, err error) {
	err = a.run(ctx, func(tx store.CheckpointTx) error {
		out, ok, err = tx.GetParallelInvocation(ctx, taskID, invID)
		return err
	})
	return out, ok, err
}

func (a autoTx) UpsertAndIncrementParallelInvocation(ctx context.Context, taskID, invID string, result json.RawMessage) (out store.ParallelInvocation, err error) {
	err = a.run(ctx, func(tx store.CheckpointTx) error {
		out, err = tx.UpsertAndIncrementParallelInvocation(ctx, taskID, invID, result)
		return err
	})
	return out, err
}

type tx struct {
	state *checkpointState
	now   func() time.Time
}

var _ store.CheckpointTx = (*tx)(nil)

func (t *tx) PutPausedTask(_ context.Context, task store.PausedTask) error {
	if task.LogicalTaskID == "" {
		return fmt.Errorf("logical_task_id is required")
	}
	if _, exists := t.state.tasks[task.LogicalTaskID]; exists {
		return fmt.Errorf("paused task %s: %w", task.LogicalTaskID, store.ErrDuplicateKey)
	}
	if task.CheckpointedAt.IsZero() {
		task.CheckpointedAt = t.now()
	}
	t.state.tasks[task.LogicalTaskID] = copyTask(task)
	return nil
}

func (t *tx) GetPausedTask(_ context.Context, id string) (store.PausedTask, bool, error) {
	task, ok := t.state.tasks[id]
	if !ok {
		return store.PausedTask{}, false, nil
	}
	return copyTask(task), true, nil
}

func (t *tx) LockPausedTask(ctx context.Context, id string) (store.PausedTask, bool, error) {
	return t.GetPausedTask(ctx, id)
}

func (t *tx) DeletePausedTask(_ context.Context, id string) (bool, error) {
	if _, ok := t.state.tasks[id]; !ok {
		return false, nil
	}
	delete(t.state.tasks, id)
	for k := range t.state.invocations {
		if k.taskID == id {
			delete(t.state.invocations, k)
		}
	}
	for k, st := range t.state.subTasks {
		if st.LogicalTaskID == id {
			delete(t.state.subTasks, k)
		}
	}
	return true, nil
}

func (t *tx) PutPeerSubTask(_ context.Context, st store.PeerSubTask) error {
	if st.SubTaskID == "" || st.LogicalTaskID == "" || st.InvocationID == "" {
		return fmt.Errorf("sub_task_id, logical_task_id and invocation_id are required")
	}
	if _, exists := t.state.subTasks[st.SubTaskID]; exists {
		return fmt.Errorf("peer sub-task %s: %w", st.SubTaskID, store.ErrDuplicateKey)
	}
	if _, ok := t.state.tasks[st.LogicalTaskID]; !ok {
		return fmt.Errorf("paused task %s: %w", st.LogicalTaskID, store.ErrMissingParent)
	}
	if _, ok := t.state.invocations[invKey{st.LogicalTaskID, st.InvocationID}]; !ok {
		return fmt.Errorf("invocation %s/%s: %w", st.LogicalTaskID, st.InvocationID, store.ErrMissingParent)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = t.now()
	}
	if st.TimeoutDeadline != nil {
		d := *st.TimeoutDeadline
		st.TimeoutDeadline = &d
	}
	st.CorrelationData = cloneBytes(st.CorrelationData)
	t.state.subTasks[st.SubTaskID] = st
	return nil
}

func (t *tx) DeletePeerSubTaskIfExists(_ context.Context, id string) (store.PeerSubTask, bool, error) {
	st, ok := t.state.subTasks[id]
	if !ok {
		return store.PeerSubTask{}, false, nil
	}
	delete(t.state.subTasks, id)
	return st, true, nil
}

func (t *tx) PutParallelInvocation(_ context.Context, inv store.ParallelInvocation) error {
	if inv.LogicalTaskID == "" || inv.InvocationID == "" {
		return fmt.Errorf("logical_task_id and invocation_id are required")
	}
	if inv.TotalExpected <= 0 {
		return fmt.Errorf("total_expected must be > 0")
	}
	key := invKey{inv.LogicalTaskID, inv.InvocationID}
	if _, exists := t.state.invocations[key]; exists {
		return fmt.Errorf("invocation %s/%s: %w", inv.LogicalTaskID, inv.InvocationID, store.ErrDuplicateKey)
	}
	if _, ok := t.state.tasks[inv.LogicalTaskID]; !ok {
		return fmt.Errorf("paused task %s: %w", inv.LogicalTaskID, store.ErrMissingParent)
	}
	t.state.invocations[key] = store.ParallelInvocation{
		LogicalTaskID: inv.LogicalTaskID,
		InvocationID:  inv.InvocationID,
		TotalExpected: inv.TotalExpected,
	}
	return nil
}

func (t *tx) GetParallelInvocation(_ context.Context, taskID, invID string) (store.ParallelInvocation, bool, error) {
	inv, ok := t.state.invocations[invKey{taskID, invID}]
	if !ok {
		return store.ParallelInvocation{}, false, nil
	}
	inv.Results = append([]json.RawMessage(nil), inv.Results...)
	return inv, true, nil
}

func (t *tx) UpsertAndIncrementParallelInvocation(_ context.Context, taskID, invID string, result json.RawMessage) (store.ParallelInvocation, error) {
	if len(result) == 0 {
		return store.ParallelInvocation{}, fmt.Errorf("result is required")
	}
	key := invKey{taskID, invID}
	inv, ok := t.state.invocations[key]
	if !ok || inv.CompletedCount >= inv.TotalExpected {
		return store.ParallelInvocation{}, store.ErrGroupComplete
	}
	inv.CompletedCount++
	inv.Results = append(inv.Results, json.RawMessage(cloneBytes(result)))
	t.state.invocations[key] = inv
	return store.ParallelInvocation{
		LogicalTaskID:  taskID,
		InvocationID:   invID,
		TotalExpected:  inv.TotalExpected,
		CompletedCount: inv.CompletedCount,
	}, nil
}

func copyTask(t store.PausedTask) store.PausedTask {
	t.ExecutionContext = cloneBytes(t.ExecutionContext)
	t.ResponseBuffer = cloneBytes(t.ResponseBuffer)
	t.SecurityContext = cloneBytes(t.SecurityContext)
	t.PendingArtifactSignals = json.RawMessage(cloneBytes(t.PendingArtifactSignals))
	t.ProducedArtifactRefs = append([]string(nil), t.ProducedArtifactRefs...)
	t.Flags = append([]string(nil), t.Flags...)
	if t.TokenUsage != nil {
		usage := make(map[string]int64, len(t.TokenUsage))
		for k, v := range t.TokenUsage {
			usage[k] = v
		}
		t.TokenUsage = usage
	}
	return t
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
