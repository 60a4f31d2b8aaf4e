package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/peermesh/internal/store"
	"github.com/mohammad-safakhou/peermesh/internal/store/memstore"
)

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	return NewCoordinator(ms, opts...), ms
}

func checkpointGroup(t *testing.T, c *Coordinator, taskID, invID string, subIDs ...string) {
	t.Helper()
	subs := make([]store.PeerSubTask, 0, len(subIDs))
	for _, id := range subIDs {
		subs = append(subs, store.PeerSubTask{SubTaskID: id, PeerAgent: "researcher"})
	}
	err := c.Checkpoint(context.Background(), CheckpointRequest{
		Task:   store.PausedTask{LogicalTaskID: taskID, AgentName: "planner", ExecutionContext: []byte("ctx-" + taskID)},
		Groups: []Group{{InvocationID: invID, SubTasks: subs}},
	})
	if err != nil {
		t.Fatalf("Checkpoint(%s): %v", taskID, err)
	}
}

func TestFanOutFanInScenario(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	checkpointGroup(t, c, "T1", "G1", "S1", "S2")

	out, err := c.ConsumeReply(ctx, "S2", PeerResult{Kind: KindOK, Payload: []byte("second-dispatched")})
	if err != nil {
		t.Fatalf("consume S2: %v", err)
	}
	if out.Status != StatusWaiting || out.CompletedCount != 1 || out.TotalExpected != 2 {
		t.Fatalf("unexpected outcome after S2: %#v", out)
	}

	if _, err := c.LoadAndClear(ctx, "T1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady before the group completes, got %v", err)
	}

	out, err = c.ConsumeReply(ctx, "S1", PeerResult{Kind: KindError, Error: "peer failed"})
	if err != nil {
		t.Fatalf("consume S1: %v", err)
	}
	if out.Status != StatusReady || out.CompletedCount != 2 {
		t.Fatalf("unexpected outcome after S1: %#v", out)
	}
	if out.LogicalTaskID != "T1" || out.InvocationID != "G1" {
		t.Fatalf("outcome lost its group: %#v", out)
	}

	ready, err := c.IsReady(ctx, "T1", "G1")
	if err != nil || !ready {
		t.Fatalf("IsReady: ready=%v err=%v", ready, err)
	}

	state, err := c.LoadAndClear(ctx, "T1")
	if err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}
	if string(state.Task.ExecutionContext) != "ctx-T1" {
		t.Fatalf("execution context not preserved: %q", state.Task.ExecutionContext)
	}
	if len(state.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(state.Results))
	}
	if state.Results[0].SubTaskID != "S2" || state.Results[1].SubTaskID != "S1" {
		t.Fatalf("results not in consumption order: %#v", state.Results)
	}
	if string(state.Results[0].Payload) != "second-dispatched" || !state.Results[1].Failed() {
		t.Fatalf("result contents not preserved: %#v", state.Results)
	}

	if _, err := c.LoadAndClear(ctx, "T1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second LoadAndClear, got %v", err)
	}
	if _, err := c.IsReady(ctx, "T1", "G1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected children to be cleared, got %v", err)
	}
}

func TestDuplicateReplyCountsOnce(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	checkpointGroup(t, c, "T1", "G1", "S1", "S2")

	if _, err := c.ConsumeReply(ctx, "S1", PeerResult{}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	out, err := c.ConsumeReply(ctx, "S1", PeerResult{})
	if err != nil {
		t.Fatalf("duplicate delivery should not error: %v", err)
	}
	if out.Status != StatusIgnored {
		t.Fatalf("expected duplicate to be ignored, got %#v", out)
	}
	out, err = c.ConsumeReply(ctx, "S2", PeerResult{})
	if err != nil {
		t.Fatalf("consume S2: %v", err)
	}
	if out.CompletedCount != 2 || out.Status != StatusReady {
		t.Fatalf("duplicate changed the count: %#v", out)
	}
}

func TestConcurrentConsumersIncrementOnce(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	checkpointGroup(t, c, "T1", "G1", "S1", "S2")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[ConsumeStatus]int{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.ConsumeReply(ctx, "S1", PeerResult{Kind: KindOK})
			if err != nil {
				t.Errorf("ConsumeReply: %v", err)
				return
			}
			mu.Lock()
			statuses[out.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if statuses[StatusWaiting] != 1 || statuses[StatusIgnored] != 15 {
		t.Fatalf("expected one winner, got %v", statuses)
	}
}

func TestConcurrentLoadAndClearSingleWinner(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	checkpointGroup(t, c, "T1", "G1", "S1")
	if _, err := c.ConsumeReply(ctx, "S1", PeerResult{}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notFound int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.LoadAndClear(ctx, "T1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || notFound != 7 {
		t.Fatalf("expected exactly one resume, wins=%d notFound=%d", wins, notFound)
	}
}

func TestCheckpointTwiceConflicts(t *testing.T) {
	c, _ := newTestCoordinator(t)
	checkpointGroup(t, c, "T1", "G1", "S1")
	err := c.Checkpoint(context.Background(), CheckpointRequest{
		Task:   store.PausedTask{LogicalTaskID: "T1", AgentName: "planner"},
		Groups: []Group{{InvocationID: "G2", SubTasks: []store.PeerSubTask{{SubTaskID: "S9"}}}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCheckpointReusedSubTaskIDConflicts(t *testing.T) {
	c, _ := newTestCoordinator(t)
	checkpointGroup(t, c, "T1", "G1", "S1")
	err := c.Checkpoint(context.Background(), CheckpointRequest{
		Task:   store.PausedTask{LogicalTaskID: "T2", AgentName: "planner"},
		Groups: []Group{{InvocationID: "G1", SubTasks: []store.PeerSubTask{{SubTaskID: "S1"}}}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := c.LoadAndClear(context.Background(), "T2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected failed checkpoint to leave nothing behind, got %v", err)
	}
}

func TestCheckpointValidation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	cases := map[string]CheckpointRequest{
		"missing task id": {Task: store.PausedTask{AgentName: "a"}},
		"missing agent":   {Task: store.PausedTask{LogicalTaskID: "T"}},
		"empty group": {
			Task:   store.PausedTask{LogicalTaskID: "T", AgentName: "a"},
			Groups: []Group{{InvocationID: "G"}},
		},
		"duplicate sub-task": {
			Task: store.PausedTask{LogicalTaskID: "T", AgentName: "a"},
			Groups: []Group{
				{InvocationID: "G1", SubTasks: []store.PeerSubTask{{SubTaskID: "S"}}},
				{InvocationID: "G2", SubTasks: []store.PeerSubTask{{SubTaskID: "S"}}},
			},
		},
		"unknown current invocation": {
			Task:   store.PausedTask{LogicalTaskID: "T", AgentName: "a", CurrentInvocationID: "G9"},
			Groups: []Group{{InvocationID: "G1", SubTasks: []store.PeerSubTask{{SubTaskID: "S"}}}},
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if err := c.Checkpoint(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestCheckpointAppliesDefaultDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, ms := newTestCoordinator(t, WithClock(func() time.Time { return now }), WithDefaultPeerTimeout(time.Minute))
	checkpointGroup(t, c, "T1", "G1", "S1")

	expired, err := ms.ListExpiredSubTasks(context.Background(), now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListExpiredSubTasks: %v", err)
	}
	if len(expired) != 1 || !expired[0].TimeoutDeadline.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected default deadline, got %#v", expired)
	}
}

func TestTaskWithoutGroupResumesWithNoResults(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	err := c.Checkpoint(ctx, CheckpointRequest{Task: store.PausedTask{LogicalTaskID: "T1", AgentName: "planner", Flags: []string{"awaiting-approval"}}})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	state, err := c.LoadAndClear(ctx, "T1")
	if err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}
	if len(state.Results) != 0 || state.InvocationID != "" {
		t.Fatalf("expected no results, got %#v", state)
	}
	if len(state.Task.Flags) != 1 || state.Task.Flags[0] != "awaiting-approval" {
		t.Fatalf("flags not preserved: %v", state.Task.Flags)
	}
}

func TestCancelRecordsCancelledResult(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	checkpointGroup(t, c, "T1", "G1", "S1")

	out, err := c.Cancel(ctx, "S1", "user aborted")
	if err != nil || out.Status != StatusReady {
		t.Fatalf("Cancel: out=%#v err=%v", out, err)
	}
	if out, _ := c.ConsumeReply(ctx, "S1", PeerResult{}); out.Status != StatusIgnored {
		t.Fatalf("expected late reply after cancel to be ignored, got %#v", out)
	}
	state, err := c.LoadAndClear(ctx, "T1")
	if err != nil {
		t.Fatalf("LoadAndClear: %v", err)
	}
	if state.Results[0].Kind != KindCancelled || state.Results[0].Error != "user aborted" {
		t.Fatalf("unexpected result: %#v", state.Results[0])
	}
}

func TestAbandon(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	checkpointGroup(t, c, "T1", "G1", "S1")
	if err := c.Abandon(ctx, "T1"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if err := c.Abandon(ctx, "T1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if out, _ := c.ConsumeReply(ctx, "S1", PeerResult{}); out.Status != StatusIgnored {
		t.Fatalf("expected reply for abandoned task to be ignored, got %#v", out)
	}
}

func TestConsumeReplyRejectsUnknownKind(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.ConsumeReply(context.Background(), "S1", PeerResult{Kind: "maybe"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

type failingStore struct{ err error }

func (f failingStore) WithTx(context.Context, func(store.CheckpointTx) error) error { return f.err }

func TestStorageErrorsAreTranslated(t *testing.T) {
	c := NewCoordinator(failingStore{err: fmt.Errorf("exec: %w", store.ErrDuplicateKey)})
	err := c.Checkpoint(context.Background(), CheckpointRequest{Task: store.PausedTask{LogicalTaskID: "T", AgentName: "a"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("storage error leaked through translation")
	}

	c = NewCoordinator(failingStore{err: context.DeadlineExceeded})
	_, err = c.ConsumeReply(context.Background(), "S1", PeerResult{})
	if !errors.Is(err, ErrStorageTransient) {
		t.Fatalf("expected ErrStorageTransient, got %v", err)
	}
}
