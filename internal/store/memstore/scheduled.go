package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// CreateScheduledExecution inserts a firing unless the schedule already has
// one for the same ScheduledFor.
func (s *Store) CreateScheduledExecution(ctx context.Context, exec store.ScheduledExecution) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if exec.ExecutionID == "" || exec.ScheduleName == "" || exec.CorrelationID == "" {
		return false, fmt.Errorf("execution_id, schedule_name and correlation_id are required")
	}
	if exec.ScheduledFor.IsZero() {
		return false, fmt.Errorf("scheduled_for is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.executions {
		if existing.ScheduleName == exec.ScheduleName && existing.ScheduledFor.Equal(exec.ScheduledFor) {
			return false, nil
		}
		if existing.CorrelationID == exec.CorrelationID {
			return false, fmt.Errorf("correlation %s: %w", exec.CorrelationID, store.ErrDuplicateKey)
		}
	}
	if _, exists := s.executions[exec.ExecutionID]; exists {
		return false, fmt.Errorf("execution %s: %w", exec.ExecutionID, store.ErrDuplicateKey)
	}
	if exec.Status == "" {
		exec.Status = store.ExecutionPending
	}
	if exec.Deadline != nil {
		d := *exec.Deadline
		exec.Deadline = &d
	}
	now := s.now()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	s.executions[exec.ExecutionID] = exec
	return true, nil
}

// GetScheduledExecutionByCorrelation finds an execution by correlation id.
func (s *Store) GetScheduledExecutionByCorrelation(ctx context.Context, correlationID string) (store.ScheduledExecution, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.ScheduledExecution{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, exec := range s.executions {
		if exec.CorrelationID == correlationID {
			return exec, true, nil
		}
	}
	return store.ScheduledExecution{}, false, nil
}

// MarkScheduledExecutionRunning moves a pending execution to running.
func (s *Store) MarkScheduledExecutionRunning(ctx context.Context, executionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if ok && exec.Status == store.ExecutionPending {
		exec.Status = store.ExecutionRunning
		exec.UpdatedAt = s.now()
		s.executions[executionID] = exec
	}
	return nil
}

// CompleteScheduledExecution finishes an in-flight execution once.
func (s *Store) CompleteScheduledExecution(ctx context.Context, correlationID, status string, result json.RawMessage, errMsg string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if status != store.ExecutionSucceeded && status != store.ExecutionFailed {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exec := range s.executions {
		if exec.CorrelationID != correlationID {
			continue
		}
		if exec.Status != store.ExecutionPending && exec.Status != store.ExecutionRunning {
			return false, nil
		}
		exec.Status = status
		exec.Result = json.RawMessage(cloneBytes(result))
		exec.Error = errMsg
		exec.UpdatedAt = s.now()
		s.executions[id] = exec
		return true, nil
	}
	return false, nil
}

// ListInFlightExecutions returns pending and running executions, oldest first.
func (s *Store) ListInFlightExecutions(ctx context.Context, limit int) ([]store.ScheduledExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ScheduledExecution
	for _, exec := range s.executions {
		if exec.Status == store.ExecutionPending || exec.Status == store.ExecutionRunning {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FailExpiredExecutions fails in-flight executions whose deadline has passed,
// earliest deadline first.
func (s *Store) FailExpiredExecutions(ctx context.Context, now time.Time, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []store.ScheduledExecution
	for _, exec := range s.executions {
		if exec.Status != store.ExecutionPending && exec.Status != store.ExecutionRunning {
			continue
		}
		if exec.Deadline != nil && !exec.Deadline.After(now) {
			expired = append(expired, exec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Deadline.Before(*expired[j].Deadline) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, exec := range expired {
		exec.Status = store.ExecutionFailed
		exec.Error = store.DeadlineExceededError
		exec.UpdatedAt = s.now()
		s.executions[exec.ExecutionID] = exec
	}
	return int64(len(expired)), nil
}

// LastScheduledFor returns the latest recorded firing of a schedule.
func (s *Store) LastScheduledFor(ctx context.Context, scheduleName string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		last  time.Time
		found bool
	)
	for _, exec := range s.executions {
		if exec.ScheduleName == scheduleName && (!found || exec.ScheduledFor.After(last)) {
			last = exec.ScheduledFor
			found = true
		}
	}
	return last, found, nil
}
