package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Scheduled execution statuses.
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
)

// ScheduledExecution is one cron firing, located after a restart by its
// correlation id rather than by in-memory state.
type ScheduledExecution struct {
	ExecutionID   string
	ScheduleName  string
	CorrelationID string
	Status        string
	Result        json.RawMessage
	Error         string
	ScheduledFor  time.Time
	// Deadline is when an unanswered execution is failed. Nil never expires.
	Deadline  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateScheduledExecution inserts a firing. created is false when the same
// schedule already has a row for ScheduledFor, which makes ticks idempotent
// across scheduler replicas.
func (s *Store) CreateScheduledExecution(ctx context.Context, exec ScheduledExecution) (bool, error) {
	if exec.ExecutionID == "" || exec.ScheduleName == "" || exec.CorrelationID == "" {
		return false, fmt.Errorf("execution_id, schedule_name and correlation_id are required")
	}
	if exec.ScheduledFor.IsZero() {
		return false, fmt.Errorf("scheduled_for is required")
	}
	status := exec.Status
	if status == "" {
		status = ExecutionPending
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO scheduled_executions (execution_id, schedule_name, correlation_id, status, scheduled_for, deadline)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (schedule_name, scheduled_for) DO NOTHING
`, exec.ExecutionID, exec.ScheduleName, exec.CorrelationID, status, exec.ScheduledFor.UTC(), nullableTime(exec.Deadline))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const selectScheduledExecution = `
SELECT execution_id, schedule_name, correlation_id, status, COALESCE(result::text,''), COALESCE(error,''),
       scheduled_for, deadline, created_at, updated_at
FROM scheduled_executions`

// GetScheduledExecutionByCorrelation looks an execution up through the unique
// correlation id index.
func (s *Store) GetScheduledExecutionByCorrelation(ctx context.Context, correlationID string) (ScheduledExecution, bool, error) {
	row := s.DB.QueryRowContext(ctx, selectScheduledExecution+`
WHERE correlation_id = $1`, correlationID)
	exec, err := scanScheduledExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScheduledExecution{}, false, nil
		}
		return ScheduledExecution{}, false, err
	}
	return exec, true, nil
}

// MarkScheduledExecutionRunning moves a pending execution to running once its
// request has been published.
func (s *Store) MarkScheduledExecutionRunning(ctx context.Context, executionID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE scheduled_executions SET status = 'running', updated_at = NOW()
WHERE execution_id = $1 AND status = 'pending'
`, executionID)
	return err
}

// CompleteScheduledExecution records a terminal status for an in-flight
// execution. completed is false when the correlation id is unknown or the
// execution already finished, so duplicate replies are no-ops.
func (s *Store) CompleteScheduledExecution(ctx context.Context, correlationID, status string, result json.RawMessage, errMsg string) (bool, error) {
	if status != ExecutionSucceeded && status != ExecutionFailed {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	var resultArg interface{}
	if len(result) > 0 {
		resultArg = string(result)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE scheduled_executions
SET status = $2, result = $3::jsonb, error = $4, updated_at = NOW()
WHERE correlation_id = $1 AND status IN ('pending', 'running')
`, correlationID, status, resultArg, nullableString(errMsg))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListInFlightExecutions returns pending and running executions, oldest first.
func (s *Store) ListInFlightExecutions(ctx context.Context, limit int) ([]ScheduledExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, selectScheduledExecution+`
WHERE status IN ('pending', 'running')
ORDER BY created_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledExecution
	for rows.Next() {
		exec, err := scanScheduledExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// DeadlineExceededError is the error text recorded on executions failed by
// FailExpiredExecutions.
const DeadlineExceededError = "deadline exceeded"

// FailExpiredExecutions fails up to limit in-flight executions whose deadline
// is at or before now and returns how many it failed. A reply arriving later
// finds the execution finished and is ignored.
func (s *Store) FailExpiredExecutions(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE scheduled_executions
SET status = 'failed', error = $3, updated_at = NOW()
WHERE execution_id IN (
    SELECT execution_id FROM scheduled_executions
    WHERE status IN ('pending', 'running') AND deadline IS NOT NULL AND deadline <= $1
    ORDER BY deadline ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
) AND status IN ('pending', 'running')
`, now.UTC(), limit, DeadlineExceededError)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LastScheduledFor returns the most recent firing time recorded for a schedule.
func (s *Store) LastScheduledFor(ctx context.Context, scheduleName string) (time.Time, bool, error) {
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
SELECT MAX(scheduled_for) FROM scheduled_executions WHERE schedule_name = $1
`, scheduleName).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time, true, nil
}

func scanScheduledExecution(row rowScanner) (ScheduledExecution, error) {
	var (
		exec     ScheduledExecution
		result   string
		deadline sql.NullTime
	)
	if err := row.Scan(&exec.ExecutionID, &exec.ScheduleName, &exec.CorrelationID, &exec.Status, &result, &exec.Error,
		&exec.ScheduledFor, &deadline, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
		return ScheduledExecution{}, err
	}
	if deadline.Valid {
		t := deadline.Time
		exec.Deadline = &t
	}
	if result != "" {
		exec.Result = json.RawMessage(result)
	}
	return exec, nil
}
