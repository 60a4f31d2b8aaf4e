package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PausedTask is the durable record of a suspended logical task.
type PausedTask struct {
	LogicalTaskID          string
	AgentName              string
	ExecutionContext       []byte
	SessionID              string
	UserID                 string
	CurrentInvocationID    string
	ProducedArtifactRefs   []string
	PendingArtifactSignals json.RawMessage
	ResponseBuffer         []byte
	Flags                  []string
	SecurityContext        []byte
	TokenUsage             map[string]int64
	CheckpointedAt         time.Time
}

// PeerSubTask tracks one outstanding peer invocation. SubTaskID doubles as the
// correlation id carried on the bus.
type PeerSubTask struct {
	SubTaskID       string
	LogicalTaskID   string
	InvocationID    string
	PeerAgent       string
	CorrelationData []byte
	TimeoutDeadline *time.Time
	CreatedAt       time.Time
}

// ParallelInvocation aggregates the replies of one fan-out group. Results holds
// one opaque JSON document per consumed reply, in consumption order.
type ParallelInvocation struct {
	LogicalTaskID  string
	InvocationID   string
	TotalExpected  int
	CompletedCount int
	Results        []json.RawMessage
}

// Ready reports whether every dispatched sub-task has been consumed.
func (p ParallelInvocation) Ready() bool {
	return p.TotalExpected > 0 && p.CompletedCount >= p.TotalExpected
}

// CheckpointTx is the set of checkpoint operations available inside one
// transaction. Implementations must apply all calls made through a single
// CheckpointTx atomically.
type CheckpointTx interface {
	PutPausedTask(ctx context.Context, t PausedTask) error
	GetPausedTask(ctx context.Context, logicalTaskID string) (PausedTask, bool, error)
	// LockPausedTask is GetPausedTask that also holds the row until the
	// transaction ends.
	LockPausedTask(ctx context.Context, logicalTaskID string) (PausedTask, bool, error)
	DeletePausedTask(ctx context.Context, logicalTaskID string) (bool, error)
	PutPeerSubTask(ctx context.Context, st PeerSubTask) error
	DeletePeerSubTaskIfExists(ctx context.Context, subTaskID string) (PeerSubTask, bool, error)
	PutParallelInvocation(ctx context.Context, inv ParallelInvocation) error
	GetParallelInvocation(ctx context.Context, logicalTaskID, invocationID string) (ParallelInvocation, bool, error)
	// UpsertAndIncrementParallelInvocation appends result and bumps
	// CompletedCount by exactly one under the row lock. It returns
	// ErrGroupComplete when the group is missing or already full. The returned
	// invocation carries counts only.
	UpsertAndIncrementParallelInvocation(ctx context.Context, logicalTaskID, invocationID string, result json.RawMessage) (ParallelInvocation, error)
}

type checkpointQueries struct {
	db DBTX
}

var _ CheckpointTx = (*checkpointQueries)(nil)

// Checkpoints returns a CheckpointTx bound to the connection pool; each call
// auto-commits. Use WithTx for multi-row atomicity.
func (s *Store) Checkpoints() CheckpointTx {
	return &checkpointQueries{db: s.DB}
}

func (q *checkpointQueries) PutPausedTask(ctx context.Context, t PausedTask) error {
	if t.LogicalTaskID == "" {
		return fmt.Errorf("logical_task_id is required")
	}
	usage := t.TokenUsage
	if usage == nil {
		usage = map[string]int64{}
	}
	usageBytes, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal token usage: %w", err)
	}
	refs := t.ProducedArtifactRefs
	if refs == nil {
		refs = []string{}
	}
	flags := t.Flags
	if flags == nil {
		flags = []string{}
	}
	checkpointedAt := t.CheckpointedAt
	if checkpointedAt.IsZero() {
		checkpointedAt = time.Now()
	}
	execCtx := t.ExecutionContext
	if execCtx == nil {
		execCtx = []byte{}
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO paused_tasks (logical_task_id, agent_name, execution_context, session_id, user_id,
  current_invocation_id, produced_artifact_refs, pending_artifact_signals, response_buffer,
  flags, security_context, token_usage, checkpointed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12::jsonb,$13)
`, t.LogicalTaskID, t.AgentName, execCtx, nullableString(t.SessionID), nullableString(t.UserID),
		nullableString(t.CurrentInvocationID), pq.Array(refs), defaultJSON(t.PendingArtifactSignals, "[]"),
		nullableBytes(t.ResponseBuffer), pq.Array(flags), nullableBytes(t.SecurityContext), string(usageBytes),
		checkpointedAt.UTC())
	return err
}

const selectPausedTask = `
SELECT logical_task_id, agent_name, execution_context, session_id, user_id, current_invocation_id,
       produced_artifact_refs, pending_artifact_signals, response_buffer, flags, security_context,
       token_usage, checkpointed_at
FROM paused_tasks
WHERE logical_task_id = $1`

func (q *checkpointQueries) GetPausedTask(ctx context.Context, logicalTaskID string) (PausedTask, bool, error) {
	return q.getPausedTask(ctx, selectPausedTask, logicalTaskID)
}

func (q *checkpointQueries) LockPausedTask(ctx context.Context, logicalTaskID string) (PausedTask, bool, error) {
	return q.getPausedTask(ctx, selectPausedTask+"\nFOR UPDATE", logicalTaskID)
}

func (q *checkpointQueries) getPausedTask(ctx context.Context, query, logicalTaskID string) (PausedTask, bool, error) {
	var (
		t                    PausedTask
		sessionID, userID    sql.NullString
		invocationID         sql.NullString
		refs, flags          pq.StringArray
		signals, usageBytes  []byte
		respBuf, securityCtx []byte
	)
	row := q.db.QueryRowContext(ctx, query, logicalTaskID)
	if err := row.Scan(&t.LogicalTaskID, &t.AgentName, &t.ExecutionContext, &sessionID, &userID, &invocationID,
		&refs, &signals, &respBuf, &flags, &securityCtx, &usageBytes, &t.CheckpointedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PausedTask{}, false, nil
		}
		return PausedTask{}, false, err
	}
	t.SessionID = sessionID.String
	t.UserID = userID.String
	t.CurrentInvocationID = invocationID.String
	t.ProducedArtifactRefs = []string(refs)
	t.Flags = []string(flags)
	t.ResponseBuffer = respBuf
	t.SecurityContext = securityCtx
	if len(signals) > 0 {
		t.PendingArtifactSignals = json.RawMessage(signals)
	}
	if len(usageBytes) > 0 {
		if err := json.Unmarshal(usageBytes, &t.TokenUsage); err != nil {
			return PausedTask{}, false, fmt.Errorf("decode token usage: %w", err)
		}
	}
	return t, true, nil
}

func (q *checkpointQueries) DeletePausedTask(ctx context.Context, logicalTaskID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM paused_tasks WHERE logical_task_id = $1`, logicalTaskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *checkpointQueries) PutPeerSubTask(ctx context.Context, st PeerSubTask) error {
	if st.SubTaskID == "" || st.LogicalTaskID == "" || st.InvocationID == "" {
		return fmt.Errorf("sub_task_id, logical_task_id and invocation_id are required")
	}
	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO peer_sub_tasks (sub_task_id, logical_task_id, invocation_id, peer_agent, correlation_data, timeout_deadline, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, st.SubTaskID, st.LogicalTaskID, st.InvocationID, st.PeerAgent, nullableBytes(st.CorrelationData),
		nullableTime(st.TimeoutDeadline), createdAt.UTC())
	return err
}

func (q *checkpointQueries) DeletePeerSubTaskIfExists(ctx context.Context, subTaskID string) (PeerSubTask, bool, error) {
	row := q.db.QueryRowContext(ctx, `
DELETE FROM peer_sub_tasks
WHERE sub_task_id = $1
RETURNING sub_task_id, logical_task_id, invocation_id, peer_agent, correlation_data, timeout_deadline, created_at
`, subTaskID)
	st, err := scanPeerSubTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PeerSubTask{}, false, nil
		}
		return PeerSubTask{}, false, err
	}
	return st, true, nil
}

func (q *checkpointQueries) PutParallelInvocation(ctx context.Context, inv ParallelInvocation) error {
	if inv.LogicalTaskID == "" || inv.InvocationID == "" {
		return fmt.Errorf("logical_task_id and invocation_id are required")
	}
	if inv.TotalExpected <= 0 {
		return fmt.Errorf("total_expected must be > 0")
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO parallel_invocations (logical_task_id, invocation_id, total_expected, completed_count, results)
VALUES ($1,$2,$3,0,'[]'::jsonb)
`, inv.LogicalTaskID, inv.InvocationID, inv.TotalExpected)
	return err
}

func (q *checkpointQueries) GetParallelInvocation(ctx context.Context, logicalTaskID, invocationID string) (ParallelInvocation, bool, error) {
	var (
		inv        ParallelInvocation
		resultsRaw []byte
	)
	row := q.db.QueryRowContext(ctx, `
SELECT logical_task_id, invocation_id, total_expected, completed_count, results
FROM parallel_invocations
WHERE logical_task_id = $1 AND invocation_id = $2
`, logicalTaskID, invocationID)
	if err := row.Scan(&inv.LogicalTaskID, &inv.InvocationID, &inv.TotalExpected, &inv.CompletedCount, &resultsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ParallelInvocation{}, false, nil
		}
		return ParallelInvocation{}, false, err
	}
	if len(resultsRaw) > 0 {
		if err := json.Unmarshal(resultsRaw, &inv.Results); err != nil {
			return ParallelInvocation{}, false, fmt.Errorf("decode invocation results: %w", err)
		}
	}
	return inv, true, nil
}

func (q *checkpointQueries) UpsertAndIncrementParallelInvocation(ctx context.Context, logicalTaskID, invocationID string, result json.RawMessage) (ParallelInvocation, error) {
	if len(result) == 0 {
		return ParallelInvocation{}, fmt.Errorf("result is required")
	}
	inv := ParallelInvocation{LogicalTaskID: logicalTaskID, InvocationID: invocationID}
	row := q.db.QueryRowContext(ctx, `
UPDATE parallel_invocations
SET completed_count = completed_count + 1,
    results         = results || jsonb_build_array($3::jsonb),
    updated_at      = NOW()
WHERE logical_task_id = $1 AND invocation_id = $2 AND completed_count < total_expected
RETURNING total_expected, completed_count
`, logicalTaskID, invocationID, string(result))
	if err := row.Scan(&inv.TotalExpected, &inv.CompletedCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ParallelInvocation{}, ErrGroupComplete
		}
		return ParallelInvocation{}, err
	}
	return inv, nil
}

// ListExpiredSubTasks returns outstanding sub-tasks whose deadline is at or
// before now, earliest deadline first.
func (s *Store) ListExpiredSubTasks(ctx context.Context, now time.Time, limit int) ([]PeerSubTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT sub_task_id, logical_task_id, invocation_id, peer_agent, correlation_data, timeout_deadline, created_at
FROM peer_sub_tasks
WHERE timeout_deadline IS NOT NULL AND timeout_deadline <= $1
ORDER BY timeout_deadline ASC
LIMIT $2
`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PeerSubTask
	for rows.Next() {
		st, err := scanPeerSubTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListPausedTasks pages through suspended tasks checkpointed before
// before, ordered by logical task id. Pass the last id of the previous page
// as afterID; an empty afterID starts from the beginning.
func (s *Store) ListPausedTasks(ctx context.Context, before time.Time, afterID string, limit int) ([]PausedTask, error) {
	if limit <= 0 {
		limit = 100
	}
	if before.IsZero() {
		before = time.Now()
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT logical_task_id, agent_name, COALESCE(session_id,''), COALESCE(user_id,''), COALESCE(current_invocation_id,''), flags, checkpointed_at
FROM paused_tasks
WHERE checkpointed_at < $1 AND logical_task_id > $2
ORDER BY logical_task_id ASC
LIMIT $3
`, before.UTC(), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PausedTask
	for rows.Next() {
		var (
			t     PausedTask
			flags pq.StringArray
		)
		if err := rows.Scan(&t.LogicalTaskID, &t.AgentName, &t.SessionID, &t.UserID, &t.CurrentInvocationID, &flags, &t.CheckpointedAt); err != nil {
			return nil, err
		}
		t.Flags = []string(flags)
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPeerSubTask(row rowScanner) (PeerSubTask, error) {
	var (
		st       PeerSubTask
		deadline sql.NullTime
	)
	if err := row.Scan(&st.SubTaskID, &st.LogicalTaskID, &st.InvocationID, &st.PeerAgent, &st.CorrelationData, &deadline, &st.CreatedAt); err != nil {
		return PeerSubTask{}, err
	}
	if deadline.Valid {
		d := deadline.Time
		st.TimeoutDeadline = &d
	}
	return st, nil
}
