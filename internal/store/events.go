package store

import (
	"context"
	"fmt"
	"time"
)

// EventRecord is one durable task event kept for disconnected-client replay.
type EventRecord struct {
	TaskID     string
	Sequence   int64
	SessionID  string
	UserID     string
	EventType  string
	Payload    []byte
	CreatedAt  time.Time
	Consumed   bool
	ConsumedAt *time.Time
}

// AppendEvent assigns the next sequence for rec.TaskID (starting at 0) and
// writes the record in one statement. rec.Sequence is ignored.
func (s *Store) AppendEvent(ctx context.Context, rec EventRecord) (EventRecord, error) {
	if rec.TaskID == "" || rec.EventType == "" {
		return EventRecord{}, fmt.Errorf("task_id and event_type are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	row := s.DB.QueryRowContext(ctx, `
WITH seq AS (
  INSERT INTO task_event_sequences (task_id, last_sequence)
  VALUES ($1, 0)
  ON CONFLICT (task_id) DO UPDATE SET last_sequence = task_event_sequences.last_sequence + 1
  RETURNING last_sequence
)
INSERT INTO task_events (task_id, event_sequence, session_id, user_id, event_type, event_payload, created_at)
SELECT $1, seq.last_sequence, $2, $3, $4, $5, $6 FROM seq
RETURNING event_sequence
`, rec.TaskID, nullableString(rec.SessionID), nullableString(rec.UserID), rec.EventType, payload, rec.CreatedAt.UTC())
	if err := row.Scan(&rec.Sequence); err != nil {
		return EventRecord{}, err
	}
	rec.Consumed = false
	rec.ConsumedAt = nil
	return rec, nil
}

// RecordEvent writes a record whose sequence was assigned by the producer.
// An existing (task, sequence) pair is never overwritten; inserted reports
// whether this call wrote the row.
func (s *Store) RecordEvent(ctx context.Context, rec EventRecord) (bool, error) {
	if rec.TaskID == "" || rec.EventType == "" {
		return false, fmt.Errorf("task_id and event_type are required")
	}
	if rec.Sequence < 0 {
		return false, fmt.Errorf("sequence must be >= 0")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	var inserted int
	err := s.DB.QueryRowContext(ctx, `
WITH ins AS (
  INSERT INTO task_events (task_id, event_sequence, session_id, user_id, event_type, event_payload, created_at)
  VALUES ($1,$2,$3,$4,$5,$6,$7)
  ON CONFLICT (task_id, event_sequence) DO NOTHING
  RETURNING event_sequence
), bump AS (
  INSERT INTO task_event_sequences (task_id, last_sequence)
  SELECT $1, event_sequence FROM ins
  ON CONFLICT (task_id) DO UPDATE SET last_sequence = GREATEST(task_event_sequences.last_sequence, EXCLUDED.last_sequence)
)
SELECT COUNT(*) FROM ins
`, rec.TaskID, rec.Sequence, nullableString(rec.SessionID), nullableString(rec.UserID), rec.EventType, payload,
		rec.CreatedAt.UTC()).Scan(&inserted)
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

// ListUnconsumedEvents returns unconsumed records for taskID in ascending
// sequence order. A non-empty userID restricts the result to that user.
func (s *Store) ListUnconsumedEvents(ctx context.Context, taskID, userID string) ([]EventRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT task_id, event_sequence, COALESCE(session_id,''), COALESCE(user_id,''), event_type, event_payload, created_at
FROM task_events
WHERE task_id = $1 AND NOT consumed AND ($2 = '' OR user_id = $2)
ORDER BY event_sequence ASC
`, taskID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.TaskID, &rec.Sequence, &rec.SessionID, &rec.UserID, &rec.EventType, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkEventsConsumed flags records up to and including through as consumed.
// A non-empty userID limits the update to that user's records. Already
// consumed records keep their original consumed_at.
func (s *Store) MarkEventsConsumed(ctx context.Context, taskID, userID string, through int64, at time.Time) (int64, error) {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE task_events
SET consumed = TRUE, consumed_at = $3
WHERE task_id = $1 AND event_sequence <= $2 AND NOT consumed
  AND ($4 = '' OR user_id = $4)
`, taskID, through, at.UTC(), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneConsumedEvents deletes consumed records whose consumed_at is before
// cutoff. Sequence counters are kept so a task never reuses a sequence.
func (s *Store) PruneConsumedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff is required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM task_events WHERE consumed AND consumed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
