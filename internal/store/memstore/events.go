package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// AppendEvent assigns the next per-task sequence, starting at 0.
func (s *Store) AppendEvent(ctx context.Context, rec store.EventRecord) (store.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return store.EventRecord{}, err
	}
	if rec.TaskID == "" || rec.EventType == "" {
		return store.EventRecord{}, fmt.Errorf("task_id and event_type are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := int64(0)
	if last, ok := s.lastSeq[rec.TaskID]; ok {
		next = last + 1
	}
	rec.Sequence = next
	s.insertEventLocked(rec)
	return rec, nil
}

// RecordEvent stores a producer-assigned sequence unless it already exists.
func (s *Store) RecordEvent(ctx context.Context, rec store.EventRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if rec.TaskID == "" || rec.EventType == "" {
		return false, fmt.Errorf("task_id and event_type are required")
	}
	if rec.Sequence < 0 {
		return false, fmt.Errorf("sequence must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[rec.TaskID][rec.Sequence]; exists {
		return false, nil
	}
	s.insertEventLocked(rec)
	return true, nil
}

func (s *Store) insertEventLocked(rec store.EventRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.Payload = cloneBytes(rec.Payload)
	rec.Consumed = false
	rec.ConsumedAt = nil
	byTask, ok := s.events[rec.TaskID]
	if !ok {
		byTask = make(map[int64]store.EventRecord)
		s.events[rec.TaskID] = byTask
	}
	byTask[rec.Sequence] = rec
	if last, ok := s.lastSeq[rec.TaskID]; !ok || rec.Sequence > last {
		s.lastSeq[rec.TaskID] = rec.Sequence
	}
}

// ListUnconsumedEvents returns unconsumed records in ascending sequence order,
// optionally restricted to userID.
func (s *Store) ListUnconsumedEvents(ctx context.Context, taskID, userID string) ([]store.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.EventRecord
	for _, rec := range s.events[taskID] {
		if rec.Consumed {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		rec.Payload = cloneBytes(rec.Payload)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// MarkEventsConsumed flags records through the given sequence, only userID's
// when it is non-empty; consumed_at is set only the first time.
func (s *Store) MarkEventsConsumed(ctx context.Context, taskID, userID string, through int64, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for seq, rec := range s.events[taskID] {
		if seq > through || rec.Consumed {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		ts := at
		rec.Consumed = true
		rec.ConsumedAt = &ts
		s.events[taskID][seq] = rec
		n++
	}
	return n, nil
}

// PruneConsumedEvents deletes consumed records older than cutoff.
func (s *Store) PruneConsumedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for taskID, byTask := range s.events {
		for seq, rec := range byTask {
			if rec.Consumed && rec.ConsumedAt != nil && rec.ConsumedAt.Before(cutoff) {
				delete(byTask, seq)
				n++
			}
		}
		if len(byTask) == 0 {
			delete(s.events, taskID)
		}
	}
	return n, nil
}
