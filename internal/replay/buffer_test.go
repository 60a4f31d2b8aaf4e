package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohammad-safakhou/peermesh/internal/store"
	"github.com/mohammad-safakhou/peermesh/internal/store/memstore"
)

type capturePublisher struct {
	events []store.EventRecord
	err    error
}

func (c *capturePublisher) PublishEvent(_ context.Context, rec store.EventRecord) error {
	c.events = append(c.events, rec)
	return c.err
}

func sequences(recs []store.EventRecord) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Sequence)
	}
	return out
}

func equalSeq(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReplayOrderAndMarkConsumed(t *testing.T) {
	b := New(memstore.New())
	ctx := context.Background()

	// Producer-assigned sequences written out of order.
	for _, seq := range []int64{2, 0, 4, 1, 3} {
		inserted, err := b.Record(ctx, store.EventRecord{TaskID: "T3", Sequence: seq, EventType: "message", Payload: []byte{byte('0' + seq)}})
		if err != nil || !inserted {
			t.Fatalf("Record(%d): inserted=%v err=%v", seq, inserted, err)
		}
	}
	recs, err := b.Replay(ctx, "T3")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got := sequences(recs); !equalSeq(got, []int64{0, 1, 2, 3, 4}) {
		t.Fatalf("unexpected replay order: %v", got)
	}

	if _, err := b.MarkConsumed(ctx, "T3", 2); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	n, err := b.MarkConsumed(ctx, "T3", 2)
	if err != nil || n != 0 {
		t.Fatalf("repeat MarkConsumed: n=%d err=%v", n, err)
	}
	recs, _ = b.Replay(ctx, "T3")
	if got := sequences(recs); !equalSeq(got, []int64{3, 4}) {
		t.Fatalf("expected only 3 and 4 after consumption, got %v", got)
	}
}

func TestAppendAssignsSequenceAndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	b := New(memstore.New(), WithLivePublisher(pub))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec, err := b.Append(ctx, Event{TaskID: "T1", UserID: "u1", EventType: "message"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if rec.Sequence != int64(i) {
			t.Fatalf("expected sequence %d, got %d", i, rec.Sequence)
		}
	}
	if len(pub.events) != 3 || pub.events[2].Sequence != 2 {
		t.Fatalf("unexpected live events: %#v", pub.events)
	}
}

func TestRecordDoesNotOverwrite(t *testing.T) {
	pub := &capturePublisher{}
	b := New(memstore.New(), WithLivePublisher(pub))
	ctx := context.Background()

	if _, err := b.Record(ctx, store.EventRecord{TaskID: "T1", Sequence: 0, EventType: "a", Payload: []byte("first")}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	inserted, err := b.Record(ctx, store.EventRecord{TaskID: "T1", Sequence: 0, EventType: "b", Payload: []byte("second")})
	if err != nil || inserted {
		t.Fatalf("duplicate Record: inserted=%v err=%v", inserted, err)
	}
	recs, _ := b.Replay(ctx, "T1")
	if len(recs) != 1 || string(recs[0].Payload) != "first" {
		t.Fatalf("existing sequence was overwritten: %#v", recs)
	}
	if len(pub.events) != 1 {
		t.Fatalf("duplicate must not be republished, got %d", len(pub.events))
	}
}

func TestLivePublishFailureKeepsEvent(t *testing.T) {
	b := New(memstore.New(), WithLivePublisher(&capturePublisher{err: errors.New("redis down")}))
	ctx := context.Background()
	if _, err := b.Append(ctx, Event{TaskID: "T1", EventType: "message"}); err != nil {
		t.Fatalf("Append should not fail on live publish errors: %v", err)
	}
	recs, _ := b.Replay(ctx, "T1")
	if len(recs) != 1 {
		t.Fatalf("expected durable event, got %d", len(recs))
	}
}

func TestReplayForUserFilters(t *testing.T) {
	b := New(memstore.New())
	ctx := context.Background()
	_, _ = b.Append(ctx, Event{TaskID: "T1", UserID: "alice", EventType: "message"})
	_, _ = b.Append(ctx, Event{TaskID: "T1", UserID: "bob", EventType: "message"})

	recs, err := b.ReplayForUser(ctx, "T1", "alice")
	if err != nil {
		t.Fatalf("ReplayForUser: %v", err)
	}
	if len(recs) != 1 || recs[0].UserID != "alice" {
		t.Fatalf("unexpected records: %#v", recs)
	}
}

func TestMarkConsumedForUserLeavesOtherReaders(t *testing.T) {
	b := New(memstore.New())
	ctx := context.Background()
	_, _ = b.Append(ctx, Event{TaskID: "T1", UserID: "alice", EventType: "message"})
	_, _ = b.Append(ctx, Event{TaskID: "T1", EventType: "message"})
	_, _ = b.Append(ctx, Event{TaskID: "T1", UserID: "bob", EventType: "message"})

	n, err := b.MarkConsumedForUser(ctx, "T1", "alice", 2)
	if err != nil || n != 1 {
		t.Fatalf("MarkConsumedForUser: n=%d err=%v", n, err)
	}
	recs, _ := b.Replay(ctx, "T1")
	if got := sequences(recs); !equalSeq(got, []int64{1, 2}) {
		t.Fatalf("ownerless and bob's events must remain, got %v", got)
	}
	if n, _ := b.MarkConsumedForUser(ctx, "T1", "alice", -1); n != 0 {
		t.Fatalf("negative through must be a no-op, got %d", n)
	}
}

func TestPruneRemovesOldConsumed(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ms := memstore.New(memstore.WithClock(clock))
	b := New(ms, WithClock(clock), WithRetention(time.Hour))
	ctx := context.Background()

	_, _ = b.Append(ctx, Event{TaskID: "T1", EventType: "message"})
	_, _ = b.Append(ctx, Event{TaskID: "T1", EventType: "message"})
	_, _ = b.MarkConsumed(ctx, "T1", 0)

	now = now.Add(2 * time.Hour)
	n, err := b.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one pruned event, got %d", n)
	}
	recs, _ := b.Replay(ctx, "T1")
	if got := sequences(recs); !equalSeq(got, []int64{1}) {
		t.Fatalf("unconsumed events must survive pruning, got %v", got)
	}
	rec, err := b.Append(ctx, Event{TaskID: "T1", EventType: "message"})
	if err != nil || rec.Sequence != 2 {
		t.Fatalf("sequence must not be reused after pruning: %d %v", rec.Sequence, err)
	}
}
