package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestAppendEventAssignsSequence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO task_event_sequences`)).
		WithArgs("task-1", "sess-1", nil, "message", []byte(`{"text":"hi"}`), now.UTC()).
		WillReturnRows(sqlmock.NewRows([]string{"event_sequence"}).AddRow(int64(3)))

	rec, err := st.AppendEvent(context.Background(), EventRecord{
		TaskID:    "task-1",
		SessionID: "sess-1",
		EventType: "message",
		Payload:   []byte(`{"text":"hi"}`),
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if rec.Sequence != 3 {
		t.Fatalf("expected sequence 3, got %d", rec.Sequence)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendEventRequiresType(t *testing.T) {
	st := &Store{}
	if _, err := st.AppendEvent(context.Background(), EventRecord{TaskID: "task-1"}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestRecordEventNeverOverwrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rec := EventRecord{TaskID: "task-1", Sequence: 2, EventType: "message", Payload: []byte("x"), CreatedAt: time.Now()}

	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (task_id, event_sequence) DO NOTHING`)).
		WithArgs("task-1", int64(2), nil, nil, "message", []byte("x"), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (task_id, event_sequence) DO NOTHING`)).
		WithArgs("task-1", int64(2), nil, nil, "message", []byte("x"), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	inserted, err := st.RecordEvent(context.Background(), rec)
	if err != nil || !inserted {
		t.Fatalf("first record: inserted=%v err=%v", inserted, err)
	}
	inserted, err = st.RecordEvent(context.Background(), rec)
	if err != nil || inserted {
		t.Fatalf("second record: inserted=%v err=%v", inserted, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListUnconsumedEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()
	mock.ExpectQuery(`WHERE task_id = \$1 AND NOT consumed AND \(\$2 = '' OR user_id = \$2\)\s+ORDER BY event_sequence ASC`).
		WithArgs("task-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"task_id", "event_sequence", "session_id", "user_id", "event_type", "event_payload", "created_at"}).
			AddRow("task-1", int64(3), "", "user-1", "message", []byte("c"), now).
			AddRow("task-1", int64(4), "", "user-1", "done", []byte("d"), now))

	events, err := st.ListUnconsumedEvents(context.Background(), "task-1", "user-1")
	if err != nil {
		t.Fatalf("ListUnconsumedEvents: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 3 || events[1].EventType != "done" {
		t.Fatalf("unexpected events: %#v", events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkEventsConsumed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	at := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`SET consumed = TRUE, consumed_at = $3`)).
		WithArgs("task-1", int64(2), at.UTC(), "").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.MarkEventsConsumed(context.Background(), "task-1", "", 2, at)
	if err != nil {
		t.Fatalf("MarkEventsConsumed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows marked, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkEventsConsumedScopedToUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	at := time.Now()
	mock.ExpectExec(regexp.QuoteMeta(`AND ($4 = '' OR user_id = $4)`)).
		WithArgs("task-1", int64(5), at.UTC(), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := st.MarkEventsConsumed(context.Background(), "task-1", "alice", 5, at)
	if err != nil {
		t.Fatalf("MarkEventsConsumed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row marked, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPruneConsumedEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(`DELETE FROM task_events WHERE consumed AND consumed_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := st.PruneConsumedEvents(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneConsumedEvents: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 pruned, got %d", n)
	}
	if _, err := st.PruneConsumedEvents(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected error for zero cutoff")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
