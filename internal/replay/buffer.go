// Package replay keeps a durable, per-task ordered log of events so a client
// that was disconnected while its task ran can catch up in emission order.
package replay

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// EventStore is the durable log. *store.Store and *memstore.Store satisfy it.
type EventStore interface {
	AppendEvent(ctx context.Context, rec store.EventRecord) (store.EventRecord, error)
	RecordEvent(ctx context.Context, rec store.EventRecord) (bool, error)
	ListUnconsumedEvents(ctx context.Context, taskID, userID string) ([]store.EventRecord, error)
	MarkEventsConsumed(ctx context.Context, taskID, userID string, through int64, at time.Time) (int64, error)
	PruneConsumedEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// LivePublisher forwards a durably written event to connected clients.
type LivePublisher interface {
	PublishEvent(ctx context.Context, rec store.EventRecord) error
}

// Event is what a producer emits; the buffer assigns the sequence.
type Event struct {
	TaskID    string
	SessionID string
	UserID    string
	EventType string
	Payload   []byte
}

// Buffer wraps an EventStore with live fan-out and retention.
type Buffer struct {
	store     EventStore
	live      LivePublisher
	logger    *zap.Logger
	now       func() time.Time
	retention time.Duration
	appended  otelmetric.Int64Counter
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithLivePublisher publishes every appended event after it is durable.
func WithLivePublisher(p LivePublisher) Option {
	return func(b *Buffer) { b.live = p }
}

// WithRetention sets how long consumed events are kept before Prune removes
// them.
func WithRetention(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.retention = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// DefaultRetention keeps consumed events for a day.
const DefaultRetention = 24 * time.Hour

// New builds a Buffer over st.
func New(st EventStore, opts ...Option) *Buffer {
	b := &Buffer{
		store:     st,
		logger:    zap.NewNop(),
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("replay")
	var err error
	b.appended, err = otel.Meter("peermesh/replay").Int64Counter("replay_events_appended_total",
		otelmetric.WithDescription("Task events written to the replay buffer"))
	if err != nil {
		b.logger.Warn("replay metrics init", zap.Error(err))
	}
	return b
}

// Append writes ev with the next sequence for its task and returns the
// stored record.
func (b *Buffer) Append(ctx context.Context, ev Event) (store.EventRecord, error) {
	if ev.TaskID == "" || ev.EventType == "" {
		return store.EventRecord{}, fmt.Errorf("replay: task_id and event_type are required")
	}
	rec, err := b.store.AppendEvent(ctx, store.EventRecord{
		TaskID:    ev.TaskID,
		SessionID: ev.SessionID,
		UserID:    ev.UserID,
		EventType: ev.EventType,
		Payload:   ev.Payload,
		CreatedAt: b.now(),
	})
	if err != nil {
		return store.EventRecord{}, fmt.Errorf("replay: append: %w", err)
	}
	b.afterWrite(ctx, rec)
	return rec, nil
}

// Record writes an event whose sequence the producer assigned. An existing
// sequence is never overwritten and is reported with inserted=false.
func (b *Buffer) Record(ctx context.Context, rec store.EventRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = b.now()
	}
	inserted, err := b.store.RecordEvent(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("replay: record: %w", err)
	}
	if inserted {
		b.afterWrite(ctx, rec)
	} else {
		b.logger.Debug("event sequence already recorded",
			zap.String("task_id", rec.TaskID), zap.Int64("sequence", rec.Sequence))
	}
	return inserted, nil
}

func (b *Buffer) afterWrite(ctx context.Context, rec store.EventRecord) {
	if b.appended != nil {
		b.appended.Add(ctx, 1)
	}
	if b.live == nil {
		return
	}
	if err := b.live.PublishEvent(ctx, rec); err != nil {
		b.logger.Warn("live publish failed; event remains replayable",
			zap.String("task_id", rec.TaskID),
			zap.Int64("sequence", rec.Sequence),
			zap.Error(err),
		)
	}
}

// Replay returns every unconsumed event of taskID in sequence order.
func (b *Buffer) Replay(ctx context.Context, taskID string) ([]store.EventRecord, error) {
	return b.ReplayForUser(ctx, taskID, "")
}

// ReplayForUser is Replay restricted to events owned by userID.
func (b *Buffer) ReplayForUser(ctx context.Context, taskID, userID string) ([]store.EventRecord, error) {
	recs, err := b.store.ListUnconsumedEvents(ctx, taskID, userID)
	if err != nil {
		return nil, fmt.Errorf("replay: list: %w", err)
	}
	return recs, nil
}

// MarkConsumed marks events up to and including through as consumed and
// returns how many changed state. Repeating the call is harmless.
func (b *Buffer) MarkConsumed(ctx context.Context, taskID string, through int64) (int64, error) {
	return b.MarkConsumedForUser(ctx, taskID, "", through)
}

// MarkConsumedForUser is MarkConsumed restricted to events owned by userID,
// the same set ReplayForUser returns. Other readers' events are untouched.
func (b *Buffer) MarkConsumedForUser(ctx context.Context, taskID, userID string, through int64) (int64, error) {
	if through < 0 {
		return 0, nil
	}
	n, err := b.store.MarkEventsConsumed(ctx, taskID, userID, through, b.now())
	if err != nil {
		return 0, fmt.Errorf("replay: mark consumed: %w", err)
	}
	return n, nil
}

// Prune deletes events consumed longer ago than the retention window.
func (b *Buffer) Prune(ctx context.Context) (int64, error) {
	n, err := b.store.PruneConsumedEvents(ctx, b.now().Add(-b.retention))
	if err != nil {
		return 0, fmt.Errorf("replay: prune: %w", err)
	}
	if n > 0 {
		b.logger.Info("pruned consumed events", zap.Int64("deleted", n))
	}
	return n, nil
}

// RunPruner calls Prune on every interval until ctx is done.
func (b *Buffer) RunPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.Prune(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("prune failed", zap.Error(err))
			}
		}
	}
}
