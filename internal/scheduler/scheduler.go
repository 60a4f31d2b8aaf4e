// Package scheduler fires cron schedules at peer agents and collects their
// results by correlation id. All state lives in the store, so any replica
// can collect a reply for a firing another replica dispatched.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/store"
)

// Store is the scheduled-execution persistence. *store.Store and
// *memstore.Store satisfy it.
type Store interface {
	CreateScheduledExecution(ctx context.Context, exec store.ScheduledExecution) (bool, error)
	MarkScheduledExecutionRunning(ctx context.Context, executionID string) error
	GetScheduledExecutionByCorrelation(ctx context.Context, correlationID string) (store.ScheduledExecution, bool, error)
	CompleteScheduledExecution(ctx context.Context, correlationID, status string, result json.RawMessage, errMsg string) (bool, error)
	ListInFlightExecutions(ctx context.Context, limit int) ([]store.ScheduledExecution, error)
	FailExpiredExecutions(ctx context.Context, now time.Time, limit int) (int64, error)
	LastScheduledFor(ctx context.Context, scheduleName string) (time.Time, bool, error)
}

// Publisher sends envelopes to a stream.
type Publisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Schedule is a named cron job that sends Payload to Agent.
type Schedule struct {
	Name    string
	Cron    string
	Agent   string
	Payload json.RawMessage
}

type compiled struct {
	Schedule
	expr *cronexpr.Expression
}

// Scheduler evaluates schedules on every tick.
type Scheduler struct {
	store         Store
	publisher     Publisher
	schedules     []compiled
	requestStream string
	replyStream   string
	fireStream    string
	interval      time.Duration
	timeout       time.Duration
	now           func() time.Time
	logger        *zap.Logger
	fired         otelmetric.Int64Counter
	expired       otelmetric.Int64Counter
}

// DefaultExecutionTimeout bounds how long an execution waits for its reply.
const DefaultExecutionTimeout = 10 * time.Minute

const expireBatch = 100

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStreams overrides the request, reply and fire-announcement streams.
func WithStreams(request, reply, fire string) Option {
	return func(s *Scheduler) {
		if request != "" {
			s.requestStream = request
		}
		if reply != "" {
			s.replyStream = reply
		}
		if fire != "" {
			s.fireStream = fire
		}
	}
}

// WithInterval sets the tick interval of Run.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithExecutionTimeout sets how long a fired execution may stay pending or
// running before Tick fails it.
func WithExecutionTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates every cron expression and builds a Scheduler.
func New(st Store, pub Publisher, schedules []Schedule, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		store:         st,
		publisher:     pub,
		requestStream: streams.StreamPeerRequests,
		replyStream:   "peermesh:schedule.replies",
		fireStream:    streams.StreamScheduleFires,
		interval:      time.Minute,
		timeout:       DefaultExecutionTimeout,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	seen := make(map[string]struct{}, len(schedules))
	for _, sc := range schedules {
		if sc.Name == "" || sc.Agent == "" {
			return nil, fmt.Errorf("schedule needs a name and an agent: %+v", sc)
		}
		if _, dup := seen[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}
		expr, err := cronexpr.Parse(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: parse cron %q: %w", sc.Name, sc.Cron, err)
		}
		if len(sc.Payload) == 0 {
			sc.Payload = json.RawMessage("{}")
		}
		s.schedules = append(s.schedules, compiled{Schedule: sc, expr: expr})
	}
	var err error
	s.fired, err = otel.Meter("peermesh/scheduler").Int64Counter("scheduler_firings_total",
		otelmetric.WithDescription("Scheduled executions dispatched"))
	if err != nil {
		s.logger.Warn("scheduler metrics init", zap.Error(err))
	}
	s.expired, err = otel.Meter("peermesh/scheduler").Int64Counter("scheduler_executions_expired_total",
		otelmetric.WithDescription("Scheduled executions failed after their deadline"))
	if err != nil {
		s.logger.Warn("scheduler metrics init", zap.Error(err))
	}
	return s, nil
}

// ReplyStream is the stream peers answer scheduled requests on.
func (s *Scheduler) ReplyStream() string { return s.replyStream }

// dueAt returns the latest firing of sc in (since, now]. Missed firings in
// between collapse into one.
func dueAt(expr *cronexpr.Expression, since, now time.Time) (time.Time, bool) {
	next := expr.Next(since)
	if next.IsZero() || next.After(now) {
		return time.Time{}, false
	}
	for {
		after := expr.Next(next)
		if after.IsZero() || after.After(now) {
			return next, true
		}
		next = after
	}
}

// Tick fails executions past their deadline, then dispatches every schedule
// that came due since its last recorded firing and returns how many
// executions it created. A schedule that never fired looks back one interval.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.expire(ctx, now)
	created := 0
	for _, sc := range s.schedules {
		last, ok, err := s.store.LastScheduledFor(ctx, sc.Name)
		if err != nil {
			return created, fmt.Errorf("last firing of %s: %w", sc.Name, err)
		}
		if !ok {
			last = now.Add(-s.interval)
		}
		at, due := dueAt(sc.expr, last, now)
		if !due {
			continue
		}
		ok, err = s.fire(ctx, sc, at, now)
		if err != nil {
			s.logger.Warn("dispatch schedule", zap.String("schedule", sc.Name), zap.Error(err))
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// expire fails in-flight executions whose reply never came. Errors are
// logged; the next tick retries.
func (s *Scheduler) expire(ctx context.Context, now time.Time) {
	for {
		n, err := s.store.FailExpiredExecutions(ctx, now, expireBatch)
		if err != nil {
			s.logger.Warn("expire executions", zap.Error(err))
			return
		}
		if n > 0 {
			if s.expired != nil {
				s.expired.Add(ctx, n)
			}
			s.logger.Warn("scheduled executions timed out", zap.Int64("count", n))
		}
		if n < expireBatch {
			return
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, sc compiled, at, now time.Time) (bool, error) {
	deadline := now.Add(s.timeout).UTC()
	exec := store.ScheduledExecution{
		ExecutionID:   uuid.NewString(),
		ScheduleName:  sc.Name,
		CorrelationID: uuid.NewString(),
		Status:        store.ExecutionPending,
		ScheduledFor:  at.UTC(),
		Deadline:      &deadline,
	}
	created, err := s.store.CreateScheduledExecution(ctx, exec)
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	if !created {
		// another replica already fired this slot
		return false, nil
	}

	req := streams.PeerRequest{
		LogicalTaskID: "schedule/" + sc.Name,
		InvocationID:  exec.ExecutionID,
		SubTaskID:     exec.CorrelationID,
		PeerAgent:     sc.Agent,
		ReplyTo:       s.replyStream,
		Deadline:      &deadline,
		Input:         sc.Payload,
	}
	if _, err := s.publisher.PublishRaw(ctx, s.requestStream, streams.EventPeerRequest, streams.VersionV1, req); err != nil {
		if _, cerr := s.store.CompleteScheduledExecution(ctx, exec.CorrelationID, store.ExecutionFailed, nil, "dispatch: "+err.Error()); cerr != nil {
			s.logger.Warn("mark undispatched execution failed", zap.String("execution_id", exec.ExecutionID), zap.Error(cerr))
		}
		return true, fmt.Errorf("publish request: %w", err)
	}
	if err := s.store.MarkScheduledExecutionRunning(ctx, exec.ExecutionID); err != nil {
		return true, fmt.Errorf("mark running: %w", err)
	}
	if _, err := s.publisher.PublishRaw(ctx, s.fireStream, streams.EventScheduleFire, streams.VersionV1, streams.ScheduleFire{
		ExecutionID:   exec.ExecutionID,
		ScheduleName:  sc.Name,
		CorrelationID: exec.CorrelationID,
	}); err != nil {
		s.logger.Debug("schedule.fire announcement not published", zap.Error(err))
	}
	if s.fired != nil {
		s.fired.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("schedule", sc.Name)))
	}
	s.logger.Info("schedule fired",
		zap.String("schedule", sc.Name),
		zap.String("execution_id", exec.ExecutionID),
		zap.String("correlation_id", exec.CorrelationID),
		zap.Time("scheduled_for", exec.ScheduledFor),
	)
	return true, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", zap.Int("schedules", len(s.schedules)), zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.logger.Warn("tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
