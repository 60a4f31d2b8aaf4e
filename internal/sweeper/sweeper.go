// Package sweeper converts peer sub-tasks whose deadline passed into timeout
// results and hands groups that became ready to the resume trigger. It also
// re-fires the trigger for suspended tasks whose group is ready but which
// nobody resumed, for example because an earlier trigger failed.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/resume"
	"github.com/mohammad-safakhou/peermesh/internal/store"
)

const (
	DefaultInterval         = 5 * time.Second
	DefaultBatchSize        = 100
	DefaultRecoveryInterval = time.Minute
)

// ExpiredLister finds outstanding sub-tasks whose deadline is at or before now.
type ExpiredLister interface {
	ListExpiredSubTasks(ctx context.Context, now time.Time, limit int) ([]store.PeerSubTask, error)
}

// PausedLister pages through suspended tasks by logical task id.
type PausedLister interface {
	ListPausedTasks(ctx context.Context, before time.Time, afterID string, limit int) ([]store.PausedTask, error)
}

// Consumer is the subset of resume.Coordinator the sweeper drives.
type Consumer interface {
	ConsumeReply(ctx context.Context, subTaskID string, result resume.PeerResult) (resume.ConsumeOutcome, error)
	IsReady(ctx context.Context, logicalTaskID, invocationID string) (bool, error)
}

// Report summarises one sweep.
type Report struct {
	Expired  int
	TimedOut int
	Ignored  int
	Resumed  int
	// Recovered counts ready groups re-triggered by the recovery pass.
	Recovered int
	Errors    int
}

// Sweeper runs SweepOnce on a fixed interval.
type Sweeper struct {
	lister     ExpiredLister
	consumer   Consumer
	trigger    resume.Trigger
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
	now        func() time.Time
	retryLimit time.Duration

	paused       PausedLister
	recoverEvery time.Duration
	recoveryMu   sync.Mutex
	lastRecovery time.Time
	recoverNext  bool

	metricsOnce sync.Once
	timeouts    otelmetric.Int64Counter
	runs        otelmetric.Int64Counter
	recovered   otelmetric.Int64Counter
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithInterval sets the tick interval for Run.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize bounds how many expired sub-tasks one sweep handles; the
// remainder is picked up by the next tick.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithClock overrides time.Now for Run.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryMaxElapsed bounds retries of transient storage failures per
// sub-task.
func WithRetryMaxElapsed(d time.Duration) Option {
	return func(s *Sweeper) {
		s.retryLimit = d
	}
}

// WithRecovery enables the recovery pass. Every interval (and on the sweep
// after any trigger failure) the sweeper walks the suspended tasks and
// re-fires the trigger for each whose current group is ready.
func WithRecovery(l PausedLister, every time.Duration) Option {
	return func(s *Sweeper) {
		s.paused = l
		if every > 0 {
			s.recoverEvery = every
		}
	}
}

// New builds a Sweeper. trigger may be nil, in which case ready groups are
// only logged.
func New(lister ExpiredLister, consumer Consumer, trigger resume.Trigger, opts ...Option) *Sweeper {
	s := &Sweeper{
		lister:    lister,
		consumer:  consumer,
		trigger:   trigger,
		logger:    zap.NewNop(),
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		now:       time.Now,

		recoverEvery: DefaultRecoveryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("sweeper")
	return s
}

type groupKey struct {
	taskID       string
	invocationID string
}

// SweepOnce times out every expired sub-task in one bounded batch. A sub-task
// whose real reply won the race is counted as Ignored. Each touched group is
// checked once and handed to the trigger if ready. When recovery is enabled
// and due, stranded ready tasks are re-triggered afterwards. Per-item
// failures are counted and logged; the returned error is non-nil only if
// listing expired sub-tasks failed.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (Report, error) {
	s.metricsOnce.Do(s.initMetrics)
	var rep Report
	expired, err := s.lister.ListExpiredSubTasks(ctx, now, s.batchSize)
	if err != nil {
		s.addRun(ctx, "error")
		return rep, err
	}
	rep.Expired = len(expired)

	attempted, triggerFailed := s.timeOut(ctx, now, expired, &rep)
	if s.recoveryDue(now) {
		s.recoverStranded(ctx, now, attempted, &rep)
	}
	if triggerFailed {
		// groups that failed here were skipped by this pass
		s.requestRecovery()
	}

	switch {
	case rep.Expired == 0 && rep.Recovered == 0 && rep.Errors == 0:
		s.addRun(ctx, "empty")
	default:
		s.addRun(ctx, "ok")
	}
	return rep, nil
}

// timeOut consumes a timeout result for each expired sub-task and triggers
// the groups that became ready. It returns the groups it tried to trigger
// and whether any trigger failed.
func (s *Sweeper) timeOut(ctx context.Context, now time.Time, expired []store.PeerSubTask, rep *Report) (map[groupKey]struct{}, bool) {
	touched := make(map[groupKey]struct{})
	var order []groupKey
	for _, sub := range expired {
		if ctx.Err() != nil {
			break
		}
		deadline := now
		if sub.TimeoutDeadline != nil {
			deadline = *sub.TimeoutDeadline
		}
		result := resume.TimeoutResult(sub.SubTaskID, deadline, now)
		var out resume.ConsumeOutcome
		err := resume.Retry(ctx, s.retryLimit, func() error {
			var cerr error
			out, cerr = s.consumer.ConsumeReply(ctx, sub.SubTaskID, result)
			return cerr
		})
		if err != nil {
			rep.Errors++
			s.logger.Warn("timeout consume failed",
				zap.String("sub_task_id", sub.SubTaskID),
				zap.String("logical_task_id", sub.LogicalTaskID),
				zap.Error(err),
			)
			continue
		}
		if out.Status == resume.StatusIgnored {
			rep.Ignored++
			continue
		}
		rep.TimedOut++
		if s.timeouts != nil {
			s.timeouts.Add(ctx, 1)
		}
		s.logger.Info("peer sub-task timed out",
			zap.String("sub_task_id", sub.SubTaskID),
			zap.String("logical_task_id", out.LogicalTaskID),
			zap.String("invocation_id", out.InvocationID),
			zap.String("peer_agent", sub.PeerAgent),
		)
		key := groupKey{out.LogicalTaskID, out.InvocationID}
		if _, seen := touched[key]; !seen {
			touched[key] = struct{}{}
			order = append(order, key)
		}
	}

	failed := false
	for _, key := range order {
		ready, err := s.consumer.IsReady(ctx, key.taskID, key.invocationID)
		if err != nil {
			if !errors.Is(err, resume.ErrNotFound) {
				rep.Errors++
				failed = true
				s.logger.Warn("readiness check failed",
					zap.String("logical_task_id", key.taskID),
					zap.String("invocation_id", key.invocationID),
					zap.Error(err),
				)
			}
			continue
		}
		if !ready {
			continue
		}
		if err := s.fire(ctx, key); err != nil {
			rep.Errors++
			failed = true
			continue
		}
		rep.Resumed++
	}
	return touched, failed
}

// recoverStranded walks every task suspended before now and re-fires the trigger
// for those whose current group is ready. Groups in skip were already handled
// by this sweep.
func (s *Sweeper) recoverStranded(ctx context.Context, now time.Time, skip map[groupKey]struct{}, rep *Report) {
	failed := false
	after := ""
	for ctx.Err() == nil {
		page, err := s.paused.ListPausedTasks(ctx, now, after, s.batchSize)
		if err != nil {
			rep.Errors++
			failed = true
			s.logger.Warn("list paused tasks failed", zap.Error(err))
			break
		}
		for _, task := range page {
			after = task.LogicalTaskID
			if task.CurrentInvocationID == "" {
				continue
			}
			key := groupKey{task.LogicalTaskID, task.CurrentInvocationID}
			if _, done := skip[key]; done {
				continue
			}
			ready, err := s.consumer.IsReady(ctx, key.taskID, key.invocationID)
			if err != nil {
				if !errors.Is(err, resume.ErrNotFound) {
					rep.Errors++
					failed = true
				}
				continue
			}
			if !ready {
				continue
			}
			if err := s.fire(ctx, key); err != nil {
				rep.Errors++
				failed = true
				continue
			}
			rep.Recovered++
			if s.recovered != nil {
				s.recovered.Add(ctx, 1)
			}
			s.logger.Info("stranded ready task re-triggered",
				zap.String("logical_task_id", key.taskID),
				zap.String("invocation_id", key.invocationID),
			)
		}
		if len(page) < s.batchSize {
			break
		}
	}

	s.recoveryMu.Lock()
	s.lastRecovery = now
	s.recoverNext = failed || ctx.Err() != nil
	s.recoveryMu.Unlock()
}

func (s *Sweeper) recoveryDue(now time.Time) bool {
	if s.paused == nil {
		return false
	}
	s.recoveryMu.Lock()
	defer s.recoveryMu.Unlock()
	return s.recoverNext || s.lastRecovery.IsZero() || now.Sub(s.lastRecovery) >= s.recoverEvery
}

func (s *Sweeper) requestRecovery() {
	s.recoveryMu.Lock()
	s.recoverNext = true
	s.recoveryMu.Unlock()
}

func (s *Sweeper) fire(ctx context.Context, key groupKey) error {
	if s.trigger == nil {
		s.logger.Info("group ready, no resume trigger configured",
			zap.String("logical_task_id", key.taskID),
			zap.String("invocation_id", key.invocationID),
		)
		return nil
	}
	if err := s.trigger.TriggerResume(ctx, key.taskID, key.invocationID); err != nil {
		s.logger.Error("resume trigger failed",
			zap.String("logical_task_id", key.taskID),
			zap.String("invocation_id", key.invocationID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		rep, err := s.SweepOnce(ctx, s.now())
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("sweep failed", zap.Error(err))
		case rep.Expired > 0 || rep.Recovered > 0:
			s.logger.Info("sweep finished",
				zap.Int("expired", rep.Expired),
				zap.Int("timed_out", rep.TimedOut),
				zap.Int("ignored", rep.Ignored),
				zap.Int("resumed", rep.Resumed),
				zap.Int("recovered", rep.Recovered),
				zap.Int("errors", rep.Errors),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) initMetrics() {
	meter := otel.Meter("peermesh/sweeper")
	var err error
	s.timeouts, err = meter.Int64Counter("sweeper_timeouts_total",
		otelmetric.WithDescription("Peer sub-tasks converted into timeout results"))
	if err != nil {
		s.logger.Warn("sweeper metrics init", zap.Error(err))
	}
	s.runs, err = meter.Int64Counter("sweeper_runs_total",
		otelmetric.WithDescription("Sweep executions, by result"))
	if err != nil {
		s.logger.Warn("sweeper metrics init", zap.Error(err))
	}
	s.recovered, err = meter.Int64Counter("sweeper_recovered_total",
		otelmetric.WithDescription("Ready suspended tasks re-triggered by the recovery pass"))
	if err != nil {
		s.logger.Warn("sweeper metrics init", zap.Error(err))
	}
}

func (s *Sweeper) addRun(ctx context.Context, result string) {
	if s.runs != nil {
		s.runs.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("result", result)))
	}
}
