// Package sessionlock provides per-session single-flight locking for
// session maintenance work, plus a one-slot deferred notification mailbox per
// session.
package sessionlock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultIdleTTL          = 30 * time.Minute
	DefaultReapInterval     = time.Minute
	DefaultMaxLocks         = 10000
	DefaultDeferredCapacity = 10000
	DefaultDeferredTTL      = time.Hour
)

// entry is one session's lock. refs counts holders plus waiters; an entry is
// evictable only while refs is zero.
type entry struct {
	sem      *semaphore.Weighted
	refs     int
	lastUsed time.Time
}

// Manager hands out per-session locks. Locks are process local; cross-process
// exclusion is not provided.
type Manager struct {
	mu       sync.Mutex
	locks    map[string]*entry
	deferred *expirable.LRU[string, []byte]
	// deferredMu makes Take a single step against concurrent Take and Store.
	deferredMu sync.Mutex

	idleTTL      time.Duration
	reapInterval time.Duration
	maxLocks     int
	now          func() time.Time
	logger       *zap.Logger
	evictions    otelmetric.Int64Counter
}

// Config holds the tunables; zero values select the defaults.
type Config struct {
	IdleTTL          time.Duration
	ReapInterval     time.Duration
	MaxLocks         int
	DeferredCapacity int
	DeferredTTL      time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides time.Now for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a Manager.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.MaxLocks <= 0 {
		cfg.MaxLocks = DefaultMaxLocks
	}
	if cfg.DeferredCapacity <= 0 {
		cfg.DeferredCapacity = DefaultDeferredCapacity
	}
	if cfg.DeferredTTL <= 0 {
		cfg.DeferredTTL = DefaultDeferredTTL
	}
	m := &Manager{
		locks:        make(map[string]*entry),
		deferred:     expirable.NewLRU[string, []byte](cfg.DeferredCapacity, nil, cfg.DeferredTTL),
		idleTTL:      cfg.IdleTTL,
		reapInterval: cfg.ReapInterval,
		maxLocks:     cfg.MaxLocks,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("sessionlock")
	var err error
	m.evictions, err = otel.Meter("peermesh/sessionlock").Int64Counter("sessionlock_evictions_total",
		otelmetric.WithDescription("Idle session locks evicted"))
	if err != nil {
		m.logger.Warn("sessionlock metrics init", zap.Error(err))
	}
	return m
}

// Handle is a held session lock.
type Handle struct {
	m         *Manager
	sessionID string
	e         *entry
	once      sync.Once
}

// SessionID returns the session the handle locks.
func (h *Handle) SessionID() string { return h.sessionID }

// Release unlocks the session. Calling it more than once is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.e.sem.Release(1)
		h.m.mu.Lock()
		h.e.refs--
		h.e.lastUsed = h.m.now()
		h.m.mu.Unlock()
	})
}

func (m *Manager) pinLocked(sessionID string) *entry {
	e, ok := m.locks[sessionID]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		m.locks[sessionID] = e
	}
	e.refs++
	e.lastUsed = m.now()
	return e
}

// Acquire blocks until the session lock is free or ctx ends.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Handle, error) {
	m.mu.Lock()
	e := m.pinLocked(sessionID)
	overflow := len(m.locks) > m.maxLocks
	m.mu.Unlock()
	if overflow {
		m.Reap(m.now())
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		e.refs--
		e.lastUsed = m.now()
		m.mu.Unlock()
		return nil, err
	}
	return &Handle{m: m, sessionID: sessionID, e: e}, nil
}

// TryAcquire takes the lock only if it is free right now.
func (m *Manager) TryAcquire(sessionID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.pinLocked(sessionID)
	if !e.sem.TryAcquire(1) {
		e.refs--
		return nil, false
	}
	return &Handle{m: m, sessionID: sessionID, e: e}, true
}

// Do runs fn while holding the session lock.
func (m *Manager) Do(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	h, err := m.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(ctx)
}

// Reap evicts entries that are neither held nor awaited and have been idle
// for at least the idle TTL, then evicts the least recently used unheld
// entries while the table is over capacity. Held locks are never evicted.
func (m *Manager) Reap(now time.Time) int {
	m.mu.Lock()
	evicted := 0
	var idle []string
	for id, e := range m.locks {
		if e.refs > 0 {
			continue
		}
		if now.Sub(e.lastUsed) >= m.idleTTL {
			delete(m.locks, id)
			evicted++
			continue
		}
		idle = append(idle, id)
	}
	if over := len(m.locks) - m.maxLocks; over > 0 && len(idle) > 0 {
		sort.Slice(idle, func(i, j int) bool { return m.locks[idle[i]].lastUsed.Before(m.locks[idle[j]].lastUsed) })
		if over > len(idle) {
			over = len(idle)
		}
		for _, id := range idle[:over] {
			delete(m.locks, id)
			evicted++
		}
	}
	remaining := len(m.locks)
	m.mu.Unlock()

	if evicted > 0 {
		if m.evictions != nil {
			m.evictions.Add(context.Background(), int64(evicted))
		}
		m.logger.Debug("session locks evicted", zap.Int("evicted", evicted), zap.Int("remaining", remaining))
	}
	return evicted
}

// Run reaps on every reap interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reap(m.now())
		}
	}
}

// Len reports how many session locks are tracked.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// StoreDeferred keeps payload as the session's pending notice, replacing any
// earlier one.
func (m *Manager) StoreDeferred(sessionID string, payload []byte) {
	m.deferredMu.Lock()
	defer m.deferredMu.Unlock()
	m.deferred.Add(sessionID, append([]byte(nil), payload...))
}

// PeekDeferred returns the pending notice without consuming it.
func (m *Manager) PeekDeferred(sessionID string) ([]byte, bool) {
	m.deferredMu.Lock()
	defer m.deferredMu.Unlock()
	v, ok := m.deferred.Peek(sessionID)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// TakeDeferred removes and returns the pending notice. Of several concurrent
// callers at most one receives it.
func (m *Manager) TakeDeferred(sessionID string) ([]byte, bool) {
	m.deferredMu.Lock()
	defer m.deferredMu.Unlock()
	v, ok := m.deferred.Peek(sessionID)
	if !ok {
		return nil, false
	}
	m.deferred.Remove(sessionID)
	return v, true
}
