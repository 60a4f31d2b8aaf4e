package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/config"
	"github.com/mohammad-safakhou/peermesh/internal/queue/streams"
	"github.com/mohammad-safakhou/peermesh/internal/replay"
	"github.com/mohammad-safakhou/peermesh/internal/resume"
	"github.com/mohammad-safakhou/peermesh/internal/runtime"
	"github.com/mohammad-safakhou/peermesh/internal/scheduler"
	"github.com/mohammad-safakhou/peermesh/internal/store"
	"github.com/mohammad-safakhou/peermesh/internal/store/memstore"
	"github.com/mohammad-safakhou/peermesh/internal/sweeper"
)

const serviceName = "meshd"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// backend is every store contract the daemon wires. Both the Postgres store
// and the in-process store satisfy it.
type backend interface {
	resume.Store
	sweeper.ExpiredLister
	sweeper.PausedLister
	replay.EventStore
	scheduler.Store
}

// app holds what every long-running command shares.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *runtime.Telemetry
	store     backend
	health    func(ctx context.Context) error
	redis     redis.UniversalClient
	publisher *streams.Publisher
	registry  *streams.SchemaRegistry
	closers   []func() error
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := runtime.NewLogger(cfg.General.LogLevel, cfg.General.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newApp opens storage, Redis and telemetry for a daemon command.
func newApp(ctx context.Context, cfgPath, component string) (*app, error) {
	cfg, logger, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger.With(zap.String("command", component))}

	a.telemetry, err = runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    serviceName + "-" + component,
		ServiceVersion: version,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	switch cfg.Storage.Driver {
	case "memory":
		if component != "run" {
			a.logger.Warn("memory storage is process local; state is not shared with other meshd processes")
		}
		a.store = memstore.New()
	default:
		dsn, err := runtime.BuildPostgresDSN(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		openCtx := ctx
		if cfg.Storage.Postgres.Timeout > 0 {
			var cancel context.CancelFunc
			openCtx, cancel = context.WithTimeout(ctx, cfg.Storage.Postgres.Timeout)
			defer cancel()
		}
		pg, err := store.NewWithDSN(openCtx, dsn)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.store = pg
		a.health = pg.DB.PingContext
		a.closers = append(a.closers, pg.Close)
	}

	a.redis, err = runtime.NewRedisClient(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.redis.Close)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if a.registry, err = streams.NewBaseRegistry(); err != nil {
		a.Close()
		return nil, err
	}
	a.publisher = streams.NewPublisher(a.redis, a.registry).WithDefaultMaxLen(cfg.Streams.MaxLen)
	return a, nil
}

func (a *app) coordinator() *resume.Coordinator {
	return resume.NewCoordinator(a.store,
		resume.WithLogger(a.logger),
		resume.WithDefaultPeerTimeout(a.cfg.Resume.DefaultPeerTimeout),
	)
}

func (a *app) checkHealth(ctx context.Context) error {
	var errs []error
	if a.health != nil {
		if err := a.health(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
