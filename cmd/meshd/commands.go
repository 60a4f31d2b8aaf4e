package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/peermesh/internal/runtime"
	"github.com/mohammad-safakhou/peermesh/internal/store"
	"github.com/mohammad-safakhou/peermesh/internal/worker"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var direction string
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			if err := store.Migrate(migDir, dsn, direction, steps); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("direction", direction), zap.Int("steps", steps))
			return nil
		},
	}
	cmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

// daemonCMD builds a command that opens the shared app, collects loops from
// build and runs them until a signal arrives.
func daemonCMD(cfgPath *string, use, short string, build func(ctx context.Context, a *app) ([]worker.Loop, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, *cfgPath, use)
			if err != nil {
				return err
			}
			defer a.Close()

			loops, err := build(ctx, a)
			if err != nil {
				return err
			}
			if len(loops) == 0 {
				a.logger.Info("nothing to run")
				return nil
			}
			a.logger.Info("meshd starting", zap.String("version", version), zap.String("storage", a.cfg.Storage.Driver))
			return worker.RunLoops(ctx, a.logger, loops...)
		},
	}
}

func serveCMD(cfgPath *string) *cobra.Command {
	return daemonCMD(cfgPath, "serve", "Run the event replay HTTP API", func(_ context.Context, a *app) ([]worker.Loop, error) {
		return serveLoops(a)
	})
}

func workerCMD(cfgPath *string) *cobra.Command {
	return daemonCMD(cfgPath, "worker", "Consume peer replies and trigger resumes", workerLoops)
}

func sweepCMD(cfgPath *string) *cobra.Command {
	return daemonCMD(cfgPath, "sweep", "Time out overdue peer sub-tasks", func(_ context.Context, a *app) ([]worker.Loop, error) {
		return sweepLoops(a), nil
	})
}

func schedulerCMD(cfgPath *string) *cobra.Command {
	return daemonCMD(cfgPath, "scheduler", "Fire cron schedules and collect their replies", schedulerLoops)
}

// runCMD runs every component in one process. It is the only mode in which
// the memory storage driver is shared by all components.
func runCMD(cfgPath *string) *cobra.Command {
	return daemonCMD(cfgPath, "run", "Run API, worker, sweeper and scheduler in one process", func(ctx context.Context, a *app) ([]worker.Loop, error) {
		loops, err := serveLoops(a)
		if err != nil {
			return nil, err
		}
		wl, err := workerLoops(ctx, a)
		if err != nil {
			return nil, err
		}
		sl, err := schedulerLoops(ctx, a)
		if err != nil {
			return nil, err
		}
		loops = append(loops, wl...)
		loops = append(loops, sweepLoops(a)...)
		return append(loops, sl...), nil
	})
}
