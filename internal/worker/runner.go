package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loop is a named long-running component.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunLoops runs every loop until ctx is cancelled or one of them fails, in
// which case the rest are cancelled too. Cancellation is not an error.
func RunLoops(ctx context.Context, logger *zap.Logger, loops ...Loop) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		l := l
		g.Go(func() error {
			logger.Info("loop started", zap.String("loop", l.Name))
			err := l.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("loop failed", zap.String("loop", l.Name), zap.Error(err))
				return err
			}
			logger.Info("loop stopped", zap.String("loop", l.Name))
			return nil
		})
	}
	return g.Wait()
}
