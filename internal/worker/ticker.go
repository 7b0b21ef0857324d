package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailriver/internal/pipeline"
)

// RunTicker invokes one pipeline tick every interval until the context is
// cancelled. Ticks are safe to overlap with other processes running the
// same pipeline; within one process ticks run back to back, never stacked.
func RunTicker(
	ctx context.Context,
	wg *sync.WaitGroup,
	interval time.Duration,
	driver *pipeline.Driver,
	logger *zap.Logger,
) {
	wg.Add(1)

	go func() {
		defer wg.Done()

		logger.Info("pipeline ticker started", zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {

			case <-ctx.Done():
				logger.Info("pipeline ticker shutting down")
				return

			case <-ticker.C:
				if _, err := driver.RunTick(ctx); err != nil {
					// Cross-cutting failure: drop this tick, the next one
					// starts from store state and retries naturally.
					logger.Error("pipeline tick failed", zap.Error(err))
				}
			}
		}
	}()
}
