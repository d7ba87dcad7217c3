package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper evicts expired rate-limit windows.
type Sweeper interface {
	Name() string
	Sweep() int
}

// RunSweeper sweeps every limiter on interval until ctx is cancelled.
func RunSweeper(ctx context.Context, interval time.Duration, logger *zap.Logger, limiters ...Sweeper) {
	if interval <= 0 || len(limiters) == 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, limiter := range limiters {
				if evicted := limiter.Sweep(); evicted > 0 {
					logger.Debug("rate limit windows evicted",
						zap.String("limiter", limiter.Name()),
						zap.Int("evicted", evicted))
				}
			}
		}
	}
}
