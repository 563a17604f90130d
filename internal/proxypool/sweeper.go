package proxypool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 5 * time.Minute
)

// SweepRunner periodically runs the pool health sweep.
type SweepRunner struct {
	pool        *Manager
	logger      *zap.Logger
	interval    time.Duration
	concurrency int
}

func NewSweepRunner(pool *Manager, interval time.Duration, concurrency int, logger *zap.Logger) *SweepRunner {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if concurrency < 1 {
		concurrency = defaultSweepConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SweepRunner{
		pool:        pool,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
	}
}

// Start sweeps until context cancellation. Sweep errors are logged, never fatal.
func (r *SweepRunner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := r.pool.HealthSweep(ctx, r.concurrency); err != nil && ctx.Err() == nil {
		r.logger.Error("initial proxy sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.pool.HealthSweep(ctx, r.concurrency); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("proxy sweep failed", zap.Error(err))
			}
		}
	}
}
