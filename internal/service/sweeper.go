package service

import (
	"context"
	"time"

	"github.com/punchamoorthee/coinledger/internal/metrics"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often RunSweeper expires stale pending transfers.
const DefaultSweepInterval = 60 * time.Second

// Sweep expires every pending transfer whose expiry has passed.
func (s *TransferService) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.ExpirePending(ctx, s.now())
	if err != nil {
		metrics.SweepErrors.Inc()
		return 0, err
	}
	if n > 0 {
		metrics.Expired.Add(float64(n))
		s.logger.Info("expired pending transfers", zap.Int64("count", n))
	}
	return n, nil
}

// RunSweeper sweeps once immediately and then on every interval until ctx is done.
func (s *TransferService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("expiry sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
