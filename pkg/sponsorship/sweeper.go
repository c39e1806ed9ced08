package sponsorship

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ExpirySweeper is the backstop cancellation mechanism: it periodically
// reclaims pending holds whose deadline passed without an explicit capture
// or release, so correctness never depends on the purchase flow staying
// alive long enough to clean up after itself.
type ExpirySweeper struct {
	manager  *ReservationManager
	interval time.Duration
	nowFn    func() time.Time
	logger   *zap.Logger
}

// NewExpirySweeper wires an ExpirySweeper. A non-positive interval falls back
// to DefaultSweepInterval.
func NewExpirySweeper(manager *ReservationManager, interval time.Duration, now func() time.Time, logger *zap.Logger) (*ExpirySweeper, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: reservation manager dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &ExpirySweeper{
		manager:  manager,
		interval: interval,
		nowFn:    now,
		logger:   logger,
	}, nil
}

// Run sweeps immediately, then on every tick until the context is canceled.
func (sweeper *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()

	sweeper.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			sweeper.logger.Info("expiry sweeper stopping")
			return
		case <-ticker.C:
			sweeper.sweep(ctx)
		}
	}
}

func (sweeper *ExpirySweeper) sweep(ctx context.Context) {
	expired, err := sweeper.manager.ExpireDue(ctx, sweeper.nowFn())
	if err != nil {
		sweeper.logger.Error("expiry sweep failed", zap.Error(err), zap.Int("expired", expired))
		return
	}
	if expired > 0 {
		sweeper.logger.Info("expired holds reclaimed", zap.Int("expired", expired))
	}
}
