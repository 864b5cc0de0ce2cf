package delivery

import (
	"context"
	"time"

	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/lock"
	obsmetrics "github.com/smallbiznis/courier/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const reaperLockKey = "courier:outbox:reaper"

type ReaperParams struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Outbox     outboxdomain.Service
	Locker     *lock.Locker                `optional:"true"`
	Config     Config                      `optional:"true"`
	ObsMetrics *obsmetrics.DeliveryMetrics `optional:"true"`
}

// Reaper returns in_flight events whose lease expired to pending. With a
// Locker only one instance reaps per interval; without one every instance
// does, which is safe because the release is guarded on the lease.
type Reaper struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	outbox     outboxdomain.Service
	locker     *lock.Locker
	obsMetrics *obsmetrics.DeliveryMetrics
}

func NewReaper(p ReaperParams) *Reaper {
	return &Reaper{
		log:        p.Log.Named("delivery.reaper"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		outbox:     p.Outbox,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}
}

func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, reaperLockKey, r.cfg.ReapInterval)
		if err != nil {
			// Redis being down must not stop recovery; fall back to reaping.
			r.log.Warn("reaper lock unavailable, reaping without it", zap.Error(err))
		} else if !ok {
			return 0, nil
		} else {
			defer func() {
				if err := r.locker.Release(context.WithoutCancel(ctx), reaperLockKey, token); err != nil {
					r.log.Warn("failed to release reaper lock", zap.Error(err))
				}
			}()
		}
	}
	return r.outbox.ReleaseExpiredLeases(ctx, r.clock.Now(), r.cfg.ReapBatchSize)
}

func (r *Reaper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.obsMetrics.IncLoopError("reaper", err)
			r.log.Warn("reaper run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
