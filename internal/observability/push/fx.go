package push

import (
	"context"
	"time"

	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Provide(NewLedgerGauges),
	fx.Invoke(startPushLoop),
)

func startPushLoop(lc fx.Lifecycle, cfg config.Config, pusher Pusher, gauges *LedgerGauges, db *gorm.DB, clk clock.Clock, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	log := logger.Named("metrics.push")
	interval := cfg.MetricsPush.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting ledger metrics push", zap.Duration("interval", interval))
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				RefreshAndPush(ctx, gauges, pusher, db, clk.Now(), log)
				for {
					select {
					case <-ticker.C:
						RefreshAndPush(ctx, gauges, pusher, db, clk.Now(), log)
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
