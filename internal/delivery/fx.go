package delivery

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("delivery",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideRegistry),
	fx.Provide(NewDispatcher),
	fx.Provide(NewReaper),
)

// WorkerModule runs the dispatcher and reaper loops for the life of the app.
var WorkerModule = fx.Module("delivery.worker",
	fx.Invoke(StartWorkers),
)

func StartWorkers(lc fx.Lifecycle, cfg Config, dispatcher *Dispatcher, reaper *Reaper, log *zap.Logger) {
	if !cfg.Enabled {
		log.Info("dispatcher disabled")
		return
	}

	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			wg.Add(2)
			go func() {
				defer wg.Done()
				dispatcher.RunForever(ctx)
			}()
			go func() {
				defer wg.Done()
				reaper.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if cancel != nil {
				cancel()
			}
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
