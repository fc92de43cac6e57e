package tracer

import (
	"context"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/logger"
)

// FXModule provides *Tracer and shuts the provider down on stop.
var FXModule = fx.Module("tracer",
	fx.Provide(NewClient),
	fx.Invoke(RegisterTracerLifecycle),
)

// RegisterTracerLifecycle flushes pending spans when the application stops.
func RegisterTracerLifecycle(lc fx.Lifecycle, t *Tracer, log logger.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down tracer", nil)
			return t.Shutdown(ctx)
		},
	})
}
