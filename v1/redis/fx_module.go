package redis

import (
	"context"
	"errors"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// FXModule provides the Redis event client. When an events.Invalidator
// is available the client listens for remote dataset events while the
// application runs.
//
// Usage:
//
//	app := fx.New(
//	    redis.FXModule,
//	    logger.FXModule, // Optional: provides logger
//	    fx.Provide(func() redis.Config { return cfg.Events.Redis }),
//	)
var FXModule = fx.Module("redis",
	fx.Provide(
		NewClientWithDI,
	),
	fx.Invoke(RegisterRedisLifecycle),
)

// RedisParams groups the dependencies needed to create a Redis client
type RedisParams struct {
	fx.In

	Config   Config
	Logger   logger.Logger          `optional:"true"`
	Observer observability.Observer `optional:"true"`
	Source   string                 `name:"event_source" optional:"true"`
}

// NewClientWithDI creates a new Redis client using dependency injection.
func NewClientWithDI(params RedisParams) (*RedisClient, error) {
	client, err := NewClient(params.Config)
	if err != nil {
		return nil, err
	}
	return client.WithLogger(params.Logger).WithObserver(params.Observer).WithSource(params.Source), nil
}

// RedisLifecycleParams groups the dependencies needed for Redis lifecycle management
type RedisLifecycleParams struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Client      *RedisClient
	Invalidator events.Invalidator `optional:"true"`
}

// RegisterRedisLifecycle pings the server on start and, when an
// invalidator is provided, starts listening. On stop the listener is
// cancelled and the client closed.
func RegisterRedisLifecycle(params RedisLifecycleParams) {
	client := params.Client
	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx); err != nil {
				client.logger.Error("Failed to ping Redis on startup", err)
				return err
			}
			if params.Invalidator == nil {
				close(done)
				return nil
			}
			go func() {
				defer close(done)
				err := client.Listen(listenCtx, params.Invalidator)
				if err != nil && !errors.Is(err, context.Canceled) && !IsClosedError(err) {
					client.logger.Error("Stopped listening for dataset events", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return client.Close()
		},
	})
}
