package rabbit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// FXModule provides the RabbitMQ event client. The reconnect loop runs for
// the lifetime of the application; when an events.Invalidator is
// available the client also listens for remote dataset events.
//
// Usage:
//
//	app := fx.New(
//	    rabbit.FXModule,
//	    fx.Provide(func() rabbit.Config { return cfg.Events.Rabbit }),
//	)
var FXModule = fx.Module("rabbit",
	fx.Provide(
		NewClientWithDI,
	),
	fx.Invoke(RegisterRabbitLifecycle),
)

// RabbitParams groups the dependencies needed to create a RabbitMQ client.
type RabbitParams struct {
	fx.In

	Config   Config
	Logger   logger.Logger          `optional:"true"`
	Observer observability.Observer `optional:"true"`
	Source   string                 `name:"event_source" optional:"true"`
}

// NewClientWithDI creates a new RabbitMQ client using dependency injection.
func NewClientWithDI(params RabbitParams) (*RabbitClient, error) {
	client, err := NewClient(params.Config)
	if err != nil {
		return nil, err
	}
	return client.WithLogger(params.Logger).WithObserver(params.Observer).WithSource(params.Source), nil
}

// RabbitLifecycleParams groups the dependencies needed for RabbitMQ lifecycle management.
type RabbitLifecycleParams struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Client      *RabbitClient
	Invalidator events.Invalidator `optional:"true"`
}

// RegisterRabbitLifecycle runs the reconnect loop and the optional
// listener, and shuts both down before closing the connection.
func RegisterRabbitLifecycle(params RabbitLifecycleParams) {
	client := params.Client
	wg := &sync.WaitGroup{}
	listenCtx, cancel := context.WithCancel(context.Background())

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			wg.Add(1)
			go func() {
				defer wg.Done()
				client.RetryConnection()
			}()

			if params.Invalidator != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := client.Listen(listenCtx, params.Invalidator)
					if err != nil && !errors.Is(err, context.Canceled) {
						client.logger.Error("Stopped listening for dataset events", err)
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			err := client.Close()
			wg.Wait()
			return err
		},
	})
}
