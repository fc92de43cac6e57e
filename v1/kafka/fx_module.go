package kafka

import (
	"context"
	"errors"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// FXModule provides the Kafka event client. With Config.Listen and an
// events.Invalidator available, the client consumes the topic while the
// application runs.
//
// Usage:
//
//	app := fx.New(
//	    kafka.FXModule,
//	    fx.Provide(func() kafka.Config { return cfg.Events.Kafka }),
//	)
var FXModule = fx.Module("kafka",
	fx.Provide(
		NewClientWithDI,
	),
	fx.Invoke(RegisterKafkaLifecycle),
)

// KafkaParams groups the dependencies needed to create a Kafka client.
type KafkaParams struct {
	fx.In

	Config   Config
	Logger   logger.Logger          `optional:"true"`
	Observer observability.Observer `optional:"true"`
	Source   string                 `name:"event_source" optional:"true"`
}

// NewClientWithDI creates a new Kafka client using dependency injection.
func NewClientWithDI(params KafkaParams) (*KafkaClient, error) {
	client, err := NewClient(params.Config)
	if err != nil {
		return nil, err
	}
	return client.WithLogger(params.Logger).WithObserver(params.Observer).WithSource(params.Source), nil
}

// KafkaLifecycleParams groups the dependencies needed for Kafka lifecycle management
type KafkaLifecycleParams struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Client      *KafkaClient
	Invalidator events.Invalidator `optional:"true"`
}

// RegisterKafkaLifecycle starts the listener when one is configured and
// closes the client on stop, flushing pending writes.
func RegisterKafkaLifecycle(params KafkaLifecycleParams) {
	client := params.Client
	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if client.reader == nil || params.Invalidator == nil {
				close(done)
				return nil
			}
			go func() {
				defer close(done)
				err := client.Listen(listenCtx, params.Invalidator)
				if err != nil && !errors.Is(err, context.Canceled) {
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
