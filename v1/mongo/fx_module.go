package mongo

import (
	"context"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// FXModule provides *Client and exposes it as docstore.Client.
//
// Usage:
//
//	app := fx.New(
//	    logger.FXModule,
//	    mongo.FXModule,
//	    fx.Provide(func() mongo.Config { return cfg.Mongo }),
//	)
var FXModule = fx.Module("mongo",
	fx.Provide(
		NewClientWithDI,
		func(c *Client) docstore.Client { return c },
	),
	fx.Invoke(RegisterMongoLifecycle),
)

// MongoParams groups the dependencies needed to create a Client.
type MongoParams struct {
	fx.In

	Config   Config
	Logger   logger.Logger          `optional:"true"`
	Observer observability.Observer `optional:"true"`
}

// NewClientWithDI connects using the injected Config and attaches the
// optional logger and observer.
func NewClientWithDI(params MongoParams) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), params.Config.withDefaults().ServerSelectionTimeout)
	defer cancel()

	client, err := NewClient(ctx, params.Config)
	if err != nil {
		return nil, err
	}
	return client.WithLogger(params.Logger).WithObserver(params.Observer), nil
}

// RegisterMongoLifecycle pings on start and disconnects on stop.
func RegisterMongoLifecycle(lc fx.Lifecycle, client *Client) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx); err != nil {
				client.logger.Error("Failed to ping MongoDB on startup", err)
				return err
			}
			client.logger.Info("MongoDB client started", nil, map[string]interface{}{
				"database": client.cfg.Database,
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close(ctx)
		},
	})
}
