package dataset

import (
	"context"

	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/metrics"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
	"github.com/Aleph-Alpha/mediaset/v1/tracer"
)

// FXModule provides the *Registry on top of an injected docstore.Client.
//
// Usage:
//
//	app := fx.New(
//	    logger.FXModule,
//	    mongo.FXModule,
//	    dataset.FXModule,
//	)
var FXModule = fx.Module("dataset",
	fx.Provide(NewRegistryWithDI),
	fx.Invoke(RegisterRegistryLifecycle),
)

// RegistryParams groups the dependencies needed to create a Registry.
type RegistryParams struct {
	fx.In

	Client    docstore.Client
	Logger    logger.Logger          `optional:"true"`
	Observer  observability.Observer `optional:"true"`
	Publisher events.Publisher       `optional:"true"`
	Tracer    *tracer.Tracer         `optional:"true"`
	Metrics   *metrics.Metrics       `optional:"true"`
	Source    string                 `name:"event_source" optional:"true"`
}

// NewRegistryWithDI creates a Registry from injected collaborators.
func NewRegistryWithDI(params RegistryParams) *Registry {
	return NewRegistry(params.Client, RegistryOptions{
		Logger:    params.Logger,
		Observer:  params.Observer,
		Publisher: params.Publisher,
		Tracer:    params.Tracer,
		Metrics:   params.Metrics,
		Source:    params.Source,
	})
}

// RegistryLifecycleParams groups the dependencies of the registry hooks.
type RegistryLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Registry  *Registry

	// CleanupNonPersistent deletes non-persistent datasets without live
	// handles on stop.
	CleanupNonPersistent bool `name:"cleanup_non_persistent" optional:"true"`
}

// RegisterRegistryLifecycle creates the registry indexes on start and
// optionally removes non-persistent datasets on stop.
func RegisterRegistryLifecycle(params RegistryLifecycleParams) {
	r := params.Registry
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := r.EnsureIndexes(ctx); err != nil {
				r.logger.Error("Failed to create dataset registry indexes", err)
				return err
			}
			r.logger.Info("Dataset registry started", nil)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if !params.CleanupNonPersistent {
				return nil
			}
			deleted, err := r.DeleteNonPersistent(ctx)
			if err != nil {
				r.logger.Error("Failed to delete non-persistent datasets", err)
				return err
			}
			r.logger.Info("Deleted non-persistent datasets", nil, map[string]interface{}{
				"count": len(deleted),
			})
			return nil
		},
	})
}
