package minio

import (
	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// FXModule provides the export storage client.
//
// Usage:
//
//	app := fx.New(
//	    minio.FXModule,
//	    fx.Provide(func() minio.Config { return cfg.Export }),
//	)
var FXModule = fx.Module("minio",
	fx.Provide(
		NewClientWithDI,
	),
)

// MinioParams groups the dependencies needed to create a MinIO client.
type MinioParams struct {
	fx.In

	Config   Config
	Logger   logger.Logger          `optional:"true"`
	Observer observability.Observer `optional:"true"`
}

// NewClientWithDI creates a MinIO client from injected dependencies.
func NewClientWithDI(params MinioParams) (*MinioClient, error) {
	client, err := NewClient(params.Config)
	if err != nil {
		return nil, err
	}
	return client.WithLogger(params.Logger).WithObserver(params.Observer), nil
}
