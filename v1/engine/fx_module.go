package engine

import (
	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/export"
	"github.com/Aleph-Alpha/mediaset/v1/kafka"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/memstore"
	"github.com/Aleph-Alpha/mediaset/v1/metrics"
	"github.com/Aleph-Alpha/mediaset/v1/minio"
	"github.com/Aleph-Alpha/mediaset/v1/mongo"
	"github.com/Aleph-Alpha/mediaset/v1/rabbit"
	"github.com/Aleph-Alpha/mediaset/v1/redis"
	"github.com/Aleph-Alpha/mediaset/v1/tracer"
)

// FXModule assembles the components selected by cfg: the logger, the
// document store, the dataset registry, and optionally metrics, tracing,
// an event transport and the export object store.
//
// The registry is provided as the events.Invalidator, so a configured
// transport listens for the events of other processes and drops their
// datasets from the registry cache.
//
// Usage:
//
//	cfg, err := engine.LoadConfig("mediaset.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	module, err := engine.FXModule(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fx.New(module, fx.Invoke(func(reg *dataset.Registry) { ... })).Run()
func FXModule(cfg Config) (fx.Option, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	opts := []fx.Option{
		fx.Supply(cfg.Logger),
		logger.FXModule,
		fx.Provide(
			fx.Annotated{Name: "event_source", Target: func() string { return cfg.Events.Source }},
			fx.Annotated{Name: "cleanup_non_persistent", Target: func() bool { return cfg.CleanupNonPersistent }},
			func(r *dataset.Registry) events.Invalidator { return r },
		),
		dataset.FXModule,
	}

	switch cfg.Store {
	case StoreMemory:
		opts = append(opts, fx.Provide(func() docstore.Client { return memstore.NewClient() }))
	default:
		opts = append(opts, fx.Supply(cfg.Mongo), mongo.FXModule)
	}

	if cfg.Metrics != nil {
		opts = append(opts, fx.Supply(*cfg.Metrics), metrics.FXModule)
	}
	if cfg.Tracer != nil {
		opts = append(opts, fx.Supply(*cfg.Tracer), tracer.FXModule)
	}

	switch cfg.Events.Backend {
	case EventsKafka:
		opts = append(opts,
			fx.Supply(cfg.Events.Kafka),
			kafka.FXModule,
			fx.Provide(func(c *kafka.KafkaClient) events.Publisher { return c }),
		)
	case EventsRabbit:
		opts = append(opts,
			fx.Supply(cfg.Events.Rabbit),
			rabbit.FXModule,
			fx.Provide(func(c *rabbit.RabbitClient) events.Publisher { return c }),
		)
	case EventsRedis:
		opts = append(opts,
			fx.Supply(cfg.Events.Redis),
			redis.FXModule,
			fx.Provide(func(c *redis.RedisClient) events.Publisher { return c }),
		)
	}

	if cfg.Export != nil {
		opts = append(opts,
			fx.Supply(*cfg.Export),
			minio.FXModule,
			fx.Provide(func(c *minio.MinioClient) export.ObjectStore { return c }),
		)
	}

	return fx.Options(opts...), nil
}
