package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/events"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mediaset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_REDIS_HOST", "cache.internal")
	path := writeConfig(t, `
logger:
  level: debug
mongo:
  uri: mongodb://db:27017
  database: media
  server_selection_timeout: 3s
events:
  backend: redis
  source: worker-1
  redis:
    host: ${TEST_REDIS_HOST}
    port: 6380
export:
  connection:
    endpoint: localhost:9000
    bucket_name: exports
cleanup_non_persistent: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "mediaset", cfg.Logger.ServiceName, "defaults survive partial sections")
	assert.Equal(t, StoreMongo, cfg.Store)
	assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
	assert.Equal(t, 3*time.Second, cfg.Mongo.ServerSelectionTimeout)
	assert.Equal(t, EventsRedis, cfg.Events.Backend)
	assert.Equal(t, "cache.internal", cfg.Events.Redis.Host)
	assert.Equal(t, 6380, cfg.Events.Redis.Port)
	require.NotNil(t, cfg.Export)
	assert.Equal(t, "exports", cfg.Export.Connection.BucketName)
	assert.Nil(t, cfg.Metrics)
	assert.True(t, cfg.CleanupNonPersistent)
}

func TestLoadConfigRejectsInvalidFiles(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "mongo:\n  urii: mongodb://db\n"))
	assert.ErrorContains(t, err, "urii")

	_, err = LoadConfig(writeConfig(t, "events:\n  backend: nats\n"))
	assert.ErrorContains(t, err, "nats")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"memory", func(c *Config) { c.Store = StoreMemory }, false},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, true},
		{"kafka without brokers", func(c *Config) { c.Events.Backend = EventsKafka }, true},
		{"kafka", func(c *Config) {
			c.Events.Backend = EventsKafka
			c.Events.Kafka.Brokers = []string{"localhost:9092"}
		}, false},
		{"redis without host", func(c *Config) { c.Events.Backend = EventsRedis }, true},
		{"rabbit", func(c *Config) { c.Events.Backend = EventsRabbit }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithDefaultsAssignsSource(t *testing.T) {
	a := Config{}.withDefaults()
	b := Config{}.withDefaults()
	assert.NotEmpty(t, a.Events.Source)
	assert.NotEqual(t, a.Events.Source, b.Events.Source)
	assert.Equal(t, "fixed", Config{Events: EventsConfig{Source: "fixed"}}.withDefaults().Events.Source)
}

func TestFXModuleValidatesGraph(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.Backend = EventsKafka
	cfg.Events.Kafka.Brokers = []string{"localhost:9092"}

	module, err := FXModule(cfg)
	require.NoError(t, err)
	assert.NoError(t, fx.ValidateApp(module, fx.Invoke(func(*dataset.Registry, events.Publisher) {})))

	_, err = FXModule(Config{Store: "sqlite"})
	assert.Error(t, err)
}

func TestFXModuleInMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store = StoreMemory
	cfg.Events.Source = "test"

	module, err := FXModule(cfg)
	require.NoError(t, err)

	var reg *dataset.Registry
	var inv events.Invalidator
	app := fxtest.New(t, module, fx.Populate(&reg, &inv))
	app.RequireStart()
	defer app.RequireStop()

	assert.Same(t, reg, inv)

	ctx := context.Background()
	ds, err := reg.Create(ctx, "wired", dataset.CreateOptions{})
	require.NoError(t, err)
	_, err = ds.AddSample(ctx, dataset.NewSample("/a.jpg", bson.M{"score": 1.0}), dataset.DefaultAddOptions())
	require.NoError(t, err)

	names, err := reg.List(ctx, dataset.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"wired"}, names)
}
