package engine

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Aleph-Alpha/mediaset/v1/kafka"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/metrics"
	"github.com/Aleph-Alpha/mediaset/v1/minio"
	"github.com/Aleph-Alpha/mediaset/v1/mongo"
	"github.com/Aleph-Alpha/mediaset/v1/rabbit"
	"github.com/Aleph-Alpha/mediaset/v1/redis"
	"github.com/Aleph-Alpha/mediaset/v1/tracer"
)

// Store backends.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Event backends. An empty backend disables events.
const (
	EventsNone   = ""
	EventsKafka  = "kafka"
	EventsRabbit = "rabbit"
	EventsRedis  = "redis"
)

// Config is the complete configuration of an engine process.
type Config struct {
	Logger logger.Config `yaml:"logger"`

	// Store selects the document store: "mongo" (default) or "memory".
	Store string       `yaml:"store"`
	Mongo mongo.Config `yaml:"mongo"`

	// Metrics and Tracer are enabled when present.
	Metrics *metrics.Config `yaml:"metrics"`
	Tracer  *tracer.Config  `yaml:"tracer"`

	Events EventsConfig `yaml:"events"`

	// Export enables the object store used by export.Export and
	// export.Import.
	Export *minio.Config `yaml:"export"`

	// CleanupNonPersistent deletes non-persistent datasets on shutdown.
	CleanupNonPersistent bool `yaml:"cleanup_non_persistent"`
}

// EventsConfig selects and configures the dataset event transport.
type EventsConfig struct {
	Backend string `yaml:"backend"`

	// Source identifies this process in published events so it can skip
	// its own. Default: a random UUID per process.
	Source string `yaml:"source"`

	Kafka  kafka.Config  `yaml:"kafka"`
	Rabbit rabbit.Config `yaml:"rabbit"`
	Redis  redis.Config  `yaml:"redis"`
}

// DefaultConfig returns a configuration for a local MongoDB without
// events, metrics or tracing.
func DefaultConfig() Config {
	return Config{
		Logger: logger.DefaultConfig(),
		Store:  StoreMongo,
		Mongo:  mongo.DefaultConfig(),
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
// Environment variables in the file are expanded. Unknown keys are
// rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the backend selections.
func (c Config) Validate() error {
	switch c.Store {
	case "", StoreMongo:
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Events.Backend {
	case EventsNone, EventsRabbit:
	case EventsKafka:
		if len(c.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka events need at least one broker")
		}
	case EventsRedis:
		if c.Events.Redis.Host == "" {
			return fmt.Errorf("redis events need a host")
		}
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}
	if c.Export != nil && c.Export.Connection.BucketName == "" {
		return fmt.Errorf("export needs a bucket name")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Store == "" {
		c.Store = StoreMongo
	}
	if c.Events.Source == "" {
		c.Events.Source = uuid.NewString()
	}
	return c
}
