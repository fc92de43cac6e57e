package mongo

import "time"

const (
	// DefaultURI points at a local single-node deployment.
	DefaultURI = "mongodb://localhost:27017"

	// DefaultDatabase is the database holding all engine collections.
	DefaultDatabase = "mediaset"

	DefaultConnectTimeout         = 10 * time.Second
	DefaultServerSelectionTimeout = 30 * time.Second
	DefaultMaxPoolSize            = 100
)

// Config defines how the client connects to MongoDB.
type Config struct {
	// URI is the connection string, including credentials and replica set
	// options.
	// Default: "mongodb://localhost:27017"
	URI string `yaml:"uri" envconfig:"MONGO_URI"`

	// Database is the database holding datasets, samples and frames.
	// Default: "mediaset"
	Database string `yaml:"database" envconfig:"MONGO_DATABASE"`

	// AppName is reported to the server and shows up in its logs.
	AppName string `yaml:"app_name" envconfig:"MONGO_APP_NAME"`

	// MaxPoolSize bounds concurrent connections.
	// Default: 100
	MaxPoolSize uint64 `yaml:"max_pool_size" envconfig:"MONGO_MAX_POOL_SIZE"`

	// MinPoolSize keeps this many connections warm.
	MinPoolSize uint64 `yaml:"min_pool_size" envconfig:"MONGO_MIN_POOL_SIZE"`

	// ConnectTimeout bounds establishing a single connection.
	// Default: 10 seconds
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"MONGO_CONNECT_TIMEOUT"`

	// ServerSelectionTimeout bounds waiting for a suitable server.
	// Default: 30 seconds
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout" envconfig:"MONGO_SERVER_SELECTION_TIMEOUT"`
}

// DefaultConfig returns a Config for a local deployment.
func DefaultConfig() Config {
	return Config{
		URI:                    DefaultURI,
		Database:               DefaultDatabase,
		MaxPoolSize:            DefaultMaxPoolSize,
		ConnectTimeout:         DefaultConnectTimeout,
		ServerSelectionTimeout: DefaultServerSelectionTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URI == "" {
		c.URI = d.URI
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ServerSelectionTimeout == 0 {
		c.ServerSelectionTimeout = d.ServerSelectionTimeout
	}
	return c
}
