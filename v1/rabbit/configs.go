package rabbit

import "time"

const (
	DefaultHost             = "localhost"
	DefaultPort             = 5672
	DefaultExchangeName     = "mediaset.events"
	DefaultContentType      = "application/json"
	DefaultDelayToReconnect = time.Second
	DefaultHeartbeat        = 2 * time.Second
)

// Config defines how dataset events are carried over RabbitMQ.
type Config struct {
	// Connection contains the settings needed to establish a connection to the RabbitMQ server
	Connection Connection `yaml:"connection"`

	// Channel contains configuration for the event exchange and the listener queue
	Channel Channel `yaml:"channel"`
}

// Connection contains the configuration parameters needed to establish
// a connection to a RabbitMQ server, including authentication and TLS settings.
type Connection struct {
	// Host is the RabbitMQ server hostname or IP address
	Host string `yaml:"host" envconfig:"RABBIT_HOST"`

	// Port is the RabbitMQ server port (typically 5672 for non-SSL, 5671 for SSL)
	Port uint `yaml:"port" envconfig:"RABBIT_PORT"`

	// User is the RabbitMQ username for authentication
	User string `yaml:"user" envconfig:"RABBIT_USER"`

	// Password is the RabbitMQ password for authentication
	Password string `yaml:"password" envconfig:"RABBIT_PASSWORD"`

	// VirtualHost selects the vhost; empty means "/"
	VirtualHost string `yaml:"virtual_host" envconfig:"RABBIT_VHOST"`

	// IsSSLEnabled determines whether to use SSL/TLS for the connection
	// When true, connections will use the AMQPs protocol
	IsSSLEnabled bool `yaml:"ssl_enabled" envconfig:"RABBIT_SSL_ENABLED"`

	// UseCert determines whether to use client certificate authentication
	UseCert bool `yaml:"use_cert" envconfig:"RABBIT_USE_CERT"`

	CACertPath     string `yaml:"ca_cert_path" envconfig:"RABBIT_CA_CERT_PATH"`
	ClientCertPath string `yaml:"client_cert_path" envconfig:"RABBIT_CLIENT_CERT_PATH"`
	ClientKeyPath  string `yaml:"client_key_path" envconfig:"RABBIT_CLIENT_KEY_PATH"`

	// ServerName is the server name to use for TLS verification
	ServerName string `yaml:"server_name" envconfig:"RABBIT_SERVER_NAME"`

	// Heartbeat detects dead connections.
	// Default: 2 seconds
	Heartbeat time.Duration `yaml:"heartbeat" envconfig:"RABBIT_HEARTBEAT"`
}

// Channel configures the event exchange. Events go to a durable fanout
// exchange; every listening process binds its own exclusive queue to it.
type Channel struct {
	// ExchangeName is the name of the fanout exchange events are published to
	// Default: "mediaset.events"
	ExchangeName string `yaml:"exchange_name" envconfig:"RABBIT_EXCHANGE_NAME"`

	// QueueName names the listener queue. Empty lets the server generate a
	// name, which is what separate processes normally want.
	QueueName string `yaml:"queue_name" envconfig:"RABBIT_QUEUE_NAME"`

	// DelayToReconnect is the time to wait between reconnection attempts
	// Default: 1 second
	DelayToReconnect time.Duration `yaml:"delay_to_reconnect" envconfig:"RABBIT_DELAY_TO_RECONNECT"`

	// PrefetchCount limits the number of unacknowledged events delivered to the listener
	PrefetchCount int `yaml:"prefetch_count" envconfig:"RABBIT_PREFETCH_COUNT"`

	// ContentType specifies the MIME type of published messages
	// Default: "application/json"
	ContentType string `yaml:"content_type" envconfig:"RABBIT_CONTENT_TYPE"`
}

func (c Config) withDefaults() Config {
	if c.Connection.Host == "" {
		c.Connection.Host = DefaultHost
	}
	if c.Connection.Port == 0 {
		c.Connection.Port = DefaultPort
	}
	if c.Connection.Heartbeat == 0 {
		c.Connection.Heartbeat = DefaultHeartbeat
	}
	if c.Channel.ExchangeName == "" {
		c.Channel.ExchangeName = DefaultExchangeName
	}
	if c.Channel.DelayToReconnect == 0 {
		c.Channel.DelayToReconnect = DefaultDelayToReconnect
	}
	if c.Channel.ContentType == "" {
		c.Channel.ContentType = DefaultContentType
	}
	return c
}
