package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// RedisClient carries dataset events over Redis pub/sub. It publishes the
// events of the local registry and, when listening, invalidates cached
// datasets on events published elsewhere.
//
// RedisClient implements events.Publisher.
type RedisClient struct {
	// client is the underlying Redis client
	client redis.UniversalClient

	cfg Config

	logger   logger.Logger
	observer observability.Observer

	// source is the event source of the local registry; its own events
	// are not applied when listening.
	source string

	// mu protects concurrent access to client
	mu sync.RWMutex

	// shutdownSignal is closed when the client is being shut down
	shutdownSignal chan struct{}

	closeShutdownOnce sync.Once
}

var _ events.Publisher = (*RedisClient)(nil)

// NewClient creates a client for the server described by cfg. The
// connection is established lazily; call Ping to check it.
//
// Example:
//
//	client, err := redis.NewClient(redis.Config{
//		Host:    "localhost",
//		Port:    6379,
//		Channel: "mediaset.events",
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
func NewClient(cfg Config) (*RedisClient, error) {
	cfg = cfg.withDefaults()

	var tlsConfig *tls.Config
	var err error
	if cfg.TLS.Enabled {
		tlsConfig, err = createTLSConfig(cfg.TLS, cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
	}

	opts := &redis.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		ConnMaxIdleTime: cfg.IdleTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		TLSConfig:       tlsConfig,
	}

	return &RedisClient{
		client:         redis.NewClient(opts),
		cfg:            cfg,
		logger:         logger.NewNop(),
		shutdownSignal: make(chan struct{}),
	}, nil
}

// createTLSConfig creates a TLS configuration from the provided config
func createTLSConfig(cfg TLSConfig, defaultServerName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.ServerName != "" {
		tlsConfig.ServerName = cfg.ServerName
	} else if defaultServerName != "" {
		tlsConfig.ServerName = defaultServerName
	}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCertPath != "" && cfg.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Channel returns the pub/sub channel events travel on.
func (r *RedisClient) Channel() string { return r.cfg.Channel }

// Close closes the client. Listen returns once the client is closed.
func (r *RedisClient) Close() error {
	r.closeShutdownOnce.Do(func() {
		close(r.shutdownSignal)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	if err := r.client.Close(); err != nil {
		r.logger.Warn("Failed to close Redis client", err)
		return err
	}
	r.logger.Info("Closed Redis event client", nil, map[string]interface{}{"channel": r.cfg.Channel})
	return nil
}

// WithObserver sets the observer for this client and returns the client for method chaining.
func (r *RedisClient) WithObserver(observer observability.Observer) *RedisClient {
	r.observer = observer
	return r
}

// WithLogger replaces the no-op logger.
func (r *RedisClient) WithLogger(log logger.Logger) *RedisClient {
	if log != nil {
		r.logger = log
	}
	return r
}

// WithSource sets the event source of the local registry. Listen skips
// events carrying it.
func (r *RedisClient) WithSource(source string) *RedisClient {
	r.source = source
	return r
}
