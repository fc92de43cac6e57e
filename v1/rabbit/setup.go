package rabbit

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// RabbitClient publishes dataset events to a fanout exchange and can
// listen on its own queue bound to that exchange. The connection is
// re-established automatically while RetryConnection runs.
//
// RabbitClient implements events.Publisher.
type RabbitClient struct {
	cfg Config

	// channel is the publishing channel, in confirm mode
	channel *amqp.Channel

	// conn is the underlying AMQP connection to the RabbitMQ server
	conn *amqp.Connection

	logger   logger.Logger
	observer observability.Observer

	// source is the event source of the local registry
	source string

	// mu protects concurrent access to connection and channel
	mu sync.RWMutex

	// shutdownSignal is closed when the client is being shut down
	shutdownSignal chan struct{}

	closeShutdownOnce sync.Once
}

var _ events.Publisher = (*RabbitClient)(nil)

// NewClient connects to RabbitMQ, opens a confirming channel and declares
// the event exchange.
//
// Example:
//
//	client, err := rabbit.NewClient(rabbit.Config{
//		Connection: rabbit.Connection{Host: "localhost", User: "guest", Password: "guest"},
//	})
//	if err != nil {
//		return err
//	}
//	go client.RetryConnection()
//	defer client.Close()
func NewClient(cfg Config) (*RabbitClient, error) {
	cfg = cfg.withDefaults()

	conn, err := newConnection(cfg)
	if err != nil {
		return nil, err
	}
	ch, err := connectToChannel(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &RabbitClient{
		cfg:            cfg,
		conn:           conn,
		channel:        ch,
		logger:         logger.NewNop(),
		shutdownSignal: make(chan struct{}),
	}, nil
}

// WithObserver attaches an observer for publish and consume operations.
func (rb *RabbitClient) WithObserver(observer observability.Observer) *RabbitClient {
	rb.observer = observer
	return rb
}

// WithLogger replaces the no-op logger.
func (rb *RabbitClient) WithLogger(log logger.Logger) *RabbitClient {
	if log != nil {
		rb.logger = log
	}
	return rb
}

// WithSource sets the event source of the local registry. Listen skips
// events carrying it.
func (rb *RabbitClient) WithSource(source string) *RabbitClient {
	rb.source = source
	return rb
}

// connectToChannel opens a channel in confirm mode and declares the
// durable fanout exchange events are published to.
func connectToChannel(conn *amqp.Connection, cfg Config) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err = ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if err := declareExchange(ch, cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func declareExchange(ch *amqp.Channel, cfg Config) error {
	err := ch.ExchangeDeclare(
		cfg.Channel.ExchangeName,
		amqp.ExchangeFanout,
		true,  // Durable
		false, // AutoDelete
		false, // Internal
		false, // NoWait
		nil,   // Arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.Channel.ExchangeName, err)
	}
	return nil
}

// RetryConnection monitors the connection and re-establishes it, together
// with the publishing channel, when it fails. It returns after Close.
func (rb *RabbitClient) RetryConnection() {
outerLoop:
	for {
		rb.mu.RLock()
		conn := rb.conn
		rb.mu.RUnlock()

		errChan := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-rb.shutdownSignal:
			return

		case err := <-errChan:
			rb.logger.Warn("RabbitMQ connection closed, retrying", err)
			for {
				select {
				case <-rb.shutdownSignal:
					return
				default:
				}

				newConn, err := newConnection(rb.cfg)
				if err != nil {
					rb.logger.Error("RabbitMQ reconnection failed", err)
					time.Sleep(rb.cfg.Channel.DelayToReconnect)
					continue
				}
				ch, err := connectToChannel(newConn, rb.cfg)
				if err != nil {
					_ = newConn.Close()
					rb.logger.Error("Failed to re-establish RabbitMQ channel", err)
					time.Sleep(rb.cfg.Channel.DelayToReconnect)
					continue
				}

				rb.mu.Lock()
				rb.conn, rb.channel = newConn, ch
				rb.mu.Unlock()

				rb.logger.Info("Reconnected to RabbitMQ", nil)
				continue outerLoop
			}
		}
	}
}

// Close stops the reconnect loop and any listener, then closes the
// channel and connection.
func (rb *RabbitClient) Close() error {
	rb.closeShutdownOnce.Do(func() {
		close(rb.shutdownSignal)
	})

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.channel != nil {
		if err := rb.channel.Close(); err != nil && err != amqp.ErrClosed {
			rb.logger.Warn("Failed to close RabbitMQ channel", err)
		}
	}
	if rb.conn != nil && !rb.conn.IsClosed() {
		if err := rb.conn.Close(); err != nil {
			rb.logger.Error("Failed to close RabbitMQ connection", err)
			return err
		}
	}
	rb.logger.Info("Closed RabbitMQ event client", nil, map[string]interface{}{
		"exchange": rb.cfg.Channel.ExchangeName,
	})
	return nil
}

// newConnection dials the server. Three modes are supported: TLS with
// client certificates, TLS with server authentication only, and plain
// AMQP.
func newConnection(cfg Config) (*amqp.Connection, error) {
	c := cfg.Connection
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     int(c.Port),
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	amqpCfg := amqp.Config{Heartbeat: c.Heartbeat}

	if c.IsSSLEnabled {
		uri.Scheme = "amqps"
		tlsConfig, err := createTLSConfig(c)
		if err != nil {
			return nil, err
		}
		amqpCfg.TLSClientConfig = tlsConfig
	}

	conn, err := amqp.DialConfig(uri.String(), amqpCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%d: %v", ErrConnectionFailed, c.Host, c.Port, err)
	}
	return conn, nil
}

func createTLSConfig(c Connection) (*tls.Config, error) {
	tlsConfig := &tls.Config{ServerName: c.ServerName}
	if c.CACertPath != "" {
		caCert, err := os.ReadFile(c.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert")
		}
		tlsConfig.RootCAs = caCertPool
	}
	if c.UseCert {
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
