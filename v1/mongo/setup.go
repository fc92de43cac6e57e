package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// Client is a docstore.Client backed by one MongoDB database.
//
// Client implements docstore.Client.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    Config

	logger   logger.Logger
	observer observability.Observer
}

var _ docstore.Client = (*Client)(nil)

// NewClient connects to the deployment described by cfg and verifies the
// connection with a ping.
//
// Example:
//
//	client, err := mongo.NewClient(ctx, mongo.Config{
//		URI:      "mongodb://localhost:27017",
//		Database: "mediaset",
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close(ctx)
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	if cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(cfg.MinPoolSize)
	}
	if cfg.AppName != "" {
		opts.SetAppName(cfg.AppName)
	}

	mc, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := mc.Ping(ctx, nil); err != nil {
		_ = mc.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: mc,
		db:     mc.Database(cfg.Database),
		cfg:    cfg,
		logger: logger.NewNop(),
	}, nil
}

// WithObserver attaches an observer that receives every store operation.
func (c *Client) WithObserver(observer observability.Observer) *Client {
	c.observer = observer
	return c
}

// WithLogger replaces the no-op logger.
func (c *Client) WithLogger(log logger.Logger) *Client {
	if log != nil {
		c.logger = log
	}
	return c
}

// Database returns the configured database name.
func (c *Client) Database() string { return c.cfg.Database }

// Collection implements docstore.Client.
func (c *Client) Collection(name string) docstore.Collection {
	return &Collection{client: c, coll: c.db.Collection(name)}
}

// ListCollectionNames implements docstore.Client.
func (c *Client) ListCollectionNames(ctx context.Context) ([]string, error) {
	names, err := c.db.ListCollectionNames(ctx, bson.D{})
	return names, translateError(err)
}

// DropCollection implements docstore.Client.
func (c *Client) DropCollection(ctx context.Context, name string) error {
	start := time.Now()
	err := translateError(c.db.Collection(name).Drop(ctx))
	c.observeOperation("drop", name, "", time.Since(start), err, 0)
	return err
}

// Ping implements docstore.Client.
func (c *Client) Ping(ctx context.Context) error {
	return translateError(c.client.Ping(ctx, nil))
}

// Close implements docstore.Client.
func (c *Client) Close(ctx context.Context) error {
	if err := c.client.Disconnect(ctx); err != nil {
		c.logger.Error("Failed to disconnect from MongoDB", err)
		return err
	}
	c.logger.Info("Disconnected from MongoDB", nil, map[string]interface{}{"database": c.cfg.Database})
	return nil
}

// observeOperation notifies the observer about an operation if one is
// configured.
//
// Notes:
//   - resource: collection name
//   - subResource: index name, when relevant
func (c *Client) observeOperation(operation, resource, subResource string, duration time.Duration, err error, size int64) {
	if c == nil || c.observer == nil {
		return
	}
	c.observer.ObserveOperation(observability.OperationContext{
		Component:   "mongo",
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    duration,
		Error:       err,
		Size:        size,
		Metadata:    map[string]interface{}{"database": c.cfg.Database},
	})
}
