package minio

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// MinioClient stores and reads exported views in one bucket.
type MinioClient struct {
	// client is stored in an atomic pointer so it can be swapped without
	// racing with concurrent operations.
	client atomic.Pointer[minio.Client]

	cfg Config

	observer observability.Observer
	logger   logger.Logger
}

// NewClient creates a client, validates the credentials and ensures the
// configured bucket exists.
//
// Example:
//
//	client, err := minio.NewClient(minio.Config{
//		Connection: minio.Connection{
//			Endpoint:        "localhost:9000",
//			AccessKeyID:     "minioadmin",
//			SecretAccessKey: "minioadmin",
//			BucketName:      "exports",
//		},
//	})
func NewClient(config Config) (*MinioClient, error) {
	config = config.withDefaults()

	client, err := connectToMinio(config)
	if err != nil {
		return nil, err
	}

	m := &MinioClient{cfg: config, logger: logger.NewNop()}
	m.client.Store(client)

	timeoutCtx, cancel := context.WithTimeout(context.Background(), DefaultValidationTimeout)
	defer cancel()
	if err := m.validateConnection(timeoutCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if err := m.ensureBucketExists(timeoutCtx); err != nil {
		return nil, err
	}
	return m, nil
}

// connectToMinio creates the underlying client. No request is made.
func connectToMinio(cfg Config) (*minio.Client, error) {
	if cfg.Connection.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint cannot be empty")
	}

	return minio.New(cfg.Connection.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Connection.AccessKeyID, cfg.Connection.SecretAccessKey, ""),
		Secure: cfg.Connection.UseSSL,
		Region: cfg.Connection.Region,
	})
}

// validateConnection checks connectivity with a bucket-scoped request so
// credentials do not need ListAllMyBuckets.
func (m *MinioClient) validateConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c := m.client.Load()
	if c == nil {
		return ErrConnectionFailed
	}
	if bucket := m.cfg.Connection.BucketName; bucket != "" {
		_, err := c.BucketExists(ctx, bucket)
		return err
	}
	_, err := c.ListBuckets(ctx)
	return err
}

// ensureBucketExists checks the configured bucket and creates it when
// AccessBucketCreation is set.
func (m *MinioClient) ensureBucketExists(ctx context.Context) error {
	bucketName := m.cfg.Connection.BucketName
	if bucketName == "" {
		return fmt.Errorf("bucket name is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c := m.client.Load()
	exists, err := c.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists, bucket: %v, err: %w", bucketName, err)
	}
	if exists {
		return nil
	}
	if !m.cfg.Connection.AccessBucketCreation {
		return fmt.Errorf("bucket %s does not exist, please create it manually", bucketName)
	}

	m.logger.InfoWithContext(ctx, "Bucket does not exist, creating it", nil, map[string]interface{}{
		"bucket": bucketName,
		"region": m.cfg.Connection.Region,
	})
	if err := c.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: m.cfg.Connection.Region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (m *MinioClient) Bucket() string { return m.cfg.Connection.BucketName }

// WithObserver attaches an observer for storage operations.
func (m *MinioClient) WithObserver(observer observability.Observer) *MinioClient {
	m.observer = observer
	return m
}

// WithLogger replaces the no-op logger.
func (m *MinioClient) WithLogger(log logger.Logger) *MinioClient {
	if log != nil {
		m.logger = log
	}
	return m
}
