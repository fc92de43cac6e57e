package minio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// Put uploads the content of reader to objectKey. A negative size streams
// the object in parts of Config.PartSize. It returns the number of bytes
// stored.
func (m *MinioClient) Put(ctx context.Context, objectKey string, reader io.Reader, size int64) (int64, error) {
	start := time.Now()
	opts := minio.PutObjectOptions{ContentType: contentType(objectKey)}
	if size < 0 {
		opts.PartSize = m.cfg.PartSize
	}

	info, err := m.client.Load().PutObject(ctx, m.cfg.Connection.BucketName, objectKey, reader, size, opts)
	m.observeOperation("put", "", objectKey, time.Since(start), err, info.Size, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}
	return info.Size, nil
}

// Open returns a reader over objectKey. A missing object is reported
// here, recognized by IsNotFound.
func (m *MinioClient) Open(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	start := time.Now()
	obj, err := m.client.Load().GetObject(ctx, m.cfg.Connection.BucketName, objectKey, minio.GetObjectOptions{})
	if err == nil {
		// GetObject is lazy; Stat surfaces a missing key before the caller reads.
		var info minio.ObjectInfo
		info, err = obj.Stat()
		m.observeOperation("get", "", objectKey, time.Since(start), err, info.Size, nil)
	} else {
		m.observeOperation("get", "", objectKey, time.Since(start), err, 0, nil)
	}
	if err != nil {
		if obj != nil {
			_ = obj.Close()
		}
		return nil, fmt.Errorf("failed to open %s: %w", objectKey, translateError(err))
	}
	return obj, nil
}

// Delete removes objectKey. Deleting a missing object is not an error.
func (m *MinioClient) Delete(ctx context.Context, objectKey string) error {
	start := time.Now()
	err := m.client.Load().RemoveObject(ctx, m.cfg.Connection.BucketName, objectKey, minio.RemoveObjectOptions{})
	m.observeOperation("delete", "", objectKey, time.Since(start), err, 0, nil)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", objectKey, err)
	}
	return nil
}

// List returns the keys under prefix.
func (m *MinioClient) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	var keys []string
	var err error
	for obj := range m.client.Load().ListObjects(ctx, m.cfg.Connection.BucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			err = obj.Err
			break
		}
		keys = append(keys, obj.Key)
	}
	m.observeOperation("list", "", prefix, time.Since(start), err, int64(len(keys)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return keys, nil
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".ndjson"):
		return "application/x-ndjson"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	}
	return "application/octet-stream"
}
