package minio

import (
	"time"

	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// observeOperation notifies the observer about an operation if one is
// configured. An empty resource means the configured bucket; subResource
// is the object key or prefix.
func (m *MinioClient) observeOperation(operation, resource, subResource string, duration time.Duration, err error, size int64, metadata map[string]interface{}) {
	if m == nil || m.observer == nil {
		return
	}
	if resource == "" {
		resource = m.cfg.Connection.BucketName
	}
	observability.Observe(m.observer, observability.OperationContext{
		Component:   "minio",
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    duration,
		Error:       translateError(err),
		Size:        size,
		Metadata:    metadata,
	})
}
