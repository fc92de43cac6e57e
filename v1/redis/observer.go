package redis

import (
	"maps"
	"time"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// observeEvent reports a published or received event. extra is merged
// into the metadata next to the dataset name.
func (r *RedisClient) observeEvent(operation, channel string, e events.Event, duration time.Duration, err error, size int64, extra map[string]interface{}) {
	if r == nil || r.observer == nil {
		return
	}
	metadata := map[string]interface{}{"dataset": e.Dataset}
	maps.Copy(metadata, extra)

	observability.Observe(r.observer, observability.OperationContext{
		Component:   "redis",
		Operation:   operation,
		Resource:    channel,
		SubResource: string(e.Type),
		Duration:    duration,
		Error:       err,
		Size:        size,
		Metadata:    metadata,
	})
}
