package rabbit

import (
	"time"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// observeEvent reports a produced or consumed event against the exchange.
func (rb *RabbitClient) observeEvent(operation string, e events.Event, duration time.Duration, err error, size int64) {
	if rb == nil {
		return
	}
	observability.Observe(rb.observer, observability.OperationContext{
		Component:   "rabbit",
		Operation:   operation,
		Resource:    rb.cfg.Channel.ExchangeName,
		SubResource: string(e.Type),
		Duration:    duration,
		Error:       err,
		Size:        size,
		Metadata: map[string]interface{}{
			"dataset":  e.Dataset,
			"source":   e.Source,
			"category": GetErrorCategory(err).String(),
		},
	})
}
