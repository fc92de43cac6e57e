package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Aleph-Alpha/mediaset/v1/events"
)

// Ping checks the connection to the server.
func (r *RedisClient) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.client.Ping(ctx).Err()
}

// Publish implements events.Publisher. The event is encoded as JSON and
// published on the configured channel.
func (r *RedisClient) Publish(ctx context.Context, e events.Event) error {
	start := time.Now()
	data, err := events.Marshal(e)
	if err != nil {
		return err
	}

	r.mu.RLock()
	receivers, err := r.client.Publish(ctx, r.cfg.Channel, data).Result()
	r.mu.RUnlock()

	r.observeEvent("publish", r.cfg.Channel, e, time.Since(start), err, int64(len(data)), map[string]interface{}{
		"receivers": receivers,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event for %q: %w", e.Type, e.Dataset, err)
	}
	return nil
}

// Listen subscribes to the event channel and invalidates the dataset named
// by every event not published by this process. It blocks until ctx is
// done or the client is closed. Undecodable messages are logged and
// skipped.
func (r *RedisClient) Listen(ctx context.Context, inv events.Invalidator) error {
	r.mu.RLock()
	sub := r.client.Subscribe(ctx, r.cfg.Channel)
	r.mu.RUnlock()
	defer func() { _ = sub.Close() }()

	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.cfg.Channel, err)
	}
	r.logger.Info("Listening for dataset events", nil, map[string]interface{}{"channel": r.cfg.Channel})

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.shutdownSignal:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg, inv)
		}
	}
}

func (r *RedisClient) handle(msg *redis.Message, inv events.Invalidator) {
	start := time.Now()
	e, applied, err := events.Apply([]byte(msg.Payload), inv, r.source)
	r.observeEvent("receive", msg.Channel, e, time.Since(start), err, int64(len(msg.Payload)), map[string]interface{}{
		"applied": applied,
	})
	if err != nil {
		r.logger.Warn("Skipped undecodable dataset event", err, map[string]interface{}{"channel": msg.Channel})
		return
	}
	if applied {
		r.logger.Debug("Invalidated dataset after remote change", nil, map[string]interface{}{
			"dataset": e.Dataset,
			"type":    string(e.Type),
			"source":  e.Source,
		})
	}
}
