package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Aleph-Alpha/mediaset/v1/events"
)

// Header names set on every event message.
const (
	HeaderEventType = "event_type"
	HeaderSource    = "event_source"
)

// ErrNotListening is returned by Listen when the client was created
// without a reader.
var ErrNotListening = errors.New("kafka: client is not configured to listen")

// Publish implements events.Publisher. Messages are keyed by dataset name
// so the events of one dataset stay ordered within a partition.
func (k *KafkaClient) Publish(ctx context.Context, e events.Event) error {
	start := time.Now()
	msg, err := eventMessage(e)
	if err != nil {
		return err
	}

	k.mu.RLock()
	w := k.writer
	k.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("failed to publish %s event for %q: client is closed", e.Type, e.Dataset)
	}

	err = w.WriteMessages(ctx, msg)
	k.observeOperation("produce", k.cfg.Topic, string(e.Type), time.Since(start), err, int64(len(msg.Value)), map[string]interface{}{
		"dataset": e.Dataset,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event for %q: %w", e.Type, e.Dataset, err)
	}
	return nil
}

func eventMessage(e events.Event) (kafka.Message, error) {
	data, err := events.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Dataset),
		Value: data,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(e.Type)},
			{Key: HeaderSource, Value: []byte(e.Source)},
		},
	}, nil
}

// Listen consumes the event topic and invalidates the dataset named by
// every event not published by this process. Offsets are committed by
// the reader in the background. It blocks until ctx is done or the client
// is closed.
func (k *KafkaClient) Listen(ctx context.Context, inv events.Invalidator) error {
	k.mu.RLock()
	r := k.reader
	k.mu.RUnlock()
	if r == nil {
		return ErrNotListening
	}

	k.logger.Info("Listening for dataset events", nil, map[string]interface{}{
		"topic":    k.cfg.Topic,
		"group_id": k.cfg.GroupID,
	})
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			select {
			case <-k.shutdownSignal:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from %s: %w", k.cfg.Topic, err)
		}
		k.handle(msg, inv)
	}
}

func (k *KafkaClient) handle(msg kafka.Message, inv events.Invalidator) {
	start := time.Now()
	e, applied, err := events.Apply(msg.Value, inv, k.source)
	k.observeOperation("consume", msg.Topic, string(e.Type), time.Since(start), err, int64(len(msg.Value)), map[string]interface{}{
		"dataset":   e.Dataset,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"applied":   applied,
	})
	if err != nil {
		k.logger.Warn("Skipped undecodable dataset event", err, map[string]interface{}{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		})
		return
	}
	if applied {
		k.logger.Debug("Invalidated dataset after remote change", nil, map[string]interface{}{
			"dataset": e.Dataset,
			"type":    string(e.Type),
			"source":  e.Source,
		})
	}
}
