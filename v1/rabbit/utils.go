package rabbit

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Aleph-Alpha/mediaset/v1/events"
)

// Publish implements events.Publisher. It waits for the broker to confirm
// the event. The dataset name is used as the routing key, which the
// fanout exchange ignores but bound exchanges may use.
func (rb *RabbitClient) Publish(ctx context.Context, e events.Event) error {
	start := time.Now()
	body, err := events.Marshal(e)
	if err != nil {
		return err
	}

	rb.mu.RLock()
	ch := rb.channel
	rb.mu.RUnlock()

	err = publish(ctx, ch, rb.cfg, e, body)
	rb.observeEvent("produce", e, time.Since(start), err, int64(len(body)))
	if err != nil {
		return fmt.Errorf("failed to publish %s event for %q: %w", e.Type, e.Dataset, err)
	}
	return nil
}

func publish(ctx context.Context, ch *amqp.Channel, cfg Config, e events.Event, body []byte) error {
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		cfg.Channel.ExchangeName,
		e.Dataset,
		false, // Mandatory
		false, // Immediate
		eventPublishing(cfg, e, body),
	)
	if err != nil {
		return err
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPublishNacked
	}
	return nil
}

func eventPublishing(cfg Config, e events.Event, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  cfg.Channel.ContentType,
		DeliveryMode: amqp.Transient,
		Timestamp:    e.At,
		Type:         string(e.Type),
		AppId:        e.Source,
		Body:         body,
	}
}

// Listen declares a queue bound to the event exchange and invalidates the
// dataset named by every event not published by this process. The queue
// is exclusive and deleted with the connection. After a connection loss
// it waits for RetryConnection and declares the queue again. It blocks
// until ctx is done or the client is closed.
func (rb *RabbitClient) Listen(ctx context.Context, inv events.Invalidator) error {
	for {
		deliveries, ch, err := rb.bindQueue()
		if err != nil {
			rb.logger.WarnWithContext(ctx, "Failed to establish event listener", err, map[string]interface{}{
				"exchange": rb.cfg.Channel.ExchangeName,
			})
		} else {
			done, err := rb.consume(ctx, deliveries, inv)
			_ = ch.Close()
			if done {
				return err
			}
		}

		select {
		case <-rb.shutdownSignal:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rb.cfg.Channel.DelayToReconnect):
		}
	}
}

func (rb *RabbitClient) bindQueue() (<-chan amqp.Delivery, *amqp.Channel, error) {
	rb.mu.RLock()
	conn := rb.conn
	rb.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}
	fail := func(err error) (<-chan amqp.Delivery, *amqp.Channel, error) {
		_ = ch.Close()
		return nil, nil, err
	}

	if err := declareExchange(ch, rb.cfg); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare(
		rb.cfg.Channel.QueueName,
		false, // Durable
		true,  // AutoDelete
		true,  // Exclusive
		false, // NoWait
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}
	if err := ch.QueueBind(q.Name, "", rb.cfg.Channel.ExchangeName, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind queue %s: %w", q.Name, err))
	}
	if rb.cfg.Channel.PrefetchCount > 0 {
		if err := ch.Qos(rb.cfg.Channel.PrefetchCount, 0, false); err != nil {
			return fail(fmt.Errorf("failed to set QoS: %w", err))
		}
	}
	deliveries, err := ch.Consume(
		q.Name,
		"",    // consumer
		false, // autoAck
		true,  // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("failed to consume from %s: %w", q.Name, err))
	}
	rb.logger.Info("Listening for dataset events", nil, map[string]interface{}{
		"exchange": rb.cfg.Channel.ExchangeName,
		"queue":    q.Name,
	})
	return deliveries, ch, nil
}

// consume handles deliveries until they stop. done reports whether the
// listener should return rather than re-bind.
func (rb *RabbitClient) consume(ctx context.Context, deliveries <-chan amqp.Delivery, inv events.Invalidator) (done bool, err error) {
	for {
		select {
		case <-rb.shutdownSignal:
			return true, nil
		case <-ctx.Done():
			return true, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return false, nil
			}
			rb.handle(ctx, d.Body, inv)
			// The event is either applied or unusable; never requeue it.
			if err := d.Ack(false); err != nil {
				rb.logger.WarnWithContext(ctx, "Failed to acknowledge dataset event", err)
			}
		}
	}
}

func (rb *RabbitClient) handle(ctx context.Context, body []byte, inv events.Invalidator) {
	start := time.Now()
	e, applied, err := events.Apply(body, inv, rb.source)
	rb.observeEvent("consume", e, time.Since(start), err, int64(len(body)))
	if err != nil {
		rb.logger.WarnWithContext(ctx, "Skipped undecodable dataset event", err, map[string]interface{}{
			"exchange": rb.cfg.Channel.ExchangeName,
		})
		return
	}
	if applied {
		rb.logger.DebugWithContext(ctx, "Invalidated dataset after remote change", nil, map[string]interface{}{
			"dataset": e.Dataset,
			"type":    string(e.Type),
			"source":  e.Source,
		})
	}
}
