package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// TestObserver is a mock observer for testing
type TestObserver struct {
	mu         sync.Mutex
	operations []observability.OperationContext
}

func (t *TestObserver) ObserveOperation(ctx observability.OperationContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operations = append(t.operations, ctx)
}

func (t *TestObserver) GetOperations() []observability.OperationContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]observability.OperationContext{}, t.operations...)
}

func TestObserveEvent(t *testing.T) {
	testObserver := &TestObserver{}
	client := &RabbitClient{cfg: Config{}.withDefaults(), observer: testObserver}
	e := events.New(events.DatasetCreated, "animals")
	e.Source = "worker-1"

	client.observeEvent("produce", e, 100*time.Millisecond, nil, 1024)
	client.observeEvent("produce", e, time.Millisecond, ErrPublishNacked, 10)

	ops := testObserver.GetOperations()
	require.Len(t, ops, 2)
	assert.Equal(t, "rabbit", ops[0].Component)
	assert.Equal(t, "produce", ops[0].Operation)
	assert.Equal(t, DefaultExchangeName, ops[0].Resource)
	assert.Equal(t, "dataset.created", ops[0].SubResource)
	assert.Equal(t, int64(1024), ops[0].Size)
	assert.Equal(t, "animals", ops[0].Metadata["dataset"])
	assert.Equal(t, "unknown", ops[0].Metadata["category"])
	assert.Equal(t, "message", ops[1].Metadata["category"])
}

func TestObserveEventNilObserver(t *testing.T) {
	client := &RabbitClient{}
	// Should not panic.
	client.observeEvent("produce", events.Event{}, time.Millisecond, nil, 0)
}

func TestHandle(t *testing.T) {
	obs := &TestObserver{}
	client := (&RabbitClient{cfg: Config{}.withDefaults(), logger: logger.NewNop()}).
		WithObserver(obs).
		WithSource("self")

	var invalidated []string
	inv := events.InvalidatorFunc(func(name string) { invalidated = append(invalidated, name) })

	for _, e := range []events.Event{
		{Type: events.SamplesDeleted, Dataset: "remote", Source: "other"},
		{Type: events.SamplesDeleted, Dataset: "local", Source: "self"},
	} {
		body, err := events.Marshal(e)
		require.NoError(t, err)
		client.handle(context.Background(), body, inv)
	}
	client.handle(context.Background(), []byte("{}"), inv)

	assert.Equal(t, []string{"remote"}, invalidated)
	ops := obs.GetOperations()
	require.Len(t, ops, 3)
	assert.Equal(t, "consume", ops[0].Operation)
	assert.Equal(t, DefaultExchangeName, ops[0].Resource)
	assert.Error(t, ops[2].Error)
}

func TestEventPublishing(t *testing.T) {
	cfg := Config{}.withDefaults()
	e := events.New(events.DatasetCreated, "animals")
	e.Source = "worker-1"

	p := eventPublishing(cfg, e, []byte("{}"))
	assert.Equal(t, DefaultContentType, p.ContentType)
	assert.Equal(t, "dataset.created", p.Type)
	assert.Equal(t, "worker-1", p.AppId)
	assert.Equal(t, amqp.Transient, p.DeliveryMode)
	assert.True(t, p.Timestamp.Equal(e.At))
}

func TestGetErrorCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, CategoryUnknown},
		{"dial", fmt.Errorf("%w: localhost:5672", ErrConnectionFailed), CategoryConnection},
		{"closed", amqp.ErrClosed, CategoryConnection},
		{"access refused", &amqp.Error{Code: amqp.AccessRefused, Server: true}, CategoryAuthentication},
		{"not found", fmt.Errorf("declare: %w", &amqp.Error{Code: amqp.NotFound, Server: true}), CategoryResource},
		{"channel", &amqp.Error{Code: amqp.ChannelError, Server: true}, CategoryChannel},
		{"nacked", ErrPublishNacked, CategoryMessage},
		{"other", errors.New("boom"), CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetErrorCategory(tt.err))
		})
	}

	assert.True(t, IsRetryableError(ErrPublishNacked))
	assert.False(t, IsRetryableError(&amqp.Error{Code: amqp.AccessRefused, Server: true}))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Connection: Connection{Host: "rabbit"}}.withDefaults()
	assert.Equal(t, "rabbit", cfg.Connection.Host)
	assert.Equal(t, uint(DefaultPort), cfg.Connection.Port)
	assert.Equal(t, DefaultExchangeName, cfg.Channel.ExchangeName)
	assert.Equal(t, DefaultHeartbeat, cfg.Connection.Heartbeat)
}
