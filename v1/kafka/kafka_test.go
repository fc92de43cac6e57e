package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

type testObserver struct {
	mu         sync.Mutex
	operations []observability.OperationContext
}

func (t *testObserver) ObserveOperation(ctx observability.OperationContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.operations = append(t.operations, ctx)
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{Brokers: []string{"localhost:9092"}, Listen: true})
	assert.Error(t, err)

	client, err := NewClient(Config{Brokers: []string{"localhost:9092"}, CompressionCodec: "zstd"})
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, DefaultTopic, client.writer.Topic)
	assert.Equal(t, compress.Zstd, client.writer.Compression)
	assert.Nil(t, client.reader)
	assert.ErrorIs(t, client.Listen(context.Background(), events.InvalidatorFunc(func(string) {})), ErrNotListening)
}

func TestSASLMechanisms(t *testing.T) {
	for _, name := range []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"} {
		m, err := createSASLMechanism(SASLConfig{Mechanism: name, Username: "u", Password: "p"})
		require.NoError(t, err, name)
		assert.Equal(t, name, m.Name())
	}
	_, err := createSASLMechanism(SASLConfig{Mechanism: "GSSAPI"})
	assert.Error(t, err)
}

func TestEventMessage(t *testing.T) {
	e := events.New(events.SamplesAdded, "animals")
	e.Source = "worker-1"
	e.Count = 3

	msg, err := eventMessage(e)
	require.NoError(t, err)
	assert.Equal(t, "animals", string(msg.Key))
	assert.Equal(t, []kafka.Header{
		{Key: HeaderEventType, Value: []byte("dataset.samples_added")},
		{Key: HeaderSource, Value: []byte("worker-1")},
	}, msg.Headers)

	got, err := events.Unmarshal(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Count)
}

func TestHandle(t *testing.T) {
	obs := &testObserver{}
	client, err := NewClient(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	defer client.Close()
	client.WithObserver(obs).WithSource("self")

	var invalidated []string
	inv := events.InvalidatorFunc(func(name string) { invalidated = append(invalidated, name) })

	remote, err := eventMessage(events.Event{Type: events.DatasetDeleted, Dataset: "a", Source: "other", At: time.Now()})
	require.NoError(t, err)
	own, err := eventMessage(events.Event{Type: events.DatasetDeleted, Dataset: "b", Source: "self", At: time.Now()})
	require.NoError(t, err)

	client.handle(remote, inv)
	client.handle(own, inv)
	client.handle(kafka.Message{Topic: DefaultTopic, Value: []byte("{")}, inv)

	assert.Equal(t, []string{"a"}, invalidated)
	require.Len(t, obs.operations, 3)
	assert.Equal(t, "kafka", obs.operations[0].Component)
	assert.Equal(t, "consume", obs.operations[0].Operation)
	assert.Equal(t, true, obs.operations[0].Metadata["applied"])
	assert.Equal(t, false, obs.operations[1].Metadata["applied"])
	assert.Error(t, obs.operations[2].Error)
}

func TestPublishAfterClose(t *testing.T) {
	client, err := NewClient(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	err = client.Publish(context.Background(), events.New(events.DatasetCreated, "x"))
	assert.Error(t, err)
}
