package redis

import (
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// TestObserver is a mock observer for testing.
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
	out := make([]observability.OperationContext, len(t.operations))
	copy(out, t.operations)
	return out
}

func TestObserveEventNilObserverNoPanic(t *testing.T) {
	r := &RedisClient{
		observer: nil,
	}

	// Should not panic.
	r.observeEvent("publish", "mediaset.events", events.Event{}, 10*time.Millisecond, nil, 0, nil)
}

func TestObserveEventCallsObserver(t *testing.T) {
	obs := &TestObserver{}
	r := &RedisClient{
		observer: obs,
	}

	e := events.New(events.DatasetCreated, "animals")
	r.observeEvent("publish", "mediaset.events", e, 10*time.Millisecond, nil, 100, map[string]interface{}{"receivers": int64(2)})

	ops := obs.GetOperations()
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	if ops[0].Component != "redis" {
		t.Fatalf("expected component redis, got %q", ops[0].Component)
	}
	if ops[0].Resource != "mediaset.events" {
		t.Fatalf("expected resource mediaset.events, got %q", ops[0].Resource)
	}
	if ops[0].SubResource != "dataset.created" {
		t.Fatalf("expected sub-resource dataset.created, got %q", ops[0].SubResource)
	}
	if ops[0].Size != 100 {
		t.Fatalf("expected size 100, got %d", ops[0].Size)
	}
	if ops[0].Metadata["dataset"] != "animals" || ops[0].Metadata["receivers"] != int64(2) {
		t.Fatalf("unexpected metadata %#v", ops[0].Metadata)
	}
}

func TestHandleSkipsOwnEvents(t *testing.T) {
	obs := &TestObserver{}
	r := (&RedisClient{logger: logger.NewNop()}).WithObserver(obs).WithSource("self")

	var invalidated []string
	inv := events.InvalidatorFunc(func(name string) { invalidated = append(invalidated, name) })

	for _, e := range []events.Event{
		{Type: events.SchemaChanged, Dataset: "remote", Source: "other"},
		{Type: events.SchemaChanged, Dataset: "local", Source: "self"},
	} {
		data, err := events.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		r.handle(&redis.Message{Channel: DefaultChannel, Payload: string(data)}, inv)
	}
	r.handle(&redis.Message{Channel: DefaultChannel, Payload: "garbage"}, inv)

	if len(invalidated) != 1 || invalidated[0] != "remote" {
		t.Fatalf("expected only the remote dataset to be invalidated, got %v", invalidated)
	}
	ops := obs.GetOperations()
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations, got %d", len(ops))
	}
	if ops[2].Error == nil {
		t.Fatalf("expected the undecodable message to be observed with an error")
	}
}

func TestWithObserver(t *testing.T) {
	obs := &TestObserver{}
	r := &RedisClient{
		observer: nil,
	}

	out := r.WithObserver(obs)
	if out != r {
		t.Fatalf("WithObserver should return same instance for chaining")
	}
	if r.observer != obs {
		t.Fatalf("expected observer to be set")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Port: 6380}.withDefaults()
	if cfg.Host != DefaultHost || cfg.Port != 6380 || cfg.Channel != DefaultChannel {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
