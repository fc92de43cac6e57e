package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Type names a dataset change.
type Type string

const (
	DatasetCreated Type = "dataset.created"
	DatasetDeleted Type = "dataset.deleted"
	SchemaChanged  Type = "dataset.schema_changed"
	SamplesAdded   Type = "dataset.samples_added"
	SamplesDeleted Type = "dataset.samples_deleted"
	GroupChanged   Type = "dataset.group_changed"

	// MetadataChanged covers saved views, workspaces, runs and the
	// free-form dataset attributes.
	MetadataChanged Type = "dataset.metadata_changed"
)

// Event is published after a dataset mutation has been written.
type Event struct {
	Type    Type   `json:"type"`
	Dataset string `json:"dataset"`

	// Fields lists the affected field paths of schema changes.
	Fields []string `json:"fields,omitempty"`

	// Count is the number of affected samples when known.
	Count int64 `json:"count,omitempty"`

	At time.Time `json:"at"`

	// Source identifies the publishing process so subscribers can ignore
	// their own events.
	Source string `json:"source,omitempty"`
}

// New returns an event stamped with the current time.
func New(t Type, dataset string, paths ...string) Event {
	return Event{Type: t, Dataset: dataset, Fields: paths, At: time.Now().UTC()}
}

// Marshal encodes e as JSON.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a JSON event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if e.Type == "" || e.Dataset == "" {
		return Event{}, fmt.Errorf("failed to decode event: missing type or dataset")
	}
	return e, nil
}

// Publisher delivers events to other processes.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Invalidator drops cached dataset state after a remote change.
type Invalidator interface {
	Invalidate(name string)
}

// Apply decodes data and invalidates the dataset it names. Events
// published by self are decoded but not applied; the second result
// reports whether inv was called.
func Apply(data []byte, inv Invalidator, self string) (Event, bool, error) {
	e, err := Unmarshal(data)
	if err != nil {
		return Event{}, false, err
	}
	if self != "" && e.Source == self {
		return e, false, nil
	}
	inv.Invalidate(e.Dataset)
	return e, true, nil
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(name string)

// Invalidate implements Invalidator.
func (f InvalidatorFunc) Invalidate(name string) { f(name) }
