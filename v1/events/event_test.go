package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	e := New(SchemaChanged, "animals", "ground_truth", "uniqueness")
	e.Source = "worker-1"

	data, err := Marshal(e)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, SchemaChanged, got.Type)
	assert.Equal(t, "animals", got.Dataset)
	assert.Equal(t, []string{"ground_truth", "uniqueness"}, got.Fields)
	assert.Equal(t, "worker-1", got.Source)
	assert.True(t, e.At.Equal(got.At))
}

func TestUnmarshalRejectsIncompleteEvents(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"dataset.created"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}

func TestApply(t *testing.T) {
	var invalidated []string
	inv := InvalidatorFunc(func(name string) { invalidated = append(invalidated, name) })

	remote, err := Marshal(Event{Type: DatasetDeleted, Dataset: "a", Source: "other"})
	require.NoError(t, err)
	own, err := Marshal(Event{Type: DatasetDeleted, Dataset: "b", Source: "self"})
	require.NoError(t, err)

	e, applied, err := Apply(remote, inv, "self")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "a", e.Dataset)

	_, applied, err = Apply(own, inv, "self")
	require.NoError(t, err)
	assert.False(t, applied)

	_, applied, err = Apply(own, inv, "")
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, []string{"a", "b"}, invalidated)
}

func TestPublisherFunc(t *testing.T) {
	var got Event
	p := PublisherFunc(func(_ context.Context, e Event) error {
		got = e
		return nil
	})
	require.NoError(t, p.Publish(context.Background(), New(DatasetCreated, "x")))
	assert.Equal(t, "x", got.Dataset)
}
