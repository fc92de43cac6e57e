package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

func TestObserveOperationCounts(t *testing.T) {
	m := NewMetrics(Config{Namespace: "test", ServiceName: "svc"})

	m.ObserveOperation(observability.OperationContext{
		Component: "mongo",
		Operation: "insert_many",
		Resource:  "samples.1",
		Duration:  10 * time.Millisecond,
		Size:      5,
	})
	m.ObserveOperation(observability.OperationContext{
		Component: "mongo",
		Operation: "insert_many",
		Error:     errors.New("dup"),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("mongo", "insert_many", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operationsTotal.WithLabelValues("mongo", "insert_many", "error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.operationSize.WithLabelValues("mongo", "insert_many")))
}

func TestCursorRestartsCountedSeparately(t *testing.T) {
	m := NewMetrics(Config{Namespace: "test"})

	m.ObserveOperation(observability.OperationContext{
		Component: "docstore",
		Operation: "cursor_restart",
		Resource:  "samples.1",
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cursorRestarts.WithLabelValues("samples.1")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.operationsTotal))
}

func TestSchemaChangesAndGauge(t *testing.T) {
	m := NewMetrics(Config{Namespace: "test", ServiceName: "svc"})

	m.IncrementSchemaChanges("quickstart", "add")
	m.IncrementSchemaChanges("quickstart", "add")
	m.SetLiveDatasets(3)
	m.RecordPipeline("quickstart", 4, time.Now(), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.schemaChanges.WithLabelValues("quickstart", "add")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.liveDatasets))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			var hasService bool
			for _, l := range metric.GetLabel() {
				if l.GetName() == "service" {
					hasService = true
				}
			}
			assert.True(t, hasService, f.GetName())
		}
	}
}
