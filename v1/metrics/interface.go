package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// MetricsCollector is the contract for recording engine metrics.
//
// It embeds observability.Observer so a collector can be handed directly to
// the store adapters, the registry and the merge engine.
type MetricsCollector interface {
	observability.Observer

	// RecordPipeline records one compiled pipeline execution.
	RecordPipeline(dataset string, stages int, start time.Time, err error)

	// IncrementSchemaChanges counts a schema mutation of the given kind
	// ("add", "rename", "clone", "delete", "clear", "merge").
	IncrementSchemaChanges(dataset, kind string)

	// SetLiveDatasets reports the number of live handles held by the registry.
	SetLiveDatasets(n int)

	CreateCounter(name, help string, labels []string) *prometheus.CounterVec
	CreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec
	CreateGauge(name, help string, labels []string) *prometheus.GaugeVec
}

var _ MetricsCollector = (*Metrics)(nil)
