package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// ObserveOperation implements observability.Observer.
//
// Cursor restarts reported by the resumable cursor are counted separately
// from regular operations so they can be alerted on.
func (m *Metrics) ObserveOperation(ctx observability.OperationContext) {
	if ctx.Operation == "cursor_restart" {
		m.cursorRestarts.WithLabelValues(ctx.Resource).Inc()
		return
	}

	status := "ok"
	if ctx.Error != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(ctx.Component, ctx.Operation, status).Inc()
	m.operationDuration.WithLabelValues(ctx.Component, ctx.Operation).Observe(ctx.Duration.Seconds())
	if ctx.Size > 0 {
		m.operationSize.WithLabelValues(ctx.Component, ctx.Operation).Add(float64(ctx.Size))
	}
}

// RecordPipeline records the duration and size of one compiled pipeline.
func (m *Metrics) RecordPipeline(dataset string, stages int, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.pipelineDuration.WithLabelValues(dataset, status).Observe(time.Since(start).Seconds())
	m.pipelineStages.WithLabelValues(dataset).Observe(float64(stages))
}

// IncrementSchemaChanges counts one schema mutation.
func (m *Metrics) IncrementSchemaChanges(dataset, kind string) {
	m.schemaChanges.WithLabelValues(dataset, kind).Inc()
}

// SetLiveDatasets sets the live handle gauge.
func (m *Metrics) SetLiveDatasets(n int) {
	m.liveDatasets.Set(float64(n))
}

// CreateCounter registers an additional counter in the engine registry.
func (m *Metrics) CreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := m.createCounterVec(name, help, labels)
	m.Registry.MustRegister(counter)
	return counter
}

// CreateHistogram registers an additional histogram in the engine registry.
func (m *Metrics) CreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	hist := m.createHistogramVec(name, help, labels, buckets)
	m.Registry.MustRegister(hist)
	return hist
}

// CreateGauge registers an additional gauge in the engine registry.
func (m *Metrics) CreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, labels)
	m.Registry.MustRegister(gauge)
	return gauge
}

func (m *Metrics) createCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func (m *Metrics) createHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}
