package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors and the HTTP server that
// exposes them.
type Metrics struct {
	// Server serves the registry on Config.Address.
	Server *http.Server

	// Registry is the isolated registry all engine collectors live in.
	Registry *prometheus.Registry

	namespace string

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	pipelineStages    *prometheus.HistogramVec
	cursorRestarts    *prometheus.CounterVec
	schemaChanges     *prometheus.CounterVec
	liveDatasets      prometheus.Gauge
}

// NewMetrics creates the registry, registers the engine collectors and
// prepares (but does not start) the HTTP server.
//
// Every series carries a constant "service" label taken from cfg.ServiceName.
//
// Example:
//
//	m := metrics.NewMetrics(metrics.DefaultConfig())
//	client, _ := mongo.NewClient(mongoCfg)
//	client.WithObserver(m)
func NewMetrics(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()

	wrapped := prometheus.WrapRegistererWith(
		prometheus.Labels{"service": cfg.ServiceName},
		registry,
	)

	m := &Metrics{
		Registry:  registry,
		namespace: cfg.Namespace,
	}

	m.operationsTotal = m.createCounterVec("operations_total",
		"Number of store, merge and registry operations", []string{"component", "operation", "status"})
	m.operationDuration = m.createHistogramVec("operation_duration_seconds",
		"Duration of store, merge and registry operations", []string{"component", "operation"}, prometheus.DefBuckets)
	m.operationSize = m.createCounterVec("operation_documents_total",
		"Documents touched by operations", []string{"component", "operation"})
	m.pipelineDuration = m.createHistogramVec("pipeline_duration_seconds",
		"Duration of compiled view pipelines", []string{"dataset", "status"}, prometheus.DefBuckets)
	m.pipelineStages = m.createHistogramVec("pipeline_stages",
		"Number of stages in compiled view pipelines", []string{"dataset"}, prometheus.LinearBuckets(1, 2, 10))
	m.cursorRestarts = m.createCounterVec("cursor_restarts_total",
		"Cursors re-issued after expiry", []string{"collection"})
	m.schemaChanges = m.createCounterVec("schema_changes_total",
		"Schema mutations by kind", []string{"dataset", "kind"})
	m.liveDatasets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "live_datasets",
		Help:      "Dataset handles currently held by the registry",
	})

	wrapped.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.operationSize,
		m.pipelineDuration,
		m.pipelineStages,
		m.cursorRestarts,
		m.schemaChanges,
		m.liveDatasets,
	)

	if cfg.EnableDefaultCollectors {
		wrapped.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewBuildInfoCollector(),
		)
	}

	m.Server = &http.Server{
		Addr:    cfg.Address,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	return m
}
