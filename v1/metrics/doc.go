// Package metrics exposes engine metrics through Prometheus.
//
// Metrics implements observability.Observer, so the same value can be passed
// to the mongo and memstore adapters, the dataset registry and the merge
// engine. Each reported operation increments operations_total and feeds
// operation_duration_seconds, labelled by component and operation. Cursor
// restarts after server-side expiry are counted in cursor_restarts_total
// instead.
//
// Engine-specific series:
//   - pipeline_duration_seconds / pipeline_stages: compiled view pipelines
//   - schema_changes_total: field add/rename/clone/delete/clear/merge
//   - live_datasets: handles held by the dataset registry
//
// Usage with fx:
//
//	app := fx.New(
//		logger.FXModule,
//		metrics.FXModule,
//		fx.Provide(func() metrics.Config { return metrics.DefaultConfig() }),
//	)
package metrics
