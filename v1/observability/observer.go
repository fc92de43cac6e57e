// Package observability defines the hook through which engine components
// report the operations they perform.
//
// Components never depend on a metrics or tracing backend directly. They
// hold an optional Observer and call ObserveOperation after each store
// round-trip, pipeline run or merge. The metrics package provides the
// Prometheus-backed implementation.
package observability

import "time"

// OperationContext describes one completed operation.
type OperationContext struct {
	// Component is the reporting package, e.g. "mongo", "memstore", "merge".
	Component string

	// Operation is the verb, e.g. "aggregate", "insert_many", "cursor_restart".
	Operation string

	// Resource is the primary object, usually a collection or dataset name.
	Resource string

	// SubResource adds detail such as a field path or index name.
	SubResource string

	Duration time.Duration
	Error    error

	// Size is a count (documents, bytes) whose unit depends on Operation.
	Size int64

	Metadata map[string]interface{}
}

// Observer receives OperationContext values. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	ObserveOperation(ctx OperationContext)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx OperationContext)

// ObserveOperation calls f(ctx).
func (f ObserverFunc) ObserveOperation(ctx OperationContext) { f(ctx) }

// Observe is a nil-safe helper used by components that keep an optional
// observer.
func Observe(o Observer, ctx OperationContext) {
	if o == nil {
		return
	}
	o.ObserveOperation(ctx)
}

// Multi fans an operation out to several observers, skipping nil entries.
func Multi(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(ctx OperationContext) {
		for _, o := range list {
			o.ObserveOperation(ctx)
		}
	})
}
