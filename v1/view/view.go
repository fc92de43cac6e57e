package view

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// View is an ordered list of stages bound to a dataset. Views are
// immutable: Add returns a new view.
type View struct {
	ds     *dataset.Dataset
	stages []Stage
	opts   PipelineOptions

	// name is set on views loaded from a saved view.
	name string
}

// New returns the view of every sample of ds.
func New(ds *dataset.Dataset) *View {
	return &View{ds: ds}
}

// Dataset returns the dataset the view is bound to.
func (v *View) Dataset() *dataset.Dataset { return v.ds }

// Stages returns a copy of the view's stages.
func (v *View) Stages() []Stage { return slices.Clone(v.stages) }

// Name returns the saved view name, empty for unsaved views.
func (v *View) Name() string { return v.name }

// Options returns the pipeline options of the view.
func (v *View) Options() PipelineOptions { return v.opts }

// Add returns a view with stage appended after validating it.
func (v *View) Add(stage Stage) (*View, error) {
	if err := stage.Validate(v.ds); err != nil {
		return nil, fmt.Errorf("%s stage: %w", stage.Name(), err)
	}
	out := &View{ds: v.ds, stages: append(slices.Clone(v.stages), stage), opts: v.opts}
	return out, nil
}

// MustAdd is Add for statically known stages; it panics on error.
func (v *View) MustAdd(stage Stage) *View {
	out, err := v.Add(stage)
	if err != nil {
		panic(err)
	}
	return out
}

// WithOptions returns a view compiled with opts.
func (v *View) WithOptions(opts PipelineOptions) *View {
	return &View{ds: v.ds, stages: v.stages, opts: opts, name: v.name}
}

// Pipeline compiles the view.
func (v *View) Pipeline() (docstore.Pipeline, error) {
	return Compile(v.ds, v.stages, v.opts)
}

func (v *View) run(ctx context.Context, operation string, tail docstore.Pipeline) ([]bson.M, error) {
	reg := v.ds.Registry()
	ctx, span := reg.Tracer().StartSpan(ctx, "view."+operation)
	defer span.End()
	start := time.Now()

	p, err := v.Pipeline()
	var docs []bson.M
	if err == nil {
		docs, err = docstore.AggregateAll(ctx, v.ds.SampleCollection(), append(p, tail...))
	}
	reg.Tracer().RecordErrorOnSpan(span, err)
	v.observe(operation, start, len(p)+len(tail), err, int64(len(docs)))
	if err != nil {
		return nil, fmt.Errorf("view of %q: %s: %w", v.ds.Name(), operation, err)
	}
	return docs, nil
}

func (v *View) observe(operation string, start time.Time, stages int, err error, size int64) {
	reg := v.ds.Registry()
	if m := reg.Metrics(); m != nil {
		m.RecordPipeline(v.ds.Name(), stages, start, err)
	}
	observability.Observe(reg.Observer(), observability.OperationContext{
		Component:   "view",
		Operation:   operation,
		Resource:    v.ds.Name(),
		SubResource: v.name,
		Duration:    time.Since(start),
		Error:       err,
		Size:        size,
	})
}

// Count returns the number of documents the view yields.
func (v *View) Count(ctx context.Context) (int64, error) {
	docs, err := v.run(ctx, "count", docstore.Pipeline{docstore.Stage("$count", "count")})
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	n, _ := expr.AsInt64(docs[0]["count"])
	return n, nil
}

// Values returns the value at path of every document, nil where absent.
func (v *View) Values(ctx context.Context, path string) ([]interface{}, error) {
	p := dbPath(v.ds.GetFieldSchema(schemaAll), path)
	docs, err := v.run(ctx, "values", docstore.Pipeline{docstore.Stage("$project", bson.M{"_id": 0, "value": "$" + p})})
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(docs))
	for i, doc := range docs {
		if val, ok := doc["value"]; ok {
			out[i] = val
		}
	}
	return out, nil
}

// Distinct returns the distinct non-null values at path, unwinding lists,
// in ascending order.
func (v *View) Distinct(ctx context.Context, path string) ([]interface{}, error) {
	p := dbPath(v.ds.GetFieldSchema(schemaAll), path)
	docs, err := v.run(ctx, "distinct", docstore.Pipeline{
		docstore.Stage("$project", bson.M{"_id": 0, "value": "$" + p}),
		docstore.Stage("$unwind", "$value"),
		docstore.Stage("$match", bson.M{"value": bson.M{"$ne": nil}}),
		docstore.Stage("$group", bson.M{"_id": "$value"}),
		docstore.Stage("$sort", bson.D{{Key: "_id", Value: 1}}),
	})
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(docs))
	for i, doc := range docs {
		out[i] = doc["_id"]
	}
	return out, nil
}

// First returns the first sample of the view.
func (v *View) First(ctx context.Context) (*dataset.Sample, error) {
	docs, err := v.run(ctx, "first", docstore.Pipeline{docstore.Stage("$limit", 1)})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: view of %q is empty", dataset.ErrNotFound, v.ds.Name())
	}
	return v.ds.SampleFromDoc(docs[0]), nil
}

// Aggregate runs the view followed by extra stages and returns the raw
// documents.
func (v *View) Aggregate(ctx context.Context, extra docstore.Pipeline) ([]bson.M, error) {
	return v.run(ctx, "aggregate", extra)
}
