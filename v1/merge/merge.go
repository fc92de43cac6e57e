package merge

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

// Samples merges the samples of src into dst. Samples pair up by
// opts.KeyField inside the store, or by opts.KeyFunc in process when it
// is set.
func Samples(ctx context.Context, dst *dataset.Dataset, src *view.View, opts Options) (err error) {
	opts = opts.withDefaults()
	reg := dst.Registry()
	ctx, span := reg.Tracer().StartSpan(ctx, "merge.samples")
	defer span.End()
	start := time.Now()
	before, _ := dst.SampleCollection().CountDocuments(ctx, bson.M{})
	defer func() {
		reg.Tracer().RecordErrorOnSpan(span, err)
		after, _ := dst.SampleCollection().CountDocuments(context.WithoutCancel(ctx), bson.M{})
		observe(dst, "merge_samples", src.Dataset().Name(), start, err, after-before)
	}()

	p, err := newPlan(ctx, dst, src, opts)
	if err != nil {
		return err
	}
	if opts.KeyFunc != nil {
		err = p.runClient(ctx)
	} else {
		err = p.runPipeline(ctx)
	}
	if err != nil {
		return fmt.Errorf("merge %q into %q: %w", src.Dataset().Name(), dst.Name(), err)
	}
	if opts.IncludeInfo {
		if err := mergeInfo(ctx, dst, src.Dataset(), opts.Overwrite); err != nil {
			return err
		}
	}
	reg.Logger().Info("Merged samples", nil, map[string]interface{}{
		"source":      src.Dataset().Name(),
		"destination": dst.Name(),
		"key":         opts.KeyField,
		"inserted":    countDelta(ctx, dst, before),
	})
	return dst.Reload(ctx, false)
}

// Datasets merges every sample of src, all group slices included, into
// dst.
func Datasets(ctx context.Context, dst, src *dataset.Dataset, opts Options) error {
	return Samples(ctx, dst, sourceView(view.New(src)), opts)
}

// Sample merges one sample into dst, pairing it with the stored sample
// sharing its opts.KeyField value.
func Sample(ctx context.Context, dst *dataset.Dataset, s *dataset.Sample, opts Options) error {
	opts = opts.withDefaults()
	if dst.IsClips() {
		return ErrClipsDestination
	}
	key := storedKey(opts.KeyField)
	value := s.Get(opts.KeyField)
	if value == nil {
		return fmt.Errorf("%w: sample has no value for key %q", dataset.ErrInvalidArgument, opts.KeyField)
	}

	incoming := selectKeys(s.Doc(), reservedSampleFields, "", opts)
	if key == "_id" {
		incoming["_id"] = value
	}
	frames := make(map[int64]bson.M, len(s.Frames()))
	for _, n := range s.Frames() {
		frames[n] = selectKeys(expr.DeepCopy(s.Frame(n)), reservedFrameFields, fields.FieldFrames+".", opts)
	}

	stored, err := dst.SampleCollection().FindOne(ctx, bson.M{key: value}, &docstore.FindOptions{Projection: bson.M{"_id": 1}})
	switch {
	case docstore.IsNotFound(err):
		if !opts.InsertNew {
			return nil
		}
		w := &writer{dst: dst, opts: opts}
		w.insert(incoming, frames)
		return w.flush(ctx)
	case err != nil:
		return fmt.Errorf("failed to find sample %v in %q: %w", value, dst.Name(), err)
	case opts.SkipExisting:
		return nil
	}

	if err := declareImplied(ctx, dst, incoming, frames, opts); err != nil {
		return err
	}
	policy := opts.policy(nil)
	w := &writer{
		dst:         dst,
		opts:        opts,
		stamp:       time.Now().UTC(),
		sampleExprs: BuildExpressions(dst.GetFieldSchema(schemaAll), fieldNames(dst.GetFieldSchema(schemaAll), incoming), policy),
		frameExprs:  BuildExpressions(dst.GetFrameFieldSchema(schemaAll), frameNames(dst.GetFrameFieldSchema(schemaAll), frames), policy),
	}
	id, _ := stored["_id"].(bson.ObjectID)
	if err := w.update(ctx, id, incoming, frames); err != nil {
		return err
	}
	return w.flush(ctx)
}

// selectKeys drops reserved keys of a stored document and applies the
// remap and omission options to its top-level keys.
func selectKeys(doc bson.M, reserved []string, prefix string, opts Options) bson.M {
	out := bson.M{}
	for k, v := range doc {
		name := k
		if k == "_id" {
			name = fields.FieldID
		}
		if slices.Contains(reserved, name) || slices.Contains(opts.OmitFields, prefix+name) {
			continue
		}
		if opts.Fields != nil {
			target, ok := opts.Fields[prefix+name]
			if !ok && !(prefix == "" && (name == opts.KeyField || name == fields.FieldFilepath)) {
				continue
			}
			if ok {
				expr.SetPath(out, storedKey(strings.TrimPrefix(target, prefix)), v)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// declareImplied adds the fields implied by an incoming sample and its
// frames to the destination schema, or fails when the schema may not
// grow.
func declareImplied(ctx context.Context, dst *dataset.Dataset, doc bson.M, frames map[int64]bson.M, opts Options) error {
	infer := func(docs ...bson.M) *fields.Schema {
		candidate := fields.NewSchema()
		for _, d := range docs {
			for _, k := range expr.SortedKeys(d) {
				if k == "_id" {
					continue
				}
				if f := fields.Infer(k, d[k], opts.ExpandSchema); f != nil {
					if _, taken := candidate.Field(k); !taken {
						candidate.Set(k, f)
					}
				}
			}
		}
		return candidate
	}
	if _, err := dst.MergeSampleFieldSchema(ctx, infer(doc), schemaOptions(opts)); err != nil {
		return fmt.Errorf("merge into %q: %w", dst.Name(), err)
	}
	if len(frames) == 0 || dst.FrameCollection() == nil {
		return nil
	}
	if _, err := dst.MergeFrameFieldSchema(ctx, infer(slices.Collect(maps.Values(frames))...), schemaOptions(opts)); err != nil {
		return fmt.Errorf("merge frames into %q: %w", dst.Name(), err)
	}
	return nil
}

// fieldNames resolves the stored keys of doc to schema field names.
func fieldNames(schema *fields.Schema, doc bson.M) []string {
	names := make([]string, 0, len(doc))
	for _, k := range expr.SortedKeys(doc) {
		if k == "_id" {
			continue
		}
		if f, ok := schema.ByStoredName(k); ok {
			names = append(names, f.Name)
			continue
		}
		names = append(names, k)
	}
	return names
}

func frameNames(schema *fields.Schema, frames map[int64]bson.M) []string {
	seen := bson.M{}
	for _, f := range frames {
		for k, v := range f {
			seen[k] = v
		}
	}
	return fieldNames(schema, seen)
}

// mergeInfo folds the dataset-level metadata of src into dst. Keys dst
// already has win unless overwrite is set.
func mergeInfo(ctx context.Context, dst, src *dataset.Dataset, overwrite bool) error {
	attrs := dataset.Attributes{
		Info:        mergeMaps(dst.Info(), src.Info(), overwrite),
		Classes:     mergeMaps(dst.Classes(), src.Classes(), overwrite),
		MaskTargets: mergeMaps(dst.MaskTargets(), src.MaskTargets(), overwrite),
		Skeletons:   mergeMaps(dst.Skeletons(), src.Skeletons(), overwrite),
	}
	if len(dst.DefaultClasses()) == 0 || overwrite {
		attrs.DefaultClasses = src.DefaultClasses()
	}
	if len(dst.DefaultMaskTargets()) == 0 || overwrite {
		attrs.DefaultMaskTargets = src.DefaultMaskTargets()
	}
	if len(dst.DefaultSkeleton()) == 0 || overwrite {
		attrs.DefaultSkeleton = src.DefaultSkeleton()
	}
	if err := dst.Save(ctx, attrs); err != nil {
		return fmt.Errorf("failed to merge info of %q into %q: %w", src.Name(), dst.Name(), err)
	}
	return nil
}

func mergeMaps[M ~map[string]V, V any](dst, src M, overwrite bool) M {
	if len(src) == 0 {
		return nil
	}
	out := maps.Clone(dst)
	if out == nil {
		out = M{}
	}
	for k, v := range src {
		if _, ok := out[k]; ok && !overwrite {
			continue
		}
		out[k] = v
	}
	return out
}

func countDelta(ctx context.Context, d *dataset.Dataset, before int64) int64 {
	after, err := d.SampleCollection().CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return after - before
}

func observe(d *dataset.Dataset, operation, source string, start time.Time, err error, size int64) {
	observability.Observe(d.Registry().Observer(), observability.OperationContext{
		Component:   "merge",
		Operation:   operation,
		Resource:    d.Name(),
		SubResource: source,
		Duration:    time.Since(start),
		Error:       err,
		Size:        size,
	})
}
