package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

// AddCollection inserts the samples of src, and their frames, into dst.
// Nothing is merged: without opts.NewIDs a sample id already present in
// dst fails the insert with ErrDuplicateKey.
func AddCollection(ctx context.Context, dst *dataset.Dataset, src *view.View, opts AddCollectionOptions) (err error) {
	reg := dst.Registry()
	ctx, span := reg.Tracer().StartSpan(ctx, "merge.add_collection")
	defer span.End()
	start := time.Now()
	before, _ := dst.SampleCollection().CountDocuments(ctx, bson.M{})
	defer func() {
		reg.Tracer().RecordErrorOnSpan(span, err)
		observe(dst, "add_collection", src.Dataset().Name(), start, err, countDelta(context.WithoutCancel(ctx), dst, before))
	}()

	srcDS := src.Dataset()
	if err := checkDatasets(dst, srcDS); err != nil {
		return err
	}
	if srcDS.IsClips() {
		return fmt.Errorf("%w: cannot add the clips of %q as samples", dataset.ErrInvalidArgument, srcDS.Name())
	}
	if err := prepareMedia(ctx, dst, srcDS); err != nil {
		return err
	}
	declare := fields.MergeOptions{Expand: true, Recursive: true, Validate: true}
	if _, err := dst.MergeSampleFieldSchema(ctx, srcDS.GetFieldSchema(schemaAll), declare); err != nil {
		return fmt.Errorf("add %q to %q: %w", srcDS.Name(), dst.Name(), err)
	}
	withFrames := srcDS.HasVideo() && dst.FrameCollection() != nil
	if withFrames {
		if _, err := dst.MergeFrameFieldSchema(ctx, srcDS.GetFrameFieldSchema(schemaAll), declare); err != nil {
			return fmt.Errorf("add frames of %q to %q: %w", srcDS.Name(), dst.Name(), err)
		}
	}

	a := &adder{dst: dst, src: src, newIDs: opts.NewIDs, stamp: time.Now().UTC()}
	if opts.NewIDs {
		a.tmp = tempField()
	}
	if err := a.run(ctx, withFrames); err != nil {
		return fmt.Errorf("add %q to %q: %w", srcDS.Name(), dst.Name(), err)
	}
	if opts.IncludeInfo {
		if err := mergeInfo(ctx, dst, srcDS, false); err != nil {
			return err
		}
	}
	return dst.Reload(ctx, false)
}

type adder struct {
	dst    *dataset.Dataset
	src    *view.View
	newIDs bool
	tmp    string
	stamp  time.Time
}

func (a *adder) run(ctx context.Context, withFrames bool) (err error) {
	var undo cleanup
	defer func() {
		if cerr := undo.run(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	if a.newIDs {
		colls := []docstore.Collection{a.dst.SampleCollection()}
		if withFrames {
			colls = append(colls, a.dst.FrameCollection())
		}
		for _, coll := range colls {
			undo.add(func(ctx context.Context) error {
				_, err := coll.UpdateMany(ctx, bson.M{a.tmp: bson.M{"$exists": true}},
					bson.M{"$unset": bson.M{a.tmp: ""}}, docstore.UpdateOptions{})
				return err
			})
		}
	}

	if err := a.insertSamples(ctx); err != nil {
		return err
	}
	if !withFrames {
		return nil
	}
	if err := a.insertFrames(ctx); err != nil {
		return err
	}
	if !a.newIDs {
		return nil
	}

	samples := a.dst.SampleCollection()
	name, err := samples.Indexes().Create(ctx, docstore.IndexSpec{Keys: bson.D{{Key: a.tmp, Value: 1}}, Sparse: true})
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", samples.Name(), err)
	}
	undo.add(func(ctx context.Context) error { return samples.Indexes().Drop(ctx, name) })
	return a.finalizeFrames(ctx)
}

func (a *adder) insertSamples(ctx context.Context) error {
	pipeline, err := a.src.Pipeline()
	if err != nil {
		return err
	}
	pipeline = append(pipeline, docstore.Stage("$set", bson.M{fields.FieldLastModifiedAt: a.stamp}))
	if a.newIDs {
		pipeline = append(pipeline,
			docstore.Stage("$set", bson.M{a.tmp: "$_id"}),
			docstore.Stage("$unset", "_id"),
		)
	}
	pipeline = append(pipeline, insertInto(a.dst.SampleCollectionName()))
	if err := docstore.Exhaust(ctx, a.src.Dataset().SampleCollection(), pipeline, allowDisk); err != nil {
		return keyError(a.dst.SampleCollectionName(), err)
	}
	return nil
}

// insertFrames copies the frames of the selected samples. With new ids
// each frame carries its old sample id and a placeholder sample id until
// finalizeFrames resolves it.
func (a *adder) insertFrames(ctx context.Context) error {
	opts := a.src.Options()
	opts.AttachFrames, opts.DetachFrames, opts.FramesOnly = true, false, false
	pipeline, err := a.src.WithOptions(opts).Pipeline()
	if err != nil {
		return err
	}
	frame := expr.MergeObjects(expr.V("frame"), expr.Object(expr.E(fields.FieldLastModifiedAt, expr.L(a.stamp))))
	if a.newIDs {
		frame = expr.MergeObjects(frame, expr.Object(
			expr.E(a.tmp, expr.F("_id")),
			expr.E(fields.FieldSampleID, expr.Object(expr.E(a.tmp, expr.F("_id")))),
		))
	}
	pipeline = append(pipeline,
		docstore.Stage("$replaceWith", expr.ToBSON(expr.Object(
			expr.E(fields.FieldFrames, expr.MapArray(expr.F(fields.FieldFrames), "frame", frame)),
		))),
		docstore.Stage("$unwind", "$"+fields.FieldFrames),
		docstore.Stage("$replaceRoot", bson.M{"newRoot": "$" + fields.FieldFrames}),
	)
	if a.newIDs {
		pipeline = append(pipeline, docstore.Stage("$unset", "_id"))
	}
	pipeline = append(pipeline, insertInto(a.dst.FrameCollectionName()))
	if err := docstore.Exhaust(ctx, a.src.Dataset().SampleCollection(), pipeline, allowDisk); err != nil {
		return keyError(a.dst.FrameCollectionName(), err)
	}
	return nil
}

// finalizeFrames points new frames at the copies of their samples.
func (a *adder) finalizeFrames(ctx context.Context) error {
	const parent = "_parent"
	pipeline := docstore.Pipeline{
		docstore.Stage("$match", bson.M{fields.FieldSampleID + "." + a.tmp: bson.M{"$exists": true}}),
		docstore.Stage("$lookup", bson.M{
			"from":         a.dst.SampleCollectionName(),
			"localField":   a.tmp,
			"foreignField": a.tmp,
			"as":           parent,
		}),
		docstore.Stage("$replaceWith", expr.ToBSON(expr.Object(
			expr.E("_id", expr.F("_id")),
			expr.E(fields.FieldSampleID, expr.IfNull(
				expr.Let(
					[]expr.Binding{{Name: "parent", Value: expr.ArrayElemAt(expr.F(parent), expr.L(0))}},
					expr.V("parent", "_id"),
				),
				expr.F(fields.FieldSampleID),
			)),
		))),
		docstore.Stage("$merge", bson.M{
			"into":           a.dst.FrameCollectionName(),
			"on":             "_id",
			"whenMatched":    "merge",
			"whenNotMatched": "discard",
		}),
	}
	frames := a.dst.FrameCollection()
	if err := docstore.Exhaust(ctx, frames, pipeline, allowDisk); err != nil {
		return fmt.Errorf("failed to finalize frames of %q: %w", a.dst.Name(), err)
	}
	if _, err := frames.DeleteMany(ctx, bson.M{fields.FieldSampleID + "." + a.tmp: bson.M{"$exists": true}}); err != nil {
		return fmt.Errorf("failed to delete orphan frames of %q: %w", a.dst.Name(), err)
	}
	return nil
}

// insertInto is a $merge stage that only inserts, failing on any id
// already present.
func insertInto(coll string) bson.D {
	return docstore.Stage("$merge", bson.M{
		"into":           coll,
		"on":             "_id",
		"whenMatched":    "fail",
		"whenNotMatched": "insert",
	})
}
