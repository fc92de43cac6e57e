package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

// tempField returns a field name for a temporary frame key that no user
// field can collide with.
func tempField() string {
	return "_merge_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

var allowDisk = &docstore.AggregateOptions{AllowDiskUse: true}

// cleanup runs deferred restores newest first.
type cleanup []restoreFunc

func (c *cleanup) add(fn restoreFunc) {
	if fn != nil {
		*c = append(*c, fn)
	}
}

func (c cleanup) run(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i](ctx))
	}
	return errors.Join(errs...)
}

// runPipeline merges entirely inside the store: frames first, keyed on a
// temporary frame key, then samples, then a pass pointing new frames at
// their samples.
func (p *plan) runPipeline(ctx context.Context) (err error) {
	var undo cleanup
	defer func() {
		if cerr := undo.run(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	var dstRestore, srcRestore restoreFunc
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dstRestore, err = ensureUniqueIndex(gctx, p.dst.SampleCollection(), p.key)
		return err
	})
	g.Go(func() error {
		var err error
		srcRestore, err = ensureUniqueIndex(gctx, p.src.Dataset().SampleCollection(), p.key)
		return err
	})
	err = g.Wait()
	undo.add(dstRestore)
	undo.add(srcRestore)
	if err != nil {
		return err
	}

	var tmp string
	if p.withFrames() {
		tmp = tempField()
		frames := p.dst.FrameCollection()
		undo.add(func(ctx context.Context) error {
			_, err := frames.UpdateMany(ctx, bson.M{tmp: bson.M{"$exists": true}},
				bson.M{"$unset": bson.M{tmp: ""}}, docstore.UpdateOptions{})
			return err
		})
		if err := p.stampFrames(ctx, tmp); err != nil {
			return err
		}
		restore, err := ensureUniqueIndex(ctx, frames, tmp, fields.FieldFrameNumber)
		undo.add(restore)
		if err != nil {
			return err
		}
		if err := p.mergeFrames(ctx, tmp); err != nil {
			return err
		}
	}

	if err := p.mergeSamples(ctx); err != nil {
		return err
	}
	if tmp != "" {
		return p.finalizeFrames(ctx, tmp)
	}
	return nil
}

// stampFrames copies the merge key of each existing frame's sample onto
// the frame. Frames of samples without a key keep their sample id.
func (p *plan) stampFrames(ctx context.Context, tmp string) error {
	parent := expr.Let(
		[]expr.Binding{{Name: "parent", Value: expr.ArrayElemAt(expr.F(tmp), expr.L(0))}},
		expr.IfNull(expr.V("parent", p.key), expr.F(fields.FieldSampleID)),
	)
	pipeline := docstore.Pipeline{
		docstore.Stage("$lookup", bson.M{
			"from":         p.dst.SampleCollectionName(),
			"localField":   fields.FieldSampleID,
			"foreignField": "_id",
			"as":           tmp,
		}),
		docstore.Stage("$replaceWith", expr.ToBSON(expr.Object(
			expr.E("_id", expr.F("_id")),
			expr.E(tmp, parent),
		))),
		docstore.Stage("$merge", bson.M{
			"into":           p.dst.FrameCollectionName(),
			"on":             "_id",
			"whenMatched":    "merge",
			"whenNotMatched": "discard",
		}),
	}
	if err := docstore.Exhaust(ctx, p.dst.FrameCollection(), pipeline, allowDisk); err != nil {
		return fmt.Errorf("failed to stamp frames of %q: %w", p.dst.Name(), err)
	}
	return nil
}

// mergeFrames merges the frames of the source samples into the
// destination frames matching on the temporary key and frame number. New
// frames carry a placeholder sample id until finalizeFrames resolves it.
func (p *plan) mergeFrames(ctx context.Context, tmp string) error {
	if p.opts.SkipExisting && !p.opts.InsertNew {
		return nil
	}
	opts := p.src.Options()
	opts.AttachFrames, opts.DetachFrames, opts.FramesOnly = true, false, false
	pipeline, err := p.src.WithOptions(opts).Pipeline()
	if err != nil {
		return err
	}
	pipeline = append(pipeline, docstore.Stage("$match", bson.M{p.key: bson.M{"$ne": nil}}))

	if p.opts.SkipExisting || !p.opts.InsertNew {
		const existing = "_existing"
		matched := expr.Gt(expr.Size(expr.F(existing)), expr.L(0))
		if p.opts.SkipExisting {
			matched = expr.Eq(expr.Size(expr.F(existing)), expr.L(0))
		}
		pipeline = append(pipeline,
			docstore.Stage("$lookup", bson.M{
				"from":         p.dst.SampleCollectionName(),
				"localField":   p.key,
				"foreignField": p.key,
				"as":           existing,
			}),
			docstore.Stage("$match", bson.M{"$expr": expr.ToBSON(matched)}),
		)
	}

	frame := p.frameProjection(
		expr.E(tmp, expr.F(p.key)),
		expr.E(fields.FieldSampleID, expr.Object(expr.E(tmp, expr.F(p.key)))),
	)
	pipeline = append(pipeline,
		docstore.Stage("$replaceWith", expr.ToBSON(expr.Object(
			expr.E(fields.FieldFrames, expr.MapArray(expr.F(fields.FieldFrames), "frame", frame)),
		))),
		docstore.Stage("$unwind", "$"+fields.FieldFrames),
		docstore.Stage("$replaceRoot", bson.M{"newRoot": "$" + fields.FieldFrames}),
		docstore.Stage("$merge", bson.M{
			"into":           p.dst.FrameCollectionName(),
			"on":             bson.A{tmp, fields.FieldFrameNumber},
			"whenMatched":    p.whenMatched(p.frameExprs),
			"whenNotMatched": "insert",
		}),
	)
	if err := docstore.Exhaust(ctx, p.src.Dataset().SampleCollection(), pipeline, allowDisk); err != nil {
		return fmt.Errorf("failed to merge frames into %q: %w", p.dst.Name(), keyError(p.dst.FrameCollectionName(), err))
	}
	return nil
}

// mergeSamples runs the single $merge of the source samples into the
// destination.
func (p *plan) mergeSamples(ctx context.Context) error {
	pipeline, err := p.src.Pipeline()
	if err != nil {
		return err
	}
	pipeline = append(pipeline,
		docstore.Stage("$match", bson.M{p.key: bson.M{"$ne": nil}}),
		docstore.Stage("$replaceWith", expr.ToBSON(p.sampleProjection())),
		docstore.Stage("$merge", bson.M{
			"into":           p.dst.SampleCollectionName(),
			"on":             p.key,
			"whenMatched":    p.whenMatched(p.sampleExprs),
			"whenNotMatched": p.whenNotMatched(),
		}),
	)
	if err := docstore.Exhaust(ctx, p.src.Dataset().SampleCollection(), pipeline, allowDisk); err != nil {
		return fmt.Errorf("failed to merge samples into %q: %w", p.dst.Name(), keyError(p.dst.SampleCollectionName(), err))
	}
	return nil
}

// finalizeFrames points every frame at the sample now holding its key and
// deletes frames whose sample was never written.
func (p *plan) finalizeFrames(ctx context.Context, tmp string) error {
	const parent = "_parent"
	sampleID := expr.IfNull(
		expr.Let(
			[]expr.Binding{{Name: "parent", Value: expr.ArrayElemAt(expr.F(parent), expr.L(0))}},
			expr.V("parent", "_id"),
		),
		expr.F(fields.FieldSampleID),
	)
	pipeline := docstore.Pipeline{
		docstore.Stage("$match", bson.M{fields.FieldSampleID + "." + tmp: bson.M{"$exists": true}}),
		docstore.Stage("$lookup", bson.M{
			"from":         p.dst.SampleCollectionName(),
			"localField":   tmp,
			"foreignField": p.key,
			"as":           parent,
		}),
		docstore.Stage("$replaceWith", expr.ToBSON(expr.Object(
			expr.E("_id", expr.F("_id")),
			expr.E(fields.FieldSampleID, sampleID),
		))),
		docstore.Stage("$merge", bson.M{
			"into":           p.dst.FrameCollectionName(),
			"on":             "_id",
			"whenMatched":    "merge",
			"whenNotMatched": "discard",
		}),
	}
	frames := p.dst.FrameCollection()
	if err := docstore.Exhaust(ctx, frames, pipeline, allowDisk); err != nil {
		return fmt.Errorf("failed to finalize frames of %q: %w", p.dst.Name(), err)
	}
	n, err := frames.DeleteMany(ctx, bson.M{fields.FieldSampleID + "." + tmp: bson.M{"$exists": true}})
	if err != nil {
		return fmt.Errorf("failed to delete orphan frames of %q: %w", p.dst.Name(), err)
	}
	if n > 0 {
		p.dst.Registry().Logger().Warn("Deleted frames without a merged sample", nil, map[string]interface{}{
			"dataset": p.dst.Name(),
			"frames":  n,
		})
	}
	return nil
}

// sourceView returns the whole of a dataset, every group slice included.
func sourceView(v *view.View) *view.View {
	opts := v.Options()
	opts.ManualGroupSelect = true
	return v.WithOptions(opts)
}
