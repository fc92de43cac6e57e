package merge

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

// writer merges samples in process and buffers the resulting writes.
type writer struct {
	dst         *dataset.Dataset
	opts        Options
	stamp       time.Time
	sampleExprs map[string]expr.Expr
	frameExprs  map[string]expr.Expr

	samples []docstore.WriteModel
	frames  []docstore.WriteModel
	inserts []*dataset.Sample
}

func (w *writer) pending() int {
	return len(w.samples) + len(w.frames) + len(w.inserts)
}

// update merges incoming and its frames into the stored sample id.
func (w *writer) update(ctx context.Context, id bson.ObjectID, incoming bson.M, frames map[int64]bson.M) error {
	existing, err := w.dst.GetSample(ctx, id)
	if err != nil {
		return err
	}
	merged, err := Apply(w.sampleExprs, existing.Doc(), incoming)
	if err != nil {
		return fmt.Errorf("sample %s: %w", id.Hex(), err)
	}
	merged["_id"] = id
	merged[fields.FieldLastModifiedAt] = w.stamp
	w.samples = append(w.samples, docstore.ReplaceOneModel{Filter: bson.M{"_id": id}, Replacement: merged})
	if w.dst.FrameCollection() == nil {
		return nil
	}

	for n, frame := range frames {
		old := existing.Frame(n)
		if old == nil {
			doc := expr.DeepCopy(frame)
			doc[fields.FieldSampleID] = id
			doc[fields.FieldFrameNumber] = n
			doc[fields.FieldCreatedAt] = w.stamp
			doc[fields.FieldLastModifiedAt] = w.stamp
			w.frames = append(w.frames, docstore.InsertOneModel{Document: doc})
			continue
		}
		doc, err := Apply(w.frameExprs, old, frame)
		if err != nil {
			return fmt.Errorf("sample %s: frame %d: %w", id.Hex(), n, err)
		}
		doc[fields.FieldSampleID] = id
		doc[fields.FieldLastModifiedAt] = w.stamp
		w.frames = append(w.frames, docstore.ReplaceOneModel{Filter: bson.M{"_id": old["_id"]}, Replacement: doc})
	}
	return nil
}

// insert queues incoming as a new sample.
func (w *writer) insert(incoming bson.M, frames map[int64]bson.M) {
	doc := expr.DeepCopy(incoming)
	for _, k := range []string{"_id", fields.FieldCreatedAt, fields.FieldLastModifiedAt} {
		delete(doc, k)
	}
	fp, _ := doc[fields.FieldFilepath].(string)
	s := dataset.NewSample(fp, doc)
	for n, frame := range frames {
		s.SetFrame(n, frame)
	}
	w.inserts = append(w.inserts, s)
}

func (w *writer) flush(ctx context.Context) error {
	if len(w.samples) > 0 {
		if _, err := w.dst.SampleCollection().BulkWrite(ctx, w.samples, docstore.BulkWriteOptions{}); err != nil {
			return keyError(w.dst.SampleCollectionName(), err)
		}
		w.samples = w.samples[:0]
	}
	if len(w.frames) > 0 {
		if _, err := w.dst.FrameCollection().BulkWrite(ctx, w.frames, docstore.BulkWriteOptions{}); err != nil {
			return keyError(w.dst.FrameCollectionName(), err)
		}
		w.frames = w.frames[:0]
	}
	if len(w.inserts) > 0 {
		opts := dataset.AddOptions{Expand: w.opts.ExpandSchema, Validate: true}
		if _, err := w.dst.AddSamples(ctx, w.inserts, opts); err != nil {
			return err
		}
		w.inserts = w.inserts[:0]
	}
	return nil
}

// runClient merges by a key computed in process. Destination keys are
// read once; source samples are then streamed and merged one by one.
func (p *plan) runClient(ctx context.Context) error {
	keyOf := p.opts.KeyFunc
	existing := map[string]bson.ObjectID{}
	err := sourceView(view.New(p.dst)).ForEach(ctx, view.IterOptions{}, func(s *dataset.Sample) error {
		k := keyOf(s)
		if _, dup := existing[k]; dup {
			return fmt.Errorf("%w: %s: first failing key %v", ErrDuplicateKey, p.dst.Name(), k)
		}
		existing[k] = s.ID()
		return nil
	})
	if err != nil {
		return err
	}

	w := &writer{dst: p.dst, opts: p.opts, stamp: p.stamp, sampleExprs: p.sampleExprs, frameExprs: p.frameExprs}
	sampleProj := p.sampleProjection()
	frameProj := p.frameProjection()
	seen := map[string]bool{}

	src := p.src
	if p.withFrames() {
		opts := src.Options()
		opts.AttachFrames, opts.DetachFrames = true, false
		src = src.WithOptions(opts)
	}
	err = src.ForEach(ctx, view.IterOptions{}, func(s *dataset.Sample) error {
		k := keyOf(s)
		if seen[k] {
			return fmt.Errorf("%w: %s: first failing key %v", ErrDuplicateKey, p.src.Dataset().Name(), k)
		}
		seen[k] = true

		id, matched := existing[k]
		switch {
		case matched && p.opts.SkipExisting:
			return nil
		case !matched && !p.opts.InsertNew:
			return nil
		}

		incoming, err := evalDoc(sampleProj, expr.NewEnv(s.Doc()))
		if err != nil {
			return err
		}
		var frames map[int64]bson.M
		if p.withFrames() {
			frames = make(map[int64]bson.M, len(s.Frames()))
			for _, n := range s.Frames() {
				doc, err := evalDoc(frameProj, expr.NewEnv(bson.M{}).With("frame", s.Frame(n)))
				if err != nil {
					return err
				}
				frames[n] = doc
			}
		}

		if matched {
			if err := w.update(ctx, id, incoming, frames); err != nil {
				return err
			}
		} else {
			w.insert(incoming, frames)
		}
		if w.pending() >= p.opts.BatchSize {
			return w.flush(ctx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return w.flush(ctx)
}

func evalDoc(e expr.Expr, env *expr.Env) (bson.M, error) {
	v, err := expr.EvalIn(e, env)
	if err != nil {
		return nil, err
	}
	doc, ok := expr.AsDoc(v)
	if !ok {
		return nil, fmt.Errorf("%w: projection yielded %s", expr.ErrTypeMismatch, expr.TypeName(v))
	}
	return doc, nil
}
