package dataset

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// ClipSpec describes one clip of a source video sample.
type ClipSpec struct {
	SampleID bson.ObjectID
	// Support is the closed [first, last] frame range of the clip.
	Support [2]int64
	// Fields are extra values stored on the clip sample.
	Fields bson.M
}

// CreateClips creates a clips dataset named name whose samples are frame
// ranges of src samples. The clips dataset reads the frames of src and
// never owns them.
func (r *Registry) CreateClips(ctx context.Context, src *Dataset, name string, specs []ClipSpec) (*Dataset, error) {
	ctx, span := r.tracer.StartSpan(ctx, "dataset.create_clips")
	defer span.End()
	start := time.Now()

	ds, err := r.createClips(ctx, src, name, specs)
	r.tracer.RecordErrorOnSpan(span, err)
	r.observeOperation("create_clips", name, src.Name(), time.Since(start), err, int64(len(specs)))
	return ds, err
}

func (r *Registry) createClips(ctx context.Context, src *Dataset, name string, specs []ClipSpec) (*Dataset, error) {
	if err := src.ensureFresh(ctx); err != nil {
		return nil, err
	}
	frames := src.FrameCollectionName()
	if frames == "" {
		return nil, fmt.Errorf("%w: dataset %q has no frames to clip", ErrMediaTypeMismatch, src.Name())
	}
	support := fields.NewField(fields.FieldSupport, fields.FrameSupport)
	ids := make([]bson.ObjectID, 0, len(specs))
	for _, spec := range specs {
		if err := fields.Check(support, bson.A{spec.Support[0], spec.Support[1]}); err != nil {
			return nil, fmt.Errorf("%w: clip of sample %s: %w", ErrInvalidArgument, spec.SampleID.Hex(), err)
		}
		ids = append(ids, spec.SampleID)
	}
	sources, err := src.findByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	ds, err := r.Create(ctx, name, CreateOptions{})
	if err != nil {
		return nil, err
	}
	src.mu.RLock()
	frameFields := src.doc.FrameFields
	src.mu.RUnlock()
	if err := ds.updateRegistry(ctx, bson.M{"$set": bson.M{
		"media_type":            MediaVideo,
		"source_dataset":        src.Name(),
		"frame_collection_name": frames,
		"frames_owned":          false,
		"frame_fields":          frameFields,
	}}); err != nil {
		return nil, err
	}
	if err := ds.Reload(ctx, true); err != nil {
		return nil, err
	}
	if _, err := ds.MergeSampleFieldSchema(ctx, fields.NewSchema(fields.ClipFields()...), declareOpts); err != nil {
		return nil, err
	}

	samples := make([]*Sample, 0, len(specs))
	for _, spec := range specs {
		source, ok := sources[spec.SampleID]
		if !ok {
			return nil, fmt.Errorf("%w: sample %s in dataset %q", ErrNotFound, spec.SampleID.Hex(), src.Name())
		}
		values := bson.M{
			fields.FieldSampleID:  spec.SampleID,
			fields.FieldSupport:   bson.A{spec.Support[0], spec.Support[1]},
			fields.FieldMediaType: MediaVideo,
			fields.FieldMetadata:  source[fields.FieldMetadata],
		}
		for k, v := range spec.Fields {
			values[k] = v
		}
		filepath, _ := source[fields.FieldFilepath].(string)
		samples = append(samples, NewSample(filepath, values))
	}
	if _, err := ds.AddSamples(ctx, samples, DefaultAddOptions()); err != nil {
		return nil, err
	}
	return ds, nil
}

// findByID returns the samples with the given ids keyed by id.
func (d *Dataset) findByID(ctx context.Context, ids []bson.ObjectID) (map[bson.ObjectID]bson.M, error) {
	cur, err := d.SampleCollection().Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read samples of %q: %w", d.Name(), err)
	}
	out := make(map[bson.ObjectID]bson.M, len(ids))
	err = docstore.ForEach(ctx, cur, func(doc bson.M) error {
		if id, ok := doc["_id"].(bson.ObjectID); ok {
			out[id] = expr.DeepCopy(doc)
		}
		return nil
	})
	return out, err
}
