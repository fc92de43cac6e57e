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

// initFrames allocates the frame collection and frame schema. It is a
// no-op when the dataset already has frames.
func (d *Dataset) initFrames(ctx context.Context) error {
	d.mu.RLock()
	existing, samples := d.doc.FrameCollectionName, d.doc.SampleCollectionName
	d.mu.RUnlock()
	if existing != "" {
		return nil
	}

	name := frameCollectionFor(samples)
	if err := d.updateRegistry(ctx, bson.M{"$set": bson.M{
		"frame_collection_name": name,
		"frames_owned":          true,
		"frame_fields":          fields.SchemaToDocs(fields.NewSchema(fields.DefaultFrameFields()...)),
	}}); err != nil {
		return err
	}
	coll := d.registry.client.Collection(name)
	for _, spec := range DefaultFrameIndexes() {
		if _, err := coll.Indexes().Create(ctx, spec); err != nil {
			return fmt.Errorf("failed to create frame index on %q: %w", d.Name(), err)
		}
	}
	return d.Reload(ctx, false)
}

// EnsureFrames inserts an empty frame document for every frame number
// 1..metadata.total_frame_count of the given video samples, or of every
// video sample when no ids are given. Existing frames are left untouched.
func (d *Dataset) EnsureFrames(ctx context.Context, ids ...bson.ObjectID) error {
	start := time.Now()
	err := d.ensureFrames(ctx, ids)
	d.observe("ensure_frames", "", start, err, int64(len(ids)))
	return err
}

func (d *Dataset) ensureFrames(ctx context.Context, ids []bson.ObjectID) error {
	if err := d.ensureFresh(ctx); err != nil {
		return err
	}
	frames := d.FrameCollectionName()
	if frames == "" {
		return fmt.Errorf("%w: dataset %q has no frames", ErrMediaTypeMismatch, d.Name())
	}
	if !d.OwnsFrames() {
		return fmt.Errorf("%w: dataset %q does not own its frames", ErrReadOnly, d.Name())
	}

	match := bson.M{fields.FieldMediaType: MediaVideo}
	if len(ids) > 0 {
		match["_id"] = bson.M{"$in": ids}
	}
	stamp := now()
	total := expr.IfNull(expr.F(fields.FieldMetadata+".total_frame_count"), expr.L(0))
	pipeline := docstore.Pipeline{
		docstore.Stage("$match", match),
		docstore.Stage("$project", bson.M{
			"_id":                      0,
			fields.FieldSampleID:       "$_id",
			fields.FieldFrameNumber:    expr.ToBSON(expr.Range(expr.L(1), expr.Add(total, expr.L(1)))),
			fields.FieldCreatedAt:      bson.M{"$literal": stamp},
			fields.FieldLastModifiedAt: bson.M{"$literal": stamp},
		}),
		docstore.Stage("$unwind", "$"+fields.FieldFrameNumber),
		docstore.Stage("$merge", bson.M{
			"into":           frames,
			"on":             bson.A{fields.FieldSampleID, fields.FieldFrameNumber},
			"whenMatched":    "keepExisting",
			"whenNotMatched": "insert",
		}),
	}
	if err := docstore.Exhaust(ctx, d.SampleCollection(), pipeline, nil); err != nil {
		return fmt.Errorf("failed to ensure frames of %q: %w", d.Name(), err)
	}
	return nil
}

// CountFrames returns the number of frame documents.
func (d *Dataset) CountFrames(ctx context.Context) (int64, error) {
	fc := d.FrameCollection()
	if fc == nil {
		return 0, nil
	}
	filter := bson.M{}
	if d.IsClips() {
		// Clips share the frames of their source; count only referenced ones.
		ids, err := d.sampleSourceIDs(ctx)
		if err != nil {
			return 0, err
		}
		filter[fields.FieldSampleID] = bson.M{"$in": ids}
	}
	n, err := fc.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count frames of %q: %w", d.Name(), err)
	}
	return n, nil
}

// sampleSourceIDs returns the distinct source sample ids of a clips
// dataset.
func (d *Dataset) sampleSourceIDs(ctx context.Context) (bson.A, error) {
	docs, err := docstore.AggregateAll(ctx, d.SampleCollection(), docstore.Pipeline{
		docstore.Stage("$group", bson.M{"_id": "$" + fields.FieldSampleID}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read clip sources of %q: %w", d.Name(), err)
	}
	ids := make(bson.A, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc["_id"])
	}
	return ids, nil
}

// loadFrames attaches the stored frames of a video sample to s.
func (d *Dataset) loadFrames(ctx context.Context, s *Sample) error {
	fc := d.FrameCollection()
	if fc == nil || s.MediaType() != MediaVideo {
		return nil
	}
	sampleID := s.ID()
	filter := bson.M{fields.FieldSampleID: sampleID}
	if d.IsClips() {
		src, _ := s.doc[fields.FieldSampleID].(bson.ObjectID)
		filter[fields.FieldSampleID] = src
		if first, last, ok := supportOf(s.doc[fields.FieldSupport]); ok {
			filter[fields.FieldFrameNumber] = bson.M{"$gte": first, "$lte": last}
		}
	}
	cur, err := fc.Find(ctx, filter, &docstore.FindOptions{Sort: bson.D{{Key: fields.FieldFrameNumber, Value: 1}}})
	if err != nil {
		return fmt.Errorf("failed to read frames of sample %s: %w", sampleID.Hex(), err)
	}
	return docstore.ForEach(ctx, cur, func(doc bson.M) error {
		n, ok := expr.AsInt64(doc[fields.FieldFrameNumber])
		if !ok {
			return nil
		}
		delete(doc, fields.FieldSampleID)
		s.frames[n] = doc
		return nil
	})
}

// supportOf decodes a stored [first, last] frame support.
func supportOf(v interface{}) (int64, int64, bool) {
	arr, ok := expr.AsArray(v)
	if !ok || len(arr) != 2 {
		return 0, 0, false
	}
	first, ok1 := expr.AsInt64(arr[0])
	last, ok2 := expr.AsInt64(arr[1])
	return first, last, ok1 && ok2
}
