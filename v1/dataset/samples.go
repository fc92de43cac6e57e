package dataset

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// AddOptions control how AddSamples treats the schema.
type AddOptions struct {
	// Expand declares fields the schema does not know yet.
	Expand bool

	// Dynamic also declares undeclared attributes of embedded documents.
	Dynamic bool

	// Validate type-checks every value before anything is written.
	Validate bool
}

// DefaultAddOptions expands and validates.
func DefaultAddOptions() AddOptions {
	return AddOptions{Expand: true, Validate: true}
}

// AddSample adds one sample and returns its id.
func (d *Dataset) AddSample(ctx context.Context, s *Sample, opts AddOptions) (bson.ObjectID, error) {
	ids, err := d.AddSamples(ctx, []*Sample{s}, opts)
	if err != nil {
		return bson.ObjectID{}, err
	}
	return ids[0], nil
}

// AddSamples inserts samples and their frames and returns the new ids in
// order. Samples that are not yet part of a dataset are bound to d;
// samples of other datasets are copied with fresh ids.
//
// A schema violation caused by a schema that changed in another process
// is retried once after reloading.
func (d *Dataset) AddSamples(ctx context.Context, samples []*Sample, opts AddOptions) ([]bson.ObjectID, error) {
	ctx, span := d.registry.tracer.StartSpan(ctx, "dataset.add_samples")
	defer span.End()
	start := time.Now()

	ids, err := d.addSamples(ctx, samples, opts)
	if err != nil && IsSchemaViolation(err) {
		if rerr := d.Reload(ctx, true); rerr == nil {
			ids, err = d.addSamples(ctx, samples, opts)
		}
	}
	d.registry.tracer.RecordErrorOnSpan(span, err)
	d.observe("add_samples", "", start, err, int64(len(ids)))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e := events.New(events.SamplesAdded, d.Name())
		e.Count = int64(len(ids))
		d.registry.publish(ctx, e)
	}
	return ids, nil
}

func (d *Dataset) addSamples(ctx context.Context, samples []*Sample, opts AddOptions) ([]bson.ObjectID, error) {
	if err := d.ensureFresh(ctx); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	docs := make([]bson.M, len(samples))
	for i, s := range samples {
		doc := expr.DeepCopy(s.doc)
		if s.dataset != nil {
			delete(doc, "_id")
		}
		docs[i] = doc
	}
	if err := d.assignMedia(ctx, docs); err != nil {
		return nil, err
	}

	var frameDocs []bson.M
	for i, s := range samples {
		if len(s.frames) == 0 {
			continue
		}
		if docs[i][fields.FieldMediaType] != MediaVideo {
			return nil, fmt.Errorf("%w: sample %q has frames but is not a video", ErrMediaTypeMismatch, s.Filepath())
		}
		for _, n := range s.Frames() {
			frameDocs = append(frameDocs, s.frames[n])
		}
	}

	if opts.Expand {
		if err := d.expandSchema(ctx, sampleTarget, docs, opts.Dynamic); err != nil {
			return nil, err
		}
		if len(frameDocs) > 0 {
			if err := d.expandSchema(ctx, frameTarget, frameDocs, opts.Dynamic); err != nil {
				return nil, err
			}
		}
	}
	if opts.Validate {
		if err := d.validateDocs(sampleTarget, docs, opts.Expand); err != nil {
			return nil, err
		}
		if len(frameDocs) > 0 {
			if err := d.validateDocs(frameTarget, frameDocs, opts.Expand); err != nil {
				return nil, err
			}
		}
	}

	stamp := now()
	ids := make([]bson.ObjectID, len(docs))
	for i, doc := range docs {
		id, ok := doc["_id"].(bson.ObjectID)
		if !ok || id.IsZero() {
			id = bson.NewObjectID()
			doc["_id"] = id
		}
		doc[fields.FieldCreatedAt] = stamp
		doc[fields.FieldLastModifiedAt] = stamp
		ids[i] = id
	}
	if _, err := d.SampleCollection().InsertMany(ctx, docs, docstore.InsertOptions{}); err != nil {
		return nil, d.bulkError(err, docs)
	}
	if err := d.insertFrames(ctx, samples, ids, stamp); err != nil {
		return nil, err
	}

	for i, s := range samples {
		if s.dataset != nil {
			continue
		}
		s.dataset = d
		s.doc = docs[i]
		s.clean()
	}
	return ids, nil
}

func (d *Dataset) insertFrames(ctx context.Context, samples []*Sample, ids []bson.ObjectID, stamp time.Time) error {
	var docs []bson.M
	for i, s := range samples {
		ref := ids[i]
		if d.IsClips() {
			ref, _ = s.doc[fields.FieldSampleID].(bson.ObjectID)
		}
		for _, n := range s.Frames() {
			frame := expr.DeepCopy(s.frames[n])
			if s.dataset != nil {
				delete(frame, "_id")
			}
			if _, ok := frame["_id"]; !ok {
				frame["_id"] = bson.NewObjectID()
			}
			frame[fields.FieldSampleID] = ref
			frame[fields.FieldFrameNumber] = n
			frame[fields.FieldCreatedAt] = stamp
			frame[fields.FieldLastModifiedAt] = stamp
			docs = append(docs, frame)
			if s.dataset == nil {
				s.frames[n] = frame
			}
		}
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := d.FrameCollection().InsertMany(ctx, docs, docstore.InsertOptions{}); err != nil {
		return d.bulkError(err, docs)
	}
	return nil
}

// docMediaType returns the declared or implied media type of doc.
func docMediaType(doc bson.M) string {
	if mt, ok := doc[fields.FieldMediaType].(string); ok && mt != "" {
		return mt
	}
	fp, _ := doc[fields.FieldFilepath].(string)
	return InferMediaType(fp)
}

func docLabel(doc bson.M) string {
	if fp, ok := doc[fields.FieldFilepath].(string); ok {
		return fp
	}
	return fmt.Sprint(doc["_id"])
}

// assignMedia stamps every document with its media type after checking
// it against the dataset, adopting the first media type of an empty
// dataset and declaring new group slices.
func (d *Dataset) assignMedia(ctx context.Context, docs []bson.M) error {
	mt, groupField := d.MediaType(), d.groupFieldName()
	if groupField == "" && (mt == MediaUnset || mt == MediaGroup) {
		if field := detectGroupField(docs[0]); field != "" {
			_, slice, _ := groupOf(docs[0][field])
			if err := d.AddGroupField(ctx, field, slice); err != nil {
				return err
			}
			groupField = field
		} else if mt == MediaGroup {
			return fmt.Errorf("%w: sample %q of group dataset %q has no group", ErrMediaTypeMismatch, docLabel(docs[0]), d.Name())
		}
	}
	if groupField != "" {
		return d.assignGroupMedia(ctx, groupField, docs)
	}

	current := mt
	for _, doc := range docs {
		smt := docMediaType(doc)
		switch {
		case smt == MediaGroup:
			return fmt.Errorf("%w: sample %q has media type %q", ErrMediaTypeMismatch, docLabel(doc), smt)
		case current == MediaUnset:
			current = smt
		case current == MediaMixed:
		case smt != current:
			return fmt.Errorf("%w: sample %q has media type %q but dataset %q has %q",
				ErrMediaTypeMismatch, docLabel(doc), smt, d.Name(), current)
		}
		doc[fields.FieldMediaType] = smt
	}

	if mt == MediaUnset {
		if err := d.updateRegistry(ctx, bson.M{"$set": bson.M{"media_type": current}}); err != nil {
			return err
		}
		if err := d.Reload(ctx, false); err != nil {
			return err
		}
	}
	if current == MediaVideo || (current == MediaMixed && slices.ContainsFunc(docs, func(doc bson.M) bool {
		return doc[fields.FieldMediaType] == MediaVideo
	})) {
		return d.initFrames(ctx)
	}
	return nil
}

func (d *Dataset) assignGroupMedia(ctx context.Context, field string, docs []bson.M) error {
	added := map[string]string{}
	for _, doc := range docs {
		_, slice, ok := groupOf(doc[field])
		if !ok {
			return fmt.Errorf("%w: sample %q has no value for group field %q", ErrMediaTypeMismatch, docLabel(doc), field)
		}
		smt := docMediaType(doc)
		want, exists := d.SliceMediaType(slice)
		if !exists {
			want, exists = added[slice]
		}
		if exists && want != smt {
			return fmt.Errorf("%w: sample %q has media type %q but group slice %q has %q",
				ErrMediaTypeMismatch, docLabel(doc), smt, slice, want)
		}
		if !exists {
			added[slice] = smt
		}
		doc[fields.FieldMediaType] = smt
	}
	for _, slice := range sortedKeys(added) {
		if err := d.AddGroupSlice(ctx, slice, added[slice]); err != nil {
			return err
		}
	}
	return nil
}

func detectGroupField(doc bson.M) string {
	for _, key := range expr.SortedKeys(doc) {
		if _, _, ok := groupOf(doc[key]); ok {
			return key
		}
	}
	return ""
}

// expandSchema declares the fields implied by docs. Values that do not
// fit an existing declaration are left to validation.
func (d *Dataset) expandSchema(ctx context.Context, t schemaTarget, docs []bson.M, dynamic bool) error {
	schema, err := d.schemaOf(t)
	if err != nil {
		return err
	}
	candidate := fields.NewSchema()
	lenient := fields.MergeOptions{Expand: true, Recursive: dynamic}
	for _, doc := range docs {
		for _, key := range expr.SortedKeys(doc) {
			if key == "_id" || (t == frameTarget && (key == fields.FieldSampleID || key == fields.FieldFrameNumber)) {
				continue
			}
			v := doc[key]
			name := key
			if f, ok := schema.ByStoredName(key); ok {
				if fields.Check(f, v) != nil {
					continue
				}
				name = f.Name
			}
			inferred := fields.Infer(name, v, dynamic)
			if inferred == nil {
				continue
			}
			if prev, ok := candidate.Field(name); ok {
				if _, err := fields.Merge(prev, inferred, lenient); err != nil {
					return err
				}
				continue
			}
			candidate.Set(name, inferred)
		}
	}
	if _, err := d.mergeSchema(ctx, t, candidate, lenient); err != nil {
		return err
	}
	return nil
}

func (d *Dataset) validateDocs(t schemaTarget, docs []bson.M, expand bool) error {
	schema, err := d.schemaOf(t)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := fields.Validate(schema, doc, expand); err != nil {
			return fmt.Errorf("dataset %q: sample %q: %w", d.Name(), docLabel(doc), err)
		}
	}
	return nil
}

// bulkError wraps a failed bulk write, naming the first failing key.
func (d *Dataset) bulkError(err error, docs []bson.M) error {
	bwe, ok := docstore.AsBulkWriteError(err)
	if !ok {
		return fmt.Errorf("%w: dataset %q: %w", ErrBulkWrite, d.Name(), err)
	}
	key := bwe.Key
	if key == nil && bwe.Index >= 0 && bwe.Index < len(docs) {
		key = docLabel(docs[bwe.Index])
	}
	return fmt.Errorf("%w: dataset %q: first failing key %v: %w", ErrBulkWrite, d.Name(), key, err)
}

// GetSample returns the sample with id and, for video, its frames.
func (d *Dataset) GetSample(ctx context.Context, id bson.ObjectID) (*Sample, error) {
	doc, err := d.SampleCollection().FindOne(ctx, bson.M{"_id": id}, nil)
	if err != nil {
		if docstore.IsNotFound(err) {
			return nil, fmt.Errorf("%w: sample %s in dataset %q", ErrNotFound, id.Hex(), d.Name())
		}
		return nil, fmt.Errorf("failed to read sample %s of %q: %w", id.Hex(), d.Name(), err)
	}
	s := sampleFromDoc(d, doc)
	if err := d.loadFrames(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// sliceFilter restricts group datasets to the active slice.
func (d *Dataset) sliceFilter() bson.M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.doc.GroupField == "" || d.groupSlice == "" {
		return bson.M{}
	}
	return bson.M{d.doc.GroupField + ".name": d.groupSlice}
}

// Count returns the number of samples, of the active slice for group
// datasets.
func (d *Dataset) Count(ctx context.Context) (int64, error) {
	n, err := d.SampleCollection().CountDocuments(ctx, d.sliceFilter())
	if err != nil {
		return 0, fmt.Errorf("failed to count samples of %q: %w", d.Name(), err)
	}
	return n, nil
}

// DeleteSamples deletes samples and the frames the dataset owns.
func (d *Dataset) DeleteSamples(ctx context.Context, ids ...bson.ObjectID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := d.deleteSamples(ctx, bson.M{"_id": bson.M{"$in": ids}}, ids)
	d.observe("delete_samples", "", start, err, n)
	return n, err
}

// Clear deletes every sample and owned frame.
func (d *Dataset) Clear(ctx context.Context) error {
	start := time.Now()
	n, err := d.deleteSamples(ctx, bson.M{}, nil)
	d.observe("clear", "", start, err, n)
	return err
}

func (d *Dataset) deleteSamples(ctx context.Context, filter bson.M, ids []bson.ObjectID) (int64, error) {
	if err := d.ensureFresh(ctx); err != nil {
		return 0, err
	}
	n, err := d.SampleCollection().DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete samples of %q: %w", d.Name(), err)
	}
	if fc := d.FrameCollection(); fc != nil && d.OwnsFrames() {
		frameFilter := bson.M{}
		if ids != nil {
			frameFilter[fields.FieldSampleID] = bson.M{"$in": ids}
		}
		if _, err := fc.DeleteMany(ctx, frameFilter); err != nil {
			return n, fmt.Errorf("failed to delete frames of %q: %w", d.Name(), err)
		}
	}
	e := events.New(events.SamplesDeleted, d.Name())
	e.Count = n
	d.registry.publish(ctx, e)
	return n, nil
}

// SetValuesOptions control SetValues.
type SetValuesOptions struct {
	// Expand declares the field when it does not exist.
	Expand bool
	// Dynamic declares embedded attributes of the inferred field.
	Dynamic bool
	// Validate type-checks every value.
	Validate bool
}

// SetValues writes one value per sample to path in a single bulk write.
// Paths prefixed with "frames." address frames by frame id.
func (d *Dataset) SetValues(ctx context.Context, path string, values map[bson.ObjectID]interface{}, opts SetValuesOptions) error {
	start := time.Now()
	err := d.setValues(ctx, path, values, opts)
	d.observe("set_values", path, start, err, int64(len(values)))
	return err
}

func (d *Dataset) setValues(ctx context.Context, path string, values map[bson.ObjectID]interface{}, opts SetValuesOptions) error {
	if err := d.ensureFresh(ctx); err != nil {
		return err
	}
	t := sampleTarget
	if strings.HasPrefix(path, fields.FieldFrames+".") {
		t, path = frameTarget, framePath(path)
	}
	schema, err := d.schemaOf(t)
	if err != nil {
		return err
	}
	ids := make([]bson.ObjectID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b bson.ObjectID) int { return strings.Compare(a.Hex(), b.Hex()) })

	f, ok := schema.Get(path)
	if !ok {
		if !opts.Expand {
			return fmt.Errorf("%w: dataset %q has no field %q", ErrSchemaViolation, d.Name(), path)
		}
		_, leaf := fields.SplitParent(path)
		for _, id := range ids {
			if inferred := fields.Infer(leaf, values[id], opts.Dynamic); inferred != nil {
				if _, err := d.addField(ctx, t, path, inferred); err != nil {
					return err
				}
				break
			}
		}
		if schema, err = d.schemaOf(t); err != nil {
			return err
		}
		f, ok = schema.Get(path)
	}
	if t.isDefault(path) || (ok && f.ReadOnly) {
		return fmt.Errorf("%w: %q", ErrReadOnly, path)
	}
	if _, _, inList, err := listSplit(schema, path); err != nil || inList {
		return fmt.Errorf("%w: cannot set %q inside a list", ErrInvalidArgument, path)
	}

	if opts.Validate && ok {
		verr := &fields.ValidationError{}
		for _, id := range ids {
			if err := fields.Check(f, values[id]); err != nil {
				verr.Fields = append(verr.Fields, fields.FieldError{
					Path:   path,
					Reason: fmt.Sprintf("document %s: %v", id.Hex(), err),
				})
			}
		}
		if len(verr.Fields) > 0 {
			return fmt.Errorf("dataset %q: %w", d.Name(), verr)
		}
	}

	stored := storedFieldPath(schema, path)
	stamp := now()
	models := make([]docstore.WriteModel, 0, len(ids))
	for _, id := range ids {
		models = append(models, docstore.UpdateOneModel{
			Filter: bson.M{"_id": id},
			Update: bson.M{"$set": bson.M{stored: expr.Normalize(values[id]), fields.FieldLastModifiedAt: stamp}},
		})
	}
	if len(models) == 0 {
		return nil
	}
	if _, err := d.collectionOf(t).BulkWrite(ctx, models, docstore.BulkWriteOptions{}); err != nil {
		return fmt.Errorf("%w: dataset %q: set %q: %w", ErrBulkWrite, d.Name(), path, err)
	}
	return nil
}

// storedFieldPath translates a field path into the stored key path.
func storedFieldPath(schema *fields.Schema, path string) string {
	parts := strings.Split(path, ".")
	out := make([]string, len(parts))
	for i := range parts {
		out[i] = parts[i]
		if f, ok := schema.Get(strings.Join(parts[:i+1], ".")); ok {
			out[i] = f.StoredName()
		}
	}
	return strings.Join(out, ".")
}

// DeleteLabels removes the labels with the given ids from every label
// field, or only from fieldNames when given. Single labels are set to
// null; labels inside label lists are pulled from the list.
func (d *Dataset) DeleteLabels(ctx context.Context, ids []bson.ObjectID, fieldNames ...string) error {
	if err := d.ensureFresh(ctx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	type target struct {
		t    schemaTarget
		path string
		f    *fields.Field
	}
	var targets []target
	for _, t := range []schemaTarget{sampleTarget, frameTarget} {
		schema, err := d.schemaOf(t)
		if err != nil {
			continue
		}
		for _, name := range schema.Names() {
			f, _ := schema.Field(name)
			if f.Kind != fields.Embedded || !fields.IsLabelType(f.DocType) {
				continue
			}
			public := name
			if t == frameTarget {
				public = fields.FieldFrames + "." + name
			}
			if len(fieldNames) > 0 && !slices.Contains(fieldNames, public) {
				continue
			}
			targets = append(targets, target{t: t, path: name, f: f})
		}
	}

	in := bson.M{"$in": ids}
	for _, tg := range targets {
		filter, update := bson.M{tg.path + "._id": in}, bson.M{"$set": bson.M{tg.path: nil}}
		if attr, ok := tg.f.IsLabelList(); ok {
			list := tg.path + "." + attr
			filter = bson.M{list + "._id": in}
			update = bson.M{"$pull": bson.M{list: bson.M{"_id": in}}}
		}
		if _, err := d.collectionOf(tg.t).UpdateMany(ctx, filter, update, docstore.UpdateOptions{}); err != nil {
			return fmt.Errorf("failed to delete labels from %q of %q: %w", tg.path, d.Name(), err)
		}
	}
	return nil
}

// sampleWrites are the buffered writes of one sample save.
type sampleWrites struct {
	samples []docstore.WriteModel
	frames  []docstore.WriteModel
	size    int
}

func (w *sampleWrites) add(o sampleWrites) {
	w.samples = append(w.samples, o.samples...)
	w.frames = append(w.frames, o.frames...)
	w.size += o.size
}

func (w sampleWrites) empty() bool { return len(w.samples) == 0 && len(w.frames) == 0 }

func (d *Dataset) saveSample(ctx context.Context, s *Sample) error {
	w, err := d.sampleWrites(ctx, s)
	if err != nil {
		return err
	}
	if err := d.applyWrites(ctx, w); err != nil {
		return err
	}
	s.clean()
	return nil
}

func (d *Dataset) applyWrites(ctx context.Context, w sampleWrites) error {
	if len(w.samples) > 0 {
		if _, err := d.SampleCollection().BulkWrite(ctx, w.samples, docstore.BulkWriteOptions{}); err != nil {
			return fmt.Errorf("%w: dataset %q: %w", ErrBulkWrite, d.Name(), err)
		}
	}
	if len(w.frames) > 0 {
		if _, err := d.FrameCollection().BulkWrite(ctx, w.frames, docstore.BulkWriteOptions{}); err != nil {
			return fmt.Errorf("%w: dataset %q frames: %w", ErrBulkWrite, d.Name(), err)
		}
	}
	return nil
}

// sampleWrites computes the writes persisting the changes of s,
// declaring new top-level fields on the way.
func (d *Dataset) sampleWrites(ctx context.Context, s *Sample) (sampleWrites, error) {
	var w sampleWrites
	if s.dataset != d {
		return w, fmt.Errorf("%w: sample %s is not in dataset %q", ErrInvalidArgument, s.ID().Hex(), d.Name())
	}
	if len(s.dirty) == 0 && len(s.unset) == 0 && len(s.dirtyFrames) == 0 {
		return w, nil
	}
	if err := d.ensureFresh(ctx); err != nil {
		return w, err
	}
	stamp := now()

	if len(s.dirty) > 0 || len(s.unset) > 0 {
		set, unset, err := d.sampleChanges(ctx, s)
		if err != nil {
			return w, err
		}
		set[fields.FieldLastModifiedAt] = stamp
		s.doc[fields.FieldLastModifiedAt] = stamp
		update := bson.M{"$set": set}
		if len(unset) > 0 {
			update["$unset"] = unset
		}
		w.samples = append(w.samples, docstore.UpdateOneModel{Filter: bson.M{"_id": s.ID()}, Update: update})
		w.size += approxSize(update)
	}

	if len(s.dirtyFrames) > 0 {
		frames, size, err := d.frameChanges(ctx, s, stamp)
		if err != nil {
			return w, err
		}
		w.frames = frames
		w.size += size
	}
	return w, nil
}

func (d *Dataset) sampleChanges(ctx context.Context, s *Sample) (bson.M, bson.M, error) {
	schema, err := d.schemaOf(sampleTarget)
	if err != nil {
		return nil, nil, err
	}
	paths := topmost(sortedSet(s.dirty))
	candidate := fields.NewSchema()
	for _, p := range append(slices.Clone(paths), sortedSet(s.unset)...) {
		root, _, _ := strings.Cut(p, ".")
		f, ok := schema.ByStoredName(root)
		if ok && f.ReadOnly {
			return nil, nil, fmt.Errorf("%w: %q", ErrReadOnly, f.Name)
		}
		if !ok && !expr.IsMissing(s.doc[root]) {
			if inferred := fields.Infer(root, s.doc[root], false); inferred != nil {
				candidate.Set(root, inferred)
			}
		}
	}
	if candidate.Len() > 0 {
		if _, err := d.mergeSchema(ctx, sampleTarget, candidate, fields.MergeOptions{Expand: true}); err != nil {
			return nil, nil, err
		}
		if schema, err = d.schemaOf(sampleTarget); err != nil {
			return nil, nil, err
		}
	}

	verr := &fields.ValidationError{DocumentID: s.ID()}
	set := bson.M{}
	for _, p := range paths {
		v := expr.GetPath(s.doc, p)
		if expr.IsMissing(v) {
			v = nil
		}
		root, rest, nested := strings.Cut(p, ".")
		name := root
		if f, ok := schema.ByStoredName(root); ok {
			name = f.Name
		}
		if nested {
			name += "." + rest
		}
		if f, ok := schema.Get(name); ok {
			if err := fields.Check(f, v); err != nil {
				verr.Fields = append(verr.Fields, fields.FieldError{Path: name, Reason: err.Error()})
			}
		}
		set[p] = v
	}
	if len(verr.Fields) > 0 {
		return nil, nil, fmt.Errorf("dataset %q: %w", d.Name(), verr)
	}
	unset := bson.M{}
	for p := range s.unset {
		unset[p] = ""
	}
	return set, unset, nil
}

func (d *Dataset) frameChanges(ctx context.Context, s *Sample, stamp time.Time) ([]docstore.WriteModel, int, error) {
	numbers := slices.Sorted(maps.Keys(s.dirtyFrames))
	docs := make([]bson.M, 0, len(numbers))
	for _, n := range numbers {
		docs = append(docs, s.frames[n])
	}
	if err := d.expandSchema(ctx, frameTarget, docs, false); err != nil {
		return nil, 0, err
	}
	if err := d.validateDocs(frameTarget, docs, true); err != nil {
		return nil, 0, err
	}

	ref := s.ID()
	if d.IsClips() {
		ref, _ = s.doc[fields.FieldSampleID].(bson.ObjectID)
	}
	models := make([]docstore.WriteModel, 0, len(numbers))
	size := 0
	for i, n := range numbers {
		set := bson.M{fields.FieldLastModifiedAt: stamp}
		for k, v := range docs[i] {
			switch k {
			case "_id", fields.FieldSampleID, fields.FieldFrameNumber, fields.FieldCreatedAt, fields.FieldLastModifiedAt:
				continue
			}
			set[k] = v
		}
		update := bson.M{"$set": set, "$setOnInsert": bson.M{fields.FieldCreatedAt: stamp}}
		models = append(models, docstore.UpdateOneModel{
			Filter: bson.M{fields.FieldSampleID: ref, fields.FieldFrameNumber: n},
			Update: update,
			Upsert: true,
		})
		size += approxSize(update)
	}
	return models, size, nil
}

// topmost drops paths that have an ancestor in sorted paths.
func topmost(paths []string) []string {
	var out []string
	for _, p := range paths {
		if len(out) > 0 {
			last := out[len(out)-1]
			if strings.HasPrefix(p, last+".") {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// approxSize estimates the encoded size of v.
func approxSize(v interface{}) int {
	raw, err := bson.Marshal(bson.M{"v": v})
	if err != nil {
		return 0
	}
	return len(raw)
}
