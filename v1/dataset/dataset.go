package dataset

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// Dataset is the live handle of one dataset. Handles are obtained from a
// Registry and shared by every caller in the process.
type Dataset struct {
	registry *Registry

	// schemaMu serializes schema mutations of this process.
	schemaMu sync.Mutex

	mu           sync.RWMutex
	doc          datasetDoc
	sampleSchema *fields.Schema
	frameSchema  *fields.Schema
	groupSlice   string
	stale        bool
	deleted      bool
}

func newDataset(r *Registry, doc datasetDoc) (*Dataset, error) {
	d := &Dataset{registry: r}
	if err := d.apply(doc); err != nil {
		return nil, err
	}
	d.groupSlice = doc.DefaultGroupSlice
	return d, nil
}

// apply installs doc and its parsed schemas. Callers hold d.mu or own d.
func (d *Dataset) apply(doc datasetDoc) error {
	samples, err := fields.SchemaFromDocs(doc.SampleFields)
	if err != nil {
		return fmt.Errorf("dataset %q: invalid sample schema: %w", doc.Name, err)
	}
	var frames *fields.Schema
	if doc.FrameCollectionName != "" {
		if frames, err = fields.SchemaFromDocs(doc.FrameFields); err != nil {
			return fmt.Errorf("dataset %q: invalid frame schema: %w", doc.Name, err)
		}
	}
	d.doc = doc
	d.sampleSchema = samples
	d.frameSchema = frames
	d.stale = false
	return nil
}

// Reload re-reads the registry document. A hard reload also resets the
// active group slice when it no longer exists.
func (d *Dataset) Reload(ctx context.Context, hard bool) error {
	if d.isDeleted() {
		return fmt.Errorf("%w: %q", ErrDeleted, d.Name())
	}
	m, err := d.registry.coll.FindOne(ctx, bson.M{"_id": d.ID()}, nil)
	if err != nil {
		if docstore.IsNotFound(err) {
			return fmt.Errorf("%w: dataset %q", ErrNotFound, d.Name())
		}
		return fmt.Errorf("failed to reload dataset %q: %w", d.Name(), err)
	}
	var doc datasetDoc
	if err := fromM(m, &doc); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.apply(doc); err != nil {
		return err
	}
	if hard {
		if _, ok := doc.GroupMediaTypes[d.groupSlice]; !ok {
			d.groupSlice = doc.DefaultGroupSlice
		}
	}
	return nil
}

// ensureFresh reloads a handle invalidated by a remote change.
func (d *Dataset) ensureFresh(ctx context.Context) error {
	d.mu.RLock()
	stale, deleted := d.stale, d.deleted
	d.mu.RUnlock()
	if deleted {
		return fmt.Errorf("%w: %q", ErrDeleted, d.Name())
	}
	if !stale {
		return nil
	}
	return d.Reload(ctx, true)
}

func (d *Dataset) markStale() {
	d.mu.Lock()
	d.stale = true
	d.mu.Unlock()
}

func (d *Dataset) markDeleted() {
	d.mu.Lock()
	d.deleted = true
	d.mu.Unlock()
}

func (d *Dataset) isDeleted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deleted
}

// Deleted reports whether the dataset was deleted through its registry.
func (d *Dataset) Deleted() bool { return d.isDeleted() }

// Registry returns the owning registry.
func (d *Dataset) Registry() *Registry { return d.registry }

// ID returns the generated identifier.
func (d *Dataset) ID() bson.ObjectID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.ID
}

// Name returns the dataset name.
func (d *Dataset) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.Name
}

// Slug returns the URL-safe slug of the name.
func (d *Dataset) Slug() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.Slug
}

// MediaType returns the media type; MediaUnset until the first sample.
func (d *Dataset) MediaType() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.MediaType
}

// Persistent reports whether the dataset survives DeleteNonPersistent.
func (d *Dataset) Persistent() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.Persistent
}

// CreatedAt returns the creation time.
func (d *Dataset) CreatedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.CreatedAt
}

// LastModifiedAt returns the last time the registry document changed.
func (d *Dataset) LastModifiedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.LastModifiedAt
}

// LastLoadedAt returns the last time a process loaded the dataset.
func (d *Dataset) LastLoadedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.LastLoadedAt
}

// Tags returns the dataset tags.
func (d *Dataset) Tags() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.doc.Tags)
}

// Info returns a copy of the free-form info map.
func (d *Dataset) Info() bson.M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.doc.Info)
}

// Description returns the free-text description.
func (d *Dataset) Description() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.Description
}

// Classes returns the per-field class lists.
func (d *Dataset) Classes() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.doc.Classes)
}

// DefaultClasses returns the dataset-wide class list.
func (d *Dataset) DefaultClasses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.doc.DefaultClasses)
}

// MaskTargets returns the per-field mask targets.
func (d *Dataset) MaskTargets() map[string]bson.M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.doc.MaskTargets)
}

// DefaultMaskTargets returns the dataset-wide mask targets.
func (d *Dataset) DefaultMaskTargets() bson.M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.doc.DefaultMaskTargets)
}

// Skeletons returns the per-field keypoint skeletons.
func (d *Dataset) Skeletons() map[string]bson.M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.doc.Skeletons)
}

// DefaultSkeleton returns the dataset-wide keypoint skeleton.
func (d *Dataset) DefaultSkeleton() bson.M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.doc.DefaultSkeleton)
}

// AppConfig returns the display configuration.
func (d *Dataset) AppConfig() bson.M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.doc.AppConfig)
}

// Attributes are the free-form dataset attributes written by Save. Nil
// members are left unchanged.
type Attributes struct {
	Name               *string
	Persistent         *bool
	Description        *string
	Tags               []string
	Info               bson.M
	Classes            map[string][]string
	DefaultClasses     []string
	MaskTargets        map[string]bson.M
	DefaultMaskTargets bson.M
	Skeletons          map[string]bson.M
	DefaultSkeleton    bson.M
	AppConfig          bson.M
}

// Save writes the given attributes to the registry document.
func (d *Dataset) Save(ctx context.Context, attrs Attributes) error {
	if err := d.ensureFresh(ctx); err != nil {
		return err
	}
	set := bson.M{"last_modified_at": now()}
	oldName := d.Name()
	if attrs.Name != nil && *attrs.Name != oldName {
		slug, err := Slugify(*attrs.Name)
		if err != nil {
			return err
		}
		n, err := d.registry.coll.CountDocuments(ctx, bson.M{
			"_id": bson.M{"$ne": d.ID()},
			"$or": bson.A{bson.M{"name": *attrs.Name}, bson.M{"slug": slug}},
		})
		if err != nil {
			return fmt.Errorf("failed to check dataset name %q: %w", *attrs.Name, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: dataset %q", ErrNameConflict, *attrs.Name)
		}
		set["name"], set["slug"] = *attrs.Name, slug
	}
	if attrs.Persistent != nil {
		set["persistent"] = *attrs.Persistent
	}
	if attrs.Description != nil {
		set["description"] = *attrs.Description
	}
	for key, v := range map[string]interface{}{
		"tags":                 attrs.Tags,
		"info":                 attrs.Info,
		"classes":              attrs.Classes,
		"default_classes":      attrs.DefaultClasses,
		"mask_targets":         attrs.MaskTargets,
		"default_mask_targets": attrs.DefaultMaskTargets,
		"skeletons":            attrs.Skeletons,
		"default_skeleton":     attrs.DefaultSkeleton,
		"app_config":           attrs.AppConfig,
	} {
		if isNilValue(v) {
			continue
		}
		ev, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("dataset %q: %s: %w", oldName, key, err)
		}
		set[key] = ev
	}

	if _, err := d.registry.coll.UpdateOne(ctx, bson.M{"_id": d.ID()}, bson.M{"$set": set}, docstore.UpdateOptions{}); err != nil {
		if docstore.IsDuplicateKey(err) {
			return fmt.Errorf("%w: dataset %q: %w", ErrNameConflict, oldName, err)
		}
		return fmt.Errorf("failed to save dataset %q: %w", oldName, err)
	}
	if err := d.Reload(ctx, false); err != nil {
		return err
	}
	if name := d.Name(); name != oldName {
		d.registry.rename(oldName, name)
	}
	d.registry.publish(ctx, events.New(events.MetadataChanged, d.Name()))
	return nil
}

func isNilValue(v interface{}) bool {
	switch t := v.(type) {
	case []string:
		return t == nil
	case bson.M:
		return t == nil
	case map[string][]string:
		return t == nil
	case map[string]bson.M:
		return t == nil
	}
	return v == nil
}

// SampleCollection returns the collection holding the samples.
func (d *Dataset) SampleCollection() docstore.Collection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registry.client.Collection(d.doc.SampleCollectionName)
}

// SampleCollectionName returns the name of the sample collection.
func (d *Dataset) SampleCollectionName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.SampleCollectionName
}

// FrameCollection returns the frame collection, or nil when the dataset
// has no frames.
func (d *Dataset) FrameCollection() docstore.Collection {
	name := d.FrameCollectionName()
	if name == "" {
		return nil
	}
	return d.registry.client.Collection(name)
}

// FrameCollectionName returns the name of the frame collection, or "".
func (d *Dataset) FrameCollectionName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.FrameCollectionName
}

// OwnsFrames reports whether deleting the dataset drops its frames.
func (d *Dataset) OwnsFrames() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.FramesOwned
}

// IsClips reports whether the dataset is a clips dataset.
func (d *Dataset) IsClips() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.SourceDataset != ""
}

// SourceDataset returns the dataset a clips dataset was derived from.
func (d *Dataset) SourceDataset() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.SourceDataset
}

// HasVideo reports whether the dataset has video samples: its media type
// is video, or it is a group dataset with at least one video slice.
func (d *Dataset) HasVideo() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.doc.MediaType == MediaVideo {
		return true
	}
	for _, mt := range d.doc.GroupMediaTypes {
		if mt == MediaVideo {
			return true
		}
	}
	return false
}

// EnsureMediaType fixes the media type of a dataset without one to mt,
// allocating frames for video. A dataset whose media type is set accepts
// only mt, or anything when it is mixed.
func (d *Dataset) EnsureMediaType(ctx context.Context, mt string) error {
	if mt == MediaGroup || checkMediaType(mt) != nil || mt == MediaUnset {
		return fmt.Errorf("%w: unsupported media type %q", ErrInvalidArgument, mt)
	}
	if err := d.ensureFresh(ctx); err != nil {
		return err
	}
	switch current := d.MediaType(); current {
	case mt, MediaMixed:
		return nil
	case MediaUnset:
	default:
		return fmt.Errorf("%w: dataset %q has media type %q, not %q", ErrMediaTypeMismatch, d.Name(), current, mt)
	}
	if err := d.updateRegistry(ctx, bson.M{"$set": bson.M{"media_type": mt}}); err != nil {
		return err
	}
	if err := d.Reload(ctx, false); err != nil {
		return err
	}
	if mt == MediaVideo {
		return d.initFrames(ctx)
	}
	return nil
}

func (d *Dataset) createDefaultIndexes(ctx context.Context) error {
	coll := d.SampleCollection()
	for _, spec := range DefaultSampleIndexes() {
		if _, err := coll.Indexes().Create(ctx, spec); err != nil {
			return fmt.Errorf("failed to create index on %q: %w", d.Name(), err)
		}
	}
	return nil
}

// DefaultSampleIndexes are created with every sample collection.
func DefaultSampleIndexes() []docstore.IndexSpec {
	return []docstore.IndexSpec{
		{Keys: bson.D{{Key: fields.FieldFilepath, Value: 1}}},
		{Keys: bson.D{{Key: fields.FieldCreatedAt, Value: 1}}},
		{Keys: bson.D{{Key: fields.FieldLastModifiedAt, Value: 1}}},
	}
}

// DefaultFrameIndexes are created with every frame collection.
func DefaultFrameIndexes() []docstore.IndexSpec {
	return []docstore.IndexSpec{
		{
			Keys:   bson.D{{Key: fields.FieldSampleID, Value: 1}, {Key: fields.FieldFrameNumber, Value: 1}},
			Unique: true,
		},
		{Keys: bson.D{{Key: fields.FieldCreatedAt, Value: 1}}},
		{Keys: bson.D{{Key: fields.FieldLastModifiedAt, Value: 1}}},
	}
}

// Stats are storage statistics of a dataset.
type Stats struct {
	Samples    int64
	SampleSize int64
	Frames     int64
	FrameSize  int64
	IndexSize  int64
}

// Stats returns document counts and sizes of the backing collections.
func (d *Dataset) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	ss, err := d.SampleCollection().Stats(ctx)
	if err != nil {
		return st, fmt.Errorf("failed to read stats of %q: %w", d.Name(), err)
	}
	st.Samples, st.SampleSize, st.IndexSize = ss.Count, ss.Size, ss.TotalIndexSize
	if fc := d.FrameCollection(); fc != nil {
		fs, err := fc.Stats(ctx)
		if err != nil {
			return st, fmt.Errorf("failed to read frame stats of %q: %w", d.Name(), err)
		}
		st.Frames, st.FrameSize = fs.Count, fs.Size
		st.IndexSize += fs.TotalIndexSize
	}
	return st, nil
}

// updateRegistry applies update to the registry document of d.
func (d *Dataset) updateRegistry(ctx context.Context, update bson.M) error {
	set, ok := update["$set"].(bson.M)
	if !ok {
		set = bson.M{}
		update["$set"] = set
	}
	for k, v := range set {
		ev, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("dataset %q: %s: %w", d.Name(), k, err)
		}
		set[k] = ev
	}
	set["last_modified_at"] = now()
	res, err := d.registry.coll.UpdateOne(ctx, bson.M{"_id": d.ID()}, update, docstore.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("failed to update dataset %q: %w", d.Name(), err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: dataset %q", ErrNotFound, d.Name())
	}
	return nil
}

func (d *Dataset) observe(operation, subResource string, start time.Time, err error, size int64) {
	d.registry.observeOperation(operation, d.Name(), subResource, time.Since(start), err, size)
}
