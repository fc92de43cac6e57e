package dataset

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// Group is the identity shared by the slice samples of one group.
type Group struct {
	ID bson.ObjectID
}

// NewGroup returns a group with a fresh id.
func NewGroup() Group {
	return Group{ID: bson.NewObjectID()}
}

// Element returns the stored group value of the member in slice.
func (g Group) Element(slice string) bson.M {
	return bson.M{fields.ClassKey: fields.GroupDocType, "_id": g.ID, "name": slice}
}

// groupOf extracts the group id and slice name of a stored group value.
func groupOf(v interface{}) (bson.ObjectID, string, bool) {
	doc, ok := expr.AsDoc(v)
	if !ok {
		return bson.ObjectID{}, "", false
	}
	if cls, _ := doc[fields.ClassKey].(string); cls != fields.GroupDocType {
		return bson.ObjectID{}, "", false
	}
	id, _ := doc["_id"].(bson.ObjectID)
	name, _ := doc["name"].(string)
	return id, name, name != ""
}

func (d *Dataset) groupFieldName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.GroupField
}

// GroupField returns the name of the group field, or "" for datasets
// without groups.
func (d *Dataset) GroupField() string { return d.groupFieldName() }

// DefaultGroupSlice returns the slice selected when none is requested.
func (d *Dataset) DefaultGroupSlice() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.doc.DefaultGroupSlice
}

// GroupSlice returns the active slice of this handle.
func (d *Dataset) GroupSlice() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.groupSlice
}

// SetGroupSlice changes the active slice of this handle. The change is
// not persisted.
func (d *Dataset) SetGroupSlice(slice string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc.GroupField == "" {
		return fmt.Errorf("%w: dataset %q has no groups", ErrMediaTypeMismatch, d.doc.Name)
	}
	if _, ok := d.doc.GroupMediaTypes[slice]; !ok {
		return fmt.Errorf("%w: dataset %q has no group slice %q", ErrNotFound, d.doc.Name, slice)
	}
	d.groupSlice = slice
	return nil
}

// GroupSlices returns the slice names in sorted order.
func (d *Dataset) GroupSlices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Sorted(maps.Keys(d.doc.GroupMediaTypes))
}

// GroupMediaTypes returns a copy of the slice to media type map.
func (d *Dataset) GroupMediaTypes() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.doc.GroupMediaTypes)
}

// SliceMediaType returns the media type of slice.
func (d *Dataset) SliceMediaType(slice string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mt, ok := d.doc.GroupMediaTypes[slice]
	return mt, ok
}

// AddGroupField turns an empty or group dataset into a group dataset
// keyed on field. defaultSlice becomes the default when none is set.
func (d *Dataset) AddGroupField(ctx context.Context, field, defaultSlice string) error {
	if err := d.ensureFresh(ctx); err != nil {
		return err
	}
	mt, existing := d.MediaType(), d.groupFieldName()
	if existing == field {
		return nil
	}
	if existing != "" {
		return fmt.Errorf("%w: dataset %q already has group field %q", ErrInvalidArgument, d.Name(), existing)
	}
	if mt != MediaUnset && mt != MediaGroup {
		return fmt.Errorf("%w: cannot add a group field to %s dataset %q", ErrMediaTypeMismatch, mt, d.Name())
	}

	if _, err := d.AddSampleField(ctx, field, fields.GroupField(field)); err != nil {
		return err
	}
	set := bson.M{"media_type": MediaGroup, "group_field": field}
	if d.DefaultGroupSlice() == "" && defaultSlice != "" {
		set["default_group_slice"] = defaultSlice
	}
	if err := d.updateRegistry(ctx, bson.M{"$set": set}); err != nil {
		return err
	}
	if _, err := d.SampleCollection().Indexes().Create(ctx, docstore.IndexSpec{
		Keys: bson.D{{Key: field + "._id", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to index group field of %q: %w", d.Name(), err)
	}
	if _, err := d.SampleCollection().Indexes().Create(ctx, docstore.IndexSpec{
		Keys: bson.D{{Key: field + ".name", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to index group slices of %q: %w", d.Name(), err)
	}
	if err := d.Reload(ctx, true); err != nil {
		return err
	}
	d.registry.publish(ctx, events.New(events.GroupChanged, d.Name(), field))
	return nil
}

// AddGroupSlice declares slice with mediaType. Re-adding a slice with
// its existing media type is a no-op.
func (d *Dataset) AddGroupSlice(ctx context.Context, slice, mediaType string) error {
	start := time.Now()
	err := d.addGroupSlice(ctx, slice, mediaType)
	d.observe("add_group_slice", slice, start, err, 0)
	return err
}

func (d *Dataset) addGroupSlice(ctx context.Context, slice, mediaType string) error {
	if slice == "" {
		return fmt.Errorf("%w: empty group slice name", ErrInvalidArgument)
	}
	if mediaType == MediaGroup || checkMediaType(mediaType) != nil {
		return fmt.Errorf("%w: unsupported slice media type %q", ErrInvalidArgument, mediaType)
	}
	// Another process may have changed the slices since this handle loaded.
	if err := d.Reload(ctx, false); err != nil {
		return err
	}
	if mt := d.MediaType(); mt != MediaGroup {
		return fmt.Errorf("%w: dataset %q has media type %q, not %q", ErrMediaTypeMismatch, d.Name(), mt, MediaGroup)
	}
	if existing, ok := d.SliceMediaType(slice); ok {
		if existing != mediaType {
			return fmt.Errorf("%w: group slice %q of %q has media type %q, not %q",
				ErrMediaTypeMismatch, slice, d.Name(), existing, mediaType)
		}
		return nil
	}

	if mediaType == MediaVideo && d.FrameCollectionName() == "" {
		if err := d.initFrames(ctx); err != nil {
			return err
		}
	}
	set := bson.M{"group_media_types." + slice: mediaType}
	if d.DefaultGroupSlice() == "" {
		set["default_group_slice"] = slice
	}
	if err := d.updateRegistry(ctx, bson.M{"$set": set}); err != nil {
		return err
	}
	if err := d.Reload(ctx, false); err != nil {
		return err
	}
	d.mu.Lock()
	if d.groupSlice == "" {
		d.groupSlice = d.doc.DefaultGroupSlice
	}
	d.mu.Unlock()
	d.registry.publish(ctx, events.New(events.GroupChanged, d.Name(), slice))
	return nil
}

// RenameGroupSlice renames a slice and the slice name stored on its
// samples.
func (d *Dataset) RenameGroupSlice(ctx context.Context, oldName, newName string) error {
	if err := d.Reload(ctx, false); err != nil {
		return err
	}
	field := d.groupFieldName()
	if _, ok := d.SliceMediaType(oldName); !ok {
		return fmt.Errorf("%w: dataset %q has no group slice %q", ErrNotFound, d.Name(), oldName)
	}
	if _, ok := d.SliceMediaType(newName); ok {
		return fmt.Errorf("%w: group slice %q already exists in %q", ErrNameConflict, newName, d.Name())
	}

	update := bson.M{"$rename": bson.M{"group_media_types." + oldName: "group_media_types." + newName}}
	if d.DefaultGroupSlice() == oldName {
		update["$set"] = bson.M{"default_group_slice": newName}
	}
	if err := d.updateRegistry(ctx, update); err != nil {
		return err
	}
	if _, err := d.SampleCollection().UpdateMany(ctx,
		bson.M{field + ".name": oldName},
		bson.M{"$set": bson.M{field + ".name": newName}},
		docstore.UpdateOptions{},
	); err != nil {
		return fmt.Errorf("failed to rename group slice %q of %q: %w", oldName, d.Name(), err)
	}

	if err := d.Reload(ctx, false); err != nil {
		return err
	}
	d.mu.Lock()
	if d.groupSlice == oldName {
		d.groupSlice = newName
	}
	d.mu.Unlock()
	d.registry.publish(ctx, events.New(events.GroupChanged, d.Name(), oldName, newName))
	return nil
}

// DeleteGroupSlice removes a slice together with its samples and frames.
func (d *Dataset) DeleteGroupSlice(ctx context.Context, slice string) error {
	if err := d.Reload(ctx, false); err != nil {
		return err
	}
	field := d.groupFieldName()
	if _, ok := d.SliceMediaType(slice); !ok {
		return fmt.Errorf("%w: dataset %q has no group slice %q", ErrNotFound, d.Name(), slice)
	}

	filter := bson.M{field + ".name": slice}
	if fc := d.FrameCollection(); fc != nil && d.OwnsFrames() {
		ids, err := d.sampleIDs(ctx, filter)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			if _, err := fc.DeleteMany(ctx, bson.M{fields.FieldSampleID: bson.M{"$in": ids}}); err != nil {
				return fmt.Errorf("failed to delete frames of group slice %q: %w", slice, err)
			}
		}
	}
	if _, err := d.SampleCollection().DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("failed to delete samples of group slice %q: %w", slice, err)
	}

	update := bson.M{"$unset": bson.M{"group_media_types." + slice: ""}}
	if d.DefaultGroupSlice() == slice {
		var next interface{}
		for _, s := range d.GroupSlices() {
			if s != slice {
				next = s
				break
			}
		}
		if next == nil {
			update["$unset"].(bson.M)["default_group_slice"] = ""
		} else {
			update["$set"] = bson.M{"default_group_slice": next}
		}
	}
	if err := d.updateRegistry(ctx, update); err != nil {
		return err
	}
	if err := d.Reload(ctx, true); err != nil {
		return err
	}
	d.registry.publish(ctx, events.New(events.GroupChanged, d.Name(), slice))
	return nil
}

// SetDefaultGroupSlice changes the persisted default slice.
func (d *Dataset) SetDefaultGroupSlice(ctx context.Context, slice string) error {
	if err := d.Reload(ctx, false); err != nil {
		return err
	}
	if _, ok := d.SliceMediaType(slice); !ok {
		return fmt.Errorf("%w: dataset %q has no group slice %q", ErrNotFound, d.Name(), slice)
	}
	if err := d.updateRegistry(ctx, bson.M{"$set": bson.M{"default_group_slice": slice}}); err != nil {
		return err
	}
	return d.Reload(ctx, false)
}

// GetGroup returns the members of a group keyed by slice name.
func (d *Dataset) GetGroup(ctx context.Context, groupID bson.ObjectID) (map[string]*Sample, error) {
	field := d.groupFieldName()
	if field == "" {
		return nil, fmt.Errorf("%w: dataset %q has no groups", ErrMediaTypeMismatch, d.Name())
	}
	cur, err := d.SampleCollection().Find(ctx, bson.M{field + "._id": groupID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read group %s of %q: %w", groupID.Hex(), d.Name(), err)
	}
	docs, err := docstore.All(ctx, cur)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: group %s in dataset %q", ErrNotFound, groupID.Hex(), d.Name())
	}
	out := make(map[string]*Sample, len(docs))
	for _, doc := range docs {
		_, slice, _ := groupOf(doc[field])
		s := sampleFromDoc(d, doc)
		if err := d.loadFrames(ctx, s); err != nil {
			return nil, err
		}
		out[slice] = s
	}
	return out, nil
}

// sampleIDs returns the ids of the samples matching filter.
func (d *Dataset) sampleIDs(ctx context.Context, filter bson.M) ([]bson.ObjectID, error) {
	cur, err := d.SampleCollection().Find(ctx, filter, &docstore.FindOptions{Projection: bson.M{"_id": 1}})
	if err != nil {
		return nil, fmt.Errorf("failed to read sample ids of %q: %w", d.Name(), err)
	}
	var ids []bson.ObjectID
	err = docstore.ForEach(ctx, cur, func(doc bson.M) error {
		if id, ok := doc["_id"].(bson.ObjectID); ok {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}
