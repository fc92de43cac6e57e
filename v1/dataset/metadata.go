package dataset

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/events"
)

// refetch re-reads only keys of the registry document and installs them
// on the handle, narrowing the window in which a concurrent writer's
// change to the same metadata is lost.
func (d *Dataset) refetch(ctx context.Context, keys ...string) error {
	proj := bson.M{}
	for _, k := range keys {
		proj[k] = 1
	}
	m, err := d.registry.coll.FindOne(ctx, bson.M{"_id": d.ID()}, &docstore.FindOptions{Projection: proj})
	if err != nil {
		if docstore.IsNotFound(err) {
			return fmt.Errorf("%w: dataset %q", ErrNotFound, d.Name())
		}
		return fmt.Errorf("failed to read dataset %q: %w", d.Name(), err)
	}
	var partial datasetDoc
	if err := fromM(m, &partial); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		switch k {
		case "saved_views":
			d.doc.SavedViews = partial.SavedViews
		case "workspaces":
			d.doc.Workspaces = partial.Workspaces
		case "group_media_types":
			d.doc.GroupMediaTypes = partial.GroupMediaTypes
		case "default_group_slice":
			d.doc.DefaultGroupSlice = partial.DefaultGroupSlice
		case RunAnnotation.key():
			d.doc.AnnotationRuns = partial.AnnotationRuns
		case RunBrain.key():
			d.doc.BrainMethods = partial.BrainMethods
		case RunEvaluation.key():
			d.doc.Evaluations = partial.Evaluations
		case RunCustom.key():
			d.doc.Runs = partial.Runs
		}
	}
	return nil
}

// linked describes records stored in their own collection and listed by
// id in the registry document.
type linked struct {
	collection string
	key        string
	kind       string
}

var (
	savedViews = linked{collection: ViewsCollection, key: "saved_views", kind: "saved view"}
	workspaces = linked{collection: WorkspacesCollection, key: "workspaces", kind: "workspace"}
)

func (d *Dataset) linkedIDs(l linked) []bson.ObjectID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if l.key == workspaces.key {
		return slices.Clone(d.doc.Workspaces)
	}
	return slices.Clone(d.doc.SavedViews)
}

func (d *Dataset) findLinked(ctx context.Context, l linked, name string) (bson.M, error) {
	if err := d.refetch(ctx, l.key); err != nil {
		return nil, err
	}
	filter := bson.M{"_id": bson.M{"$in": d.linkedIDs(l)}, "name": name}
	doc, err := d.registry.client.Collection(l.collection).FindOne(ctx, filter, nil)
	if err != nil {
		if docstore.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s %q in dataset %q", ErrNotFound, l.kind, name, d.Name())
		}
		return nil, fmt.Errorf("failed to read %s %q: %w", l.kind, name, err)
	}
	return doc, nil
}

// saveLinked stores doc under name. An existing record of the same name
// or slug is replaced only when overwrite is set.
func (d *Dataset) saveLinked(ctx context.Context, l linked, name string, doc bson.M, overwrite bool) (bson.M, error) {
	slug, err := Slugify(name)
	if err != nil {
		return nil, err
	}
	if err := d.refetch(ctx, l.key); err != nil {
		return nil, err
	}
	coll := d.registry.client.Collection(l.collection)
	stamp := now()
	doc["dataset_id"] = d.ID()
	doc["name"], doc["slug"] = name, slug
	doc["last_modified_at"] = stamp

	existing, err := coll.FindOne(ctx, bson.M{
		"_id": bson.M{"$in": d.linkedIDs(l)},
		"$or": bson.A{bson.M{"name": name}, bson.M{"slug": slug}},
	}, nil)
	switch {
	case err == nil:
		if !overwrite {
			return nil, fmt.Errorf("%w: %s %q (slug %q) in dataset %q", ErrNameConflict, l.kind, name, slug, d.Name())
		}
		doc["_id"], doc["created_at"] = existing["_id"], existing["created_at"]
		if _, err := coll.ReplaceOne(ctx, bson.M{"_id": existing["_id"]}, doc, docstore.UpdateOptions{}); err != nil {
			return nil, fmt.Errorf("failed to save %s %q: %w", l.kind, name, err)
		}
		return doc, nil
	case !docstore.IsNotFound(err):
		return nil, fmt.Errorf("failed to read %s %q: %w", l.kind, name, err)
	}

	id := bson.NewObjectID()
	doc["_id"], doc["created_at"] = id, stamp
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to save %s %q: %w", l.kind, name, err)
	}
	if err := d.updateRegistry(ctx, bson.M{"$push": bson.M{l.key: id}}); err != nil {
		return nil, err
	}
	if err := d.refetch(ctx, l.key); err != nil {
		return nil, err
	}
	d.registry.publish(ctx, events.New(events.MetadataChanged, d.Name(), l.key))
	return doc, nil
}

func (d *Dataset) listLinked(ctx context.Context, l linked) ([]bson.M, error) {
	if err := d.refetch(ctx, l.key); err != nil {
		return nil, err
	}
	cur, err := d.registry.client.Collection(l.collection).Find(ctx,
		bson.M{"_id": bson.M{"$in": d.linkedIDs(l)}},
		&docstore.FindOptions{Sort: bson.D{{Key: "name", Value: 1}}},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %ss of %q: %w", l.kind, d.Name(), err)
	}
	return docstore.All(ctx, cur)
}

func (d *Dataset) deleteLinked(ctx context.Context, l linked, name string) error {
	doc, err := d.findLinked(ctx, l, name)
	if err != nil {
		return err
	}
	id := doc["_id"]
	if _, err := d.registry.client.Collection(l.collection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete %s %q: %w", l.kind, name, err)
	}
	if err := d.updateRegistry(ctx, bson.M{"$pull": bson.M{l.key: id}}); err != nil {
		return err
	}
	if err := d.refetch(ctx, l.key); err != nil {
		return err
	}
	d.registry.publish(ctx, events.New(events.MetadataChanged, d.Name(), l.key))
	return nil
}

// LinkedInfo are the editable attributes of a saved view or workspace.
// Nil members are left unchanged.
type LinkedInfo struct {
	Name        *string
	Description *string
	Color       *string
}

func (d *Dataset) updateLinked(ctx context.Context, l linked, name string, info LinkedInfo) error {
	doc, err := d.findLinked(ctx, l, name)
	if err != nil {
		return err
	}
	set := bson.M{"last_modified_at": now()}
	if info.Name != nil && *info.Name != name {
		slug, err := Slugify(*info.Name)
		if err != nil {
			return err
		}
		n, err := d.registry.client.Collection(l.collection).CountDocuments(ctx, bson.M{
			"_id": bson.M{"$in": d.linkedIDs(l), "$ne": doc["_id"]},
			"$or": bson.A{bson.M{"name": *info.Name}, bson.M{"slug": slug}},
		})
		if err != nil {
			return fmt.Errorf("failed to check %s name %q: %w", l.kind, *info.Name, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s %q in dataset %q", ErrNameConflict, l.kind, *info.Name, d.Name())
		}
		set["name"], set["slug"] = *info.Name, slug
	}
	if info.Description != nil {
		set["description"] = *info.Description
	}
	if info.Color != nil {
		set["color"] = *info.Color
	}
	if _, err := d.registry.client.Collection(l.collection).UpdateOne(ctx, bson.M{"_id": doc["_id"]}, bson.M{"$set": set}, docstore.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update %s %q: %w", l.kind, name, err)
	}
	return nil
}

func (d *Dataset) touchLinked(ctx context.Context, l linked, id interface{}) {
	_, _ = d.registry.client.Collection(l.collection).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_loaded_at": now()}}, docstore.UpdateOptions{})
}

// SavedView is a named view of a dataset persisted as its serialized
// stages.
type SavedView struct {
	ID             bson.ObjectID `bson:"_id"`
	DatasetID      bson.ObjectID `bson:"dataset_id"`
	Name           string        `bson:"name"`
	Slug           string        `bson:"slug"`
	Description    string        `bson:"description,omitempty"`
	Color          string        `bson:"color,omitempty"`
	Stages         bson.A        `bson:"view_stages"`
	CreatedAt      time.Time     `bson:"created_at"`
	LastModifiedAt time.Time     `bson:"last_modified_at"`
	LastLoadedAt   *time.Time    `bson:"last_loaded_at,omitempty"`
}

// SaveView persists serialized view stages under name.
func (d *Dataset) SaveView(ctx context.Context, name string, stages bson.A, info LinkedInfo, overwrite bool) (*SavedView, error) {
	doc := bson.M{"view_stages": stages}
	if info.Description != nil {
		doc["description"] = *info.Description
	}
	if info.Color != nil {
		doc["color"] = *info.Color
	}
	saved, err := d.saveLinked(ctx, savedViews, name, doc, overwrite)
	if err != nil {
		return nil, err
	}
	var out SavedView
	if err := fromM(saved, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadSavedView returns the saved view called name.
func (d *Dataset) LoadSavedView(ctx context.Context, name string) (*SavedView, error) {
	doc, err := d.findLinked(ctx, savedViews, name)
	if err != nil {
		return nil, err
	}
	d.touchLinked(ctx, savedViews, doc["_id"])
	var out SavedView
	if err := fromM(doc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HasSavedView reports whether a saved view called name exists.
func (d *Dataset) HasSavedView(ctx context.Context, name string) (bool, error) {
	_, err := d.findLinked(ctx, savedViews, name)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// ListSavedViews returns the saved views sorted by name.
func (d *Dataset) ListSavedViews(ctx context.Context) ([]SavedView, error) {
	docs, err := d.listLinked(ctx, savedViews)
	if err != nil {
		return nil, err
	}
	out := make([]SavedView, len(docs))
	for i, doc := range docs {
		if err := fromM(doc, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateSavedViewInfo renames or re-describes a saved view.
func (d *Dataset) UpdateSavedViewInfo(ctx context.Context, name string, info LinkedInfo) error {
	return d.updateLinked(ctx, savedViews, name, info)
}

// DeleteSavedView deletes the saved view called name.
func (d *Dataset) DeleteSavedView(ctx context.Context, name string) error {
	return d.deleteLinked(ctx, savedViews, name)
}

// Workspace is a named display layout of a dataset.
type Workspace struct {
	ID             bson.ObjectID `bson:"_id"`
	DatasetID      bson.ObjectID `bson:"dataset_id"`
	Name           string        `bson:"name"`
	Slug           string        `bson:"slug"`
	Description    string        `bson:"description,omitempty"`
	Color          string        `bson:"color,omitempty"`
	Layout         bson.M        `bson:"child"`
	CreatedAt      time.Time     `bson:"created_at"`
	LastModifiedAt time.Time     `bson:"last_modified_at"`
	LastLoadedAt   *time.Time    `bson:"last_loaded_at,omitempty"`
}

// SaveWorkspace persists a layout under name.
func (d *Dataset) SaveWorkspace(ctx context.Context, name string, layout bson.M, info LinkedInfo, overwrite bool) (*Workspace, error) {
	doc := bson.M{"child": layout}
	if info.Description != nil {
		doc["description"] = *info.Description
	}
	if info.Color != nil {
		doc["color"] = *info.Color
	}
	saved, err := d.saveLinked(ctx, workspaces, name, doc, overwrite)
	if err != nil {
		return nil, err
	}
	var out Workspace
	if err := fromM(saved, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoadWorkspace returns the workspace called name.
func (d *Dataset) LoadWorkspace(ctx context.Context, name string) (*Workspace, error) {
	doc, err := d.findLinked(ctx, workspaces, name)
	if err != nil {
		return nil, err
	}
	d.touchLinked(ctx, workspaces, doc["_id"])
	var out Workspace
	if err := fromM(doc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkspaces returns the workspaces sorted by name.
func (d *Dataset) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	docs, err := d.listLinked(ctx, workspaces)
	if err != nil {
		return nil, err
	}
	out := make([]Workspace, len(docs))
	for i, doc := range docs {
		if err := fromM(doc, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateWorkspaceInfo renames or re-describes a workspace.
func (d *Dataset) UpdateWorkspaceInfo(ctx context.Context, name string, info LinkedInfo) error {
	return d.updateLinked(ctx, workspaces, name, info)
}

// DeleteWorkspace deletes the workspace called name.
func (d *Dataset) DeleteWorkspace(ctx context.Context, name string) error {
	return d.deleteLinked(ctx, workspaces, name)
}

// RunKind is the kind of a run record.
type RunKind string

const (
	RunAnnotation RunKind = "annotation"
	RunBrain      RunKind = "brain"
	RunEvaluation RunKind = "evaluation"
	RunCustom     RunKind = "custom"
)

// key returns the registry document key indexing runs of kind k.
func (k RunKind) key() string {
	switch k {
	case RunAnnotation:
		return "annotation_runs"
	case RunBrain:
		return "brain_methods"
	case RunEvaluation:
		return "evaluations"
	}
	return "runs"
}

func (k RunKind) valid() bool {
	switch k {
	case RunAnnotation, RunBrain, RunEvaluation, RunCustom:
		return true
	}
	return false
}

// Run is the record of an annotation, brain, evaluation or custom run.
type Run struct {
	ID        bson.ObjectID `bson:"_id"`
	DatasetID bson.ObjectID `bson:"dataset_id"`
	Key       string        `bson:"key"`
	Kind      RunKind       `bson:"kind"`
	Version   string        `bson:"version,omitempty"`
	Timestamp time.Time     `bson:"timestamp"`
	Config    bson.M        `bson:"config"`
	Results   bson.M        `bson:"results,omitempty"`
}

var runKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (d *Dataset) runIndex(kind RunKind) map[string]bson.ObjectID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch kind {
	case RunAnnotation:
		return maps.Clone(d.doc.AnnotationRuns)
	case RunBrain:
		return maps.Clone(d.doc.BrainMethods)
	case RunEvaluation:
		return maps.Clone(d.doc.Evaluations)
	}
	return maps.Clone(d.doc.Runs)
}

func (d *Dataset) runID(ctx context.Context, kind RunKind, key string) (bson.ObjectID, error) {
	if !kind.valid() {
		return bson.ObjectID{}, fmt.Errorf("%w: run kind %q", ErrInvalidArgument, kind)
	}
	if err := d.refetch(ctx, kind.key()); err != nil {
		return bson.ObjectID{}, err
	}
	id, ok := d.runIndex(kind)[key]
	if !ok {
		return bson.ObjectID{}, fmt.Errorf("%w: %s run %q in dataset %q", ErrNotFound, kind, key, d.Name())
	}
	return id, nil
}

// RegisterRun records a run under key. An existing run with the same key
// is replaced only when overwrite is set.
func (d *Dataset) RegisterRun(ctx context.Context, kind RunKind, key string, config bson.M, overwrite bool) (*Run, error) {
	if !runKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: run key %q is not an identifier", ErrInvalidArgument, key)
	}
	if old, err := d.runID(ctx, kind, key); err == nil {
		if !overwrite {
			return nil, fmt.Errorf("%w: %s run %q in dataset %q", ErrNameConflict, kind, key, d.Name())
		}
		if _, err := d.registry.client.Collection(RunsCollection).DeleteOne(ctx, bson.M{"_id": old}); err != nil {
			return nil, fmt.Errorf("failed to replace %s run %q: %w", kind, key, err)
		}
	} else if !IsNotFound(err) {
		return nil, err
	}

	run := Run{
		ID:        bson.NewObjectID(),
		DatasetID: d.ID(),
		Key:       key,
		Kind:      kind,
		Timestamp: now(),
		Config:    config,
	}
	doc, err := toM(run)
	if err != nil {
		return nil, err
	}
	if _, err := d.registry.client.Collection(RunsCollection).InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to register %s run %q: %w", kind, key, err)
	}
	if err := d.updateRegistry(ctx, bson.M{"$set": bson.M{kind.key() + "." + key: run.ID}}); err != nil {
		return nil, err
	}
	if err := d.refetch(ctx, kind.key()); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun returns the run of kind stored under key.
func (d *Dataset) GetRun(ctx context.Context, kind RunKind, key string) (*Run, error) {
	id, err := d.runID(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	doc, err := d.registry.client.Collection(RunsCollection).FindOne(ctx, bson.M{"_id": id}, nil)
	if err != nil {
		if docstore.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s run %q in dataset %q", ErrNotFound, kind, key, d.Name())
		}
		return nil, fmt.Errorf("failed to read %s run %q: %w", kind, key, err)
	}
	var run Run
	if err := fromM(doc, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// SetRunResults stores the results of a run.
func (d *Dataset) SetRunResults(ctx context.Context, kind RunKind, key string, results bson.M) error {
	id, err := d.runID(ctx, kind, key)
	if err != nil {
		return err
	}
	if _, err := d.registry.client.Collection(RunsCollection).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"results": results}}, docstore.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to store results of %s run %q: %w", kind, key, err)
	}
	return nil
}

// ListRuns returns the run keys of kind in sorted order.
func (d *Dataset) ListRuns(ctx context.Context, kind RunKind) ([]string, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: run kind %q", ErrInvalidArgument, kind)
	}
	if err := d.refetch(ctx, kind.key()); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(d.runIndex(kind))), nil
}

// RenameRun moves a run to newKey.
func (d *Dataset) RenameRun(ctx context.Context, kind RunKind, key, newKey string) error {
	if !runKeyPattern.MatchString(newKey) {
		return fmt.Errorf("%w: run key %q is not an identifier", ErrInvalidArgument, newKey)
	}
	id, err := d.runID(ctx, kind, key)
	if err != nil {
		return err
	}
	if _, taken := d.runIndex(kind)[newKey]; taken {
		return fmt.Errorf("%w: %s run %q in dataset %q", ErrNameConflict, kind, newKey, d.Name())
	}
	if err := d.updateRegistry(ctx, bson.M{"$rename": bson.M{kind.key() + "." + key: kind.key() + "." + newKey}}); err != nil {
		return err
	}
	if _, err := d.registry.client.Collection(RunsCollection).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"key": newKey}}, docstore.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to rename %s run %q: %w", kind, key, err)
	}
	return d.refetch(ctx, kind.key())
}

// DeleteRun deletes the run of kind stored under key.
func (d *Dataset) DeleteRun(ctx context.Context, kind RunKind, key string) error {
	id, err := d.runID(ctx, kind, key)
	if err != nil {
		return err
	}
	if _, err := d.registry.client.Collection(RunsCollection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete %s run %q: %w", kind, key, err)
	}
	if err := d.updateRegistry(ctx, bson.M{"$unset": bson.M{kind.key() + "." + key: ""}}); err != nil {
		return err
	}
	return d.refetch(ctx, kind.key())
}

// DeleteRuns deletes every run of kind.
func (d *Dataset) DeleteRuns(ctx context.Context, kind RunKind) error {
	keys, err := d.ListRuns(ctx, kind)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := d.DeleteRun(ctx, kind, key); err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}
