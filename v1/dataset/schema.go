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

var declareOpts = fields.MergeOptions{Expand: true, Recursive: true, Validate: true}

// GetFieldSchema returns a copy of the sample schema narrowed by opts.
func (d *Dataset) GetFieldSchema(opts fields.FilterOptions) *fields.Schema {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sampleSchema.Clone().Filter(opts)
}

// GetFrameFieldSchema returns a copy of the frame schema narrowed by opts,
// or nil when the dataset has no frames.
func (d *Dataset) GetFrameFieldSchema(opts fields.FilterOptions) *fields.Schema {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.frameSchema == nil {
		return nil
	}
	return d.frameSchema.Clone().Filter(opts)
}

// schemaTarget selects the sample or the frame schema.
type schemaTarget bool

const (
	sampleTarget schemaTarget = false
	frameTarget  schemaTarget = true
)

func (t schemaTarget) key() string {
	if t == frameTarget {
		return "frame_fields"
	}
	return "sample_fields"
}

func (t schemaTarget) isDefault(path string) bool {
	if t == frameTarget {
		return fields.IsDefaultFrameField(path)
	}
	return fields.IsDefaultSampleField(path)
}

// framePath strips the "frames." prefix callers may use for frame fields.
func framePath(path string) string {
	return strings.TrimPrefix(path, fields.FieldFrames+".")
}

func (d *Dataset) schemaOf(t schemaTarget) (*fields.Schema, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if t == frameTarget {
		if d.frameSchema == nil {
			return nil, fmt.Errorf("%w: dataset %q has no frames", ErrMediaTypeMismatch, d.doc.Name)
		}
		return d.frameSchema, nil
	}
	return d.sampleSchema, nil
}

func (d *Dataset) collectionOf(t schemaTarget) docstore.Collection {
	if t == frameTarget {
		return d.FrameCollection()
	}
	return d.SampleCollection()
}

// mutateSchema applies fn to a copy of the target schema, persists the
// copy when fn reports a change and hard-reloads the handle.
func (d *Dataset) mutateSchema(ctx context.Context, t schemaTarget, kind string, paths []string, fn func(s *fields.Schema) (bool, error)) (bool, error) {
	if err := d.ensureFresh(ctx); err != nil {
		return false, err
	}
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	current, err := d.schemaOf(t)
	if err != nil {
		return false, err
	}
	d.mu.RLock()
	next := current.Clone()
	d.mu.RUnlock()

	changed, err := fn(next)
	if err != nil || !changed {
		return false, err
	}
	if err := d.updateRegistry(ctx, bson.M{"$set": bson.M{t.key(): fields.SchemaToDocs(next)}}); err != nil {
		return false, err
	}
	if err := d.Reload(ctx, true); err != nil {
		return true, err
	}

	if m := d.registry.metrics; m != nil {
		m.IncrementSchemaChanges(d.Name(), kind)
	}
	d.registry.publish(ctx, events.New(events.SchemaChanged, d.Name(), paths...))
	return true, nil
}

// AddSampleField declares a sample field at path and reports whether the
// schema expanded. Declaring an identical field again is a no-op; a
// conflicting kind is a *fields.SchemaError.
func (d *Dataset) AddSampleField(ctx context.Context, path string, f *fields.Field) (bool, error) {
	return d.addField(ctx, sampleTarget, path, f)
}

// AddFrameField declares a frame field.
func (d *Dataset) AddFrameField(ctx context.Context, path string, f *fields.Field) (bool, error) {
	return d.addField(ctx, frameTarget, framePath(path), f)
}

func (d *Dataset) addField(ctx context.Context, t schemaTarget, path string, f *fields.Field) (bool, error) {
	if f == nil {
		return false, fmt.Errorf("%w: nil field for %q", ErrInvalidArgument, path)
	}
	f = f.Clone()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now()
	}
	return d.mutateSchema(ctx, t, "add", []string{path}, func(s *fields.Schema) (bool, error) {
		expanded, err := s.MergeField(path, f, declareOpts)
		if err != nil {
			return false, fmt.Errorf("dataset %q: %w", d.Name(), err)
		}
		return expanded, nil
	})
}

// AddImpliedSampleField declares the field implied by value. Null values
// imply nothing and report false.
func (d *Dataset) AddImpliedSampleField(ctx context.Context, path string, value interface{}, dynamic bool) (bool, error) {
	_, leaf := fields.SplitParent(path)
	f := fields.Infer(leaf, value, dynamic)
	if f == nil {
		return false, nil
	}
	return d.addField(ctx, sampleTarget, path, f)
}

// AddImpliedFrameField declares the frame field implied by value.
func (d *Dataset) AddImpliedFrameField(ctx context.Context, path string, value interface{}, dynamic bool) (bool, error) {
	path = framePath(path)
	_, leaf := fields.SplitParent(path)
	f := fields.Infer(leaf, value, dynamic)
	if f == nil {
		return false, nil
	}
	return d.addField(ctx, frameTarget, path, f)
}

// MergeSampleFieldSchema merges candidate into the sample schema,
// shallowest paths first.
func (d *Dataset) MergeSampleFieldSchema(ctx context.Context, candidate *fields.Schema, opts fields.MergeOptions) (bool, error) {
	return d.mergeSchema(ctx, sampleTarget, candidate, opts)
}

// MergeFrameFieldSchema merges candidate into the frame schema.
func (d *Dataset) MergeFrameFieldSchema(ctx context.Context, candidate *fields.Schema, opts fields.MergeOptions) (bool, error) {
	return d.mergeSchema(ctx, frameTarget, candidate, opts)
}

func (d *Dataset) mergeSchema(ctx context.Context, t schemaTarget, candidate *fields.Schema, opts fields.MergeOptions) (bool, error) {
	if candidate.Len() == 0 {
		return false, nil
	}
	stamp := now()
	for _, f := range candidate.Fields() {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = stamp
		}
	}
	return d.mutateSchema(ctx, t, "merge", candidate.Names(), func(s *fields.Schema) (bool, error) {
		expanded, err := s.MergeSchema(candidate, opts)
		if err != nil {
			return false, fmt.Errorf("dataset %q: %w", d.Name(), err)
		}
		return expanded, nil
	})
}

// protect rejects edits of built-in and read-only fields.
func (d *Dataset) protect(s *fields.Schema, t schemaTarget, path string) (*fields.Field, error) {
	f, ok := s.Get(path)
	if !ok {
		return nil, fmt.Errorf("%w: dataset %q has no field %q", ErrNotFound, d.Name(), path)
	}
	if t.isDefault(path) {
		return nil, fmt.Errorf("%w: %q is a built-in field", ErrReadOnly, path)
	}
	if t == sampleTarget && (d.groupFieldName() == path || (d.IsClips() && (path == fields.FieldSupport || path == fields.FieldSampleID))) {
		return nil, fmt.Errorf("%w: %q is a built-in field", ErrReadOnly, path)
	}
	if f.ReadOnly {
		return nil, fmt.Errorf("%w: %q", ErrReadOnly, path)
	}
	return f, nil
}

// RenameSampleFields renames fields and their stored values. A field may
// only be renamed within its parent document.
func (d *Dataset) RenameSampleFields(ctx context.Context, renames map[string]string) error {
	return d.renameFields(ctx, sampleTarget, renames)
}

// RenameFrameFields renames frame fields and their stored values.
func (d *Dataset) RenameFrameFields(ctx context.Context, renames map[string]string) error {
	out := make(map[string]string, len(renames))
	for k, v := range renames {
		out[framePath(k)] = framePath(v)
	}
	return d.renameFields(ctx, frameTarget, out)
}

func (d *Dataset) renameFields(ctx context.Context, t schemaTarget, renames map[string]string) error {
	start := time.Now()
	paths := sortedKeys(renames)
	var updates []scrub
	_, err := d.mutateSchema(ctx, t, "rename", paths, func(s *fields.Schema) (bool, error) {
		for _, oldPath := range paths {
			newPath := renames[oldPath]
			f, err := d.protect(s, t, oldPath)
			if err != nil {
				return false, err
			}
			oldParent, _ := fields.SplitParent(oldPath)
			newParent, newLeaf := fields.SplitParent(newPath)
			if oldParent != newParent {
				return false, fmt.Errorf("%w: cannot move %q to a different parent %q", ErrInvalidArgument, oldPath, newPath)
			}
			if _, exists := s.Get(newPath); exists {
				return false, fmt.Errorf("%w: field %q already exists", ErrNameConflict, newPath)
			}
			u, err := renameScrub(s, oldPath, newLeaf)
			if err != nil {
				return false, err
			}
			updates = append(updates, u)
			moved := f.Clone()
			s.Delete(oldPath)
			if err := s.Add(newPath, moved); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err == nil {
		err = d.applyScrubs(ctx, t, updates)
	}
	d.observe("rename_fields", strings.Join(paths, ","), start, err, int64(len(paths)))
	return err
}

// CloneSampleFields copies fields and their stored values to new paths.
func (d *Dataset) CloneSampleFields(ctx context.Context, clones map[string]string) error {
	return d.cloneFields(ctx, sampleTarget, clones)
}

// CloneFrameFields copies frame fields and their stored values.
func (d *Dataset) CloneFrameFields(ctx context.Context, clones map[string]string) error {
	out := make(map[string]string, len(clones))
	for k, v := range clones {
		out[framePath(k)] = framePath(v)
	}
	return d.cloneFields(ctx, frameTarget, out)
}

func (d *Dataset) cloneFields(ctx context.Context, t schemaTarget, clones map[string]string) error {
	paths := sortedKeys(clones)
	var updates []scrub
	_, err := d.mutateSchema(ctx, t, "clone", paths, func(s *fields.Schema) (bool, error) {
		for _, src := range paths {
			dst := clones[src]
			f, ok := s.Get(src)
			if !ok {
				return false, fmt.Errorf("%w: dataset %q has no field %q", ErrNotFound, d.Name(), src)
			}
			if _, exists := s.Get(dst); exists {
				return false, fmt.Errorf("%w: field %q already exists", ErrNameConflict, dst)
			}
			srcParent, _ := fields.SplitParent(src)
			dstParent, dstLeaf := fields.SplitParent(dst)
			if srcParent != dstParent {
				return false, fmt.Errorf("%w: cannot clone %q to a different parent %q", ErrInvalidArgument, src, dst)
			}
			u, err := cloneScrub(s, src, dstLeaf)
			if err != nil {
				return false, err
			}
			updates = append(updates, u)
			c := f.Clone()
			c.ReadOnly = false
			c.CreatedAt = now()
			if err := s.Add(dst, c); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err == nil {
		err = d.applyScrubs(ctx, t, updates)
	}
	return err
}

// DeleteSampleFields removes fields from the schema and scrubs their
// stored values.
func (d *Dataset) DeleteSampleFields(ctx context.Context, paths ...string) error {
	return d.deleteFields(ctx, sampleTarget, paths)
}

// DeleteFrameFields removes frame fields and scrubs their stored values.
func (d *Dataset) DeleteFrameFields(ctx context.Context, paths ...string) error {
	for i, p := range paths {
		paths[i] = framePath(p)
	}
	return d.deleteFields(ctx, frameTarget, paths)
}

func (d *Dataset) deleteFields(ctx context.Context, t schemaTarget, paths []string) error {
	start := time.Now()
	var updates []scrub
	_, err := d.mutateSchema(ctx, t, "delete", paths, func(s *fields.Schema) (bool, error) {
		for _, path := range paths {
			if _, err := d.protect(s, t, path); err != nil {
				return false, err
			}
			u, err := unsetScrub(s, path)
			if err != nil {
				return false, err
			}
			updates = append(updates, u)
		}
		for _, path := range paths {
			s.Delete(path)
		}
		return len(paths) > 0, nil
	})
	if err == nil {
		err = d.applyScrubs(ctx, t, updates)
	}
	d.observe("delete_fields", strings.Join(paths, ","), start, err, int64(len(paths)))
	return err
}

// ClearSampleFields sets the stored values of fields to null, keeping
// their declarations.
func (d *Dataset) ClearSampleFields(ctx context.Context, paths ...string) error {
	return d.clearFields(ctx, sampleTarget, paths)
}

// ClearFrameFields sets the stored values of frame fields to null.
func (d *Dataset) ClearFrameFields(ctx context.Context, paths ...string) error {
	for i, p := range paths {
		paths[i] = framePath(p)
	}
	return d.clearFields(ctx, frameTarget, paths)
}

func (d *Dataset) clearFields(ctx context.Context, t schemaTarget, paths []string) error {
	if err := d.ensureFresh(ctx); err != nil {
		return err
	}
	s, err := d.schemaOf(t)
	if err != nil {
		return err
	}
	var updates []scrub
	for _, path := range paths {
		if _, err = d.protect(s, t, path); err != nil {
			break
		}
		var u scrub
		if u, err = clearScrub(s, path); err != nil {
			break
		}
		updates = append(updates, u)
	}
	if err != nil {
		return err
	}
	return d.applyScrubs(ctx, t, updates)
}

// FieldEdit changes the metadata of a declared field. Nil members are
// left unchanged.
type FieldEdit struct {
	ReadOnly    *bool
	Description *string
	Info        bson.M
}

// EditSampleField changes the metadata of a sample field. Built-in
// read-only fields can never become writable.
func (d *Dataset) EditSampleField(ctx context.Context, path string, edit FieldEdit) error {
	return d.editField(ctx, sampleTarget, path, edit)
}

// EditFrameField changes the metadata of a frame field.
func (d *Dataset) EditFrameField(ctx context.Context, path string, edit FieldEdit) error {
	return d.editField(ctx, frameTarget, framePath(path), edit)
}

func (d *Dataset) editField(ctx context.Context, t schemaTarget, path string, edit FieldEdit) error {
	_, err := d.mutateSchema(ctx, t, "edit", []string{path}, func(s *fields.Schema) (bool, error) {
		f, ok := s.Get(path)
		if !ok {
			return false, fmt.Errorf("%w: dataset %q has no field %q", ErrNotFound, d.Name(), path)
		}
		if edit.ReadOnly != nil {
			if !*edit.ReadOnly && f.ReadOnly && t.isDefault(path) {
				return false, fmt.Errorf("%w: built-in field %q cannot be made writable", ErrReadOnly, path)
			}
			f.ReadOnly = *edit.ReadOnly
		}
		if edit.Description != nil {
			f.Description = *edit.Description
		}
		if edit.Info != nil {
			f.Info = edit.Info
		}
		return true, nil
	})
	return err
}

// scrub is a data update that keeps stored values in line with a schema
// change.
type scrub struct {
	filter bson.M
	update interface{}
}

func (d *Dataset) applyScrubs(ctx context.Context, t schemaTarget, updates []scrub) error {
	coll := d.collectionOf(t)
	if coll == nil || len(updates) == 0 {
		return nil
	}
	for _, u := range updates {
		if _, err := coll.UpdateMany(ctx, u.filter, u.update, docstore.UpdateOptions{}); err != nil {
			return fmt.Errorf("failed to update stored values of dataset %q: %w", d.Name(), err)
		}
	}
	return nil
}

// listSplit locates the first list-valued ancestor of path: it returns
// the list path and the attribute of its elements, or ok=false when path
// is not inside a list.
func listSplit(s *fields.Schema, path string) (string, string, bool, error) {
	parts := strings.Split(path, ".")
	for i := 1; i < len(parts); i++ {
		prefix := strings.Join(parts[:i], ".")
		f, ok := s.Get(prefix)
		if !ok || f.Kind != fields.List {
			continue
		}
		rest := parts[i:]
		if len(rest) != 1 {
			return "", "", false, fmt.Errorf("%w: %q is nested below more than one document level of list %q", ErrInvalidArgument, path, prefix)
		}
		return prefix, rest[0], true, nil
	}
	return "", "", false, nil
}

// mapElements rewrites every element of the list at listPath with in,
// where $$el is the element.
func mapElements(listPath string, in expr.Expr) scrub {
	list := expr.F(listPath)
	return scrub{
		filter: bson.M{listPath: bson.M{"$type": "array"}},
		update: docstore.Pipeline{docstore.Stage("$set", bson.M{
			listPath: expr.ToBSON(expr.Cond(expr.IsArray(list), expr.MapArray(list, "el", in), list)),
		})},
	}
}

func withoutKey(doc expr.Expr, key string) expr.Expr {
	return expr.ArrayToObject(expr.FilterArray(expr.ObjectToArray(doc), "kv", expr.Ne(expr.V("kv", "k"), expr.L(key))))
}

func unsetScrub(s *fields.Schema, path string) (scrub, error) {
	listPath, attr, ok, err := listSplit(s, path)
	if err != nil || !ok {
		return scrub{filter: bson.M{}, update: bson.M{"$unset": bson.M{path: ""}}}, err
	}
	return mapElements(listPath, withoutKey(expr.V("el"), attr)), nil
}

func clearScrub(s *fields.Schema, path string) (scrub, error) {
	listPath, attr, ok, err := listSplit(s, path)
	if err != nil {
		return scrub{}, err
	}
	if !ok {
		return scrub{filter: bson.M{path: bson.M{"$exists": true}}, update: bson.M{"$set": bson.M{path: nil}}}, nil
	}
	return mapElements(listPath, expr.MergeObjects(expr.V("el"), expr.Object(expr.E(attr, expr.Null())))), nil
}

func renameScrub(s *fields.Schema, path, newLeaf string) (scrub, error) {
	listPath, attr, ok, err := listSplit(s, path)
	if err != nil {
		return scrub{}, err
	}
	if !ok {
		parent, _ := fields.SplitParent(path)
		target := newLeaf
		if parent != "" {
			target = parent + "." + newLeaf
		}
		return scrub{filter: bson.M{path: bson.M{"$exists": true}}, update: bson.M{"$rename": bson.M{path: target}}}, nil
	}
	return mapElements(listPath, expr.MergeObjects(
		withoutKey(expr.V("el"), attr),
		expr.Object(expr.E(newLeaf, expr.V("el", attr))),
	)), nil
}

func cloneScrub(s *fields.Schema, path, newLeaf string) (scrub, error) {
	listPath, attr, ok, err := listSplit(s, path)
	if err != nil {
		return scrub{}, err
	}
	if !ok {
		parent, _ := fields.SplitParent(path)
		target := newLeaf
		if parent != "" {
			target = parent + "." + newLeaf
		}
		return scrub{
			filter: bson.M{path: bson.M{"$exists": true}},
			update: docstore.Pipeline{docstore.Stage("$set", bson.M{target: expr.ToBSON(expr.F(path))})},
		}, nil
	}
	return mapElements(listPath, expr.MergeObjects(
		expr.V("el"),
		expr.Object(expr.E(newLeaf, expr.V("el", attr))),
	)), nil
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
