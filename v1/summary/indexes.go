package summary

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// IndexInfo describes one index of a dataset. Frame indexes are named
// with a "frames." prefix.
type IndexInfo struct {
	Name   string
	Keys   bson.D
	Unique bool
	Sparse bool
	Frames bool

	// Size is the storage size in bytes reported by the store.
	Size int64
}

// indexTarget is one collection of a dataset with its schema.
type indexTarget struct {
	coll   docstore.Collection
	schema *fields.Schema
	prefix string
}

func targets(ds *dataset.Dataset) []indexTarget {
	all := fields.FilterOptions{IncludePrivate: true}
	out := []indexTarget{{coll: ds.SampleCollection(), schema: ds.GetFieldSchema(all)}}
	if ds.FrameCollection() != nil && ds.OwnsFrames() {
		out = append(out, indexTarget{coll: ds.FrameCollection(), schema: ds.GetFrameFieldSchema(all), prefix: framePrefix})
	}
	return out
}

// ListIndexes returns the names of the indexes of ds, sorted.
func ListIndexes(ctx context.Context, ds *dataset.Dataset) ([]string, error) {
	var out []string
	for _, t := range targets(ds) {
		specs, err := t.coll.Indexes().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list indexes of %s: %w", t.coll.Name(), err)
		}
		for _, spec := range specs {
			out = append(out, t.prefix+spec.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// IndexInformation returns the indexes of ds by name, with their sizes
// taken from collection statistics.
func IndexInformation(ctx context.Context, ds *dataset.Dataset) (map[string]IndexInfo, error) {
	out := map[string]IndexInfo{}
	for _, t := range targets(ds) {
		specs, err := t.coll.Indexes().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list indexes of %s: %w", t.coll.Name(), err)
		}
		stats, err := t.coll.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read stats of %s: %w", t.coll.Name(), err)
		}
		for _, spec := range specs {
			name := t.prefix + spec.Name
			out[name] = IndexInfo{
				Name:   name,
				Keys:   spec.Keys,
				Unique: spec.Unique,
				Sparse: spec.Sparse,
				Frames: t.prefix != "",
				Size:   stats.IndexSizes[spec.Name],
			}
		}
	}
	return out, nil
}

// CreateIndex indexes the given field paths of ds and returns the index
// name. Frame fields carry a "frames." prefix; one index cannot mix
// sample and frame fields.
func CreateIndex(ctx context.Context, ds *dataset.Dataset, keys bson.D, unique bool) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: an index needs at least one key", dataset.ErrInvalidArgument)
	}
	ts := targets(ds)
	t := ts[0]
	frames := strings.HasPrefix(keys[0].Key, framePrefix)
	if frames {
		if len(ts) < 2 {
			return "", fmt.Errorf("%w: dataset %q has no frames of its own", dataset.ErrInvalidArgument, ds.Name())
		}
		t = ts[1]
	}

	stored := make(bson.D, len(keys))
	for i, k := range keys {
		path, isFrame := strings.CutPrefix(k.Key, framePrefix)
		if isFrame != frames {
			return "", fmt.Errorf("%w: index mixes sample and frame fields", dataset.ErrInvalidArgument)
		}
		sp, ok := storedPath(t.schema, path)
		if !ok {
			return "", fmt.Errorf("%w: dataset %q has no field %q", dataset.ErrNotFound, ds.Name(), k.Key)
		}
		stored[i] = bson.E{Key: sp, Value: k.Value}
	}
	name, err := t.coll.Indexes().Create(ctx, docstore.IndexSpec{Keys: stored, Unique: unique})
	if err != nil {
		return "", fmt.Errorf("failed to create index on %q: %w", ds.Name(), err)
	}
	return t.prefix + name, nil
}

// DropIndex drops the named index of ds. The id index and the frame
// number index are never dropped.
func DropIndex(ctx context.Context, ds *dataset.Dataset, name string) error {
	t := targets(ds)[0]
	rest, frames := strings.CutPrefix(name, framePrefix)
	if frames {
		ts := targets(ds)
		if len(ts) < 2 {
			return fmt.Errorf("%w: dataset %q has no frames of its own", dataset.ErrNotFound, ds.Name())
		}
		t, name = ts[1], rest
	}
	if protectedIndex(name, frames) {
		return fmt.Errorf("%w: %s", ErrDefaultIndex, name)
	}
	if err := t.coll.Indexes().Drop(ctx, name); err != nil {
		return fmt.Errorf("failed to drop index %s of %q: %w", name, ds.Name(), err)
	}
	return nil
}

var frameNumberIndex = docstore.IndexName(bson.D{{Key: fields.FieldSampleID, Value: 1}, {Key: fields.FieldFrameNumber, Value: 1}})

func protectedIndex(name string, frames bool) bool {
	return name == docstore.IDIndexName || (frames && name == frameNumberIndex)
}

// storedPath maps a field path to its stored form, checking it is
// declared.
func storedPath(schema *fields.Schema, path string) (string, bool) {
	if path == fields.FieldID || path == "_id" {
		return "_id", true
	}
	parts := strings.Split(path, ".")
	out := make([]string, len(parts))
	f, ok := schema.Field(parts[0])
	if !ok {
		f, ok = schema.ByStoredName(parts[0])
	}
	if !ok {
		return "", false
	}
	out[0] = f.StoredName()
	for i, p := range parts[1:] {
		if f, ok = f.Attr(p); !ok {
			return "", false
		}
		out[i+1] = f.StoredName()
	}
	return strings.Join(out, "."), true
}

// CloneOptions configures CloneIndexes.
type CloneOptions struct {
	// FieldMap renames fields on the way: a key maps a source path, or a
	// prefix of one, to its destination path.
	FieldMap map[string]string

	// Restrict limits the copy to these index names. The default time
	// indexes are copied regardless.
	Restrict []string
}

// CloneIndexes recreates the indexes of src on dst. Index fields are
// mapped through opts.FieldMap; indexes over a field dst does not
// declare are skipped.
func CloneIndexes(ctx context.Context, src, dst *dataset.Dataset, opts CloneOptions) error {
	from, to := targets(src), targets(dst)
	for i, t := range from {
		if i >= len(to) {
			break
		}
		specs, err := t.coll.Indexes().List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list indexes of %s: %w", t.coll.Name(), err)
		}
		for _, spec := range specs {
			if spec.Name == docstore.IDIndexName {
				continue
			}
			if opts.Restrict != nil && !alwaysCloned(spec.Name, t.prefix != "") && !slices.Contains(opts.Restrict, t.prefix+spec.Name) {
				continue
			}
			mapped, ok := mapSpec(spec, t.prefix, opts.FieldMap, to[i].schema)
			if !ok {
				dst.Registry().Logger().Debug("Skipped index over a field missing from the destination", nil, map[string]interface{}{
					"source":      src.Name(),
					"destination": dst.Name(),
					"index":       t.prefix + spec.Name,
				})
				continue
			}
			if _, err := to[i].coll.Indexes().Create(ctx, mapped); err != nil {
				return fmt.Errorf("failed to clone index %s into %q: %w", spec.Name, dst.Name(), err)
			}
		}
	}
	return nil
}

// alwaysCloned reports whether name is a default index copied even when
// the caller restricts the copy: the time indexes and the frame number
// index.
func alwaysCloned(name string, frames bool) bool {
	defaults := dataset.DefaultSampleIndexes()
	if frames {
		defaults = dataset.DefaultFrameIndexes()
	}
	for _, d := range defaults {
		if docstore.IndexName(d.Keys) != name {
			continue
		}
		keys := d.Fields()
		return d.Unique || slices.Contains(keys, fields.FieldCreatedAt) || slices.Contains(keys, fields.FieldLastModifiedAt)
	}
	return false
}

// mapSpec renames the keys of spec and reports whether every key is
// declared by schema.
func mapSpec(spec docstore.IndexSpec, prefix string, fieldMap map[string]string, schema *fields.Schema) (docstore.IndexSpec, bool) {
	out := docstore.IndexSpec{Unique: spec.Unique, Sparse: spec.Sparse, Keys: make(bson.D, len(spec.Keys))}
	renamed := false
	for i, k := range spec.Keys {
		path := rename(k.Key, prefix, fieldMap)
		renamed = renamed || path != k.Key
		if _, ok := storedPath(schema, path); !ok && !builtin(path) {
			return docstore.IndexSpec{}, false
		}
		out.Keys[i] = bson.E{Key: path, Value: k.Value}
	}
	if spec.Name != docstore.IndexName(spec.Keys) || !renamed {
		out.Name = spec.Name
	}
	return out, true
}

func builtin(path string) bool {
	switch path {
	case "_id", fields.FieldSampleID, fields.FieldFrameNumber:
		return true
	}
	return false
}

// rename applies the longest matching entry of fieldMap to path. Map
// keys of frame fields carry the "frames." prefix.
func rename(path, prefix string, fieldMap map[string]string) string {
	full := prefix + path
	best := ""
	for from := range fieldMap {
		if (full == from || strings.HasPrefix(full, from+".")) && len(from) > len(best) {
			best = from
		}
	}
	if best == "" {
		return path
	}
	return strings.TrimPrefix(fieldMap[best]+strings.TrimPrefix(full, best), prefix)
}
