package summary

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// Kind is the aggregate a summary field caches.
type Kind string

const (
	// Categorical summaries hold the distinct values of the source,
	// optionally with counts.
	Categorical Kind = "categorical"

	// Numeric summaries hold the [min, max] range of the source,
	// optionally per category.
	Numeric Kind = "numeric"
)

// infoKey marks a field as a summary field in its info map.
const infoKey = "summary"

// Options configures Create.
type Options struct {
	// FieldName defaults to a name derived from the source path.
	FieldName string

	// IncludeCounts stores {value, count} pairs instead of bare values
	// for categorical sources.
	IncludeCounts bool

	// GroupBy computes numeric ranges per value of this attribute. A bare
	// name is resolved next to the source value.
	GroupBy string

	// ReadOnly protects the summary field from edits.
	ReadOnly bool

	// CreateIndex indexes the summary values.
	CreateIndex bool
}

// DefaultOptions returns read-only, indexed summaries.
func DefaultOptions() Options {
	return Options{ReadOnly: true, CreateIndex: true}
}

// Field describes a declared summary field.
type Field struct {
	Name            string
	Path            string
	Kind            Kind
	IncludeCounts   bool
	GroupBy         string
	ReadOnly        bool
	CreateIndex     bool
	LastRefreshedAt time.Time
}

func (f Field) info() bson.M {
	return bson.M{infoKey: bson.M{
		"path":              f.Path,
		"kind":              string(f.Kind),
		"include_counts":    f.IncludeCounts,
		"group_by":          f.GroupBy,
		"create_index":      f.CreateIndex,
		"last_refreshed_at": f.LastRefreshedAt,
	}}
}

// fromField reads the summary description stored on a schema field.
func fromField(f *fields.Field) (Field, bool) {
	doc, ok := expr.AsDoc(f.Info[infoKey])
	if !ok {
		return Field{}, false
	}
	out := Field{Name: f.Name, ReadOnly: f.ReadOnly}
	out.Path, _ = doc["path"].(string)
	kind, _ := doc["kind"].(string)
	out.Kind = Kind(kind)
	out.IncludeCounts, _ = doc["include_counts"].(bool)
	out.GroupBy, _ = doc["group_by"].(string)
	out.CreateIndex, _ = doc["create_index"].(bool)
	out.LastRefreshedAt = asTime(doc["last_refreshed_at"])
	return out, out.Path != ""
}

func asTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case bson.DateTime:
		return t.Time()
	}
	return time.Time{}
}

// Create declares a summary field of path on the samples of ds and
// populates it. Frame-level sources are addressed with a "frames."
// prefix.
func Create(ctx context.Context, ds *dataset.Dataset, path string, opts Options) (name string, err error) {
	ctx, span := ds.Registry().Tracer().StartSpan(ctx, "summary.create")
	defer span.End()
	start := time.Now()
	defer func() {
		ds.Registry().Tracer().RecordErrorOnSpan(span, err)
		observe(ds, "create", path, start, err, 0)
	}()

	src, err := resolve(ds, path, opts.GroupBy)
	if err != nil {
		return "", err
	}
	name = opts.FieldName
	if name == "" {
		name = defaultName(path, src)
	}
	if strings.Contains(name, ".") {
		return "", fmt.Errorf("%w: summary field %q must be top-level", dataset.ErrInvalidArgument, name)
	}
	if _, exists := ds.GetFieldSchema(fields.FilterOptions{IncludePrivate: true}).Field(name); exists {
		return "", fmt.Errorf("%w: field %q already exists on %q", dataset.ErrNameConflict, name, ds.Name())
	}

	f := Field{
		Name:          name,
		Path:          path,
		Kind:          src.kind,
		IncludeCounts: opts.IncludeCounts && src.kind == Categorical,
		GroupBy:       opts.GroupBy,
		ReadOnly:      opts.ReadOnly,
		CreateIndex:   opts.CreateIndex,
	}
	if _, err := ds.AddSampleField(ctx, name, declaration(f, src)); err != nil {
		return "", fmt.Errorf("failed to declare summary field %q: %w", name, err)
	}
	if err := refresh(ctx, ds, f, src); err != nil {
		return "", errors.Join(err, ds.DeleteSampleFields(context.WithoutCancel(ctx), name))
	}
	if f.CreateIndex {
		for _, keys := range indexKeys(f, src) {
			if _, err := ds.SampleCollection().Indexes().Create(ctx, docstore.IndexSpec{Keys: keys}); err != nil {
				return "", fmt.Errorf("failed to index summary field %q: %w", name, err)
			}
		}
	}
	ds.Registry().Logger().Info("Created summary field", nil, map[string]interface{}{
		"dataset": ds.Name(),
		"field":   name,
		"path":    path,
		"kind":    string(src.kind),
	})
	return name, nil
}

// Update repopulates a summary field from its source.
func Update(ctx context.Context, ds *dataset.Dataset, name string) (err error) {
	ctx, span := ds.Registry().Tracer().StartSpan(ctx, "summary.update")
	defer span.End()
	start := time.Now()
	defer func() {
		ds.Registry().Tracer().RecordErrorOnSpan(span, err)
		observe(ds, "update", name, start, err, 0)
	}()

	f, err := Lookup(ds, name)
	if err != nil {
		return err
	}
	src, err := resolve(ds, f.Path, f.GroupBy)
	if err != nil {
		return err
	}
	return refresh(ctx, ds, f, src)
}

// Lookup returns the summary field name of ds.
func Lookup(ds *dataset.Dataset, name string) (Field, error) {
	sf, ok := ds.GetFieldSchema(fields.FilterOptions{IncludePrivate: true}).Field(name)
	if !ok {
		return Field{}, fmt.Errorf("%w: dataset %q has no field %q", dataset.ErrNotFound, ds.Name(), name)
	}
	f, ok := fromField(sf)
	if !ok {
		return Field{}, fmt.Errorf("%w: %q", ErrNotSummary, name)
	}
	return f, nil
}

// List returns the summary fields of ds in schema order.
func List(ds *dataset.Dataset) []Field {
	var out []Field
	for _, sf := range ds.GetFieldSchema(fields.FilterOptions{IncludePrivate: true}).Fields() {
		if f, ok := fromField(sf); ok {
			out = append(out, f)
		}
	}
	return out
}

// Check returns the names of summary fields that may be stale. A field
// is reported when any sample, or any frame for frame-level sources, was
// modified after its last refresh, whether or not the summarized values
// changed.
func Check(ctx context.Context, ds *dataset.Dataset) ([]string, error) {
	var (
		out    []string
		latest = map[bool]time.Time{}
	)
	for _, f := range List(ds) {
		frames := strings.HasPrefix(f.Path, framePrefix) && ds.FrameCollection() != nil
		last, ok := latest[frames]
		if !ok {
			coll := ds.SampleCollection()
			if frames {
				coll = ds.FrameCollection()
			}
			var err error
			if last, err = lastModified(ctx, coll); err != nil {
				return nil, fmt.Errorf("failed to check summary fields of %q: %w", ds.Name(), err)
			}
			latest[frames] = last
		}
		if last.After(f.LastRefreshedAt) {
			out = append(out, f.Name)
		}
	}
	return out, nil
}

func lastModified(ctx context.Context, coll docstore.Collection) (time.Time, error) {
	docs, err := docstore.AggregateAll(ctx, coll, docstore.Pipeline{
		docstore.Stage("$group", bson.D{
			{Key: "_id", Value: nil},
			{Key: "last", Value: bson.M{"$max": "$" + fields.FieldLastModifiedAt}},
		}),
	})
	if err != nil || len(docs) == 0 {
		return time.Time{}, err
	}
	return asTime(docs[0]["last"]), nil
}

// Delete removes summary fields, their values and their indexes.
func Delete(ctx context.Context, ds *dataset.Dataset, names ...string) (err error) {
	ctx, span := ds.Registry().Tracer().StartSpan(ctx, "summary.delete")
	defer span.End()
	start := time.Now()
	defer func() {
		ds.Registry().Tracer().RecordErrorOnSpan(span, err)
		observe(ds, "delete", strings.Join(names, ","), start, err, int64(len(names)))
	}()

	for _, name := range names {
		f, err := Lookup(ds, name)
		if err != nil {
			return err
		}
		if err := dropIndexesOf(ctx, ds.SampleCollection(), name); err != nil {
			return err
		}
		if f.ReadOnly {
			writable := false
			if err := ds.EditSampleField(ctx, name, dataset.FieldEdit{ReadOnly: &writable}); err != nil {
				return err
			}
		}
	}
	return ds.DeleteSampleFields(ctx, names...)
}

func dropIndexesOf(ctx context.Context, coll docstore.Collection, name string) error {
	specs, err := coll.Indexes().List(ctx)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if !slices.ContainsFunc(spec.Fields(), func(k string) bool { return k == name || strings.HasPrefix(k, name+".") }) {
			continue
		}
		if err := coll.Indexes().Drop(ctx, spec.Name); err != nil {
			return fmt.Errorf("failed to drop index %s: %w", spec.Name, err)
		}
	}
	return nil
}

// declaration is the schema field holding the summary values of src.
func declaration(f Field, src *source) *fields.Field {
	value := func(name string) *fields.Field {
		v := src.leaf.Clone()
		v.Name, v.DBField, v.ReadOnly = name, "", false
		return v
	}
	leaf := leafName(src.leaf, src.path)
	var out *fields.Field
	switch {
	case f.Kind == Categorical && f.IncludeCounts:
		out = fields.ListOf(f.Name, fields.EmbeddedOf("", "", value(leaf), fields.NewField("count", fields.Int)))
	case f.Kind == Categorical:
		out = fields.ListOf(f.Name, value(""))
	case f.GroupBy != "":
		group := src.groupLeaf.Clone()
		group.Name, group.DBField = leafName(src.groupLeaf, src.groupBy), ""
		out = fields.ListOf(f.Name, fields.EmbeddedOf("", "", group, value("min"), value("max")))
	default:
		out = fields.EmbeddedOf(f.Name, "", value("min"), value("max"))
	}
	out.Description = fmt.Sprintf("summary of %s", f.Path)
	return out
}

// indexKeys lists the indexes CreateIndex builds for a summary field.
func indexKeys(f Field, src *source) []bson.D {
	key := func(path string) bson.D { return bson.D{{Key: path, Value: 1}} }
	switch {
	case f.Kind == Categorical && f.IncludeCounts:
		return []bson.D{key(f.Name + "." + leafName(src.leaf, src.path))}
	case f.Kind == Categorical:
		return []bson.D{key(f.Name)}
	case f.GroupBy != "":
		return []bson.D{key(f.Name + "." + leafName(src.groupLeaf, src.groupBy))}
	}
	return []bson.D{key(f.Name + ".min"), key(f.Name + ".max")}
}

// refresh populates f and records the refresh time on its declaration.
func refresh(ctx context.Context, ds *dataset.Dataset, f Field, src *source) error {
	samples := ds.SampleCollection()
	if _, err := samples.UpdateMany(ctx, bson.M{f.Name: bson.M{"$exists": true}},
		bson.M{"$unset": bson.M{f.Name: ""}}, docstore.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to clear summary field %q: %w", f.Name, err)
	}
	coll := samples
	if src.frames {
		coll = ds.FrameCollection()
	}
	if err := docstore.Exhaust(ctx, coll, populate(f, src, ds.SampleCollectionName()), &docstore.AggregateOptions{AllowDiskUse: true}); err != nil {
		return fmt.Errorf("failed to populate summary field %q: %w", f.Name, err)
	}

	f.LastRefreshedAt = time.Now().UTC()
	return ds.EditSampleField(ctx, f.Name, dataset.FieldEdit{ReadOnly: &f.ReadOnly, Info: f.info()})
}

func observe(ds *dataset.Dataset, operation, sub string, start time.Time, err error, size int64) {
	observability.Observe(ds.Registry().Observer(), observability.OperationContext{
		Component:   "summary",
		Operation:   operation,
		Resource:    ds.Name(),
		SubResource: sub,
		Duration:    time.Since(start),
		Error:       err,
		Size:        size,
	})
}
