package summary

import (
	"fmt"
	"strings"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

const framePrefix = fields.FieldFrames + "."

// source is a summarized path resolved against a dataset schema.
type source struct {
	frames bool

	// path and groupBy are stored paths relative to the sample or frame
	// document.
	path    string
	groupBy string

	// lists are the stored list prefixes of path, outermost first. Each is
	// unwound before values are read.
	lists []string

	leaf      *fields.Field
	groupLeaf *fields.Field
	kind      Kind
}

// resolve locates path in the sample schema, or the frame schema when it
// starts with "frames.", and classifies its leaf.
func resolve(ds *dataset.Dataset, path, groupBy string) (*source, error) {
	src := &source{}
	schema := ds.GetFieldSchema(fields.FilterOptions{IncludePrivate: true})
	rel := path
	if rest, ok := strings.CutPrefix(path, framePrefix); ok && ds.FrameCollection() != nil {
		if ds.IsClips() {
			return nil, fmt.Errorf("%w: frame field %q of clips dataset %q", ErrUnsupportedSource, path, ds.Name())
		}
		src.frames, rel = true, rest
		schema = ds.GetFrameFieldSchema(fields.FilterOptions{IncludePrivate: true})
	}

	stored, lists, leaf, err := walk(schema, rel)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnsupportedSource, path, err)
	}
	src.path, src.lists, src.leaf = stored, lists, leaf
	if src.kind = kindOf(leaf); src.kind == "" {
		return nil, fmt.Errorf("%w: %q holds %s values", ErrUnsupportedSource, path, leaf.Describe())
	}

	if groupBy == "" {
		return src, nil
	}
	if src.kind != Numeric {
		return nil, fmt.Errorf("%w: group by requires a numeric source, %q is %s", dataset.ErrInvalidArgument, path, src.kind)
	}
	rel = strings.TrimPrefix(groupBy, framePrefix)
	if !strings.Contains(rel, ".") {
		parent, _ := fields.SplitParent(src.path)
		if n := len(src.lists); n > 0 {
			parent = src.lists[n-1]
		}
		if parent != "" {
			rel = parent + "." + rel
		}
	}
	stored, _, leaf, err = walk(schema, rel)
	if err != nil {
		return nil, fmt.Errorf("%w: group by %q: %w", dataset.ErrInvalidArgument, groupBy, err)
	}
	if kindOf(leaf) != Categorical {
		return nil, fmt.Errorf("%w: cannot group by %s values of %q", dataset.ErrInvalidArgument, leaf.Describe(), groupBy)
	}
	src.groupBy, src.groupLeaf = stored, leaf
	return src, nil
}

// walk follows path through embedded documents and lists, returning the
// stored path, the stored prefixes that are lists and the leaf field. A
// list leaf is unwound too and its element returned.
func walk(schema *fields.Schema, path string) (string, []string, *fields.Field, error) {
	parts := strings.Split(path, ".")
	var (
		f      *fields.Field
		ok     bool
		stored []string
		lists  []string
	)
	for i, p := range parts {
		if i == 0 {
			f, ok = schema.Field(p)
		} else {
			f, ok = f.Attr(p)
		}
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: no field %q", dataset.ErrNotFound, strings.Join(parts[:i+1], "."))
		}
		stored = append(stored, f.StoredName())
		if f.Kind == fields.List {
			lists = append(lists, strings.Join(stored, "."))
		}
	}
	if f.Kind == fields.List {
		if f.Subfield == nil {
			return "", nil, nil, fmt.Errorf("list %q has no declared element type", path)
		}
		f = f.Subfield
	}
	return strings.Join(stored, "."), lists, f, nil
}

func kindOf(f *fields.Field) Kind {
	switch f.Kind {
	case fields.String, fields.Bool, fields.ObjectID:
		return Categorical
	case fields.Int, fields.Float, fields.Date, fields.DateTime:
		return Numeric
	}
	return ""
}

// defaultName derives a field name from path, keeping the components up
// to the first list and the leaf: "gt.detections.label" is "gt_label".
func defaultName(path string, src *source) string {
	var chunks []string
	if src.frames {
		chunks = append(chunks, fields.FieldFrames)
	}
	parts := strings.Split(strings.TrimPrefix(path, framePrefix), ".")
	stored := strings.Split(src.path, ".")
	found := false
	for i := range parts {
		prefix := strings.Join(stored[:i+1], ".")
		if len(src.lists) > 0 && src.lists[0] == prefix {
			found = true
			break
		}
		chunks = append(chunks, parts[i])
	}
	if found {
		chunks = append(chunks, parts[len(parts)-1])
	}
	return strings.Join(chunks, "_")
}

// leafName is the attribute under which a value lands in a counted or
// grouped summary element.
func leafName(f *fields.Field, path string) string {
	if f.Name != "" {
		return f.Name
	}
	_, name := fields.SplitParent(path)
	return name
}
