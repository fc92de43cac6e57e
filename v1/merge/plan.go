package merge

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

var (
	reservedSampleFields = []string{
		fields.FieldID, fields.FieldMediaType, fields.FieldCreatedAt,
		fields.FieldLastModifiedAt, fields.FieldSampleID,
	}
	reservedFrameFields = []string{
		fields.FieldID, fields.FieldFrameNumber, fields.FieldSampleID,
		fields.FieldCreatedAt, fields.FieldLastModifiedAt,
	}
	schemaAll = fields.FilterOptions{IncludePrivate: true}
)

// mapping copies the source field src to the destination path dst.
type mapping struct {
	field *fields.Field
	src   string
	dst   string
	// carried fields travel with inserted samples but are never merged
	// into existing ones.
	carried bool
}

// plan is the resolved shape of one merge.
type plan struct {
	dst   *dataset.Dataset
	src   *view.View
	opts  Options
	key   string
	stamp time.Time

	samples     []mapping
	sampleExprs map[string]expr.Expr

	frames     []mapping
	frameExprs map[string]expr.Expr
}

func (p *plan) withFrames() bool {
	return p.src.Dataset().HasVideo() && p.dst.FrameCollection() != nil
}

// storedKey maps a key field name to its stored path.
func storedKey(name string) string {
	if name == fields.FieldID {
		return "_id"
	}
	return name
}

func checkDatasets(dst, src *dataset.Dataset) error {
	if dst.IsClips() {
		return ErrClipsDestination
	}
	if dst.SampleCollectionName() == src.SampleCollectionName() {
		return ErrSameDataset
	}
	return nil
}

// newPlan prepares dst to receive the samples of src: media types and
// group slices are aligned, the schema is merged and the per-field merge
// expressions are built against the merged schema.
func newPlan(ctx context.Context, dst *dataset.Dataset, src *view.View, opts Options) (*plan, error) {
	srcDS := src.Dataset()
	if err := checkDatasets(dst, srcDS); err != nil {
		return nil, err
	}
	if err := prepareMedia(ctx, dst, srcDS); err != nil {
		return nil, err
	}
	p := &plan{dst: dst, src: src, opts: opts, key: storedKey(opts.KeyField), stamp: time.Now().UTC()}

	var err error
	p.samples, err = selectMappings(srcDS.GetFieldSchema(schemaAll), reservedSampleFields, "", opts)
	if err != nil {
		return nil, err
	}
	carry := func(name string) {
		if name == "" || name == fields.FieldID {
			return
		}
		for _, m := range p.samples {
			if m.dst == name {
				return
			}
		}
		f, ok := srcDS.GetFieldSchema(schemaAll).Field(name)
		if !ok {
			return
		}
		p.samples = append(p.samples, mapping{field: f, src: f.StoredName(), dst: name, carried: true})
	}
	carry(opts.KeyField)
	if opts.InsertNew {
		carry(fields.FieldFilepath)
	}
	carry(srcDS.GroupField())

	if _, err := dst.MergeSampleFieldSchema(ctx, candidateSchema(p.samples), schemaOptions(opts)); err != nil {
		return nil, fmt.Errorf("merge into %q: %w", dst.Name(), err)
	}
	names, embedded := exprTargets(p.samples)
	p.sampleExprs = BuildExpressions(dst.GetFieldSchema(schemaAll), names, opts.policy(embedded))

	if !p.withFrames() {
		return p, nil
	}
	p.frames, err = selectMappings(srcDS.GetFrameFieldSchema(schemaAll), reservedFrameFields, fields.FieldFrames+".", opts)
	if err != nil {
		return nil, err
	}
	if _, err := dst.MergeFrameFieldSchema(ctx, candidateSchema(p.frames), schemaOptions(opts)); err != nil {
		return nil, fmt.Errorf("merge frames into %q: %w", dst.Name(), err)
	}
	names, embedded = exprTargets(p.frames)
	p.frameExprs = BuildExpressions(dst.GetFrameFieldSchema(schemaAll), names, opts.policy(embedded))
	return p, nil
}

func schemaOptions(opts Options) fields.MergeOptions {
	return fields.MergeOptions{Expand: opts.ExpandSchema, Recursive: opts.ExpandSchema, Validate: true}
}

// selectMappings lists the fields of schema to copy, honoring the remap
// and omission options. prefix is the option namespace of schema.
func selectMappings(schema *fields.Schema, reserved []string, prefix string, opts Options) ([]mapping, error) {
	for name := range opts.Fields {
		rest, ok := strings.CutPrefix(name, prefix)
		if prefix == "" {
			rest, ok = name, !strings.HasPrefix(name, fields.FieldFrames+".")
		}
		if !ok {
			continue
		}
		if _, found := schema.Field(rest); !found {
			return nil, fmt.Errorf("%w: field %q is not in the source schema", dataset.ErrInvalidArgument, name)
		}
	}

	var out []mapping
	for _, name := range schema.Names() {
		if slices.Contains(reserved, name) || slices.Contains(opts.OmitFields, prefix+name) {
			continue
		}
		f, _ := schema.Field(name)
		dst := name
		if opts.Fields != nil {
			target, ok := opts.Fields[prefix+name]
			if !ok {
				continue
			}
			dst = strings.TrimPrefix(target, prefix)
		}
		out = append(out, mapping{field: f, src: f.StoredName(), dst: dst})
	}
	return out, nil
}

// candidateSchema declares every mapped field under its destination path.
func candidateSchema(ms []mapping) *fields.Schema {
	candidate := fields.NewSchema()
	for _, m := range ms {
		f := m.field.Clone()
		_, f.Name = fields.SplitParent(m.dst)
		candidate.Set(m.dst, f)
	}
	return candidate
}

// exprTargets returns the top-level destination fields to merge and those
// receiving remapped nested values, which are merged attribute-wise.
func exprTargets(ms []mapping) ([]string, map[string]bool) {
	var names []string
	embedded := map[string]bool{}
	for _, m := range ms {
		if m.carried {
			continue
		}
		top, _, nested := strings.Cut(m.dst, ".")
		if nested {
			embedded[top] = true
		}
		if !slices.Contains(names, top) {
			names = append(names, top)
		}
	}
	return names, embedded
}

// projection builds the destination-shaped document of a source document
// whose values ref resolves.
func projection(ms []mapping, ref func(path string) expr.Expr, extra ...expr.Entry) expr.Expr {
	root := &node{}
	for _, m := range ms {
		root.set(strings.Split(storedKey(m.dst), "."), ref(m.src))
	}
	return expr.Object(append(root.entries(), extra...)...)
}

type node struct {
	value    expr.Expr
	order    []string
	children map[string]*node
}

func (n *node) set(parts []string, v expr.Expr) {
	if len(parts) == 0 {
		n.value = v
		return
	}
	if n.children == nil {
		n.children = map[string]*node{}
	}
	child, ok := n.children[parts[0]]
	if !ok {
		child = &node{}
		n.children[parts[0]] = child
		n.order = append(n.order, parts[0])
	}
	child.set(parts[1:], v)
}

func (n *node) entries() []expr.Entry {
	out := make([]expr.Entry, 0, len(n.order))
	for _, k := range n.order {
		child := n.children[k]
		if child.value != nil {
			out = append(out, expr.E(k, child.value))
			continue
		}
		out = append(out, expr.E(k, expr.Object(child.entries()...)))
	}
	return out
}

// sampleProjection reshapes a source sample into the destination layout.
func (p *plan) sampleProjection() expr.Expr {
	extra := []expr.Entry{
		expr.E(fields.FieldMediaType, expr.F(fields.FieldMediaType)),
		expr.E(fields.FieldCreatedAt, expr.L(p.stamp)),
		expr.E(fields.FieldLastModifiedAt, expr.L(p.stamp)),
	}
	if p.key == "_id" {
		extra = append(extra, expr.E("_id", expr.F("_id")))
	}
	return projection(p.samples, expr.F, extra...)
}

// frameProjection reshapes the frame bound to $$frame.
func (p *plan) frameProjection(extra ...expr.Entry) expr.Expr {
	ref := func(path string) expr.Expr { return expr.V("frame", path) }
	extra = append([]expr.Entry{
		expr.E(fields.FieldFrameNumber, ref(fields.FieldFrameNumber)),
		expr.E(fields.FieldCreatedAt, expr.L(p.stamp)),
		expr.E(fields.FieldLastModifiedAt, expr.L(p.stamp)),
	}, extra...)
	return projection(p.frames, ref, extra...)
}

func (p *plan) whenMatched(exprs map[string]expr.Expr) interface{} {
	if p.opts.SkipExisting {
		return "keepExisting"
	}
	return docstore.Pipeline{
		docstore.Stage("$replaceWith", expr.ToBSON(mergedDoc(exprs, expr.E(fields.FieldLastModifiedAt, expr.L(p.stamp))))),
	}
}

func (p *plan) whenNotMatched() string {
	if p.opts.InsertNew {
		return "insert"
	}
	return "discard"
}

// prepareMedia aligns the media type and group slices of dst with src.
func prepareMedia(ctx context.Context, dst, src *dataset.Dataset) error {
	if gf := src.GroupField(); gf != "" {
		switch dst.GroupField() {
		case gf:
		case "":
			if err := dst.AddGroupField(ctx, gf, src.DefaultGroupSlice()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q groups on %q but %q groups on %q",
				dataset.ErrMediaTypeMismatch, src.Name(), gf, dst.Name(), dst.GroupField())
		}
		for _, slice := range src.GroupSlices() {
			mt, _ := src.SliceMediaType(slice)
			if err := dst.AddGroupSlice(ctx, slice, mt); err != nil {
				return err
			}
		}
		return nil
	}
	if dst.GroupField() != "" {
		return fmt.Errorf("%w: cannot merge ungrouped %q into group dataset %q",
			dataset.ErrMediaTypeMismatch, src.Name(), dst.Name())
	}
	if mt := src.MediaType(); mt != dataset.MediaUnset {
		return dst.EnsureMediaType(ctx, mt)
	}
	return nil
}
