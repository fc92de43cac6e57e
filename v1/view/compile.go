package view

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// GroupsKey is the field holding the slice map of attached groups.
const GroupsKey = "groups"

// PipelineOptions toggle the optional steps around the caller's stages.
type PipelineOptions struct {
	// AttachFrames embeds the frames of every sample as a sorted array.
	AttachFrames bool
	// DetachFrames strips the frames array after the caller's stages.
	DetachFrames bool
	// FramesOnly emits one row per frame.
	FramesOnly bool
	// SupportRange narrows the attached frames to [first, last].
	SupportRange *[2]int64

	// GroupSlice replaces the active slice of a group dataset.
	GroupSlice string
	// ManualGroupSelect disables the active slice filter.
	ManualGroupSelect bool
	// AttachGroups embeds a slice name to sample map of every group.
	AttachGroups bool
	// DetachGroups strips the group map after the caller's stages.
	DetachGroups bool
	// GroupsOnly emits one row per group member.
	GroupsOnly bool
}

// resolve applies the option interactions.
func (o PipelineOptions) resolve(ds *dataset.Dataset, stages []Stage) PipelineOptions {
	needsFrames := false
	for _, s := range stages {
		if s.NeedsFrames() {
			needsFrames = true
			break
		}
	}
	if needsFrames && !o.AttachFrames && !o.FramesOnly {
		o.AttachFrames, o.DetachFrames = true, true
	}
	if o.FramesOnly {
		o.AttachFrames, o.DetachFrames = true, false
	}
	if !ds.HasVideo() {
		o.AttachFrames, o.DetachFrames, o.FramesOnly, o.SupportRange = false, false, false, nil
	}
	if o.GroupsOnly {
		o.AttachGroups, o.DetachGroups = true, false
	}
	if ds.GroupField() == "" {
		o.AttachGroups, o.DetachGroups, o.GroupsOnly = false, false, false
	}
	return o
}

// Compile turns stages into a pipeline over the sample collection of ds.
// The steps run in a fixed order: the active group slice filter, the
// frame lookup, the caller's stages, frame detaching or flattening, then
// group attaching and flattening.
func Compile(ds *dataset.Dataset, stages []Stage, opts PipelineOptions) (docstore.Pipeline, error) {
	for _, s := range stages {
		if err := s.Validate(ds); err != nil {
			return nil, fmt.Errorf("%s stage: %w", s.Name(), err)
		}
	}
	opts = opts.resolve(ds, stages)
	sc := &StageContext{
		Dataset:        ds,
		Schema:         ds.GetFieldSchema(schemaAll),
		FrameSchema:    ds.GetFrameFieldSchema(schemaAll),
		FramesAttached: opts.AttachFrames,
	}

	var p docstore.Pipeline
	if gf := ds.GroupField(); gf != "" && !opts.ManualGroupSelect && !overridesSlice(stages) {
		slice := opts.GroupSlice
		if slice == "" {
			slice = ds.GroupSlice()
		}
		if slice == "" {
			return nil, fmt.Errorf("%w: no group slice selected in dataset %q", dataset.ErrNotFound, ds.Name())
		}
		p = append(p, docstore.Stage("$match", bson.M{gf + ".name": slice}))
	}

	if opts.AttachFrames {
		p = append(p, frameLookup(ds, opts.SupportRange))
	}

	for _, s := range stages {
		sp, err := s.Pipeline(sc)
		if err != nil {
			return nil, fmt.Errorf("%s stage: %w", s.Name(), err)
		}
		p = append(p, sp...)
	}

	switch {
	case opts.FramesOnly:
		p = append(p,
			docstore.Stage("$unwind", "$"+fields.FieldFrames),
			docstore.Stage("$replaceRoot", bson.M{"newRoot": "$" + fields.FieldFrames}),
		)
	case opts.DetachFrames:
		p = append(p, docstore.Stage("$unset", fields.FieldFrames))
	}

	if opts.AttachGroups && !opts.FramesOnly {
		p = append(p, groupLookup(ds)...)
		switch {
		case opts.GroupsOnly:
			p = append(p,
				docstore.Stage("$unwind", "$"+GroupsKey),
				docstore.Stage("$replaceRoot", bson.M{"newRoot": "$" + GroupsKey}),
			)
		case opts.DetachGroups:
			p = append(p, docstore.Stage("$unset", GroupsKey))
		default:
			members := expr.F(GroupsKey)
			p = append(p, docstore.Stage("$set", bson.M{GroupsKey: expr.ToBSON(expr.ArrayToObject(expr.MapArray(members, "m",
				expr.Object(expr.E("k", expr.V("m", ds.GroupField()+".name")), expr.E("v", expr.V("m"))),
			)))}))
		}
	}
	return p, nil
}

func overridesSlice(stages []Stage) bool {
	for _, s := range stages {
		if s.OverridesGroupSlice() {
			return true
		}
	}
	return false
}

// frameLookup joins the frames of each sample sorted by frame number.
// Clips match their source sample within their support, intersected with
// r.
func frameLookup(ds *dataset.Dataset, r *[2]int64) bson.D {
	sampleRef := expr.F("_id")
	var first, last expr.Expr
	if ds.IsClips() {
		sampleRef = expr.F(fields.FieldSampleID)
		first = expr.ArrayElemAt(expr.F(fields.FieldSupport), expr.L(0))
		last = expr.ArrayElemAt(expr.F(fields.FieldSupport), expr.L(1))
	}
	if r != nil {
		if first == nil {
			first, last = expr.L(r[0]), expr.L(r[1])
		} else {
			first, last = expr.Max(first, expr.L(r[0])), expr.Min(last, expr.L(r[1]))
		}
	}

	let := bson.M{"sample_id": expr.ToBSON(sampleRef)}
	conds := []expr.Expr{expr.Eq(expr.F(fields.FieldSampleID), expr.V("sample_id"))}
	if first != nil {
		let["first"], let["last"] = expr.ToBSON(first), expr.ToBSON(last)
		conds = append(conds,
			expr.Gte(expr.F(fields.FieldFrameNumber), expr.V("first")),
			expr.Lte(expr.F(fields.FieldFrameNumber), expr.V("last")),
		)
	}
	return docstore.Stage("$lookup", bson.M{
		"from": ds.FrameCollectionName(),
		"let":  let,
		"pipeline": bson.A{
			docstore.Stage("$match", bson.M{"$expr": expr.ToBSON(expr.And(conds...))}),
			docstore.Stage("$sort", bson.D{{Key: fields.FieldFrameNumber, Value: 1}}),
		},
		"as": fields.FieldFrames,
	})
}

// groupLookup gathers every member of each sample's group.
func groupLookup(ds *dataset.Dataset) docstore.Pipeline {
	gf := ds.GroupField()
	return docstore.Pipeline{docstore.Stage("$lookup", bson.M{
		"from": ds.SampleCollectionName(),
		"let":  bson.M{"group_id": "$" + gf + "._id"},
		"pipeline": bson.A{
			docstore.Stage("$match", bson.M{"$expr": expr.ToBSON(expr.Eq(expr.F(gf+"._id"), expr.V("group_id")))}),
			docstore.Stage("$sort", bson.D{{Key: gf + ".name", Value: 1}}),
		},
		"as": GroupsKey,
	})}
}
