package view

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

const framesPrefix = fields.FieldFrames + "."

// schemaAll selects every declared field, private ones included.
var schemaAll = fields.FilterOptions{IncludePrivate: true}

func init() {
	Register("Match", func(kw bson.M) (Stage, error) {
		filter, _ := expr.AsDoc(kw["filter"])
		return NewMatch(filter), nil
	})
	Register("MatchTags", func(kw bson.M) (Stage, error) {
		all, _ := kw["all"].(bool)
		return NewMatchTags(stringList(kw["tags"]), all), nil
	})
	Register("Exists", func(kw bson.M) (Stage, error) {
		field, _ := kw["field"].(string)
		exists, _ := kw["exists"].(bool)
		return NewExists(field, exists), nil
	})
	Register("Select", func(kw bson.M) (Stage, error) {
		ids, err := objectIDs(kw["ids"])
		if err != nil {
			return nil, err
		}
		ordered, _ := kw["ordered"].(bool)
		return NewSelect(ids, ordered), nil
	})
	Register("Exclude", func(kw bson.M) (Stage, error) {
		ids, err := objectIDs(kw["ids"])
		if err != nil {
			return nil, err
		}
		return NewExclude(ids), nil
	})
	Register("SelectFields", func(kw bson.M) (Stage, error) {
		return NewSelectFields(stringList(kw["fields"])...), nil
	})
	Register("ExcludeFields", func(kw bson.M) (Stage, error) {
		return NewExcludeFields(stringList(kw["fields"])...), nil
	})
	Register("SortBy", func(kw bson.M) (Stage, error) {
		field, _ := kw["field"].(string)
		reverse, _ := kw["reverse"].(bool)
		return NewSortBy(field, reverse), nil
	})
	Register("Skip", func(kw bson.M) (Stage, error) {
		n, _ := expr.AsInt64(kw["skip"])
		return NewSkip(n), nil
	})
	Register("Limit", func(kw bson.M) (Stage, error) {
		n, _ := expr.AsInt64(kw["limit"])
		return NewLimit(n), nil
	})
	Register("Take", func(kw bson.M) (Stage, error) {
		n, _ := expr.AsInt64(kw["size"])
		if seed, ok := expr.AsInt64(kw["seed"]); ok {
			return NewTakeSeed(n, seed), nil
		}
		return NewTake(n), nil
	})
	Register("Shuffle", func(kw bson.M) (Stage, error) {
		if seed, ok := expr.AsInt64(kw["seed"]); ok {
			return NewShuffleSeed(seed), nil
		}
		return NewShuffle(), nil
	})
	Register("FilterLabels", func(kw bson.M) (Stage, error) {
		field, _ := kw["field"].(string)
		only, _ := kw["only_matches"].(bool)
		return NewFilterLabels(field, kw["filter"], only), nil
	})
	Register("FilterField", func(kw bson.M) (Stage, error) {
		field, _ := kw["field"].(string)
		only, _ := kw["only_matches"].(bool)
		return NewFilterField(field, kw["filter"], only), nil
	})
	Register("SetField", func(kw bson.M) (Stage, error) {
		field, _ := kw["field"].(string)
		return NewSetField(field, kw["expr"]), nil
	})
	Register("MatchFrames", func(kw bson.M) (Stage, error) {
		omit, _ := kw["omit_empty"].(bool)
		return NewMatchFrames(kw["filter"], omit), nil
	})
	Register("SelectGroupSlices", func(kw bson.M) (Stage, error) {
		return NewSelectGroupSlices(stringList(kw["slices"])...), nil
	})
}

func stringList(v interface{}) []string {
	list, _ := expr.AsArray(v)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringArray(in []string) bson.A {
	out := make(bson.A, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func idArray(in []bson.ObjectID) bson.A {
	out := make(bson.A, len(in))
	for i, id := range in {
		out[i] = id
	}
	return out
}

func objectIDs(v interface{}) ([]bson.ObjectID, error) {
	list, _ := expr.AsArray(v)
	out := make([]bson.ObjectID, 0, len(list))
	for _, item := range list {
		switch id := item.(type) {
		case bson.ObjectID:
			out = append(out, id)
		case string:
			oid, err := bson.ObjectIDFromHex(id)
			if err != nil {
				return nil, fmt.Errorf("%w: id %q: %w", ErrInvalidStage, id, err)
			}
			out = append(out, oid)
		default:
			return nil, fmt.Errorf("%w: id %v is not an object id", ErrInvalidStage, item)
		}
	}
	return out, nil
}

// lookupField resolves a field path, "frames."-prefixed paths against the
// frame schema.
func lookupField(ds *dataset.Dataset, path string) (*fields.Field, bool, error) {
	if rest, ok := strings.CutPrefix(path, framesPrefix); ok {
		fs := ds.GetFrameFieldSchema(schemaAll)
		if fs == nil {
			return nil, true, fmt.Errorf("%w: %q: dataset %q has no frames", ErrFieldNotFound, path, ds.Name())
		}
		f, found := fs.Get(rest)
		if !found {
			return nil, true, fmt.Errorf("%w: %q in dataset %q", ErrFieldNotFound, path, ds.Name())
		}
		return f, true, nil
	}
	f, found := ds.GetFieldSchema(schemaAll).Get(path)
	if !found {
		return nil, false, fmt.Errorf("%w: %q in dataset %q", ErrFieldNotFound, path, ds.Name())
	}
	return f, false, nil
}

// dbPath maps the first component of a field path to its stored key.
func dbPath(s *fields.Schema, path string) string {
	root, rest, nested := strings.Cut(path, ".")
	if s != nil {
		if f, ok := s.Field(root); ok {
			root = f.StoredName()
		}
	}
	if !nested {
		return root
	}
	return root + "." + rest
}

func parseExpr(raw interface{}) (expr.Expr, error) {
	e, err := expr.Parse(expr.Normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStage, err)
	}
	return e, nil
}

// matchNonEmpty keeps documents whose array at e has elements.
func matchNonEmpty(e expr.Expr) bson.D {
	return docstore.Stage("$match", bson.M{"$expr": expr.ToBSON(expr.Gt(expr.Size(expr.IfNull(e, expr.Array())), expr.L(0)))})
}

// mapFrames rewrites every attached frame with in, where $$frame is the
// frame.
func mapFrames(in expr.Expr) bson.D {
	frames := expr.F(fields.FieldFrames)
	return docstore.Stage("$set", bson.M{
		fields.FieldFrames: expr.ToBSON(expr.MapArray(expr.IfNull(frames, expr.Array()), "frame", in)),
	})
}

func requireFrames(sc *StageContext, name string) error {
	if !sc.FramesAttached {
		return fmt.Errorf("%w: %s needs frames but dataset %q has none", ErrInvalidStage, name, sc.Dataset.Name())
	}
	return nil
}

// Match keeps documents matching a query filter.
type Match struct {
	Filter bson.M
}

// NewMatch returns a Match stage.
func NewMatch(filter bson.M) *Match {
	if filter == nil {
		filter = bson.M{}
	}
	return &Match{Filter: filter}
}

func (s *Match) Name() string                    { return "Match" }
func (s *Match) Kwargs() bson.M                  { return bson.M{"filter": s.Filter} }
func (s *Match) Validate(*dataset.Dataset) error { return nil }
func (s *Match) OverridesGroupSlice() bool       { return false }

func (s *Match) NeedsFrames() bool {
	for k := range s.Filter {
		if k == fields.FieldFrames || strings.HasPrefix(k, framesPrefix) {
			return true
		}
	}
	return false
}

func (s *Match) Pipeline(*StageContext) (docstore.Pipeline, error) {
	return docstore.Pipeline{docstore.Stage("$match", s.Filter)}, nil
}

// MatchTags keeps samples carrying any, or with All every, tag.
type MatchTags struct {
	Tags []string
	All  bool
}

// NewMatchTags returns a MatchTags stage.
func NewMatchTags(tags []string, all bool) *MatchTags {
	return &MatchTags{Tags: tags, All: all}
}

func (s *MatchTags) Name() string                    { return "MatchTags" }
func (s *MatchTags) Kwargs() bson.M                  { return bson.M{"tags": stringArray(s.Tags), "all": s.All} }
func (s *MatchTags) NeedsFrames() bool               { return false }
func (s *MatchTags) OverridesGroupSlice() bool       { return false }
func (s *MatchTags) Validate(*dataset.Dataset) error { return nil }

func (s *MatchTags) Pipeline(*StageContext) (docstore.Pipeline, error) {
	op := "$in"
	if s.All {
		op = "$all"
	}
	return docstore.Pipeline{docstore.Stage("$match", bson.M{fields.FieldTags: bson.M{op: stringArray(s.Tags)}})}, nil
}

// Exists keeps samples whose field is, or with Exists unset is not,
// populated. Null and missing are equivalent.
type Exists struct {
	Field  string
	Exists bool
}

// NewExists returns an Exists stage.
func NewExists(field string, exists bool) *Exists {
	return &Exists{Field: field, Exists: exists}
}

func (s *Exists) Name() string              { return "Exists" }
func (s *Exists) Kwargs() bson.M            { return bson.M{"field": s.Field, "exists": s.Exists} }
func (s *Exists) NeedsFrames() bool         { return false }
func (s *Exists) OverridesGroupSlice() bool { return false }

func (s *Exists) Validate(ds *dataset.Dataset) error {
	_, frame, err := lookupField(ds, s.Field)
	if err != nil {
		return err
	}
	if frame {
		return fmt.Errorf("%w: Exists takes sample fields, use MatchFrames for %q", ErrInvalidStage, s.Field)
	}
	return nil
}

func (s *Exists) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	p := dbPath(sc.Schema, s.Field)
	cond := bson.M{p: nil}
	if s.Exists {
		cond = bson.M{p: bson.M{"$ne": nil}}
	}
	return docstore.Pipeline{docstore.Stage("$match", cond)}, nil
}

// Select keeps the samples with the given ids, in id order when Ordered.
type Select struct {
	IDs     []bson.ObjectID
	Ordered bool
}

// NewSelect returns a Select stage.
func NewSelect(ids []bson.ObjectID, ordered bool) *Select {
	return &Select{IDs: ids, Ordered: ordered}
}

func (s *Select) Name() string                    { return "Select" }
func (s *Select) Kwargs() bson.M                  { return bson.M{"ids": idArray(s.IDs), "ordered": s.Ordered} }
func (s *Select) NeedsFrames() bool               { return false }
func (s *Select) OverridesGroupSlice() bool       { return false }
func (s *Select) Validate(*dataset.Dataset) error { return nil }

func (s *Select) Pipeline(*StageContext) (docstore.Pipeline, error) {
	ids := idArray(s.IDs)
	p := docstore.Pipeline{docstore.Stage("$match", bson.M{"_id": bson.M{"$in": ids}})}
	if !s.Ordered {
		return p, nil
	}
	const key = "_select_order"
	return append(p,
		docstore.Stage("$set", bson.M{key: expr.ToBSON(expr.IndexOfArray(expr.L(ids), expr.F("_id")))}),
		docstore.Stage("$sort", bson.D{{Key: key, Value: 1}}),
		docstore.Stage("$unset", key),
	), nil
}

// Exclude drops the samples with the given ids.
type Exclude struct {
	IDs []bson.ObjectID
}

// NewExclude returns an Exclude stage.
func NewExclude(ids []bson.ObjectID) *Exclude {
	return &Exclude{IDs: ids}
}

func (s *Exclude) Name() string                    { return "Exclude" }
func (s *Exclude) Kwargs() bson.M                  { return bson.M{"ids": idArray(s.IDs)} }
func (s *Exclude) NeedsFrames() bool               { return false }
func (s *Exclude) OverridesGroupSlice() bool       { return false }
func (s *Exclude) Validate(*dataset.Dataset) error { return nil }

func (s *Exclude) Pipeline(*StageContext) (docstore.Pipeline, error) {
	ids := idArray(s.IDs)
	return docstore.Pipeline{docstore.Stage("$match", bson.M{"_id": bson.M{"$not": bson.M{"$in": ids}}})}, nil
}

// SelectFields keeps only the named fields plus the built-in ones.
type SelectFields struct {
	Fields []string
}

// NewSelectFields returns a SelectFields stage.
func NewSelectFields(names ...string) *SelectFields {
	return &SelectFields{Fields: names}
}

func (s *SelectFields) Name() string              { return "SelectFields" }
func (s *SelectFields) Kwargs() bson.M            { return bson.M{"fields": stringArray(s.Fields)} }
func (s *SelectFields) NeedsFrames() bool         { return false }
func (s *SelectFields) OverridesGroupSlice() bool { return false }

func (s *SelectFields) Validate(ds *dataset.Dataset) error {
	for _, name := range s.Fields {
		if _, _, err := lookupField(ds, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *SelectFields) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	keep := bson.M{}
	for _, f := range fields.DefaultSampleFields() {
		if f.Name != fields.FieldID {
			keep[f.StoredName()] = 1
		}
	}
	if gf := sc.Dataset.GroupField(); gf != "" {
		keep[gf] = 1
	}
	if sc.Dataset.IsClips() {
		keep[fields.FieldSampleID] = 1
		keep[fields.FieldSupport] = 1
	}
	if sc.FramesAttached {
		keep[fields.FieldFrames] = 1
	}
	for _, name := range s.Fields {
		if strings.HasPrefix(name, framesPrefix) {
			continue
		}
		keep[dbPath(sc.Schema, name)] = 1
	}
	delete(keep, "_id")
	return docstore.Pipeline{docstore.Stage("$project", keep)}, nil
}

// ExcludeFields drops the named fields. Built-in fields cannot be
// excluded.
type ExcludeFields struct {
	Fields []string
}

// NewExcludeFields returns an ExcludeFields stage.
func NewExcludeFields(names ...string) *ExcludeFields {
	return &ExcludeFields{Fields: names}
}

func (s *ExcludeFields) Name() string              { return "ExcludeFields" }
func (s *ExcludeFields) Kwargs() bson.M            { return bson.M{"fields": stringArray(s.Fields)} }
func (s *ExcludeFields) OverridesGroupSlice() bool { return false }

func (s *ExcludeFields) NeedsFrames() bool {
	return slices.ContainsFunc(s.Fields, func(name string) bool { return strings.HasPrefix(name, framesPrefix) })
}

func (s *ExcludeFields) Validate(ds *dataset.Dataset) error {
	for _, name := range s.Fields {
		_, frame, err := lookupField(ds, name)
		if err != nil {
			return err
		}
		builtin := fields.IsDefaultSampleField(name) || name == ds.GroupField()
		if frame {
			rest := strings.TrimPrefix(name, framesPrefix)
			builtin = fields.IsDefaultFrameField(rest)
			if strings.Contains(rest, ".") {
				return fmt.Errorf("%w: cannot exclude nested frame field %q", ErrInvalidStage, name)
			}
		}
		if builtin {
			return fmt.Errorf("%w: cannot exclude built-in field %q", ErrInvalidStage, name)
		}
	}
	return nil
}

func (s *ExcludeFields) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	var unset bson.A
	var p docstore.Pipeline
	for _, name := range s.Fields {
		if rest, ok := strings.CutPrefix(name, framesPrefix); ok {
			if err := requireFrames(sc, s.Name()); err != nil {
				return nil, err
			}
			key := dbPath(sc.FrameSchema, rest)
			p = append(p, mapFrames(expr.ArrayToObject(expr.FilterArray(
				expr.ObjectToArray(expr.V("frame")), "kv", expr.Ne(expr.V("kv", "k"), expr.L(key)),
			))))
			continue
		}
		unset = append(unset, dbPath(sc.Schema, name))
	}
	if len(unset) > 0 {
		p = append(docstore.Pipeline{docstore.Stage("$unset", unset)}, p...)
	}
	return p, nil
}

// SortBy orders samples by a field, breaking ties by id.
type SortBy struct {
	Field   string
	Reverse bool
}

// NewSortBy returns a SortBy stage.
func NewSortBy(field string, reverse bool) *SortBy {
	return &SortBy{Field: field, Reverse: reverse}
}

func (s *SortBy) Name() string              { return "SortBy" }
func (s *SortBy) Kwargs() bson.M            { return bson.M{"field": s.Field, "reverse": s.Reverse} }
func (s *SortBy) NeedsFrames() bool         { return false }
func (s *SortBy) OverridesGroupSlice() bool { return false }

func (s *SortBy) Validate(ds *dataset.Dataset) error {
	_, frame, err := lookupField(ds, s.Field)
	if err != nil {
		return err
	}
	if frame {
		return fmt.Errorf("%w: cannot sort samples by frame field %q", ErrInvalidStage, s.Field)
	}
	return nil
}

func (s *SortBy) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	dir := 1
	if s.Reverse {
		dir = -1
	}
	key := bson.D{{Key: dbPath(sc.Schema, s.Field), Value: dir}}
	if key[0].Key != "_id" {
		key = append(key, bson.E{Key: "_id", Value: 1})
	}
	return docstore.Pipeline{docstore.Stage("$sort", key)}, nil
}

// Skip omits the first N samples.
type Skip struct {
	N int64
}

// NewSkip returns a Skip stage.
func NewSkip(n int64) *Skip { return &Skip{N: n} }

func (s *Skip) Name() string              { return "Skip" }
func (s *Skip) Kwargs() bson.M            { return bson.M{"skip": s.N} }
func (s *Skip) NeedsFrames() bool         { return false }
func (s *Skip) OverridesGroupSlice() bool { return false }

func (s *Skip) Validate(*dataset.Dataset) error {
	if s.N < 0 {
		return fmt.Errorf("%w: negative skip %d", ErrInvalidStage, s.N)
	}
	return nil
}

func (s *Skip) Pipeline(*StageContext) (docstore.Pipeline, error) {
	if s.N == 0 {
		return nil, nil
	}
	return docstore.Pipeline{docstore.Stage("$skip", s.N)}, nil
}

// Limit keeps at most N samples.
type Limit struct {
	N int64
}

// NewLimit returns a Limit stage.
func NewLimit(n int64) *Limit { return &Limit{N: n} }

func (s *Limit) Name() string              { return "Limit" }
func (s *Limit) Kwargs() bson.M            { return bson.M{"limit": s.N} }
func (s *Limit) NeedsFrames() bool         { return false }
func (s *Limit) OverridesGroupSlice() bool { return false }

func (s *Limit) Validate(*dataset.Dataset) error {
	if s.N < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidStage, s.N)
	}
	return nil
}

func (s *Limit) Pipeline(*StageContext) (docstore.Pipeline, error) {
	if s.N == 0 {
		return docstore.Pipeline{docstore.Stage("$match", bson.M{"_id": bson.M{"$exists": false}})}, nil
	}
	return docstore.Pipeline{docstore.Stage("$limit", s.N)}, nil
}

// shuffleKey holds the per-sample sort key of Take and Shuffle while the
// stage runs.
const shuffleKey = "_shuffle_key"

// newSeed draws the seed of a stage built without one. Recording it in the
// stage's kwargs keeps a saved view's order fixed across loads.
func newSeed() int64 { return rand.Int64N(math.MaxInt32) }

// shufflePipeline orders documents by a hash of their id salted with seed.
// The order is deterministic for a given seed, so resumed iteration skips
// exactly the documents already delivered.
func shufflePipeline(seed int64) docstore.Pipeline {
	key := expr.HashedIndexKey(expr.Concat(expr.ToString(expr.F("_id")), expr.L(strconv.FormatInt(seed, 10))))
	return docstore.Pipeline{
		docstore.Stage("$set", bson.M{shuffleKey: key.ToBSON()}),
		docstore.Stage("$sort", bson.D{{Key: shuffleKey, Value: 1}, {Key: "_id", Value: 1}}),
		docstore.Stage("$unset", shuffleKey),
	}
}

// Take keeps Size randomly chosen samples. The choice is fixed by Seed.
type Take struct {
	Size int64
	Seed int64
}

// NewTake returns a Take stage with a freshly drawn seed.
func NewTake(size int64) *Take { return &Take{Size: size, Seed: newSeed()} }

// NewTakeSeed returns a Take stage whose choice is fixed by seed.
func NewTakeSeed(size, seed int64) *Take { return &Take{Size: size, Seed: seed} }

func (s *Take) Name() string              { return "Take" }
func (s *Take) Kwargs() bson.M            { return bson.M{"size": s.Size, "seed": s.Seed} }
func (s *Take) NeedsFrames() bool         { return false }
func (s *Take) OverridesGroupSlice() bool { return false }

func (s *Take) Validate(*dataset.Dataset) error {
	if s.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidStage, s.Size)
	}
	return nil
}

func (s *Take) Pipeline(*StageContext) (docstore.Pipeline, error) {
	if s.Size == 0 {
		return docstore.Pipeline{docstore.Stage("$match", bson.M{"_id": bson.M{"$exists": false}})}, nil
	}
	return append(shufflePipeline(s.Seed), docstore.Stage("$limit", s.Size)), nil
}

// Shuffle randomizes the sample order. The order is fixed by Seed.
type Shuffle struct {
	Seed int64
}

// NewShuffle returns a Shuffle stage with a freshly drawn seed.
func NewShuffle() *Shuffle { return &Shuffle{Seed: newSeed()} }

// NewShuffleSeed returns a Shuffle stage whose order is fixed by seed.
func NewShuffleSeed(seed int64) *Shuffle { return &Shuffle{Seed: seed} }

func (s *Shuffle) Name() string                    { return "Shuffle" }
func (s *Shuffle) Kwargs() bson.M                  { return bson.M{"seed": s.Seed} }
func (s *Shuffle) NeedsFrames() bool               { return false }
func (s *Shuffle) OverridesGroupSlice() bool       { return false }
func (s *Shuffle) Validate(*dataset.Dataset) error { return nil }

func (s *Shuffle) Pipeline(*StageContext) (docstore.Pipeline, error) {
	return shufflePipeline(s.Seed), nil
}

// FilterLabels keeps the labels of a label field for which Filter is
// true, with $$this bound to the label. Single labels failing the filter
// become null. With OnlyMatches, samples (and frames) left without labels
// are dropped.
type FilterLabels struct {
	Field       string
	Filter      interface{}
	OnlyMatches bool
}

// NewFilterLabels returns a FilterLabels stage.
func NewFilterLabels(field string, filter interface{}, onlyMatches bool) *FilterLabels {
	return &FilterLabels{Field: field, Filter: rawExpr(filter), OnlyMatches: onlyMatches}
}

// rawExpr encodes built expressions and passes serialized ones through.
func rawExpr(v interface{}) interface{} {
	if e, ok := v.(expr.Expr); ok {
		return expr.Normalize(expr.ToBSON(e))
	}
	return expr.Normalize(v)
}

func (s *FilterLabels) Name() string              { return "FilterLabels" }
func (s *FilterLabels) OverridesGroupSlice() bool { return false }
func (s *FilterLabels) NeedsFrames() bool         { return strings.HasPrefix(s.Field, framesPrefix) }

func (s *FilterLabels) Kwargs() bson.M {
	return bson.M{"field": s.Field, "filter": s.Filter, "only_matches": s.OnlyMatches}
}

func (s *FilterLabels) Validate(ds *dataset.Dataset) error {
	f, _, err := lookupField(ds, s.Field)
	if err != nil {
		return err
	}
	if f.Kind != fields.Embedded || !fields.IsLabelType(f.DocType) {
		return fmt.Errorf("%w: %q is not a label field", ErrInvalidStage, s.Field)
	}
	if _, err := parseExpr(s.Filter); err != nil {
		return err
	}
	return nil
}

// filtered returns the rewritten label at base and the expression that
// is true when anything is left.
func (s *FilterLabels) filtered(f *fields.Field, base expr.Expr, baseAttr func(string) expr.Expr, cond expr.Expr) (expr.Expr, expr.Expr) {
	if attr, ok := f.IsLabelList(); ok {
		kept := expr.FilterArray(expr.IfNull(baseAttr(attr), expr.Array()), "this", cond)
		rewritten := expr.Cond(expr.IsNullOrMissing(base), base,
			expr.MergeObjects(base, expr.Object(expr.E(attr, kept))))
		return rewritten, expr.Gt(expr.Size(expr.IfNull(baseAttr(attr), expr.Array())), expr.L(0))
	}
	rewritten := expr.Cond(expr.Let([]expr.Binding{{Name: "this", Value: base}}, cond), base, expr.Null())
	return rewritten, expr.Not(expr.IsNullOrMissing(base))
}

func (s *FilterLabels) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	cond, err := parseExpr(s.Filter)
	if err != nil {
		return nil, err
	}
	f, frame, err := lookupField(sc.Dataset, s.Field)
	if err != nil {
		return nil, err
	}
	if !frame {
		p := dbPath(sc.Schema, s.Field)
		rewritten, _ := s.filtered(f, expr.F(p), func(a string) expr.Expr { return expr.F(p + "." + a) }, cond)
		out := docstore.Pipeline{docstore.Stage("$set", bson.M{p: expr.ToBSON(rewritten)})}
		if s.OnlyMatches {
			if attr, ok := f.IsLabelList(); ok {
				out = append(out, matchNonEmpty(expr.F(p+"."+attr)))
			} else {
				out = append(out, docstore.Stage("$match", bson.M{p: bson.M{"$ne": nil}}))
			}
		}
		return out, nil
	}

	if err := requireFrames(sc, s.Name()); err != nil {
		return nil, err
	}
	key := dbPath(sc.FrameSchema, strings.TrimPrefix(s.Field, framesPrefix))
	rewritten, _ := s.filtered(f, expr.V("frame", key), func(a string) expr.Expr { return expr.V("frame", key+"."+a) }, cond)
	out := docstore.Pipeline{mapFrames(expr.MergeObjects(expr.V("frame"), expr.Object(expr.E(key, rewritten))))}
	if s.OnlyMatches {
		_, nonEmpty := s.filtered(f, expr.V("frame", key), func(a string) expr.Expr { return expr.V("frame", key+"."+a) }, cond)
		out = append(out,
			docstore.Stage("$set", bson.M{fields.FieldFrames: expr.ToBSON(
				expr.FilterArray(expr.IfNull(expr.F(fields.FieldFrames), expr.Array()), "frame", nonEmpty),
			)}),
			matchNonEmpty(expr.F(fields.FieldFrames)),
		)
	}
	return out, nil
}

// FilterField nulls a field whose value fails Filter, with $$this bound
// to the value.
type FilterField struct {
	Field       string
	Filter      interface{}
	OnlyMatches bool
}

// NewFilterField returns a FilterField stage.
func NewFilterField(field string, filter interface{}, onlyMatches bool) *FilterField {
	return &FilterField{Field: field, Filter: rawExpr(filter), OnlyMatches: onlyMatches}
}

func (s *FilterField) Name() string              { return "FilterField" }
func (s *FilterField) OverridesGroupSlice() bool { return false }
func (s *FilterField) NeedsFrames() bool         { return strings.HasPrefix(s.Field, framesPrefix) }

func (s *FilterField) Kwargs() bson.M {
	return bson.M{"field": s.Field, "filter": s.Filter, "only_matches": s.OnlyMatches}
}

func (s *FilterField) Validate(ds *dataset.Dataset) error {
	if _, _, err := lookupField(ds, s.Field); err != nil {
		return err
	}
	_, err := parseExpr(s.Filter)
	return err
}

func (s *FilterField) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	cond, err := parseExpr(s.Filter)
	if err != nil {
		return nil, err
	}
	keep := func(base expr.Expr) expr.Expr {
		return expr.Cond(expr.Let([]expr.Binding{{Name: "this", Value: base}}, cond), base, expr.Null())
	}
	if rest, ok := strings.CutPrefix(s.Field, framesPrefix); ok {
		if err := requireFrames(sc, s.Name()); err != nil {
			return nil, err
		}
		key := dbPath(sc.FrameSchema, rest)
		out := docstore.Pipeline{mapFrames(expr.MergeObjects(expr.V("frame"), expr.Object(expr.E(key, keep(expr.V("frame", key))))))}
		if s.OnlyMatches {
			out = append(out,
				docstore.Stage("$set", bson.M{fields.FieldFrames: expr.ToBSON(expr.FilterArray(
					expr.IfNull(expr.F(fields.FieldFrames), expr.Array()), "frame", expr.Not(expr.IsNullOrMissing(expr.V("frame", key))),
				))}),
				matchNonEmpty(expr.F(fields.FieldFrames)),
			)
		}
		return out, nil
	}
	p := dbPath(sc.Schema, s.Field)
	out := docstore.Pipeline{docstore.Stage("$set", bson.M{p: expr.ToBSON(keep(expr.F(p)))})}
	if s.OnlyMatches {
		out = append(out, docstore.Stage("$match", bson.M{p: bson.M{"$ne": nil}}))
	}
	return out, nil
}

// SetField replaces a field with an expression evaluated on each sample,
// or on each frame (bound to $$frame) for "frames." paths. The stored
// data is unchanged.
type SetField struct {
	Field string
	Expr  interface{}
}

// NewSetField returns a SetField stage.
func NewSetField(field string, e interface{}) *SetField {
	return &SetField{Field: field, Expr: rawExpr(e)}
}

func (s *SetField) Name() string              { return "SetField" }
func (s *SetField) Kwargs() bson.M            { return bson.M{"field": s.Field, "expr": s.Expr} }
func (s *SetField) OverridesGroupSlice() bool { return false }
func (s *SetField) NeedsFrames() bool         { return strings.HasPrefix(s.Field, framesPrefix) }

func (s *SetField) Validate(ds *dataset.Dataset) error {
	f, frame, err := lookupField(ds, s.Field)
	if err != nil {
		return err
	}
	builtin := fields.IsDefaultSampleField(s.Field)
	if frame {
		builtin = fields.IsDefaultFrameField(strings.TrimPrefix(s.Field, framesPrefix))
	}
	if builtin || f.ReadOnly {
		return fmt.Errorf("%w: %q: %w", ErrInvalidStage, s.Field, dataset.ErrReadOnly)
	}
	_, err = parseExpr(s.Expr)
	return err
}

func (s *SetField) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	e, err := parseExpr(s.Expr)
	if err != nil {
		return nil, err
	}
	if rest, ok := strings.CutPrefix(s.Field, framesPrefix); ok {
		if err := requireFrames(sc, s.Name()); err != nil {
			return nil, err
		}
		key := dbPath(sc.FrameSchema, rest)
		return docstore.Pipeline{mapFrames(expr.MergeObjects(expr.V("frame"), expr.Object(expr.E(key, e))))}, nil
	}
	return docstore.Pipeline{docstore.Stage("$set", bson.M{dbPath(sc.Schema, s.Field): expr.ToBSON(e)})}, nil
}

// MatchFrames keeps the frames for which Filter is true, with $$frame
// bound to the frame. With OmitEmpty, samples left without frames are
// dropped.
type MatchFrames struct {
	Filter    interface{}
	OmitEmpty bool
}

// NewMatchFrames returns a MatchFrames stage.
func NewMatchFrames(filter interface{}, omitEmpty bool) *MatchFrames {
	return &MatchFrames{Filter: rawExpr(filter), OmitEmpty: omitEmpty}
}

func (s *MatchFrames) Name() string              { return "MatchFrames" }
func (s *MatchFrames) Kwargs() bson.M            { return bson.M{"filter": s.Filter, "omit_empty": s.OmitEmpty} }
func (s *MatchFrames) NeedsFrames() bool         { return true }
func (s *MatchFrames) OverridesGroupSlice() bool { return false }

func (s *MatchFrames) Validate(ds *dataset.Dataset) error {
	if !ds.HasVideo() {
		return fmt.Errorf("%w: dataset %q has no frames", ErrInvalidStage, ds.Name())
	}
	_, err := parseExpr(s.Filter)
	return err
}

func (s *MatchFrames) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	cond, err := parseExpr(s.Filter)
	if err != nil {
		return nil, err
	}
	if err := requireFrames(sc, s.Name()); err != nil {
		return nil, err
	}
	out := docstore.Pipeline{docstore.Stage("$set", bson.M{fields.FieldFrames: expr.ToBSON(
		expr.FilterArray(expr.IfNull(expr.F(fields.FieldFrames), expr.Array()), "frame", cond),
	)})}
	if s.OmitEmpty {
		out = append(out, matchNonEmpty(expr.F(fields.FieldFrames)))
	}
	return out, nil
}

// SelectGroupSlices keeps the samples of the given slices, or of every
// slice when none is given, replacing the active slice filter.
type SelectGroupSlices struct {
	Slices []string
}

// NewSelectGroupSlices returns a SelectGroupSlices stage.
func NewSelectGroupSlices(slices ...string) *SelectGroupSlices {
	return &SelectGroupSlices{Slices: slices}
}

func (s *SelectGroupSlices) Name() string              { return "SelectGroupSlices" }
func (s *SelectGroupSlices) Kwargs() bson.M            { return bson.M{"slices": stringArray(s.Slices)} }
func (s *SelectGroupSlices) NeedsFrames() bool         { return false }
func (s *SelectGroupSlices) OverridesGroupSlice() bool { return true }

func (s *SelectGroupSlices) Validate(ds *dataset.Dataset) error {
	if ds.GroupField() == "" {
		return fmt.Errorf("%w: dataset %q is not grouped", ErrInvalidStage, ds.Name())
	}
	for _, slice := range s.Slices {
		if _, ok := ds.SliceMediaType(slice); !ok {
			return fmt.Errorf("%w: group slice %q of dataset %q", dataset.ErrNotFound, slice, ds.Name())
		}
	}
	return nil
}

func (s *SelectGroupSlices) Pipeline(sc *StageContext) (docstore.Pipeline, error) {
	if len(s.Slices) == 0 {
		return nil, nil
	}
	return docstore.Pipeline{docstore.Stage("$match", bson.M{
		sc.Dataset.GroupField() + ".name": bson.M{"$in": stringArray(s.Slices)},
	})}, nil
}
