package merge

import (
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// NewVar is the variable bound to the incoming document while merging.
// Existing values are addressed as plain field references.
const NewVar = "new"

// Policy selects how BuildExpressions reconciles a field present on both
// sides.
type Policy struct {
	// Overwrite prefers incoming values. Otherwise existing values win and
	// incoming ones only fill the gaps.
	Overwrite bool

	// MergeLists unions plain lists by value and label lists by label id.
	MergeLists bool

	// MergeEmbeddedDocs merges embedded documents attribute by attribute.
	MergeEmbeddedDocs bool

	// Embedded forces attribute-wise merging of these top-level fields.
	Embedded map[string]bool
}

// BuildExpressions returns one expression per top-level field in names
// computing the merged value from the existing document and $$new. The
// result is keyed by stored name. Fields missing from schema are merged
// as plain values.
func BuildExpressions(schema *fields.Schema, names []string, p Policy) map[string]expr.Expr {
	out := make(map[string]expr.Expr, len(names))
	for _, name := range names {
		f, _ := schema.Field(name)
		key := name
		if f != nil {
			key = f.StoredName()
		}
		out[key] = fieldExpr(f, key, p, p.Embedded[name], true)
	}
	return out
}

func fieldExpr(f *fields.Field, path string, p Policy, forceEmbedded, top bool) expr.Expr {
	if f != nil {
		if attr, ok := f.IsLabelList(); ok && p.MergeLists && !forceEmbedded {
			return labelListExpr(path, attr, p.Overwrite)
		}
		switch {
		case f.Kind == fields.List && p.MergeLists:
			return listExpr(path)
		case f.Kind == fields.Embedded && top && (forceEmbedded || (p.MergeEmbeddedDocs && !fields.IsLabelType(f.DocType))):
			return embeddedExpr(f, path, p)
		}
	}
	return valueExpr(path, p.Overwrite)
}

func sides(path string) (expr.Expr, expr.Expr) {
	return expr.F(path), expr.V(NewVar, path)
}

// valueExpr takes the incoming value when it is set and Overwrite holds,
// or fills a missing existing value.
func valueExpr(path string, overwrite bool) expr.Expr {
	old, incoming := sides(path)
	if overwrite {
		return expr.Cond(expr.IsNullOrMissing(incoming), old, incoming)
	}
	return expr.Cond(expr.IsNullOrMissing(old), incoming, old)
}

// whenBoth evaluates both only when both sides are set and otherwise
// keeps whichever side is.
func whenBoth(path string, both expr.Expr) expr.Expr {
	old, incoming := sides(path)
	return expr.Cond(expr.IsNullOrMissing(incoming), old,
		expr.Cond(expr.IsNullOrMissing(old), incoming, both))
}

// listExpr appends the incoming values not yet present, deduplicating by
// value and keeping the existing order.
func listExpr(path string) expr.Expr {
	old, incoming := sides(path)
	return whenBoth(path, expr.Reduce(
		expr.ConcatArrays(old, incoming),
		expr.Array(),
		expr.Cond(expr.In(expr.V("this"), expr.V("value")),
			expr.V("value"),
			expr.ConcatArrays(expr.V("value"), expr.Array(expr.V("this")))),
	))
}

// labelListExpr merges the label list attr of a label document by label
// id. Matching incoming labels replace existing ones under Overwrite and
// are dropped otherwise; unmatched incoming labels are appended.
func labelListExpr(path, attr string, overwrite bool) expr.Expr {
	old, incoming := sides(path)
	oldList := expr.IfNull(expr.F(path+"."+attr), expr.Array())
	newList := expr.IfNull(expr.V(NewVar, path+"."+attr), expr.Array())
	ids := func(list string) expr.Expr {
		return expr.MapArray(expr.V(list), "label", expr.V("label", "_id"))
	}

	appended := expr.FilterArray(expr.V("new_list"), "label",
		expr.Not(expr.In(expr.V("label", "_id"), expr.V("old_ids"))))
	kept := expr.V("old_list")
	if overwrite {
		kept = expr.MapArray(expr.V("old_list"), "label", expr.Cond(
			expr.In(expr.V("label", "_id"), expr.V("new_ids")),
			expr.ArrayElemAt(expr.V("new_list"), expr.IndexOfArray(expr.V("new_ids"), expr.V("label", "_id"))),
			expr.V("label"),
		))
	}
	merged := expr.Let(
		[]expr.Binding{{Name: "old_list", Value: oldList}, {Name: "new_list", Value: newList}},
		expr.Let(
			[]expr.Binding{{Name: "old_ids", Value: ids("old_list")}, {Name: "new_ids", Value: ids("new_list")}},
			expr.ConcatArrays(kept, appended),
		),
	)
	return whenBoth(path, expr.MergeObjects(ordered(old, incoming, overwrite, expr.Object(expr.E(attr, merged)))...))
}

// embeddedExpr merges the attributes of an embedded document, applying
// the value, list and label list rules to each declared attribute.
func embeddedExpr(f *fields.Field, path string, p Policy) expr.Expr {
	old, incoming := sides(path)
	attrs := make([]*fields.Field, 0, len(f.Fields))
	for _, a := range f.Fields {
		if a.Name != "" {
			attrs = append(attrs, a)
		}
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	entries := make([]expr.Entry, len(attrs))
	for i, a := range attrs {
		key := a.StoredName()
		entries[i] = expr.E(key, fieldExpr(a, path+"."+key, p, false, false))
	}
	return whenBoth(path, expr.MergeObjects(ordered(old, incoming, p.Overwrite, expr.Object(entries...))...))
}

// ordered lists the merge operands so the preferred side is applied last,
// before the explicitly merged attributes.
func ordered(old, incoming expr.Expr, overwrite bool, merged expr.Expr) []expr.Expr {
	if overwrite {
		return []expr.Expr{old, incoming, merged}
	}
	return []expr.Expr{incoming, old, merged}
}

// mergedDoc is the document the whenMatched pipeline replaces the
// existing one with.
func mergedDoc(exprs map[string]expr.Expr, extra ...expr.Entry) expr.Expr {
	keys := make([]string, 0, len(exprs))
	for k := range exprs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]expr.Entry, 0, len(keys)+len(extra))
	for _, k := range keys {
		entries = append(entries, expr.E(k, exprs[k]))
	}
	entries = append(entries, extra...)
	return expr.MergeObjects(expr.Root(), expr.Object(entries...))
}

// Apply evaluates exprs in process: existing is the stored document and
// incoming is bound to $$new. The result is a new document.
func Apply(exprs map[string]expr.Expr, existing, incoming bson.M) (bson.M, error) {
	env := &expr.Env{Doc: existing, Vars: map[string]interface{}{NewVar: incoming}}
	out := expr.DeepCopy(existing)
	for k, e := range exprs {
		v, err := expr.EvalIn(e, env)
		if err != nil {
			return nil, err
		}
		if expr.IsMissing(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out, nil
}
