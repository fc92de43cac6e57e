// Package expr models aggregation expressions as a tree of typed nodes.
//
// The merge engine, the view compiler and the summary subsystem build their
// pipeline fragments from these nodes instead of nesting raw maps. A tree is
// serialized to pipeline operator syntax with ToBSON, and can be evaluated
// in process with Eval. The in-memory store and the client-side merge rely
// on Eval, which keeps both execution paths on the same rule definitions.
//
// # Building
//
//	// {$ifNull: ["$$new.label", "$label"]}
//	e := expr.IfNull(expr.V("new", "label"), expr.F("label"))
//
//	// {$filter: {input: "$$new.detections", as: "d", cond: {$not: [{$in: ["$$d._id", ids]}]}}}
//	e = expr.FilterArray(expr.V("new", "detections"), "d",
//		expr.Not(expr.In(expr.V("d", "_id"), ids)))
//
// # Parsing
//
// Parse converts operator syntax back into a tree. It accepts the forms
// produced by ToBSON plus the common alternative spellings ($cond as an
// array, single-argument operators without the wrapping array).
//
// # Values
//
// Documents are bson.M, arrays are bson.A. Normalize converts maps,
// bson.D and plain slices into that form. Compare implements the store's
// cross-type sort order, with numeric widening and missing values sorting
// before null.
package expr
