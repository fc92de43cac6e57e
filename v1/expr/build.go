package expr

// F references a field of the current document.
func F(path string) Expr { return FieldRef{Path: path} }

// V references a variable. V("new", "label") is "$$new.label".
func V(name string, path ...string) Expr {
	p := ""
	if len(path) > 0 {
		p = path[0]
	}
	return VarRef{Name: name, Path: p}
}

// Root is "$$ROOT".
func Root() Expr { return VarRef{Name: "ROOT"} }

// Remove is "$$REMOVE"; assigning it drops the field.
func Remove() Expr { return VarRef{Name: "REMOVE"} }

// L wraps a constant.
func L(v interface{}) Expr { return Literal{Value: v} }

// Null is the null literal.
func Null() Expr { return Literal{Value: nil} }

func op(name string, args ...Expr) Expr { return Op{Name: name, Args: args} }

// Eq is {$eq: [a, b]}.
func Eq(a, b Expr) Expr { return op("$eq", a, b) }

// Ne is {$ne: [a, b]}.
func Ne(a, b Expr) Expr { return op("$ne", a, b) }

// Gt is {$gt: [a, b]}.
func Gt(a, b Expr) Expr { return op("$gt", a, b) }

// Gte is {$gte: [a, b]}.
func Gte(a, b Expr) Expr { return op("$gte", a, b) }

// Lt is {$lt: [a, b]}.
func Lt(a, b Expr) Expr { return op("$lt", a, b) }

// Lte is {$lte: [a, b]}.
func Lte(a, b Expr) Expr { return op("$lte", a, b) }

// And is {$and: [...]}.
func And(args ...Expr) Expr { return op("$and", args...) }

// Or is {$or: [...]}.
func Or(args ...Expr) Expr { return op("$or", args...) }

// Not is {$not: [a]}.
func Not(a Expr) Expr { return op("$not", a) }

// Cond is the ternary conditional.
func Cond(cond, then, els Expr) Expr { return CondExpr{If: cond, Then: then, Else: els} }

// IfNull returns the first argument that is neither null nor missing.
func IfNull(args ...Expr) Expr { return op("$ifNull", args...) }

// In tests membership of x in the array arr.
func In(x, arr Expr) Expr { return op("$in", x, arr) }

// IsArray is {$isArray: a}.
func IsArray(a Expr) Expr { return op("$isArray", a) }

// Size is {$size: a}.
func Size(a Expr) Expr { return op("$size", a) }

// ConcatArrays concatenates arrays; any null argument yields null.
func ConcatArrays(args ...Expr) Expr { return op("$concatArrays", args...) }

// SetUnion is the deduplicated union of arrays.
func SetUnion(args ...Expr) Expr { return op("$setUnion", args...) }

// MergeObjects merges documents left to right; null arguments are ignored.
func MergeObjects(args ...Expr) Expr { return op("$mergeObjects", args...) }

// ArrayElemAt is {$arrayElemAt: [arr, idx]}.
func ArrayElemAt(arr, idx Expr) Expr { return op("$arrayElemAt", arr, idx) }

// Max is {$max: [...]}.
func Max(args ...Expr) Expr { return op("$max", args...) }

// Min is {$min: [...]}.
func Min(args ...Expr) Expr { return op("$min", args...) }

// Add is {$add: [...]}.
func Add(args ...Expr) Expr { return op("$add", args...) }

// Subtract is {$subtract: [a, b]}.
func Subtract(a, b Expr) Expr { return op("$subtract", a, b) }

// Range is {$range: [start, end]}, end exclusive.
func Range(start, end Expr) Expr { return op("$range", start, end) }

// Type is {$type: a}.
func Type(a Expr) Expr { return op("$type", a) }

// IndexOfArray is {$indexOfArray: [arr, x]}.
func IndexOfArray(arr, x Expr) Expr { return op("$indexOfArray", arr, x) }

// ToString converts a to its string form.
func ToString(a Expr) Expr { return op("$toString", a) }

// HashedIndexKey hashes a to a 64-bit integer.
func HashedIndexKey(a Expr) Expr { return op("$toHashedIndexKey", a) }

// Concat concatenates strings.
func Concat(args ...Expr) Expr { return op("$concat", args...) }

// ObjectToArray is {$objectToArray: a}.
func ObjectToArray(a Expr) Expr { return op("$objectToArray", a) }

// ArrayToObject is {$arrayToObject: a}.
func ArrayToObject(a Expr) Expr { return op("$arrayToObject", a) }

// First is {$first: a}.
func First(a Expr) Expr { return op("$first", a) }

// Last is {$last: a}.
func Last(a Expr) Expr { return op("$last", a) }

// FilterArray keeps the elements of input for which cond is true. The
// element is bound to $$as.
func FilterArray(input Expr, as string, cond Expr) Expr {
	return FilterExpr{Input: input, As: as, Cond: cond}
}

// MapArray applies in to every element of input, bound to $$as.
func MapArray(input Expr, as string, in Expr) Expr {
	return MapExpr{Input: input, As: as, In: in}
}

// Let binds variables for the evaluation of in.
func Let(vars []Binding, in Expr) Expr { return LetExpr{Vars: vars, In: in} }

// Reduce folds input into initial; in sees $$value and $$this.
func Reduce(input, initial, in Expr) Expr {
	return ReduceExpr{Input: input, Initial: initial, In: in}
}

// Object builds a document from key/expression pairs.
func Object(fields ...Entry) Expr { return ObjectExpr{Fields: fields} }

// E is shorthand for an Entry.
func E(key string, value Expr) Entry { return Entry{Key: key, Value: value} }

// Array builds an array of expressions.
func Array(items ...Expr) Expr { return ArrayExpr{Items: items} }

// Switch is a multi-branch conditional.
func Switch(def Expr, branches ...SwitchBranch) Expr {
	return SwitchExpr{Branches: branches, Default: def}
}

// IsNullOrMissing is true when a is null or missing.
func IsNullOrMissing(a Expr) Expr {
	return Eq(IfNull(a, Null()), Null())
}

// ToBSON serializes e, returning nil for a nil expression.
func ToBSON(e Expr) interface{} {
	if e == nil {
		return nil
	}
	return e.ToBSON()
}
