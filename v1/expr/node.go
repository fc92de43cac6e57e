package expr

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Expr is a node of an aggregation expression tree.
type Expr interface {
	// ToBSON serializes the node to pipeline operator syntax.
	ToBSON() interface{}
}

// FieldRef references a field of the current document: "$path".
type FieldRef struct {
	Path string
}

// ToBSON implements Expr.
func (f FieldRef) ToBSON() interface{} { return "$" + f.Path }

// VarRef references a variable, optionally with a sub-path: "$$name.path".
type VarRef struct {
	Name string
	Path string
}

// ToBSON implements Expr.
func (v VarRef) ToBSON() interface{} {
	if v.Path == "" {
		return "$$" + v.Name
	}
	return "$$" + v.Name + "." + v.Path
}

// Literal is a constant. Strings starting with "$" and documents are
// wrapped in $literal so the store never interprets them.
type Literal struct {
	Value interface{}
}

// ToBSON implements Expr.
func (l Literal) ToBSON() interface{} {
	switch v := l.Value.(type) {
	case string:
		if strings.HasPrefix(v, "$") {
			return bson.D{{Key: "$literal", Value: v}}
		}
	case bson.M, map[string]interface{}, bson.D, bson.A, []interface{}:
		return bson.D{{Key: "$literal", Value: v}}
	}
	return l.Value
}

// Op is a generic operator applied to positional arguments:
// {name: [args...]}. Unary operators are serialized without the array.
type Op struct {
	Name string
	Args []Expr
}

// ToBSON implements Expr.
func (o Op) ToBSON() interface{} {
	if len(o.Args) == 1 && unaryOps[o.Name] {
		return bson.D{{Key: o.Name, Value: o.Args[0].ToBSON()}}
	}
	args := make(bson.A, len(o.Args))
	for i, a := range o.Args {
		args[i] = a.ToBSON()
	}
	return bson.D{{Key: o.Name, Value: args}}
}

var unaryOps = map[string]bool{
	"$size":          true,
	"$isArray":       true,
	"$type":          true,
	"$objectToArray": true,
	"$arrayToObject": true,
	"$first":         true,
	"$last":          true,
	"$toString":      true,
	"$toLower":       true,
	"$toUpper":       true,
	"$abs":           true,
	"$floor":         true,
	"$ceil":          true,
	"$toBool":        true,
	"$toInt":         true,
	"$toLong":        true,
	"$toDouble":      true,
	"$toObjectId":    true,
}

// CondExpr is {$cond: {if, then, else}}.
type CondExpr struct {
	If, Then, Else Expr
}

// ToBSON implements Expr.
func (c CondExpr) ToBSON() interface{} {
	return bson.D{{Key: "$cond", Value: bson.D{
		{Key: "if", Value: c.If.ToBSON()},
		{Key: "then", Value: c.Then.ToBSON()},
		{Key: "else", Value: c.Else.ToBSON()},
	}}}
}

// FilterExpr is {$filter: {input, as, cond}}.
type FilterExpr struct {
	Input Expr
	As    string
	Cond  Expr
}

// ToBSON implements Expr.
func (f FilterExpr) ToBSON() interface{} {
	return bson.D{{Key: "$filter", Value: bson.D{
		{Key: "input", Value: f.Input.ToBSON()},
		{Key: "as", Value: f.As},
		{Key: "cond", Value: f.Cond.ToBSON()},
	}}}
}

// MapExpr is {$map: {input, as, in}}.
type MapExpr struct {
	Input Expr
	As    string
	In    Expr
}

// ToBSON implements Expr.
func (m MapExpr) ToBSON() interface{} {
	return bson.D{{Key: "$map", Value: bson.D{
		{Key: "input", Value: m.Input.ToBSON()},
		{Key: "as", Value: m.As},
		{Key: "in", Value: m.In.ToBSON()},
	}}}
}

// Binding is one variable of a LetExpr.
type Binding struct {
	Name  string
	Value Expr
}

// LetExpr is {$let: {vars, in}}.
type LetExpr struct {
	Vars []Binding
	In   Expr
}

// ToBSON implements Expr.
func (l LetExpr) ToBSON() interface{} {
	vars := make(bson.D, len(l.Vars))
	for i, b := range l.Vars {
		vars[i] = bson.E{Key: b.Name, Value: b.Value.ToBSON()}
	}
	return bson.D{{Key: "$let", Value: bson.D{
		{Key: "vars", Value: vars},
		{Key: "in", Value: l.In.ToBSON()},
	}}}
}

// ReduceExpr is {$reduce: {input, initialValue, in}} with $$value and
// $$this bound while evaluating In.
type ReduceExpr struct {
	Input   Expr
	Initial Expr
	In      Expr
}

// ToBSON implements Expr.
func (r ReduceExpr) ToBSON() interface{} {
	return bson.D{{Key: "$reduce", Value: bson.D{
		{Key: "input", Value: r.Input.ToBSON()},
		{Key: "initialValue", Value: r.Initial.ToBSON()},
		{Key: "in", Value: r.In.ToBSON()},
	}}}
}

// Entry is one field of an ObjectExpr.
type Entry struct {
	Key   string
	Value Expr
}

// ObjectExpr builds a document whose values are expressions.
type ObjectExpr struct {
	Fields []Entry
}

// ToBSON implements Expr.
func (o ObjectExpr) ToBSON() interface{} {
	d := make(bson.D, len(o.Fields))
	for i, f := range o.Fields {
		d[i] = bson.E{Key: f.Key, Value: f.Value.ToBSON()}
	}
	return d
}

// ArrayExpr builds an array whose items are expressions.
type ArrayExpr struct {
	Items []Expr
}

// ToBSON implements Expr.
func (a ArrayExpr) ToBSON() interface{} {
	out := make(bson.A, len(a.Items))
	for i, it := range a.Items {
		out[i] = it.ToBSON()
	}
	return out
}

// SwitchBranch is one case of a SwitchExpr.
type SwitchBranch struct {
	Case Expr
	Then Expr
}

// SwitchExpr is {$switch: {branches, default}}.
type SwitchExpr struct {
	Branches []SwitchBranch
	Default  Expr
}

// ToBSON implements Expr.
func (s SwitchExpr) ToBSON() interface{} {
	branches := make(bson.A, len(s.Branches))
	for i, b := range s.Branches {
		branches[i] = bson.D{{Key: "case", Value: b.Case.ToBSON()}, {Key: "then", Value: b.Then.ToBSON()}}
	}
	body := bson.D{{Key: "branches", Value: branches}}
	if s.Default != nil {
		body = append(body, bson.E{Key: "default", Value: s.Default.ToBSON()})
	}
	return bson.D{{Key: "$switch", Value: body}}
}
