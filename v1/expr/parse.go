package expr

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Parse converts pipeline operator syntax into an expression tree.
//
//   - "$a.b" is a FieldRef, "$$x.y" a VarRef
//   - a document with a single "$"-prefixed key is an operator
//   - any other document is an ObjectExpr, any array an ArrayExpr
//   - everything else is a Literal
func Parse(v interface{}) (Expr, error) {
	switch t := v.(type) {
	case Expr:
		return t, nil
	case string:
		if strings.HasPrefix(t, "$$") {
			name, path, _ := strings.Cut(t[2:], ".")
			return VarRef{Name: name, Path: path}, nil
		}
		if strings.HasPrefix(t, "$") {
			return FieldRef{Path: t[1:]}, nil
		}
		return Literal{Value: t}, nil
	case bson.D:
		if len(t) == 1 && strings.HasPrefix(t[0].Key, "$") {
			return parseOperator(t[0].Key, t[0].Value)
		}
		fields := make([]Entry, 0, len(t))
		for _, e := range t {
			sub, err := Parse(e.Value)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Entry{Key: e.Key, Value: sub})
		}
		return ObjectExpr{Fields: fields}, nil
	case bson.M, map[string]interface{}:
		m, _ := AsDoc(t)
		if len(m) == 1 {
			for k, val := range m {
				if strings.HasPrefix(k, "$") {
					return parseOperator(k, val)
				}
			}
		}
		fields := make([]Entry, 0, len(m))
		for _, k := range SortedKeys(m) {
			sub, err := Parse(m[k])
			if err != nil {
				return nil, err
			}
			fields = append(fields, Entry{Key: k, Value: sub})
		}
		return ObjectExpr{Fields: fields}, nil
	case bson.A, []interface{}:
		arr, _ := AsArray(t)
		items := make([]Expr, len(arr))
		for i, it := range arr {
			sub, err := Parse(it)
			if err != nil {
				return nil, err
			}
			items[i] = sub
		}
		return ArrayExpr{Items: items}, nil
	}
	return Literal{Value: v}, nil
}

// MustParse is Parse that panics on error. It is meant for constant
// expressions in tests and package-level tables.
func MustParse(v interface{}) Expr {
	e, err := Parse(v)
	if err != nil {
		panic(err)
	}
	return e
}

func parseOperator(name string, arg interface{}) (Expr, error) {
	switch name {
	case "$literal":
		return Literal{Value: arg}, nil
	case "$cond":
		return parseCond(arg)
	case "$filter":
		spec, err := namedArgs(name, arg)
		if err != nil {
			return nil, err
		}
		input, err := Parse(spec["input"])
		if err != nil {
			return nil, err
		}
		cond, err := Parse(spec["cond"])
		if err != nil {
			return nil, err
		}
		return FilterExpr{Input: input, As: asName(spec), Cond: cond}, nil
	case "$map":
		spec, err := namedArgs(name, arg)
		if err != nil {
			return nil, err
		}
		input, err := Parse(spec["input"])
		if err != nil {
			return nil, err
		}
		in, err := Parse(spec["in"])
		if err != nil {
			return nil, err
		}
		return MapExpr{Input: input, As: asName(spec), In: in}, nil
	case "$let":
		spec, err := namedArgs(name, arg)
		if err != nil {
			return nil, err
		}
		var vars []Binding
		switch vs := spec["vars"].(type) {
		case bson.D:
			for _, e := range vs {
				val, err := Parse(e.Value)
				if err != nil {
					return nil, err
				}
				vars = append(vars, Binding{Name: e.Key, Value: val})
			}
		default:
			m, ok := AsDoc(vs)
			if !ok {
				return nil, fmt.Errorf("%w: $let vars must be a document", ErrInvalidExpression)
			}
			for _, k := range SortedKeys(m) {
				val, err := Parse(m[k])
				if err != nil {
					return nil, err
				}
				vars = append(vars, Binding{Name: k, Value: val})
			}
		}
		in, err := Parse(spec["in"])
		if err != nil {
			return nil, err
		}
		return LetExpr{Vars: vars, In: in}, nil
	case "$reduce":
		spec, err := namedArgs(name, arg)
		if err != nil {
			return nil, err
		}
		input, err := Parse(spec["input"])
		if err != nil {
			return nil, err
		}
		initial, err := Parse(spec["initialValue"])
		if err != nil {
			return nil, err
		}
		in, err := Parse(spec["in"])
		if err != nil {
			return nil, err
		}
		return ReduceExpr{Input: input, Initial: initial, In: in}, nil
	case "$switch":
		spec, err := namedArgs(name, arg)
		if err != nil {
			return nil, err
		}
		out := SwitchExpr{}
		branches, _ := AsArray(spec["branches"])
		for _, b := range branches {
			bd, ok := AsDoc(b)
			if !ok {
				return nil, fmt.Errorf("%w: $switch branch must be a document", ErrInvalidExpression)
			}
			c, err := Parse(bd["case"])
			if err != nil {
				return nil, err
			}
			th, err := Parse(bd["then"])
			if err != nil {
				return nil, err
			}
			out.Branches = append(out.Branches, SwitchBranch{Case: c, Then: th})
		}
		if d, ok := spec["default"]; ok {
			out.Default, err = Parse(d)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	if _, ok := evaluators[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, name)
	}

	var raw []interface{}
	if arr, ok := AsArray(arg); ok {
		raw = arr
	} else {
		raw = []interface{}{arg}
	}
	args := make([]Expr, len(raw))
	for i, a := range raw {
		sub, err := Parse(a)
		if err != nil {
			return nil, err
		}
		args[i] = sub
	}
	return Op{Name: name, Args: args}, nil
}

func parseCond(arg interface{}) (Expr, error) {
	var parts [3]interface{}
	if arr, ok := AsArray(arg); ok {
		if len(arr) != 3 {
			return nil, fmt.Errorf("%w: $cond needs 3 arguments", ErrInvalidExpression)
		}
		copy(parts[:], arr)
	} else {
		spec, err := namedArgs("$cond", arg)
		if err != nil {
			return nil, err
		}
		parts = [3]interface{}{spec["if"], spec["then"], spec["else"]}
	}
	var nodes [3]Expr
	for i, p := range parts {
		n, err := Parse(p)
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return CondExpr{If: nodes[0], Then: nodes[1], Else: nodes[2]}, nil
}

func namedArgs(op string, arg interface{}) (bson.M, error) {
	m, ok := AsDoc(arg)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a document argument", ErrInvalidExpression, op)
	}
	return m, nil
}

func asName(spec bson.M) string {
	if s, ok := spec["as"].(string); ok && s != "" {
		return s
	}
	return "this"
}
