package expr

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	// ErrUnknownOperator is returned for operators the evaluator does not implement.
	ErrUnknownOperator = errors.New("expr: unknown operator")

	// ErrInvalidExpression is returned for malformed operator arguments.
	ErrInvalidExpression = errors.New("expr: invalid expression")

	// ErrTypeMismatch is returned when an operator receives a value of the wrong type.
	ErrTypeMismatch = errors.New("expr: type mismatch")
)

// Env is the evaluation environment: the current document and the bound
// variables. ROOT and CURRENT resolve to Doc unless rebound.
type Env struct {
	Doc  bson.M
	Vars map[string]interface{}
}

// NewEnv returns an environment over doc with no extra variables.
func NewEnv(doc bson.M) *Env {
	return &Env{Doc: doc, Vars: map[string]interface{}{}}
}

// With returns a child environment with name bound to value.
func (e *Env) With(name string, value interface{}) *Env {
	vars := make(map[string]interface{}, len(e.Vars)+1)
	for k, v := range e.Vars {
		vars[k] = v
	}
	vars[name] = value
	return &Env{Doc: e.Doc, Vars: vars}
}

func (e *Env) lookupVar(name string) (interface{}, bool) {
	if v, ok := e.Vars[name]; ok {
		return v, true
	}
	switch name {
	case "ROOT", "CURRENT":
		return e.Doc, true
	case "REMOVE":
		return Missing, true
	}
	return nil, false
}

// Eval evaluates e against doc.
func Eval(e Expr, doc bson.M) (interface{}, error) {
	return EvalIn(e, NewEnv(doc))
}

// EvalIn evaluates e in env.
func EvalIn(e Expr, env *Env) (interface{}, error) {
	switch n := e.(type) {
	case nil:
		return nil, nil
	case FieldRef:
		return GetPath(env.Doc, n.Path), nil
	case VarRef:
		v, ok := env.lookupVar(n.Name)
		if !ok {
			return nil, fmt.Errorf("%w: undefined variable $$%s", ErrInvalidExpression, n.Name)
		}
		if n.Path == "" {
			return v, nil
		}
		return GetPath(v, n.Path), nil
	case Literal:
		return Normalize(n.Value), nil
	case CondExpr:
		c, err := EvalIn(n.If, env)
		if err != nil {
			return nil, err
		}
		if Truthy(c) {
			return EvalIn(n.Then, env)
		}
		return EvalIn(n.Else, env)
	case SwitchExpr:
		for _, b := range n.Branches {
			c, err := EvalIn(b.Case, env)
			if err != nil {
				return nil, err
			}
			if Truthy(c) {
				return EvalIn(b.Then, env)
			}
		}
		if n.Default == nil {
			return nil, fmt.Errorf("%w: $switch has no matching branch and no default", ErrInvalidExpression)
		}
		return EvalIn(n.Default, env)
	case FilterExpr:
		in, err := EvalIn(n.Input, env)
		if err != nil {
			return nil, err
		}
		if IsNullish(in) {
			return nil, nil
		}
		arr, ok := AsArray(in)
		if !ok {
			return nil, fmt.Errorf("%w: $filter input must be an array, got %s", ErrTypeMismatch, TypeName(in))
		}
		out := bson.A{}
		for _, el := range arr {
			c, err := EvalIn(n.Cond, env.With(n.As, el))
			if err != nil {
				return nil, err
			}
			if Truthy(c) {
				out = append(out, el)
			}
		}
		return out, nil
	case MapExpr:
		in, err := EvalIn(n.Input, env)
		if err != nil {
			return nil, err
		}
		if IsNullish(in) {
			return nil, nil
		}
		arr, ok := AsArray(in)
		if !ok {
			return nil, fmt.Errorf("%w: $map input must be an array, got %s", ErrTypeMismatch, TypeName(in))
		}
		out := make(bson.A, 0, len(arr))
		for _, el := range arr {
			v, err := EvalIn(n.In, env.With(n.As, el))
			if err != nil {
				return nil, err
			}
			if IsMissing(v) {
				v = nil
			}
			out = append(out, v)
		}
		return out, nil
	case LetExpr:
		child := env
		for _, b := range n.Vars {
			v, err := EvalIn(b.Value, env)
			if err != nil {
				return nil, err
			}
			child = child.With(b.Name, v)
		}
		return EvalIn(n.In, child)
	case ReduceExpr:
		in, err := EvalIn(n.Input, env)
		if err != nil {
			return nil, err
		}
		if IsNullish(in) {
			return nil, nil
		}
		arr, ok := AsArray(in)
		if !ok {
			return nil, fmt.Errorf("%w: $reduce input must be an array", ErrTypeMismatch)
		}
		acc, err := EvalIn(n.Initial, env)
		if err != nil {
			return nil, err
		}
		for _, el := range arr {
			acc, err = EvalIn(n.In, env.With("value", acc).With("this", el))
			if err != nil {
				return nil, err
			}
		}
		return acc, nil
	case ObjectExpr:
		out := bson.M{}
		for _, f := range n.Fields {
			v, err := EvalIn(f.Value, env)
			if err != nil {
				return nil, err
			}
			if IsMissing(v) {
				continue
			}
			out[f.Key] = v
		}
		return out, nil
	case ArrayExpr:
		out := make(bson.A, 0, len(n.Items))
		for _, it := range n.Items {
			v, err := EvalIn(it, env)
			if err != nil {
				return nil, err
			}
			if IsMissing(v) {
				v = nil
			}
			out = append(out, v)
		}
		return out, nil
	case Op:
		fn, ok := evaluators[n.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, n.Name)
		}
		return fn(n.Args, env)
	}
	return nil, fmt.Errorf("%w: unsupported node %T", ErrInvalidExpression, e)
}

// evalArgs evaluates every argument in order.
func evalArgs(args []Expr, env *Env) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		v, err := EvalIn(a, env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
