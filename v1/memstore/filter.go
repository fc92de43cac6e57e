package memstore

import (
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

// matches reports whether doc satisfies the query filter. vars are visible
// to $expr, which is how $lookup sub-pipelines see their let bindings.
func matches(doc bson.M, filter interface{}, vars map[string]interface{}) (bool, error) {
	f, ok := expr.AsDoc(filter)
	if !ok {
		if filter == nil {
			return true, nil
		}
		return false, fmt.Errorf("%w: filter must be a document", docstore.ErrUnsupported)
	}
	for key, cond := range f {
		ok, err := matchClause(doc, key, cond, vars)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchClause(doc bson.M, key string, cond interface{}, vars map[string]interface{}) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		subs, ok := expr.AsArray(cond)
		if !ok {
			return false, fmt.Errorf("%w: %s requires an array", docstore.ErrUnsupported, key)
		}
		for _, sub := range subs {
			ok, err := matches(doc, sub, vars)
			if err != nil {
				return false, err
			}
			switch {
			case key == "$and" && !ok:
				return false, nil
			case key == "$or" && ok:
				return true, nil
			case key == "$nor" && ok:
				return false, nil
			}
		}
		return key != "$or", nil
	case "$expr":
		e, err := expr.Parse(cond)
		if err != nil {
			return false, err
		}
		env := expr.NewEnv(doc)
		for k, v := range vars {
			env = env.With(k, v)
		}
		v, err := expr.EvalIn(e, env)
		if err != nil {
			return false, err
		}
		return expr.Truthy(v), nil
	case "$comment":
		return true, nil
	}
	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("%w: query operator %s", docstore.ErrUnsupported, key)
	}

	candidates := expr.LookupQuery(doc, key)
	if ops, isOps := operatorDoc(cond); isOps {
		for op, arg := range ops {
			ok, err := matchOperator(candidates, op, arg, ops)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	return anyEqual(candidates, cond), nil
}

// operatorDoc returns cond as an operator document when every key starts
// with "$".
func operatorDoc(cond interface{}) (bson.M, bool) {
	m, ok := expr.AsDoc(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// expand returns each candidate plus, for arrays, their elements.
func expand(candidates []interface{}) []interface{} {
	out := make([]interface{}, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c)
		if arr, ok := expr.AsArray(c); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func anyEqual(candidates []interface{}, want interface{}) bool {
	want = expr.Normalize(want)
	for _, c := range expand(candidates) {
		if want == nil && expr.IsNullish(c) {
			return true
		}
		if expr.Equal(c, want) {
			return true
		}
	}
	return false
}

func matchOperator(candidates []interface{}, op string, arg interface{}, all bson.M) (bool, error) {
	switch op {
	case "$eq":
		return anyEqual(candidates, arg), nil
	case "$ne":
		return !anyEqual(candidates, arg), nil
	case "$gt", "$gte", "$lt", "$lte":
		arg = expr.Normalize(arg)
		for _, c := range expand(candidates) {
			if expr.IsMissing(c) {
				continue
			}
			if expr.CanonicalType(c) != expr.CanonicalType(arg) {
				continue
			}
			cmp := expr.Compare(c, arg)
			if (op == "$gt" && cmp > 0) || (op == "$gte" && cmp >= 0) ||
				(op == "$lt" && cmp < 0) || (op == "$lte" && cmp <= 0) {
				return true, nil
			}
		}
		return false, nil
	case "$in", "$nin":
		values, ok := expr.AsArray(arg)
		if !ok {
			return false, fmt.Errorf("%w: %s requires an array", docstore.ErrUnsupported, op)
		}
		found := false
		for _, v := range values {
			if re, ok := v.(bson.Regex); ok {
				if matchRegex(candidates, re.Pattern, re.Options) {
					found = true
					break
				}
				continue
			}
			if anyEqual(candidates, v) {
				found = true
				break
			}
		}
		return found == (op == "$in"), nil
	case "$exists":
		want := expr.Truthy(arg)
		present := false
		for _, c := range candidates {
			if !expr.IsMissing(c) {
				present = true
				break
			}
		}
		return present == want, nil
	case "$not":
		sub, ok := operatorDoc(arg)
		if !ok {
			if re, isRe := arg.(bson.Regex); isRe {
				return !matchRegex(candidates, re.Pattern, re.Options), nil
			}
			return false, fmt.Errorf("%w: $not requires an operator document", docstore.ErrUnsupported)
		}
		for subOp, subArg := range sub {
			ok, err := matchOperator(candidates, subOp, subArg, sub)
			if err != nil {
				return false, err
			}
			if !ok {
				return true, nil
			}
		}
		return false, nil
	case "$size":
		n, ok := expr.AsInt64(arg)
		if !ok {
			return false, fmt.Errorf("%w: $size requires a number", docstore.ErrUnsupported)
		}
		for _, c := range candidates {
			if arr, ok := expr.AsArray(c); ok && int64(len(arr)) == n {
				return true, nil
			}
		}
		return false, nil
	case "$all":
		values, ok := expr.AsArray(arg)
		if !ok {
			return false, fmt.Errorf("%w: $all requires an array", docstore.ErrUnsupported)
		}
		for _, v := range values {
			if !anyEqual(candidates, v) {
				return false, nil
			}
		}
		return len(values) > 0, nil
	case "$elemMatch":
		for _, c := range candidates {
			arr, ok := expr.AsArray(c)
			if !ok {
				continue
			}
			for _, el := range arr {
				ok, err := elemMatches(el, arg)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
		}
		return false, nil
	case "$type":
		aliases, ok := expr.AsArray(arg)
		if !ok {
			aliases = bson.A{arg}
		}
		for _, c := range expand(candidates) {
			name := expr.TypeName(c)
			for _, a := range aliases {
				s, _ := a.(string)
				if s == name || (s == "number" && expr.IsNumber(c)) {
					return true, nil
				}
			}
		}
		return false, nil
	case "$regex":
		opts, _ := all["$options"].(string)
		pattern := ""
		switch p := arg.(type) {
		case string:
			pattern = p
		case bson.Regex:
			pattern, opts = p.Pattern, p.Options
		}
		return matchRegex(candidates, pattern, opts), nil
	case "$options":
		return true, nil
	}
	return false, fmt.Errorf("%w: query operator %s", docstore.ErrUnsupported, op)
}

func elemMatches(el interface{}, spec interface{}) (bool, error) {
	if ops, isOps := operatorDoc(spec); isOps {
		for op, arg := range ops {
			ok, err := matchOperator([]interface{}{el}, op, arg, ops)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	doc, ok := expr.AsDoc(el)
	if !ok {
		return false, nil
	}
	return matches(doc, spec, nil)
}

func matchRegex(candidates []interface{}, pattern, options string) bool {
	flags := ""
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	for _, c := range expand(candidates) {
		if s, ok := c.(string); ok && re.MatchString(s) {
			return true
		}
	}
	return false
}

// equalityFields extracts the top-level equality conditions of a filter,
// which seed the document created by an upsert.
func equalityFields(filter bson.M) bson.M {
	out := bson.M{}
	for k, v := range filter {
		if strings.HasPrefix(k, "$") {
			if k == "$and" {
				subs, _ := expr.AsArray(v)
				for _, s := range subs {
					if sd, ok := expr.AsDoc(s); ok {
						for sk, sv := range equalityFields(sd) {
							out[sk] = sv
						}
					}
				}
			}
			continue
		}
		if ops, isOps := operatorDoc(v); isOps {
			if eq, ok := ops["$eq"]; ok {
				out[k] = expr.Normalize(eq)
			}
			continue
		}
		out[k] = expr.Normalize(v)
	}
	return out
}
