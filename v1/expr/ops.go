package expr

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type evaluator func(args []Expr, env *Env) (interface{}, error)

// evaluators is filled in init to break the EvalIn initialization cycle.
var evaluators map[string]evaluator

func init() {
	evaluators = map[string]evaluator{
		"$eq":            compareOp(func(c int) bool { return c == 0 }),
		"$ne":            compareOp(func(c int) bool { return c != 0 }),
		"$gt":            compareOp(func(c int) bool { return c > 0 }),
		"$gte":           compareOp(func(c int) bool { return c >= 0 }),
		"$lt":            compareOp(func(c int) bool { return c < 0 }),
		"$lte":           compareOp(func(c int) bool { return c <= 0 }),
		"$cmp":           evalCmp,
		"$and":           evalAnd,
		"$or":            evalOr,
		"$not":           evalNot,
		"$ifNull":        evalIfNull,
		"$in":            evalIn,
		"$isArray":       evalIsArray,
		"$size":          evalSize,
		"$concatArrays":  evalConcatArrays,
		"$setUnion":      evalSetUnion,
		"$setDifference": evalSetDifference,
		"$mergeObjects":  evalMergeObjects,
		"$arrayElemAt":   evalArrayElemAt,
		"$max":           evalMinMax(1),
		"$min":           evalMinMax(-1),
		"$add":           evalAdd,
		"$subtract":      evalSubtract,
		"$multiply":      evalMultiply,
		"$divide":        evalDivide,
		"$range":         evalRange,
		"$type":          evalType,
		"$indexOfArray":  evalIndexOfArray,
		"$concat":        evalConcat,
		"$objectToArray": evalObjectToArray,
		"$arrayToObject": evalArrayToObject,
		"$first":         evalFirstLast(true),
		"$last":          evalFirstLast(false),
		"$slice":         evalSlice,
		"$toString":      evalToString,
		"$toLower":       evalCase(strings.ToLower),
		"$toUpper":       evalCase(strings.ToUpper),
		"$abs":           evalMath(math.Abs),
		"$floor":         evalMath(math.Floor),
		"$ceil":          evalMath(math.Ceil),
		"$toBool":        evalToBool,
		"$sum":           evalSum,
		"$avg":           evalAvg,
		"$reverseArray":  evalReverseArray,
		"$allElementsTrue": func(args []Expr, env *Env) (interface{}, error) {
			arr, err := singleArray("$allElementsTrue", args, env)
			if err != nil || arr == nil {
				return true, err
			}
			for _, v := range arr {
				if !Truthy(v) {
					return false, nil
				}
			}
			return true, nil
		},
		"$anyElementTrue": func(args []Expr, env *Env) (interface{}, error) {
			arr, err := singleArray("$anyElementTrue", args, env)
			if err != nil || arr == nil {
				return false, err
			}
			for _, v := range arr {
				if Truthy(v) {
					return true, nil
				}
			}
			return false, nil
		},
	}
	evaluators["$toHashedIndexKey"] = evalHashedIndexKey
}

func compareOp(pred func(int) bool) evaluator {
	return func(args []Expr, env *Env) (interface{}, error) {
		vals, err := evalArgs(args, env)
		if err != nil {
			return nil, err
		}
		if len(vals) != 2 {
			return nil, fmt.Errorf("%w: comparison needs 2 arguments", ErrInvalidExpression)
		}
		return pred(Compare(vals[0], vals[1])), nil
	}
}

func evalCmp(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%w: $cmp needs 2 arguments", ErrInvalidExpression)
	}
	c := Compare(vals[0], vals[1])
	switch {
	case c < 0:
		return -1, nil
	case c > 0:
		return 1, nil
	}
	return 0, nil
}

func evalAnd(args []Expr, env *Env) (interface{}, error) {
	for _, a := range args {
		v, err := EvalIn(a, env)
		if err != nil {
			return nil, err
		}
		if !Truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func evalOr(args []Expr, env *Env) (interface{}, error) {
	for _, a := range args {
		v, err := EvalIn(a, env)
		if err != nil {
			return nil, err
		}
		if Truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

func evalNot(args []Expr, env *Env) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: $not needs 1 argument", ErrInvalidExpression)
	}
	v, err := EvalIn(args[0], env)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

func evalIfNull(args []Expr, env *Env) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: $ifNull needs at least 2 arguments", ErrInvalidExpression)
	}
	for i, a := range args {
		v, err := EvalIn(a, env)
		if err != nil {
			return nil, err
		}
		if !IsNullish(v) || i == len(args)-1 {
			return v, nil
		}
	}
	return nil, nil
}

func evalIn(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%w: $in needs 2 arguments", ErrInvalidExpression)
	}
	arr, ok := AsArray(vals[1])
	if !ok {
		return nil, fmt.Errorf("%w: $in requires an array, got %s", ErrTypeMismatch, TypeName(vals[1]))
	}
	for _, el := range arr {
		if Equal(vals[0], el) {
			return true, nil
		}
	}
	return false, nil
}

func singleValue(name string, args []Expr, env *Env) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: %s needs 1 argument", ErrInvalidExpression, name)
	}
	return EvalIn(args[0], env)
}

// singleArray evaluates a one-argument array operator. Null and missing
// yield a nil array and no error.
func singleArray(name string, args []Expr, env *Env) (bson.A, error) {
	v, err := singleValue(name, args, env)
	if err != nil {
		return nil, err
	}
	if IsNullish(v) {
		return nil, nil
	}
	arr, ok := AsArray(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s requires an array, got %s", ErrTypeMismatch, name, TypeName(v))
	}
	return arr, nil
}

func evalIsArray(args []Expr, env *Env) (interface{}, error) {
	v, err := singleValue("$isArray", args, env)
	if err != nil {
		return nil, err
	}
	_, ok := AsArray(v)
	return ok, nil
}

func evalSize(args []Expr, env *Env) (interface{}, error) {
	v, err := singleValue("$size", args, env)
	if err != nil {
		return nil, err
	}
	arr, ok := AsArray(v)
	if !ok {
		return nil, fmt.Errorf("%w: $size requires an array, got %s", ErrTypeMismatch, TypeName(v))
	}
	return len(arr), nil
}

func evalConcatArrays(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	out := bson.A{}
	for _, v := range vals {
		if IsNullish(v) {
			return nil, nil
		}
		arr, ok := AsArray(v)
		if !ok {
			return nil, fmt.Errorf("%w: $concatArrays requires arrays, got %s", ErrTypeMismatch, TypeName(v))
		}
		out = append(out, arr...)
	}
	return out, nil
}

func evalSetUnion(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	out := bson.A{}
	for _, v := range vals {
		if IsNullish(v) {
			return nil, nil
		}
		arr, ok := AsArray(v)
		if !ok {
			return nil, fmt.Errorf("%w: $setUnion requires arrays", ErrTypeMismatch)
		}
		for _, el := range arr {
			if !containsValue(out, el) {
				out = append(out, el)
			}
		}
	}
	return out, nil
}

func evalSetDifference(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%w: $setDifference needs 2 arguments", ErrInvalidExpression)
	}
	if IsNullish(vals[0]) || IsNullish(vals[1]) {
		return nil, nil
	}
	a, okA := AsArray(vals[0])
	b, okB := AsArray(vals[1])
	if !okA || !okB {
		return nil, fmt.Errorf("%w: $setDifference requires arrays", ErrTypeMismatch)
	}
	out := bson.A{}
	for _, el := range a {
		if !containsValue(b, el) && !containsValue(out, el) {
			out = append(out, el)
		}
	}
	return out, nil
}

func containsValue(arr bson.A, v interface{}) bool {
	for _, el := range arr {
		if Equal(el, v) {
			return true
		}
	}
	return false
}

func evalMergeObjects(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) == 1 {
		// Single array argument: merge its elements.
		if arr, ok := AsArray(vals[0]); ok {
			vals = arr
		}
	}
	out := bson.M{}
	for _, v := range vals {
		if IsNullish(v) {
			continue
		}
		doc, ok := AsDoc(v)
		if !ok {
			return nil, fmt.Errorf("%w: $mergeObjects requires documents, got %s", ErrTypeMismatch, TypeName(v))
		}
		for k, fv := range doc {
			out[k] = fv
		}
	}
	return out, nil
}

func evalArrayElemAt(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%w: $arrayElemAt needs 2 arguments", ErrInvalidExpression)
	}
	if IsNullish(vals[0]) || IsNullish(vals[1]) {
		return nil, nil
	}
	arr, ok := AsArray(vals[0])
	if !ok {
		return nil, fmt.Errorf("%w: $arrayElemAt requires an array", ErrTypeMismatch)
	}
	idx, ok := AsInt64(vals[1])
	if !ok {
		return nil, fmt.Errorf("%w: $arrayElemAt index must be numeric", ErrTypeMismatch)
	}
	if idx < 0 {
		idx += int64(len(arr))
	}
	if idx < 0 || idx >= int64(len(arr)) {
		return Missing, nil
	}
	return arr[idx], nil
}

// evalMinMax returns the extreme non-null value; a single array argument
// is expanded.
func evalMinMax(sign int) evaluator {
	return func(args []Expr, env *Env) (interface{}, error) {
		vals, err := evalArgs(args, env)
		if err != nil {
			return nil, err
		}
		if len(vals) == 1 {
			if arr, ok := AsArray(vals[0]); ok {
				vals = arr
			}
		}
		var best interface{}
		found := false
		for _, v := range vals {
			if IsNullish(v) {
				continue
			}
			if !found || Compare(v, best)*sign > 0 {
				best = v
				found = true
			}
		}
		if !found {
			return nil, nil
		}
		return best, nil
	}
}

func numericResult(sum float64, allInt bool) interface{} {
	if allInt && sum == math.Trunc(sum) && math.Abs(sum) < math.MaxInt64 {
		return int64(sum)
	}
	return sum
}

func evalAdd(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	var sum float64
	allInt := true
	for _, v := range vals {
		if IsNullish(v) {
			return nil, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: $add requires numbers, got %s", ErrTypeMismatch, TypeName(v))
		}
		allInt = allInt && isIntegral(v)
		sum += f
	}
	return numericResult(sum, allInt), nil
}

func evalSubtract(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%w: $subtract needs 2 arguments", ErrInvalidExpression)
	}
	if IsNullish(vals[0]) || IsNullish(vals[1]) {
		return nil, nil
	}
	a, okA := toFloat(vals[0])
	b, okB := toFloat(vals[1])
	if !okA || !okB {
		return nil, fmt.Errorf("%w: $subtract requires numbers", ErrTypeMismatch)
	}
	return numericResult(a-b, isIntegral(vals[0]) && isIntegral(vals[1])), nil
}

func evalMultiply(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	prod := 1.0
	allInt := true
	for _, v := range vals {
		if IsNullish(v) {
			return nil, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: $multiply requires numbers", ErrTypeMismatch)
		}
		allInt = allInt && isIntegral(v)
		prod *= f
	}
	return numericResult(prod, allInt), nil
}

func evalDivide(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%w: $divide needs 2 arguments", ErrInvalidExpression)
	}
	if IsNullish(vals[0]) || IsNullish(vals[1]) {
		return nil, nil
	}
	a, okA := toFloat(vals[0])
	b, okB := toFloat(vals[1])
	if !okA || !okB {
		return nil, fmt.Errorf("%w: $divide requires numbers", ErrTypeMismatch)
	}
	if b == 0 {
		return nil, fmt.Errorf("%w: division by zero", ErrInvalidExpression)
	}
	return a / b, nil
}

func evalRange(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 || len(vals) > 3 {
		return nil, fmt.Errorf("%w: $range needs 2 or 3 arguments", ErrInvalidExpression)
	}
	start, okS := AsInt64(vals[0])
	end, okE := AsInt64(vals[1])
	if !okS || !okE {
		return nil, fmt.Errorf("%w: $range bounds must be integers", ErrTypeMismatch)
	}
	step := int64(1)
	if len(vals) == 3 {
		s, ok := AsInt64(vals[2])
		if !ok || s == 0 {
			return nil, fmt.Errorf("%w: $range step must be a non-zero integer", ErrInvalidExpression)
		}
		step = s
	}
	out := bson.A{}
	for i := start; (step > 0 && i < end) || (step < 0 && i > end); i += step {
		out = append(out, i)
	}
	return out, nil
}

func evalType(args []Expr, env *Env) (interface{}, error) {
	v, err := singleValue("$type", args, env)
	if err != nil {
		return nil, err
	}
	return TypeName(v), nil
}

func evalIndexOfArray(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return nil, fmt.Errorf("%w: $indexOfArray needs 2 arguments", ErrInvalidExpression)
	}
	if IsNullish(vals[0]) {
		return nil, nil
	}
	arr, ok := AsArray(vals[0])
	if !ok {
		return nil, fmt.Errorf("%w: $indexOfArray requires an array", ErrTypeMismatch)
	}
	for i, el := range arr {
		if Equal(el, vals[1]) {
			return i, nil
		}
	}
	return -1, nil
}

func evalConcat(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, v := range vals {
		if IsNullish(v) {
			return nil, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: $concat requires strings, got %s", ErrTypeMismatch, TypeName(v))
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func evalObjectToArray(args []Expr, env *Env) (interface{}, error) {
	v, err := singleValue("$objectToArray", args, env)
	if err != nil {
		return nil, err
	}
	if IsNullish(v) {
		return nil, nil
	}
	doc, ok := AsDoc(v)
	if !ok {
		return nil, fmt.Errorf("%w: $objectToArray requires a document", ErrTypeMismatch)
	}
	out := bson.A{}
	for _, k := range SortedKeys(doc) {
		out = append(out, bson.M{"k": k, "v": doc[k]})
	}
	return out, nil
}

func evalArrayToObject(args []Expr, env *Env) (interface{}, error) {
	arr, err := singleArray("$arrayToObject", args, env)
	if err != nil || arr == nil {
		return nil, err
	}
	out := bson.M{}
	for _, el := range arr {
		if pair, ok := AsArray(el); ok && len(pair) == 2 {
			k, ok := pair[0].(string)
			if !ok {
				return nil, fmt.Errorf("%w: $arrayToObject keys must be strings", ErrTypeMismatch)
			}
			out[k] = pair[1]
			continue
		}
		doc, ok := AsDoc(el)
		if !ok {
			return nil, fmt.Errorf("%w: $arrayToObject requires k/v documents or pairs", ErrTypeMismatch)
		}
		k, ok := doc["k"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: $arrayToObject keys must be strings", ErrTypeMismatch)
		}
		out[k] = doc["v"]
	}
	return out, nil
}

func evalFirstLast(first bool) evaluator {
	return func(args []Expr, env *Env) (interface{}, error) {
		arr, err := singleArray("$first", args, env)
		if err != nil || arr == nil {
			return nil, err
		}
		if len(arr) == 0 {
			return Missing, nil
		}
		if first {
			return arr[0], nil
		}
		return arr[len(arr)-1], nil
	}
}

func evalSlice(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) < 2 {
		return nil, fmt.Errorf("%w: $slice needs 2 or 3 arguments", ErrInvalidExpression)
	}
	if IsNullish(vals[0]) {
		return nil, nil
	}
	arr, ok := AsArray(vals[0])
	if !ok {
		return nil, fmt.Errorf("%w: $slice requires an array", ErrTypeMismatch)
	}
	n := int64(len(arr))
	a, _ := AsInt64(vals[1])
	if len(vals) == 2 {
		if a >= 0 {
			return arr[:min(a, n)], nil
		}
		return arr[max(n+a, 0):], nil
	}
	pos := a
	if pos < 0 {
		pos = max(n+pos, 0)
	}
	cnt, _ := AsInt64(vals[2])
	if pos >= n {
		return bson.A{}, nil
	}
	return arr[pos:min(pos+cnt, n)], nil
}

// evalHashedIndexKey hashes the BSON encoding of its argument to a 64-bit
// integer. Equal values always hash alike; the server's keys differ from
// these but are stable in the same way.
func evalHashedIndexKey(args []Expr, env *Env) (interface{}, error) {
	v, err := singleValue("$toHashedIndexKey", args, env)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(missingValue); ok {
		v = nil
	}
	raw, err := bson.Marshal(bson.D{{Key: "", Value: v}})
	if err != nil {
		return nil, fmt.Errorf("%w: $toHashedIndexKey: %v", ErrTypeMismatch, err)
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return int64(h.Sum64()), nil
}

func evalToString(args []Expr, env *Env) (interface{}, error) {
	v, err := singleValue("$toString", args, env)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil, missingValue:
		return nil, nil
	case string:
		return t, nil
	case bson.ObjectID:
		return t.Hex(), nil
	}
	return fmt.Sprint(v), nil
}

func evalCase(fn func(string) string) evaluator {
	return func(args []Expr, env *Env) (interface{}, error) {
		v, err := singleValue("$toLower", args, env)
		if err != nil {
			return nil, err
		}
		if IsNullish(v) {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return fn(s), nil
	}
}

func evalMath(fn func(float64) float64) evaluator {
	return func(args []Expr, env *Env) (interface{}, error) {
		v, err := singleValue("$abs", args, env)
		if err != nil {
			return nil, err
		}
		if IsNullish(v) {
			return nil, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: numeric operator requires a number", ErrTypeMismatch)
		}
		return numericResult(fn(f), isIntegral(v)), nil
	}
}

func evalToBool(args []Expr, env *Env) (interface{}, error) {
	v, err := singleValue("$toBool", args, env)
	if err != nil {
		return nil, err
	}
	if IsNullish(v) {
		return nil, nil
	}
	return Truthy(v), nil
}

// evalSum sums numbers, expanding a single array argument. Non-numeric
// values are ignored, like the $sum accumulator.
func evalSum(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) == 1 {
		if arr, ok := AsArray(vals[0]); ok {
			vals = arr
		}
	}
	var sum float64
	allInt := true
	for _, v := range vals {
		if f, ok := toFloat(v); ok {
			sum += f
			allInt = allInt && isIntegral(v)
		}
	}
	return numericResult(sum, allInt), nil
}

func evalAvg(args []Expr, env *Env) (interface{}, error) {
	vals, err := evalArgs(args, env)
	if err != nil {
		return nil, err
	}
	if len(vals) == 1 {
		if arr, ok := AsArray(vals[0]); ok {
			vals = arr
		}
	}
	var sum float64
	n := 0
	for _, v := range vals {
		if f, ok := toFloat(v); ok {
			sum += f
			n++
		}
	}
	if n == 0 {
		return nil, nil
	}
	return sum / float64(n), nil
}

func evalReverseArray(args []Expr, env *Env) (interface{}, error) {
	arr, err := singleArray("$reverseArray", args, env)
	if err != nil || arr == nil {
		return nil, err
	}
	out := make(bson.A, len(arr))
	for i, v := range arr {
		out[len(arr)-1-i] = v
	}
	return out, nil
}
