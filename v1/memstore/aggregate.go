package memstore

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

// runStages executes stages over docs. docs are owned by the caller and
// may be modified. vars are pipeline-level variables ($lookup let).
func (c *Client) runStages(docs []bson.M, stages []bson.D, vars map[string]interface{}) ([]bson.M, error) {
	var err error
	for i, stage := range stages {
		if len(stage) != 1 {
			return nil, fmt.Errorf("%w: stage %d must have exactly one key", docstore.ErrUnsupported, i)
		}
		name, spec := stage[0].Key, stage[0].Value
		docs, err = c.runStage(docs, name, spec, vars)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, name, err)
		}
	}
	return docs, nil
}

func (c *Client) runStage(docs []bson.M, name string, spec interface{}, vars map[string]interface{}) ([]bson.M, error) {
	switch name {
	case "$match":
		out := docs[:0:0]
		for _, d := range docs {
			ok, err := matches(d, spec, vars)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, d)
			}
		}
		return out, nil
	case "$sort":
		return sortDocs(docs, spec)
	case "$skip":
		n, ok := expr.AsInt64(spec)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: $skip requires a non-negative number", docstore.ErrUnsupported)
		}
		if n >= int64(len(docs)) {
			return nil, nil
		}
		return docs[n:], nil
	case "$limit":
		n, ok := expr.AsInt64(spec)
		if !ok || n <= 0 {
			return nil, fmt.Errorf("%w: $limit requires a positive number", docstore.ErrUnsupported)
		}
		if n < int64(len(docs)) {
			return docs[:n], nil
		}
		return docs, nil
	case "$project":
		return projectDocs(docs, spec, vars)
	case "$set", "$addFields":
		return addFields(docs, spec, vars)
	case "$unset":
		paths, err := stringList(spec)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			for _, p := range paths {
				expr.UnsetPath(d, p)
			}
		}
		return docs, nil
	case "$unwind":
		return unwind(docs, spec)
	case "$replaceRoot":
		m, ok := expr.AsDoc(spec)
		if !ok {
			return nil, fmt.Errorf("%w: $replaceRoot requires a document", docstore.ErrUnsupported)
		}
		return replaceRoot(docs, m["newRoot"], vars)
	case "$replaceWith":
		return replaceRoot(docs, spec, vars)
	case "$group":
		return group(docs, spec, vars)
	case "$count":
		field, ok := spec.(string)
		if !ok || field == "" {
			return nil, fmt.Errorf("%w: $count requires a field name", docstore.ErrUnsupported)
		}
		if len(docs) == 0 {
			return nil, nil
		}
		return []bson.M{{field: len(docs)}}, nil
	case "$sortByCount":
		grouped, err := group(docs, bson.M{"_id": spec, "count": bson.M{"$sum": 1}}, vars)
		if err != nil {
			return nil, err
		}
		return sortDocs(grouped, bson.D{{Key: "count", Value: -1}})
	case "$sample":
		m, _ := expr.AsDoc(spec)
		n, ok := expr.AsInt64(m["size"])
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: $sample requires a size", docstore.ErrUnsupported)
		}
		rand.Shuffle(len(docs), func(i, j int) { docs[i], docs[j] = docs[j], docs[i] })
		if n < int64(len(docs)) {
			docs = docs[:n]
		}
		return docs, nil
	case "$lookup":
		return c.lookup(docs, spec, vars)
	case "$facet":
		return c.facet(docs, spec, vars)
	case "$merge":
		return nil, c.mergeInto(docs, spec)
	case "$out":
		return nil, c.out(docs, spec)
	}
	return nil, fmt.Errorf("%w: stage %s", docstore.ErrUnsupported, name)
}

func stringList(spec interface{}) ([]string, error) {
	if s, ok := spec.(string); ok {
		return []string{s}, nil
	}
	arr, ok := expr.AsArray(spec)
	if !ok {
		return nil, fmt.Errorf("%w: expected a string or array of strings", docstore.ErrUnsupported)
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected strings", docstore.ErrUnsupported)
		}
		out = append(out, s)
	}
	return out, nil
}

func orderedSpec(spec interface{}) (bson.D, error) {
	switch s := spec.(type) {
	case bson.D:
		return s, nil
	case bson.M:
		d := make(bson.D, 0, len(s))
		for _, k := range expr.SortedKeys(s) {
			d = append(d, bson.E{Key: k, Value: s[k]})
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: expected a document", docstore.ErrUnsupported)
}

// sortKey picks the value a document sorts by: for arrays the smallest
// element ascending and the largest descending.
func sortKey(d bson.M, path string, desc bool) interface{} {
	v := expr.GetPath(d, path)
	arr, ok := expr.AsArray(v)
	if !ok {
		return v
	}
	if len(arr) == 0 {
		return expr.Missing
	}
	best := arr[0]
	for _, el := range arr[1:] {
		c := expr.Compare(el, best)
		if (desc && c > 0) || (!desc && c < 0) {
			best = el
		}
	}
	return best
}

func sortDocs(docs []bson.M, spec interface{}) ([]bson.M, error) {
	keys, err := orderedSpec(spec)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			dir, _ := expr.AsInt64(k.Value)
			desc := dir < 0
			c := expr.Compare(sortKey(docs[i], k.Key, desc), sortKey(docs[j], k.Key, desc))
			if c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return docs, nil
}

func envFor(doc bson.M, vars map[string]interface{}) *expr.Env {
	env := expr.NewEnv(doc)
	for k, v := range vars {
		env = env.With(k, v)
	}
	return env
}

func evalSpec(raw interface{}, doc bson.M, vars map[string]interface{}) (interface{}, error) {
	e, err := expr.Parse(raw)
	if err != nil {
		return nil, err
	}
	return expr.EvalIn(e, envFor(doc, vars))
}

// isFlag reports whether a $project value is an inclusion/exclusion flag.
func isFlag(v interface{}) (include bool, ok bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	}
	if n, isNum := expr.AsInt64(v); isNum {
		return n != 0, true
	}
	return false, false
}

func projectDocs(docs []bson.M, spec interface{}, vars map[string]interface{}) ([]bson.M, error) {
	fields, ok := expr.AsDoc(spec)
	if !ok {
		return nil, fmt.Errorf("%w: $project requires a document", docstore.ErrUnsupported)
	}
	exclusion := false
	for k, v := range fields {
		if inc, isF := isFlag(v); isF && !inc && (k != "_id" || len(fields) == 1) {
			exclusion = true
		}
	}
	out := make([]bson.M, 0, len(docs))
	for _, d := range docs {
		if exclusion {
			for k, v := range fields {
				if inc, isF := isFlag(v); isF && !inc {
					expr.UnsetPath(d, k)
				}
			}
			out = append(out, d)
			continue
		}
		nd := bson.M{}
		if inc, isF := isFlag(fields["_id"]); !isF || inc {
			if id, ok := d["_id"]; ok {
				nd["_id"] = id
			}
		}
		for _, k := range sortedPaths(fields) {
			v := fields[k]
			if k == "_id" {
				if _, isF := isFlag(v); isF {
					continue
				}
			}
			if inc, isF := isFlag(v); isF {
				if inc {
					includePath(nd, d, expr.SplitPath(k))
				}
				continue
			}
			val, err := evalSpec(v, d, vars)
			if err != nil {
				return nil, err
			}
			if !expr.IsMissing(val) {
				expr.SetPath(nd, k, val)
			}
		}
		out = append(out, nd)
	}
	return out, nil
}

// includePath copies parts from src into dst, mapping over arrays of
// documents the way inclusion projections do.
func includePath(dst bson.M, src bson.M, parts []string) {
	v, ok := src[parts[0]]
	if !ok {
		return
	}
	if len(parts) == 1 {
		dst[parts[0]] = v
		return
	}
	if sub, isDoc := expr.AsDoc(v); isDoc {
		child, _ := dst[parts[0]].(bson.M)
		if child == nil {
			child = bson.M{}
		}
		includePath(child, sub, parts[1:])
		dst[parts[0]] = child
		return
	}
	if arr, isArr := expr.AsArray(v); isArr {
		existing, _ := dst[parts[0]].(bson.A)
		res := bson.A{}
		for i, el := range arr {
			sub, isDoc := expr.AsDoc(el)
			if !isDoc {
				continue
			}
			var child bson.M
			if i < len(existing) {
				child, _ = existing[i].(bson.M)
			}
			if child == nil {
				child = bson.M{}
			}
			includePath(child, sub, parts[1:])
			res = append(res, child)
		}
		dst[parts[0]] = res
	}
}

func addFields(docs []bson.M, spec interface{}, vars map[string]interface{}) ([]bson.M, error) {
	fields, err := orderedSpec(spec)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		// Expressions see the document as it was before the stage.
		snapshot := expr.DeepCopy(d)
		if err := setFields(d, snapshot, "", fields, vars); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func setFields(d, snapshot bson.M, prefix string, fields bson.D, vars map[string]interface{}) error {
	for _, f := range fields {
		path := f.Key
		if prefix != "" {
			path = prefix + "." + f.Key
		}
		if nested, isObj := plainObject(f.Value); isObj {
			if _, isDoc := expr.AsDoc(expr.GetPath(d, path)); isDoc {
				if err := setFields(d, snapshot, path, nested, vars); err != nil {
					return err
				}
				continue
			}
		}
		val, err := evalSpec(f.Value, snapshot, vars)
		if err != nil {
			return fmt.Errorf("field %s: %w", path, err)
		}
		if expr.IsMissing(val) {
			expr.UnsetPath(d, path)
			continue
		}
		expr.SetPath(d, path, val)
	}
	return nil
}

// plainObject returns v as an ordered document when it is a non-operator
// document, i.e. an embedded spec of $addFields.
func plainObject(v interface{}) (bson.D, bool) {
	var d bson.D
	switch t := v.(type) {
	case bson.D:
		d = t
	case bson.M:
		d, _ = orderedSpec(t)
	default:
		return nil, false
	}
	if len(d) == 0 {
		return nil, false
	}
	for _, e := range d {
		if strings.HasPrefix(e.Key, "$") {
			return nil, false
		}
	}
	return d, true
}

func unwind(docs []bson.M, spec interface{}) ([]bson.M, error) {
	var path, indexField string
	preserve := false
	switch s := spec.(type) {
	case string:
		path = s
	default:
		m, ok := expr.AsDoc(s)
		if !ok {
			return nil, fmt.Errorf("%w: $unwind requires a path", docstore.ErrUnsupported)
		}
		path, _ = m["path"].(string)
		indexField, _ = m["includeArrayIndex"].(string)
		preserve = expr.Truthy(m["preserveNullAndEmptyArrays"])
	}
	if !strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("%w: $unwind path must start with $", docstore.ErrUnsupported)
	}
	path = path[1:]

	out := make([]bson.M, 0, len(docs))
	for _, d := range docs {
		v := expr.GetPath(d, path)
		arr, isArr := v.(bson.A)
		if !isArr {
			if a, ok := v.([]interface{}); ok {
				arr, isArr = bson.A(a), true
			}
		}
		switch {
		case isArr && len(arr) > 0:
			for i, el := range arr {
				nd := expr.DeepCopy(d)
				expr.SetPath(nd, path, expr.Normalize(el))
				if indexField != "" {
					nd[indexField] = int64(i)
				}
				out = append(out, nd)
			}
		case isArr || expr.IsNullish(v):
			if preserve {
				if isArr {
					expr.UnsetPath(d, path)
				}
				if indexField != "" {
					d[indexField] = nil
				}
				out = append(out, d)
			}
		default:
			if indexField != "" {
				d[indexField] = nil
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func replaceRoot(docs []bson.M, raw interface{}, vars map[string]interface{}) ([]bson.M, error) {
	out := make([]bson.M, 0, len(docs))
	for _, d := range docs {
		v, err := evalSpec(raw, d, vars)
		if err != nil {
			return nil, err
		}
		nd, ok := expr.AsDoc(v)
		if !ok {
			return nil, fmt.Errorf("%w: newRoot must evaluate to a document, got %s", docstore.ErrUnsupported, expr.TypeName(v))
		}
		out = append(out, expr.DeepCopy(nd))
	}
	return out, nil
}

type accumulator struct {
	op    string
	arg   expr.Expr
	acc   interface{}
	seen  map[string]bool
	count int
	sum   float64
	ints  bool
	set   bool
}

func group(docs []bson.M, spec interface{}, vars map[string]interface{}) ([]bson.M, error) {
	fields, err := orderedSpec(spec)
	if err != nil {
		return nil, err
	}
	var idExpr expr.Expr
	type accSpec struct {
		name string
		op   string
		arg  expr.Expr
	}
	var accs []accSpec
	for _, f := range fields {
		if f.Key == "_id" {
			idExpr, err = expr.Parse(f.Value)
			if err != nil {
				return nil, err
			}
			continue
		}
		m, ok := expr.AsDoc(f.Value)
		if !ok || len(m) != 1 {
			return nil, fmt.Errorf("%w: accumulator %s must be a single-operator document", docstore.ErrUnsupported, f.Key)
		}
		for op, raw := range m {
			arg, err := expr.Parse(raw)
			if err != nil {
				return nil, err
			}
			accs = append(accs, accSpec{name: f.Key, op: op, arg: arg})
		}
	}
	if idExpr == nil {
		return nil, fmt.Errorf("%w: $group requires an _id", docstore.ErrUnsupported)
	}

	type bucket struct {
		id   interface{}
		accs []*accumulator
	}
	var order []string
	buckets := map[string]*bucket{}
	for _, d := range docs {
		env := envFor(d, vars)
		id, err := expr.EvalIn(idExpr, env)
		if err != nil {
			return nil, err
		}
		if expr.IsMissing(id) {
			id = nil
		}
		key := expr.HashKey(id)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{id: id}
			for _, a := range accs {
				b.accs = append(b.accs, &accumulator{op: a.op, arg: a.arg, ints: true, seen: map[string]bool{}})
			}
			buckets[key] = b
			order = append(order, key)
		}
		for _, a := range b.accs {
			if err := a.add(env); err != nil {
				return nil, err
			}
		}
	}

	out := make([]bson.M, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		nd := bson.M{"_id": b.id}
		for i, a := range b.accs {
			nd[accs[i].name] = a.result()
		}
		out = append(out, nd)
	}
	return out, nil
}

func (a *accumulator) add(env *expr.Env) error {
	if a.op == "$count" {
		a.count++
		return nil
	}
	v, err := expr.EvalIn(a.arg, env)
	if err != nil {
		return err
	}
	switch a.op {
	case "$sum":
		if f, ok := expr.AsFloat64(v); ok {
			a.sum += f
			a.ints = a.ints && isIntegral(v)
		}
	case "$avg":
		if f, ok := expr.AsFloat64(v); ok {
			a.sum += f
			a.count++
		}
	case "$min", "$max":
		if expr.IsNullish(v) {
			return nil
		}
		c := expr.Compare(v, a.acc)
		if !a.set || (a.op == "$min" && c < 0) || (a.op == "$max" && c > 0) {
			a.acc, a.set = v, true
		}
	case "$first":
		if !a.set {
			a.acc, a.set = missingToNull(v), true
		}
	case "$last":
		a.acc, a.set = missingToNull(v), true
	case "$push":
		if expr.IsMissing(v) {
			return nil
		}
		arr, _ := a.acc.(bson.A)
		a.acc = append(arr, v)
	case "$addToSet":
		if expr.IsMissing(v) {
			return nil
		}
		arr, _ := a.acc.(bson.A)
		k := expr.HashKey(v)
		if !a.seen[k] {
			a.seen[k] = true
			a.acc = append(arr, v)
		}
	case "$mergeObjects":
		doc, ok := expr.AsDoc(v)
		if !ok {
			return nil
		}
		acc, _ := a.acc.(bson.M)
		if acc == nil {
			acc = bson.M{}
		}
		for k, fv := range doc {
			acc[k] = fv
		}
		a.acc = acc
	default:
		return fmt.Errorf("%w: accumulator %s", docstore.ErrUnsupported, a.op)
	}
	return nil
}

func (a *accumulator) result() interface{} {
	switch a.op {
	case "$count":
		return a.count
	case "$sum":
		if a.ints {
			return int64(a.sum)
		}
		return a.sum
	case "$avg":
		if a.count == 0 {
			return nil
		}
		return a.sum / float64(a.count)
	case "$push", "$addToSet":
		if a.acc == nil {
			return bson.A{}
		}
	case "$mergeObjects":
		if a.acc == nil {
			return bson.M{}
		}
	}
	return a.acc
}

func missingToNull(v interface{}) interface{} {
	if expr.IsMissing(v) {
		return nil
	}
	return v
}

func isIntegral(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func (c *Client) lookup(docs []bson.M, spec interface{}, vars map[string]interface{}) ([]bson.M, error) {
	m, ok := expr.AsDoc(spec)
	if !ok {
		return nil, fmt.Errorf("%w: $lookup requires a document", docstore.ErrUnsupported)
	}
	from, _ := m["from"].(string)
	as, _ := m["as"].(string)
	localField, _ := m["localField"].(string)
	foreignField, _ := m["foreignField"].(string)
	if from == "" || as == "" {
		return nil, fmt.Errorf("%w: $lookup requires from and as", docstore.ErrUnsupported)
	}

	var sub []bson.D
	if raw, ok := m["pipeline"]; ok {
		stages, ok := asPipeline(raw)
		if !ok {
			return nil, fmt.Errorf("%w: $lookup pipeline must be an array of stages", docstore.ErrUnsupported)
		}
		sub = stages
	}
	var letSpec bson.D
	if raw, ok := m["let"]; ok {
		var err error
		letSpec, err = orderedSpec(raw)
		if err != nil {
			return nil, err
		}
	}

	foreign := c.collection(from).snapshot()

	for _, d := range docs {
		var candidates []bson.M
		if localField != "" {
			local := expr.LookupQuery(d, localField)
			for _, fd := range foreign {
				if joinMatches(local, expr.LookupQuery(fd, foreignField)) {
					candidates = append(candidates, expr.DeepCopy(fd))
				}
			}
		} else {
			for _, fd := range foreign {
				candidates = append(candidates, expr.DeepCopy(fd))
			}
		}
		if sub != nil {
			subVars := map[string]interface{}{}
			for k, v := range vars {
				subVars[k] = v
			}
			for _, l := range letSpec {
				v, err := evalSpec(l.Value, d, vars)
				if err != nil {
					return nil, err
				}
				subVars[l.Key] = v
			}
			var err error
			candidates, err = c.runStages(candidates, sub, subVars)
			if err != nil {
				return nil, fmt.Errorf("$lookup %s: %w", from, err)
			}
		}
		arr := make(bson.A, len(candidates))
		for i, cd := range candidates {
			arr[i] = cd
		}
		expr.SetPath(d, as, arr)
	}
	return docs, nil
}

// joinMatches implements $lookup equality: arrays on either side match
// when any element matches, and null matches missing.
func joinMatches(local, foreign []interface{}) bool {
	for _, l := range expand(local) {
		if _, isArr := expr.AsArray(l); isArr {
			continue
		}
		for _, f := range expand(foreign) {
			if expr.IsNullish(l) && expr.IsNullish(f) {
				return true
			}
			if expr.Equal(l, f) {
				return true
			}
		}
	}
	return false
}

func (c *Client) facet(docs []bson.M, spec interface{}, vars map[string]interface{}) ([]bson.M, error) {
	m, ok := expr.AsDoc(spec)
	if !ok {
		return nil, fmt.Errorf("%w: $facet requires a document", docstore.ErrUnsupported)
	}
	res := bson.M{}
	for name, raw := range m {
		stages, ok := asPipeline(raw)
		if !ok {
			return nil, fmt.Errorf("%w: $facet %s must be a pipeline", docstore.ErrUnsupported, name)
		}
		input := make([]bson.M, len(docs))
		for i, d := range docs {
			input[i] = expr.DeepCopy(d)
		}
		out, err := c.runStages(input, stages, vars)
		if err != nil {
			return nil, err
		}
		arr := make(bson.A, len(out))
		for i, d := range out {
			arr[i] = d
		}
		res[name] = arr
	}
	return []bson.M{res}, nil
}
