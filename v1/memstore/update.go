package memstore

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

// applyUpdate applies an operator document or an update pipeline to doc in
// place. inserting is true when doc is being created by an upsert, which
// enables $setOnInsert.
func (c *Client) applyUpdate(doc bson.M, update interface{}, inserting bool) error {
	if stages, ok := asPipeline(update); ok {
		out, err := c.runStages([]bson.M{doc}, stages, nil)
		if err != nil {
			return err
		}
		if len(out) != 1 {
			return fmt.Errorf("%w: update pipeline must yield one document", docstore.ErrUnsupported)
		}
		// Stages may have rewritten doc itself; copy before clearing.
		next := expr.DeepCopy(out[0])
		id := doc["_id"]
		for k := range doc {
			delete(doc, k)
		}
		for k, v := range next {
			doc[k] = v
		}
		if id != nil {
			doc["_id"] = id
		}
		return nil
	}

	ops, ok := expr.AsDoc(update)
	if !ok {
		return fmt.Errorf("%w: update must be a document or pipeline", docstore.ErrUnsupported)
	}
	for op, rawArgs := range ops {
		args, ok := expr.AsDoc(rawArgs)
		if !ok {
			return fmt.Errorf("%w: %s requires a document", docstore.ErrUnsupported, op)
		}
		args = expr.NormalizeDoc(args)
		if err := applyOperator(doc, op, args, inserting); err != nil {
			return err
		}
	}
	return nil
}

// asPipeline recognizes an update pipeline in any of the accepted shapes.
func asPipeline(update interface{}) ([]bson.D, bool) {
	switch u := update.(type) {
	case docstore.Pipeline:
		return u, true
	case []bson.D:
		return u, true
	case bson.A:
		out := make([]bson.D, 0, len(u))
		for _, s := range u {
			d, ok := toStage(s)
			if !ok {
				return nil, false
			}
			out = append(out, d)
		}
		return out, true
	}
	return nil, false
}

func toStage(v interface{}) (bson.D, bool) {
	switch s := v.(type) {
	case bson.D:
		return s, true
	case bson.M:
		if len(s) != 1 {
			return nil, false
		}
		for k, val := range s {
			return bson.D{{Key: k, Value: val}}, true
		}
	}
	return nil, false
}

func applyOperator(doc bson.M, op string, args bson.M, inserting bool) error {
	switch op {
	case "$set":
		for _, path := range sortedPaths(args) {
			if path == "_id" && !inserting && doc["_id"] != nil && !expr.Equal(doc["_id"], args[path]) {
				return fmt.Errorf("%w: the _id field is immutable", docstore.ErrUnsupported)
			}
			expr.SetPath(doc, path, args[path])
		}
	case "$setOnInsert":
		if inserting {
			for _, path := range sortedPaths(args) {
				expr.SetPath(doc, path, args[path])
			}
		}
	case "$unset":
		for path := range args {
			expr.UnsetPath(doc, path)
		}
	case "$inc":
		for path, delta := range args {
			cur := expr.GetPath(doc, path)
			if expr.IsNullish(cur) {
				expr.SetPath(doc, path, delta)
				continue
			}
			sum, err := expr.Eval(expr.Add(expr.L(cur), expr.L(delta)), nil)
			if err != nil {
				return fmt.Errorf("$inc %s: %w", path, err)
			}
			expr.SetPath(doc, path, sum)
		}
	case "$min", "$max":
		for path, v := range args {
			cur := expr.GetPath(doc, path)
			c := expr.Compare(v, cur)
			if expr.IsMissing(cur) || (op == "$min" && c < 0) || (op == "$max" && c > 0) {
				expr.SetPath(doc, path, v)
			}
		}
	case "$currentDate":
		now := time.Now().UTC().Truncate(time.Millisecond)
		for path := range args {
			expr.SetPath(doc, path, now)
		}
	case "$rename":
		for from, to := range args {
			target, ok := to.(string)
			if !ok {
				return fmt.Errorf("%w: $rename target must be a string", docstore.ErrUnsupported)
			}
			v := expr.GetPath(doc, from)
			if expr.IsMissing(v) {
				continue
			}
			expr.UnsetPath(doc, from)
			expr.SetPath(doc, target, v)
		}
	case "$push", "$addToSet":
		for path, spec := range args {
			items := bson.A{spec}
			if m, ok := spec.(bson.M); ok {
				if each, ok := m["$each"]; ok {
					items, _ = expr.AsArray(each)
				}
			}
			cur := expr.GetPath(doc, path)
			arr, ok := expr.AsArray(cur)
			if !ok {
				if !expr.IsNullish(cur) {
					return fmt.Errorf("%w: %s on non-array field %s", docstore.ErrUnsupported, op, path)
				}
				arr = bson.A{}
			}
			for _, it := range items {
				if op == "$addToSet" && containsEqual(arr, it) {
					continue
				}
				arr = append(arr, it)
			}
			expr.SetPath(doc, path, arr)
		}
	case "$pull":
		for path, cond := range args {
			arr, ok := expr.AsArray(expr.GetPath(doc, path))
			if !ok {
				continue
			}
			kept := bson.A{}
			for _, el := range arr {
				remove, err := pullMatches(el, cond)
				if err != nil {
					return err
				}
				if !remove {
					kept = append(kept, el)
				}
			}
			expr.SetPath(doc, path, kept)
		}
	case "$pullAll":
		for path, values := range args {
			arr, ok := expr.AsArray(expr.GetPath(doc, path))
			if !ok {
				continue
			}
			drop, _ := expr.AsArray(values)
			kept := bson.A{}
			for _, el := range arr {
				if !containsEqual(drop, el) {
					kept = append(kept, el)
				}
			}
			expr.SetPath(doc, path, kept)
		}
	default:
		return fmt.Errorf("%w: update operator %s", docstore.ErrUnsupported, op)
	}
	return nil
}

func pullMatches(el interface{}, cond interface{}) (bool, error) {
	if _, isOps := operatorDoc(cond); isOps {
		return elemMatches(el, cond)
	}
	if c, ok := cond.(bson.M); ok {
		if doc, isDoc := expr.AsDoc(el); isDoc {
			return matches(doc, c, nil)
		}
		return false, nil
	}
	return expr.Equal(el, cond), nil
}

func containsEqual(arr bson.A, v interface{}) bool {
	for _, el := range arr {
		if expr.Equal(el, v) {
			return true
		}
	}
	return false
}

// sortedPaths orders paths shallowest first so parents are set before
// their children.
func sortedPaths(m bson.M) []string {
	keys := expr.SortedKeys(m)
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && strings.Count(keys[j], ".") < strings.Count(keys[j-1], "."); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
