package memstore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

type mergeSpec struct {
	into           string
	on             []string
	whenMatched    string
	matchedStages  []bson.D
	whenNotMatched string
	let            bson.D
}

func parseMergeSpec(spec interface{}) (mergeSpec, error) {
	ms := mergeSpec{on: []string{"_id"}, whenMatched: "merge", whenNotMatched: "insert"}
	if s, ok := spec.(string); ok {
		ms.into = s
		return ms, nil
	}
	m, ok := expr.AsDoc(spec)
	if !ok {
		return ms, fmt.Errorf("%w: $merge requires a document", docstore.ErrUnsupported)
	}
	switch into := m["into"].(type) {
	case string:
		ms.into = into
	default:
		if d, ok := expr.AsDoc(into); ok {
			ms.into, _ = d["coll"].(string)
		}
	}
	if ms.into == "" {
		return ms, fmt.Errorf("%w: $merge requires into", docstore.ErrUnsupported)
	}
	if raw, ok := m["on"]; ok {
		on, err := stringList(raw)
		if err != nil {
			return ms, err
		}
		ms.on = on
	}
	if raw, ok := m["whenMatched"]; ok {
		if s, isStr := raw.(string); isStr {
			ms.whenMatched = s
		} else if stages, isPipe := asPipeline(raw); isPipe {
			ms.whenMatched = "pipeline"
			ms.matchedStages = stages
		} else {
			return ms, fmt.Errorf("%w: invalid whenMatched", docstore.ErrUnsupported)
		}
	}
	if raw, ok := m["whenNotMatched"].(string); ok {
		ms.whenNotMatched = raw
	}
	if raw, ok := m["let"]; ok {
		let, err := orderedSpec(raw)
		if err != nil {
			return ms, err
		}
		ms.let = let
	}
	return ms, nil
}

// mergeInto implements the $merge stage. Callers hold c.mu.
func (c *Client) mergeInto(docs []bson.M, spec interface{}) error {
	ms, err := parseMergeSpec(spec)
	if err != nil {
		return err
	}
	target := c.ensure(ms.into)
	onID := len(ms.on) == 1 && ms.on[0] == "_id"
	if !onID {
		if _, ok := target.uniqueIndexOn(ms.on); !ok {
			return fmt.Errorf("%w: $merge on %v requires a unique index on those fields in %s",
				docstore.ErrUnsupported, ms.on, ms.into)
		}
	}

	for _, d := range docs {
		if onID {
			if _, ok := d["_id"]; !ok {
				d["_id"] = bson.NewObjectID()
			}
		}
		for _, f := range ms.on {
			v := expr.GetPath(d, f)
			if expr.IsMissing(v) {
				return fmt.Errorf("%w: $merge document is missing on field %s", docstore.ErrUnsupported, f)
			}
			if _, isArr := expr.AsArray(v); isArr {
				return fmt.Errorf("%w: $merge on field %s must not be an array", docstore.ErrUnsupported, f)
			}
		}

		i, found := target.lookupOn(ms.on, d)
		if !found {
			switch ms.whenNotMatched {
			case "insert":
				if _, err := target.insert(d); err != nil {
					return err
				}
			case "discard":
			case "fail":
				return fmt.Errorf("$merge into %s: no matching document: %w", ms.into, docstore.ErrNoDocuments)
			default:
				return fmt.Errorf("%w: whenNotMatched %q", docstore.ErrUnsupported, ms.whenNotMatched)
			}
			continue
		}

		existing := target.docs[i]
		var next bson.M
		switch ms.whenMatched {
		case "keepExisting":
			continue
		case "fail":
			spec, _ := target.uniqueIndexOn(ms.on)
			_, shown, _ := indexKey(spec, d)
			return target.duplicateError(spec, shown)
		case "replace":
			next = expr.DeepCopy(d)
			if _, ok := next["_id"]; !ok {
				next["_id"] = existing["_id"]
			}
		case "merge":
			next = expr.DeepCopy(existing)
			for k, v := range d {
				next[k] = expr.Normalize(v)
			}
		case "pipeline":
			vars := map[string]interface{}{"new": d}
			for _, l := range ms.let {
				v, err := evalSpec(l.Value, d, nil)
				if err != nil {
					return err
				}
				vars[l.Key] = v
			}
			out, err := c.runStages([]bson.M{expr.DeepCopy(existing)}, ms.matchedStages, vars)
			if err != nil {
				return fmt.Errorf("$merge whenMatched pipeline: %w", err)
			}
			if len(out) != 1 {
				return fmt.Errorf("%w: whenMatched pipeline must yield one document", docstore.ErrUnsupported)
			}
			next = out[0]
			next["_id"] = existing["_id"]
		default:
			return fmt.Errorf("%w: whenMatched %q", docstore.ErrUnsupported, ms.whenMatched)
		}
		if !expr.Equal(next["_id"], existing["_id"]) {
			return fmt.Errorf("%w: $merge cannot change _id of an existing document", docstore.ErrUnsupported)
		}
		if err := target.replaceAt(i, expr.NormalizeDoc(next)); err != nil {
			return err
		}
	}
	return nil
}

// out implements the $out stage: the target is replaced by docs while
// keeping its indexes. Callers hold c.mu.
func (c *Client) out(docs []bson.M, spec interface{}) error {
	name, ok := spec.(string)
	if !ok {
		m, isDoc := expr.AsDoc(spec)
		if isDoc {
			name, _ = m["coll"].(string)
		}
	}
	if name == "" {
		return fmt.Errorf("%w: $out requires a collection name", docstore.ErrUnsupported)
	}
	next := newCollState(name)
	if prev, exists := c.collections[name]; exists {
		for _, idx := range prev.indexes {
			if idx.Name == docstore.IDIndexName {
				continue
			}
			if _, err := next.createIndex(idx); err != nil {
				return err
			}
		}
	}
	for _, d := range docs {
		if _, err := next.insert(d); err != nil {
			return err
		}
	}
	c.collections[name] = next
	return nil
}
