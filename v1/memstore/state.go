package memstore

import (
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

// collState holds the documents of one collection in insertion order
// together with its indexes.
type collState struct {
	name    string
	docs    []bson.M
	indexes []docstore.IndexSpec

	// keys maps index name to the documents holding each unique key.
	keys map[string]map[string]bson.M

	// pos maps a stored document to its position in docs.
	pos map[uintptr]int
}

var idIndex = docstore.IndexSpec{
	Name:   docstore.IDIndexName,
	Keys:   bson.D{{Key: "_id", Value: 1}},
	Unique: true,
}

func newCollState(name string) *collState {
	return &collState{
		name:    name,
		indexes: []docstore.IndexSpec{idIndex},
		keys:    map[string]map[string]bson.M{docstore.IDIndexName: {}},
		pos:     map[uintptr]int{},
	}
}

// snapshot returns the live documents. Callers must not modify them.
func (s *collState) snapshot() []bson.M {
	return s.docs
}

// indexKey returns the unique key of doc under spec. ok is false when a
// sparse index does not cover doc.
func indexKey(spec docstore.IndexSpec, doc bson.M) (string, bson.M, bool) {
	values := make(bson.A, len(spec.Keys))
	shown := bson.M{}
	present := false
	for i, k := range spec.Keys {
		v := expr.GetPath(doc, k.Key)
		if expr.IsMissing(v) {
			v = nil
		} else {
			present = true
		}
		values[i] = v
		shown[k.Key] = v
	}
	if spec.Sparse && !present {
		return "", nil, false
	}
	return expr.HashKey(values), shown, true
}

func (s *collState) duplicateError(spec docstore.IndexSpec, key bson.M) error {
	parts := make([]string, 0, len(spec.Keys))
	for _, k := range spec.Keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k.Key, key[k.Key]))
	}
	msg := fmt.Sprintf("E11000 duplicate key error collection: %s index: %s dup key: { %s }",
		s.name, spec.Name, strings.Join(parts, ", "))
	return &docstore.BulkWriteError{
		Code:     docstore.DuplicateKeyCode,
		Key:      key,
		Message:  msg,
		Failures: 1,
		Cause:    docstore.ErrDuplicateKey,
	}
}

// checkUnique verifies that doc can be stored without violating a unique
// index. self is the stored version of doc being replaced, if any.
func (s *collState) checkUnique(doc, self bson.M) error {
	for _, spec := range s.indexes {
		if !spec.Unique {
			continue
		}
		key, shown, ok := indexKey(spec, doc)
		if !ok {
			continue
		}
		if holder, taken := s.keys[spec.Name][key]; taken && !sameDoc(holder, self) {
			return s.duplicateError(spec, shown)
		}
	}
	return nil
}

func docID(d bson.M) uintptr {
	return reflect.ValueOf(d).Pointer()
}

func sameDoc(a, b bson.M) bool {
	if a == nil || b == nil {
		return false
	}
	return docID(a) == docID(b)
}

func (s *collState) addKeys(doc bson.M) {
	for _, spec := range s.indexes {
		if !spec.Unique {
			continue
		}
		if key, _, ok := indexKey(spec, doc); ok {
			s.keys[spec.Name][key] = doc
		}
	}
}

func (s *collState) removeKeys(doc bson.M) {
	for _, spec := range s.indexes {
		if !spec.Unique {
			continue
		}
		if key, _, ok := indexKey(spec, doc); ok && sameDoc(s.keys[spec.Name][key], doc) {
			delete(s.keys[spec.Name], key)
		}
	}
}

// insert stores a copy of doc, assigning an _id when absent.
func (s *collState) insert(doc bson.M) (interface{}, error) {
	stored := expr.DeepCopy(doc)
	if _, ok := stored["_id"]; !ok {
		stored["_id"] = bson.NewObjectID()
	}
	if err := s.checkUnique(stored, nil); err != nil {
		return nil, err
	}
	s.pos[docID(stored)] = len(s.docs)
	s.docs = append(s.docs, stored)
	s.addKeys(stored)
	return stored["_id"], nil
}

// replaceAt swaps the document at i for next after checking unique keys.
func (s *collState) replaceAt(i int, next bson.M) error {
	prev := s.docs[i]
	if err := s.checkUnique(next, prev); err != nil {
		return err
	}
	s.removeKeys(prev)
	delete(s.pos, docID(prev))
	s.docs[i] = next
	s.pos[docID(next)] = i
	s.addKeys(next)
	return nil
}

func (s *collState) deleteAt(indexes []int) {
	if len(indexes) == 0 {
		return
	}
	drop := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		drop[i] = true
		s.removeKeys(s.docs[i])
	}
	kept := s.docs[:0]
	for i, d := range s.docs {
		if !drop[i] {
			kept = append(kept, d)
		}
	}
	for i := len(kept); i < len(s.docs); i++ {
		s.docs[i] = nil
	}
	s.docs = kept
	s.pos = make(map[uintptr]int, len(kept))
	for i, d := range kept {
		s.pos[docID(d)] = i
	}
}

// find returns the positions of documents matching filter, at most limit
// of them when limit > 0.
func (s *collState) find(filter bson.M, limit int) ([]int, error) {
	var out []int
	for i, d := range s.docs {
		ok, err := matches(d, filter, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, i)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// lookupOn returns the position of the document whose on-fields equal
// those of doc, using the unique index over exactly those fields.
func (s *collState) lookupOn(on []string, doc bson.M) (int, bool) {
	spec, ok := s.uniqueIndexOn(on)
	if !ok {
		return -1, false
	}
	key, _, ok := indexKey(spec, doc)
	if !ok {
		return -1, false
	}
	holder, ok := s.keys[spec.Name][key]
	if !ok {
		return -1, false
	}
	i, ok := s.pos[docID(holder)]
	return i, ok
}

func (s *collState) uniqueIndexOn(on []string) (docstore.IndexSpec, bool) {
	for _, spec := range s.indexes {
		if !spec.Unique || len(spec.Keys) != len(on) {
			continue
		}
		fields := map[string]bool{}
		for _, k := range spec.Keys {
			fields[k.Key] = true
		}
		all := true
		for _, f := range on {
			if !fields[f] {
				all = false
				break
			}
		}
		if all {
			return spec, true
		}
	}
	return docstore.IndexSpec{}, false
}

func (s *collState) createIndex(spec docstore.IndexSpec) (string, error) {
	if len(spec.Keys) == 0 {
		return "", fmt.Errorf("%w: index requires at least one key", docstore.ErrUnsupported)
	}
	if spec.Name == "" {
		spec.Name = docstore.IndexName(spec.Keys)
	}
	for _, existing := range s.indexes {
		if existing.Name == spec.Name {
			if existing.Unique != spec.Unique || existing.Sparse != spec.Sparse || docstore.IndexName(existing.Keys) != docstore.IndexName(spec.Keys) {
				return "", fmt.Errorf("%w: index %s already exists with different options", docstore.ErrUnsupported, spec.Name)
			}
			return spec.Name, nil
		}
	}
	if spec.Unique {
		keys := map[string]bson.M{}
		for _, d := range s.docs {
			key, shown, ok := indexKey(spec, d)
			if !ok {
				continue
			}
			if _, taken := keys[key]; taken {
				return "", s.duplicateError(spec, shown)
			}
			keys[key] = d
		}
		s.keys[spec.Name] = keys
	}
	s.indexes = append(s.indexes, spec)
	return spec.Name, nil
}

func (s *collState) dropIndex(name string) error {
	if name == docstore.IDIndexName {
		return fmt.Errorf("%w: cannot drop the _id index", docstore.ErrUnsupported)
	}
	for i, spec := range s.indexes {
		if spec.Name == name {
			s.indexes = append(s.indexes[:i], s.indexes[i+1:]...)
			delete(s.keys, name)
			return nil
		}
	}
	return fmt.Errorf("index %s not found: %w", name, docstore.ErrNoDocuments)
}

func (s *collState) stats() docstore.CollectionStats {
	st := docstore.CollectionStats{
		Count:      int64(len(s.docs)),
		IndexSizes: map[string]int64{},
	}
	for _, d := range s.docs {
		if raw, err := bson.Marshal(d); err == nil {
			st.Size += int64(len(raw))
		}
	}
	st.StorageSize = st.Size
	for _, spec := range s.indexes {
		// Rough estimate: one hashed key per document.
		size := int64(0)
		for _, d := range s.docs {
			if key, _, ok := indexKey(spec, d); ok {
				size += int64(len(key)) + 16
			}
		}
		st.IndexSizes[spec.Name] = size
		st.TotalIndexSize += size
	}
	return st
}
