package fields

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

// Infer derives a Field from a runtime value. Null and missing values
// return nil: they carry no type information. Documents with a "_cls" key
// become Embedded fields of that type, other documents Dict fields. The
// attributes of an embedded document are declared only when dynamic is
// set; label types always carry their default attributes.
func Infer(name string, value interface{}, dynamic bool) *Field {
	f := infer(value, dynamic)
	if f != nil {
		f.Name = name
	}
	return f
}

func infer(value interface{}, dynamic bool) *Field {
	switch value.(type) {
	case nil:
		return nil
	case bool:
		return &Field{Kind: Bool}
	case string:
		return &Field{Kind: String}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return &Field{Kind: Int}
	case float32, float64:
		return &Field{Kind: Float}
	case time.Time, *time.Time, bson.DateTime:
		return &Field{Kind: DateTime}
	case bson.ObjectID:
		return &Field{Kind: ObjectID}
	case []float64, []float32:
		return &Field{Kind: Vector}
	}
	if expr.IsMissing(value) {
		return nil
	}
	if doc, ok := expr.AsDoc(value); ok {
		return inferDoc(doc, dynamic)
	}
	if arr, ok := expr.AsArray(value); ok {
		return &Field{Kind: List, Subfield: inferElements(arr, dynamic)}
	}
	return &Field{Kind: Unknown}
}

func inferDoc(doc bson.M, dynamic bool) *Field {
	cls, _ := doc[ClassKey].(string)
	if cls == "" {
		return &Field{Kind: Dict}
	}
	f := EmbeddedOf("", cls)
	if !dynamic {
		return f
	}
	for _, key := range expr.SortedKeys(doc) {
		if key == ClassKey {
			continue
		}
		if existing, ok := f.Attr(key); ok {
			attr := infer(doc[key], dynamic)
			if attr == nil {
				continue
			}
			if _, err := merge(existing, attr, key, MergeOptions{Expand: true, Recursive: true, Validate: true}); err != nil {
				// A value at odds with the declared attribute says nothing
				// about its type.
				f.setAttr(&Field{Name: existing.Name, DBField: existing.DBField, Kind: Unknown})
			}
			continue
		}
		attr := infer(doc[key], dynamic)
		if attr == nil {
			continue
		}
		attr.Name = key
		if key == "_id" {
			attr.Name, attr.DBField = "id", "_id"
		}
		f.setAttr(attr)
	}
	return f
}

// inferElements returns the common element type of arr: nil when arr
// holds no typed values, a generic Unknown when the kinds are mixed.
func inferElements(arr bson.A, dynamic bool) *Field {
	var elem *Field
	for _, v := range arr {
		f := infer(v, dynamic)
		if f == nil {
			continue
		}
		if elem == nil {
			elem = f
			continue
		}
		if _, err := merge(elem, f, "", MergeOptions{Expand: true, Recursive: true, Validate: true}); err != nil {
			if elem.Kind == Int && f.Kind == Float {
				elem = f
				continue
			}
			return &Field{Kind: Unknown}
		}
	}
	return elem
}
