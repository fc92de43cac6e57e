package fields

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

// Validate checks doc against schema. Every present, non-null value must
// type-check against its declared field; undeclared top-level keys are
// rejected unless expand is set. All offending fields are reported in one
// *ValidationError. Attributes of embedded documents are dynamic and only
// checked when declared.
func Validate(schema *Schema, doc bson.M, expand bool) error {
	verr := &ValidationError{DocumentID: doc["_id"]}
	for _, key := range expr.SortedKeys(doc) {
		f, ok := schema.ByStoredName(key)
		if !ok {
			if !expand && !expr.IsNullish(doc[key]) {
				verr.Fields = append(verr.Fields, FieldError{Path: key, Reason: "field does not exist"})
			}
			continue
		}
		if err := Check(f, doc[key]); err != nil {
			verr.Fields = append(verr.Fields, fieldErrors(f.Name, err)...)
		}
	}
	if len(verr.Fields) == 0 {
		return nil
	}
	return verr
}

// Check type-checks one value against f. Null and missing always pass.
func Check(f *Field, v interface{}) error {
	if expr.IsNullish(v) {
		return nil
	}
	switch f.Kind {
	case Unknown:
		return nil
	case String:
		if _, ok := v.(string); ok {
			return nil
		}
	case Int:
		if isIntegral(v) {
			return nil
		}
	case Float:
		if expr.IsNumber(v) {
			return nil
		}
	case Bool:
		if _, ok := v.(bool); ok {
			return nil
		}
	case Date, DateTime:
		if _, ok := expr.AsTime(v); ok {
			return nil
		}
	case ObjectID:
		if _, ok := v.(bson.ObjectID); ok {
			return nil
		}
	case Vector:
		if isVector(v) {
			return nil
		}
	case FrameSupport:
		return checkSupport(v)
	case List:
		return checkList(f, v)
	case Dict:
		return checkDict(f, v)
	case Embedded:
		return checkEmbedded(f, v)
	}
	return typeError(f, v)
}

func typeError(f *Field, v interface{}) error {
	return fmt.Errorf("expected %s, got %s", f.Describe(), expr.TypeName(v))
}

func isIntegral(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func isVector(v interface{}) bool {
	switch v.(type) {
	case []float64, []float32:
		return true
	}
	arr, ok := expr.AsArray(v)
	if !ok {
		return false
	}
	for _, x := range arr {
		if !expr.IsNumber(x) {
			return false
		}
	}
	return true
}

func checkSupport(v interface{}) error {
	arr, ok := expr.AsArray(v)
	if !ok || len(arr) != 2 || !isIntegral(arr[0]) || !isIntegral(arr[1]) {
		return fmt.Errorf("expected [first, last] frame numbers, got %v", v)
	}
	first, _ := expr.AsInt64(arr[0])
	last, _ := expr.AsInt64(arr[1])
	if first < 1 || last < first {
		return fmt.Errorf("invalid frame support [%d, %d]", first, last)
	}
	return nil
}

// elementError wraps an error of a nested value with its location.
type elementError struct {
	path string
	err  error
}

func (e *elementError) Error() string { return e.path + ": " + e.err.Error() }
func (e *elementError) Unwrap() error { return e.err }

func checkList(f *Field, v interface{}) error {
	arr, ok := expr.AsArray(v)
	if !ok {
		if isVector(v) {
			return nil
		}
		return typeError(f, v)
	}
	if f.Subfield == nil {
		return nil
	}
	for i, x := range arr {
		if err := Check(f.Subfield, x); err != nil {
			return &elementError{path: fmt.Sprint(i), err: err}
		}
	}
	return nil
}

func checkDict(f *Field, v interface{}) error {
	doc, ok := expr.AsDoc(v)
	if !ok {
		return typeError(f, v)
	}
	if f.Subfield == nil {
		return nil
	}
	for _, k := range expr.SortedKeys(doc) {
		if err := Check(f.Subfield, doc[k]); err != nil {
			return &elementError{path: k, err: err}
		}
	}
	return nil
}

func checkEmbedded(f *Field, v interface{}) error {
	doc, ok := expr.AsDoc(v)
	if !ok {
		return typeError(f, v)
	}
	if cls, _ := doc[ClassKey].(string); cls != "" && f.DocType != "" && cls != f.DocType {
		return fmt.Errorf("expected embedded document %s, got %s", f.DocType, cls)
	}
	var errs []error
	for _, k := range expr.SortedKeys(doc) {
		attr, ok := f.Attr(k)
		if !ok {
			continue
		}
		if err := Check(attr, doc[k]); err != nil {
			errs = append(errs, &elementError{path: attr.Name, err: err})
		}
	}
	return errors.Join(errs...)
}

// fieldErrors flattens nested element errors into dotted field paths.
func fieldErrors(path string, err error) []FieldError {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []FieldError
		for _, e := range joined.Unwrap() {
			out = append(out, fieldErrors(path, e)...)
		}
		return out
	}
	var ee *elementError
	if errors.As(err, &ee) {
		return fieldErrors(path+"."+ee.path, ee.err)
	}
	return []FieldError{{Path: path, Reason: err.Error()}}
}
