// Package fields is the schema model of a dataset: typed field
// declarations, inference from runtime values, schema expansion and
// document validation.
//
// A Field has a closed Kind. Unknown is the placeholder that expansion
// promotes to a concrete kind the first time a value reveals one; a list
// whose values have irreconcilable kinds keeps a generic Unknown element.
// Otherwise a declared kind never changes: merging an incompatible
// candidate is a *SchemaError.
//
// Basic Usage:
//
//	schema := fields.NewSchema(fields.DefaultSampleFields()...)
//
//	// declare a field implied by a value
//	f := fields.Infer("ground_truth", bson.M{"_cls": "Detections", "detections": bson.A{}}, false)
//	expanded, err := schema.MergeField("ground_truth", f, fields.MergeOptions{Expand: true, Recursive: true, Validate: true})
//
//	// validate a document before writing it
//	if err := fields.Validate(schema, doc, false); err != nil {
//		var verr *fields.ValidationError
//		if errors.As(err, &verr) {
//			log.Println(verr.Paths())
//		}
//	}
//
// Nested paths are declared through their embedded parent, so a batch of
// new paths is applied in the waves returned by SortShallowestFirst.
package fields
