package fields

import "sort"

// Embedded document types known to the engine. Label documents carry an
// "_id" and a "_cls" naming their type.
const (
	Classification     = "Classification"
	Classifications    = "Classifications"
	Detection          = "Detection"
	Detections         = "Detections"
	Keypoint           = "Keypoint"
	Keypoints          = "Keypoints"
	Polyline           = "Polyline"
	Polylines          = "Polylines"
	TemporalDetection  = "TemporalDetection"
	TemporalDetections = "TemporalDetections"
	Segmentation       = "Segmentation"
	Heatmap            = "Heatmap"
	GeoLocation        = "GeoLocation"

	GroupDocType    = "Group"
	MetadataDocType = "Metadata"
)

// ClassKey is the stored key naming an embedded document's type.
const ClassKey = "_cls"

type docType struct {
	listField string
	fields    func() []*Field
}

func labelID() *Field {
	return &Field{Name: "id", DBField: "_id", Kind: ObjectID}
}

func labelBase(extra ...*Field) func() []*Field {
	return func() []*Field {
		out := []*Field{
			labelID(),
			ListOf("tags", NewField("", String)),
		}
		for _, f := range extra {
			out = append(out, f.Clone())
		}
		return out
	}
}

func listLabel(attr, inner string) docType {
	return docType{
		listField: attr,
		fields: func() []*Field {
			return []*Field{ListOf(attr, EmbeddedOf("", inner))}
		},
	}
}

var docTypes map[string]docType

func init() {
	docTypes = map[string]docType{
		Classification: {fields: labelBase(
			NewField("label", String),
			NewField("confidence", Float),
			NewField("logits", Vector),
		)},
		Detection: {fields: labelBase(
			NewField("label", String),
			ListOf("bounding_box", NewField("", Float)),
			NewField("mask_path", String),
			NewField("confidence", Float),
			NewField("index", Int),
		)},
		Keypoint: {fields: labelBase(
			NewField("label", String),
			ListOf("points", NewField("", Unknown)),
			ListOf("confidence", NewField("", Float)),
			NewField("index", Int),
		)},
		Polyline: {fields: labelBase(
			NewField("label", String),
			ListOf("points", NewField("", Unknown)),
			NewField("closed", Bool),
			NewField("filled", Bool),
			NewField("confidence", Float),
			NewField("index", Int),
		)},
		TemporalDetection: {fields: labelBase(
			NewField("label", String),
			NewField("support", FrameSupport),
			NewField("confidence", Float),
		)},
		Segmentation: {fields: labelBase(NewField("mask_path", String))},
		Heatmap: {fields: labelBase(
			NewField("map_path", String),
			ListOf("range", NewField("", Float)),
		)},
		GeoLocation: {fields: labelBase(
			ListOf("point", NewField("", Float)),
			ListOf("line", NewField("", Unknown)),
			ListOf("polygon", NewField("", Unknown)),
		)},
		Classifications:    listLabel("classifications", Classification),
		Detections:         listLabel("detections", Detection),
		Keypoints:          listLabel("keypoints", Keypoint),
		Polylines:          listLabel("polylines", Polyline),
		TemporalDetections: listLabel("detections", TemporalDetection),
		GroupDocType: {fields: func() []*Field {
			return []*Field{labelID(), NewField("name", String)}
		}},
		MetadataDocType: {fields: func() []*Field {
			return []*Field{
				NewField("size_bytes", Int),
				NewField("mime_type", String),
				NewField("width", Int),
				NewField("height", Int),
				NewField("num_channels", Int),
				NewField("frame_rate", Float),
				NewField("total_frame_count", Int),
				NewField("duration", Float),
				NewField("encoding_str", String),
			}
		}},
	}
}

// LabelListField returns the inner list attribute of a list-label type,
// e.g. "detections" for Detections.
func LabelListField(docType string) (string, bool) {
	dt, ok := docTypes[docType]
	if !ok || dt.listField == "" {
		return "", false
	}
	return dt.listField, true
}

// IsLabelType reports whether docType is a label type.
func IsLabelType(docType string) bool {
	_, ok := docTypes[docType]
	return ok && docType != GroupDocType && docType != MetadataDocType
}

// LabelFields returns fresh copies of the default attributes of docType.
// Unknown types have none.
func LabelFields(docType string) []*Field {
	dt, ok := docTypes[docType]
	if !ok {
		return nil
	}
	return dt.fields()
}

// LabelTypes lists every registered label type.
func LabelTypes() []string {
	out := make([]string, 0, len(docTypes))
	for name := range docTypes {
		if IsLabelType(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
