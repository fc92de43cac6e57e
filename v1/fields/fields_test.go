package fields

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var allOpts = MergeOptions{Expand: true, Recursive: true, Validate: true}

func TestKindRoundTrip(t *testing.T) {
	for k := Unknown; k <= FrameSupport; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("tensor")
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestInfer(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected string
	}{
		{"string", "a", "string"},
		{"int", int64(3), "int"},
		{"float", 0.5, "float"},
		{"bool", true, "bool"},
		{"datetime", time.Now(), "datetime"},
		{"object id", bson.NewObjectID(), "object_id"},
		{"vector", []float64{0.1, 0.2}, "vector"},
		{"list of strings", bson.A{"a", "b"}, "list<string>"},
		{"empty list", bson.A{}, "list"},
		{"ints widen to floats", bson.A{1, 2.5}, "list<float>"},
		{"mixed list is generic", bson.A{"a", 1}, "list<unknown>"},
		{"plain document", bson.M{"a": 1}, "dict"},
		{"label", bson.M{"_cls": "Classification", "label": "cat"}, "embedded_document<Classification>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Infer("x", tt.value, false)
			require.NotNil(t, f)
			assert.Equal(t, tt.expected, f.Describe())
			assert.Equal(t, "x", f.Name)
		})
	}

	assert.Nil(t, Infer("x", nil, false))
}

func TestInferDynamicAttributes(t *testing.T) {
	value := bson.M{
		"_cls": "Detections",
		"detections": bson.A{
			bson.M{"_cls": "Detection", "_id": bson.NewObjectID(), "label": "cat", "iscrowd": true},
		},
	}

	static := Infer("gt", value, false)
	_, ok := static.Attr("detections")
	require.True(t, ok)
	det, _ := static.Attr("detections")
	_, ok = det.Attr("iscrowd")
	assert.False(t, ok, "dynamic attributes need dynamic=true")

	dynamic := Infer("gt", value, true)
	det, _ = dynamic.Attr("detections")
	iscrowd, ok := det.Attr("iscrowd")
	require.True(t, ok)
	assert.Equal(t, Bool, iscrowd.Kind)

	name, ok := dynamic.IsLabelList()
	require.True(t, ok)
	assert.Equal(t, "detections", name)
}

func TestInferDynamicAttributeConflict(t *testing.T) {
	value := bson.M{"_cls": "Detection", "label": 5, "confidence": 1}

	f := Infer("gt", value, true)
	label, ok := f.Attr("label")
	require.True(t, ok)
	assert.Equal(t, Unknown, label.Kind)

	confidence, ok := f.Attr("confidence")
	require.True(t, ok)
	assert.Equal(t, Float, confidence.Kind, "ints are valid floats")

	// The widened attribute leaves a declared schema untouched.
	declared := EmbeddedOf("gt", Detection)
	_, err := Merge(declared, f, MergeOptions{Expand: true, Recursive: true, Validate: true})
	require.NoError(t, err)
	label, _ = declared.Attr("label")
	assert.Equal(t, String, label.Kind)
}

func TestMergeIsIdempotent(t *testing.T) {
	s := NewSchema(DefaultSampleFields()...)
	f := ListOf("", NewField("", String))

	expanded, err := s.MergeField("labels", f, allOpts)
	require.NoError(t, err)
	assert.True(t, expanded)

	expanded, err = s.MergeField("labels", f, allOpts)
	require.NoError(t, err)
	assert.False(t, expanded)
}

func TestMergePromotesUnknown(t *testing.T) {
	existing := ListOf("scores", nil)
	changed, err := Merge(existing, ListOf("scores", NewField("", Float)), allOpts)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "list<float>", existing.Describe())

	top := NewField("value", Unknown)
	changed, err = Merge(top, NewField("value", Int), allOpts)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Int, top.Kind)
}

func TestMergeConflicts(t *testing.T) {
	existing := NewField("count", Int)
	_, err := Merge(existing, NewField("count", String), allOpts)
	require.Error(t, err)
	assert.True(t, IsKindConflict(err))

	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "count", se.Path)

	changed, err := Merge(existing, NewField("count", String), MergeOptions{Expand: true})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, Int, existing.Kind)

	float := NewField("score", Float)
	changed, err = Merge(float, NewField("score", Int), allOpts)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = Merge(EmbeddedOf("gt", Detections), EmbeddedOf("gt", Classification), allOpts)
	assert.True(t, IsKindConflict(err))
}

func TestMergeEmbeddedRecursive(t *testing.T) {
	s := NewSchema(EmbeddedOf("gt", Detection))
	cand := EmbeddedOf("gt", Detection, NewField("iscrowd", Bool))

	expanded, err := s.MergeField("gt", cand, MergeOptions{Expand: true, Validate: true})
	require.NoError(t, err)
	assert.False(t, expanded, "attributes are only merged recursively")

	expanded, err = s.MergeField("gt", cand, allOpts)
	require.NoError(t, err)
	assert.True(t, expanded)

	f, ok := s.Get("gt.iscrowd")
	require.True(t, ok)
	assert.Equal(t, Bool, f.Kind)
}

func TestSchemaAddRequiresAncestor(t *testing.T) {
	s := NewSchema()
	err := s.Add("gt.detections.area", NewField("", Float))
	assert.ErrorIs(t, err, ErrMissingAncestor)

	require.NoError(t, s.Add("gt", EmbeddedOf("", Detections)))
	require.NoError(t, s.Add("gt.detections.area", NewField("", Float)))

	f, ok := s.Get("gt.detections.area")
	require.True(t, ok)
	assert.Equal(t, "area", f.Name)

	require.Error(t, s.Add("filepath.x", NewField("", Int)))

	assert.True(t, s.Delete("gt.detections.area"))
	_, ok = s.Get("gt.detections.area")
	assert.False(t, ok)
}

func TestSortShallowestFirst(t *testing.T) {
	waves := SortShallowestFirst([]string{"a.b.c", "x", "a", "a.b", "y", "x.z"})
	assert.Equal(t, [][]string{{"x", "a", "y"}, {"a.b", "x.z"}, {"a.b.c"}}, waves)
	assert.Empty(t, SortShallowestFirst(nil))
}

func TestSchemaFilter(t *testing.T) {
	s := NewSchema(DefaultSampleFields()...)
	s.Set("gt", EmbeddedOf("gt", Detections))
	s.Set("scores", ListOf("scores", NewField("", Float)))

	labels := s.Filter(FilterOptions{DocTypes: []string{Detections}})
	assert.Equal(t, []string{"gt"}, labels.Names())

	floats := s.Filter(FilterOptions{Kinds: []Kind{Float}})
	assert.Equal(t, []string{"scores"}, floats.Names())

	assert.NotContains(t, s.Filter(FilterOptions{}).Names(), FieldMediaType)
	assert.Contains(t, s.Filter(FilterOptions{IncludePrivate: true}).Names(), FieldMediaType)

	ro := true
	assert.Equal(t, []string{"id", "created_at", "last_modified_at"}, s.Filter(FilterOptions{ReadOnly: &ro}).Names())

	flat := s.Filter(FilterOptions{Flat: true})
	assert.Contains(t, flat.Names(), "gt.detections")
	assert.Contains(t, flat.Names(), "gt.detections.label")
}

func TestValidate(t *testing.T) {
	s := NewSchema(DefaultSampleFields()...)
	s.Set("gt", EmbeddedOf("gt", Detections))
	s.Set("score", NewField("score", Float))

	good := bson.M{
		"_id":      bson.NewObjectID(),
		"filepath": "/a.jpg",
		"tags":     bson.A{"train"},
		"score":    1,
		"gt": bson.M{"_cls": "Detections", "detections": bson.A{
			bson.M{"_cls": "Detection", "_id": bson.NewObjectID(), "label": "cat", "custom": "ok"},
		}},
		"metadata": nil,
	}
	require.NoError(t, Validate(s, good, false))

	bad := bson.M{
		"filepath": 3,
		"tags":     bson.A{"train", 4},
		"unknown":  "x",
		"gt": bson.M{"_cls": "Detections", "detections": bson.A{
			bson.M{"_cls": "Detection", "label": 5},
		}},
	}
	err := Validate(s, bad, false)
	require.Error(t, err)
	assert.True(t, IsSchemaViolation(err))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"filepath", "tags.1", "unknown", "gt.detections.0.label"}, verr.Paths())

	err = Validate(s, bson.M{"unknown": "x"}, true)
	assert.NoError(t, err)
}

func TestCheckSupport(t *testing.T) {
	f := NewField("support", FrameSupport)
	assert.NoError(t, Check(f, bson.A{1, 10}))
	assert.Error(t, Check(f, bson.A{0, 10}))
	assert.Error(t, Check(f, bson.A{5, 2}))
	assert.Error(t, Check(f, bson.A{1}))
}

func TestFieldDocRoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := EmbeddedOf("gt", Detections)
	f.ReadOnly = true
	f.Description = "ground truth"
	f.Info = bson.M{"source": "import"}
	f.CreatedAt = created

	raw, err := bson.Marshal(ToDoc(f))
	require.NoError(t, err)
	var doc FieldDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))

	back, err := FromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, f.Describe(), back.Describe())
	assert.True(t, back.ReadOnly)
	assert.Equal(t, created, back.CreatedAt)

	det, ok := back.Attr("detections")
	require.True(t, ok)
	id, ok := det.Attr("_id")
	require.True(t, ok)
	assert.Equal(t, "id", id.Name)
}

func TestDefaultFields(t *testing.T) {
	assert.True(t, IsDefaultSampleField("metadata.width"))
	assert.True(t, IsDefaultSampleField("_id"))
	assert.False(t, IsDefaultSampleField("gt"))
	assert.True(t, IsDefaultFrameField("frame_number"))
}
