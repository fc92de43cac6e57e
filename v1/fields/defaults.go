package fields

import (
	"slices"
	"strings"
)

// Built-in field names.
const (
	FieldID             = "id"
	FieldFilepath       = "filepath"
	FieldTags           = "tags"
	FieldMetadata       = "metadata"
	FieldMediaType      = "_media_type"
	FieldCreatedAt      = "created_at"
	FieldLastModifiedAt = "last_modified_at"
	FieldFrameNumber    = "frame_number"
	FieldSampleID       = "_sample_id"
	FieldSupport        = "support"
	FieldFrames         = "frames"
)

func readOnly(f *Field) *Field {
	f.ReadOnly = true
	return f
}

// DefaultSampleFields returns the built-in sample fields.
func DefaultSampleFields() []*Field {
	return []*Field{
		readOnly(&Field{Name: FieldID, DBField: "_id", Kind: ObjectID}),
		NewField(FieldFilepath, String),
		ListOf(FieldTags, NewField("", String)),
		EmbeddedOf(FieldMetadata, MetadataDocType),
		readOnly(NewField(FieldMediaType, String)),
		readOnly(NewField(FieldCreatedAt, DateTime)),
		readOnly(NewField(FieldLastModifiedAt, DateTime)),
	}
}

// DefaultFrameFields returns the built-in frame fields.
func DefaultFrameFields() []*Field {
	return []*Field{
		readOnly(&Field{Name: FieldID, DBField: "_id", Kind: ObjectID}),
		readOnly(NewField(FieldFrameNumber, Int)),
		readOnly(NewField(FieldSampleID, ObjectID)),
		readOnly(NewField(FieldCreatedAt, DateTime)),
		readOnly(NewField(FieldLastModifiedAt, DateTime)),
	}
}

// ClipFields returns the fields every clip sample carries.
func ClipFields() []*Field {
	return []*Field{
		readOnly(NewField(FieldSampleID, ObjectID)),
		NewField(FieldSupport, FrameSupport),
	}
}

// GroupField returns the declaration of a group field.
func GroupField(name string) *Field {
	return EmbeddedOf(name, GroupDocType)
}

// IsDefaultSampleField reports whether path is a built-in sample field
// or one of its attributes.
func IsDefaultSampleField(path string) bool {
	return isDefault(path, DefaultSampleFields())
}

// IsDefaultFrameField reports whether path is a built-in frame field.
func IsDefaultFrameField(path string) bool {
	return isDefault(path, DefaultFrameFields())
}

func isDefault(path string, defaults []*Field) bool {
	root := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		root = path[:i]
	}
	return slices.ContainsFunc(defaults, func(f *Field) bool {
		return f.Name == root || f.StoredName() == root
	})
}
