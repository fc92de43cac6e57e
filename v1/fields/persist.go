package fields

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// FieldDoc is the persisted form of a Field inside the dataset registry
// document.
type FieldDoc struct {
	Name        string     `bson:"name"`
	FType       string     `bson:"ftype"`
	Subfield    *FieldDoc  `bson:"subfield,omitempty"`
	DocType     string     `bson:"embedded_doc_type,omitempty"`
	Fields      []FieldDoc `bson:"fields,omitempty"`
	DBField     string     `bson:"db_field,omitempty"`
	ReadOnly    bool       `bson:"read_only"`
	Description string     `bson:"description,omitempty"`
	Info        bson.M     `bson:"info,omitempty"`
	CreatedAt   *time.Time `bson:"created_at,omitempty"`
}

// ToDoc converts f to its persisted form.
func ToDoc(f *Field) FieldDoc {
	d := FieldDoc{
		Name:        f.Name,
		FType:       f.Kind.String(),
		DocType:     f.DocType,
		DBField:     f.DBField,
		ReadOnly:    f.ReadOnly,
		Description: f.Description,
		Info:        f.Info,
	}
	if f.Subfield != nil {
		sub := ToDoc(f.Subfield)
		d.Subfield = &sub
	}
	for _, a := range f.Fields {
		d.Fields = append(d.Fields, ToDoc(a))
	}
	if !f.CreatedAt.IsZero() {
		t := f.CreatedAt
		d.CreatedAt = &t
	}
	return d
}

// FromDoc is the inverse of ToDoc.
func FromDoc(d FieldDoc) (*Field, error) {
	k, err := ParseKind(d.FType)
	if err != nil {
		return nil, err
	}
	f := &Field{
		Name:        d.Name,
		Kind:        k,
		DocType:     d.DocType,
		DBField:     d.DBField,
		ReadOnly:    d.ReadOnly,
		Description: d.Description,
		Info:        d.Info,
	}
	if d.Subfield != nil {
		if f.Subfield, err = FromDoc(*d.Subfield); err != nil {
			return nil, err
		}
	}
	for _, a := range d.Fields {
		attr, err := FromDoc(a)
		if err != nil {
			return nil, err
		}
		f.Fields = append(f.Fields, attr)
	}
	if d.CreatedAt != nil {
		f.CreatedAt = d.CreatedAt.UTC()
	}
	return f, nil
}

// SchemaToDocs converts the top-level fields of s in order.
func SchemaToDocs(s *Schema) []FieldDoc {
	out := make([]FieldDoc, 0, s.Len())
	for _, f := range s.Fields() {
		out = append(out, ToDoc(f))
	}
	return out
}

// SchemaFromDocs is the inverse of SchemaToDocs.
func SchemaFromDocs(docs []FieldDoc) (*Schema, error) {
	s := NewSchema()
	for _, d := range docs {
		f, err := FromDoc(d)
		if err != nil {
			return nil, err
		}
		s.Set(f.Name, f)
	}
	return s, nil
}
