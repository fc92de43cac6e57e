package fields

import (
	"maps"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Field is the declaration of one document attribute.
type Field struct {
	// Name is the last path component.
	Name string
	Kind Kind

	// Subfield is the element type of a List or the value type of a Dict.
	// Nil means the element type is not known yet.
	Subfield *Field

	// DocType names the embedded document type of an Embedded field, e.g.
	// "Detections". Empty for plain embedded documents.
	DocType string

	// Fields are the declared attributes of an Embedded field.
	Fields []*Field

	// DBField is the stored key when it differs from Name ("id" is "_id").
	DBField string

	ReadOnly    bool
	Description string
	Info        bson.M
	CreatedAt   time.Time
}

// StoredName returns the key under which values are stored.
func (f *Field) StoredName() string {
	if f.DBField != "" {
		return f.DBField
	}
	return f.Name
}

// IsPrivate reports whether the field is hidden by default listings.
func (f *Field) IsPrivate() bool {
	return strings.HasPrefix(f.Name, "_")
}

// IsList reports whether f is a List.
func (f *Field) IsList() bool { return f.Kind == List }

// Element returns the embedded document definition carried by f: f itself
// for an Embedded field, its element for a List of Embedded, nil otherwise.
func (f *Field) Element() *Field {
	switch {
	case f.Kind == Embedded:
		return f
	case f.Kind == List && f.Subfield != nil && f.Subfield.Kind == Embedded:
		return f.Subfield
	}
	return nil
}

// Attr returns the embedded attribute named name.
func (f *Field) Attr(name string) (*Field, bool) {
	doc := f.Element()
	if doc == nil {
		return nil, false
	}
	for _, a := range doc.Fields {
		if a.Name == name || a.StoredName() == name {
			return a, true
		}
	}
	return nil, false
}

// setAttr declares or replaces an embedded attribute.
func (f *Field) setAttr(attr *Field) {
	doc := f.Element()
	for i, a := range doc.Fields {
		if a.Name == attr.Name {
			doc.Fields[i] = attr
			return
		}
	}
	doc.Fields = append(doc.Fields, attr)
}

func (f *Field) deleteAttr(name string) bool {
	doc := f.Element()
	if doc == nil {
		return false
	}
	for i, a := range doc.Fields {
		if a.Name == name {
			doc.Fields = append(doc.Fields[:i], doc.Fields[i+1:]...)
			return true
		}
	}
	return false
}

// IsLabelList reports whether f is an Embedded label type that wraps a
// list of uniquely identified labels, and returns the list attribute.
func (f *Field) IsLabelList() (string, bool) {
	if f.Kind != Embedded {
		return "", false
	}
	return LabelListField(f.DocType)
}

// Clone returns a deep copy of f.
func (f *Field) Clone() *Field {
	if f == nil {
		return nil
	}
	out := *f
	out.Subfield = f.Subfield.Clone()
	if f.Fields != nil {
		out.Fields = make([]*Field, len(f.Fields))
		for i, a := range f.Fields {
			out.Fields[i] = a.Clone()
		}
	}
	if f.Info != nil {
		out.Info = maps.Clone(f.Info)
	}
	return &out
}

// Describe renders the type of f, e.g. "list<string>" or
// "embedded_document<Detections>".
func (f *Field) Describe() string {
	switch {
	case f == nil:
		return "unknown"
	case f.Kind == List || f.Kind == Dict:
		if f.Subfield == nil {
			return f.Kind.String()
		}
		return f.Kind.String() + "<" + f.Subfield.Describe() + ">"
	case f.Kind == Embedded && f.DocType != "":
		return f.Kind.String() + "<" + f.DocType + ">"
	}
	return f.Kind.String()
}

// NewField returns a field of kind k.
func NewField(name string, k Kind) *Field {
	return &Field{Name: name, Kind: k}
}

// ListOf returns a List field whose elements are elem.
func ListOf(name string, elem *Field) *Field {
	return &Field{Name: name, Kind: List, Subfield: elem}
}

// EmbeddedOf returns an Embedded field of document type docType carrying
// its default attributes when docType is a known label type.
func EmbeddedOf(name, docType string, attrs ...*Field) *Field {
	f := &Field{Name: name, Kind: Embedded, DocType: docType}
	for _, a := range LabelFields(docType) {
		f.Fields = append(f.Fields, a)
	}
	for _, a := range attrs {
		f.setAttr(a)
	}
	return f
}
