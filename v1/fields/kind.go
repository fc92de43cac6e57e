package fields

import "fmt"

// Kind is the type tag of a Field.
type Kind int

const (
	// Unknown is a placeholder for a field whose values have not revealed
	// a type yet, or a list element type widened over mixed values.
	// Expansion promotes it to a concrete kind.
	Unknown Kind = iota
	String
	Int
	Float
	Bool
	Date
	DateTime
	ObjectID
	List
	Embedded
	Dict
	Vector

	// FrameSupport is a closed [first, last] frame interval.
	FrameSupport
)

var kindNames = map[Kind]string{
	Unknown:      "unknown",
	String:       "string",
	Int:          "int",
	Float:        "float",
	Bool:         "bool",
	Date:         "date",
	DateTime:     "datetime",
	ObjectID:     "object_id",
	List:         "list",
	Embedded:     "embedded_document",
	Dict:         "dict",
	Vector:       "vector",
	FrameSupport: "frame_support",
}

// String implements fmt.Stringer; it is also the persisted form.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return Unknown, fmt.Errorf("%w: unknown field type %q", ErrInvalidField, s)
}

// IsContainer reports whether fields of kind k hold nested values.
func (k Kind) IsContainer() bool {
	return k == List || k == Embedded || k == Dict
}
