package fields

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaViolation is the root of every schema validation failure.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrKindConflict is returned when a candidate field would silently
	// change the kind of a declared field.
	ErrKindConflict = errors.New("field type conflict")

	// ErrInvalidField is returned for malformed field declarations.
	ErrInvalidField = errors.New("invalid field")

	// ErrMissingAncestor is returned when a nested path is declared before
	// its embedded parent.
	ErrMissingAncestor = errors.New("missing ancestor field")
)

// SchemaError reports a conflict between a declared and a candidate field.
type SchemaError struct {
	Path     string
	Existing string
	Incoming string
}

// Error implements error.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("field %q: declared as %s, cannot change to %s", e.Path, e.Existing, e.Incoming)
}

// Unwrap returns ErrKindConflict.
func (e *SchemaError) Unwrap() error { return ErrKindConflict }

// FieldError is one offending field of a document.
type FieldError struct {
	Path   string
	Reason string
}

// ValidationError aggregates every offending field of one document.
type ValidationError struct {
	// DocumentID identifies the document when known.
	DocumentID interface{}
	Fields     []FieldError
}

// Error implements error.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Path, f.Reason)
	}
	msg := "invalid document"
	if e.DocumentID != nil {
		msg = fmt.Sprintf("invalid document %v", e.DocumentID)
	}
	return fmt.Sprintf("%s: %s", msg, strings.Join(parts, "; "))
}

// Unwrap returns ErrSchemaViolation.
func (e *ValidationError) Unwrap() error { return ErrSchemaViolation }

// Paths returns the offending field paths.
func (e *ValidationError) Paths() []string {
	out := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f.Path
	}
	return out
}

// IsSchemaViolation reports whether err is a validation failure.
func IsSchemaViolation(err error) bool {
	return errors.Is(err, ErrSchemaViolation)
}

// IsKindConflict reports whether err is a type conflict.
func IsKindConflict(err error) bool {
	return errors.Is(err, ErrKindConflict)
}
