package dataset

import (
	"context"
	"errors"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

var (
	// ErrNotFound is returned when a dataset, field, saved view, workspace
	// or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNameConflict is returned when a name or its slug is already used.
	ErrNameConflict = errors.New("name already in use")

	// ErrSchemaViolation is returned for undeclared fields and values that
	// fail type validation.
	ErrSchemaViolation = fields.ErrSchemaViolation

	// ErrReadOnly is returned when editing a read-only or built-in field.
	ErrReadOnly = errors.New("read-only field")

	// ErrMediaTypeMismatch is returned when a sample's media type does not
	// fit the dataset or its target group slice.
	ErrMediaTypeMismatch = errors.New("media type mismatch")

	// ErrBulkWrite wraps store-level bulk write failures.
	ErrBulkWrite = errors.New("bulk write failed")

	// ErrDeleted is returned by handles of deleted datasets.
	ErrDeleted = errors.New("dataset has been deleted")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsNotFound reports whether err means the requested object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || docstore.IsNotFound(err)
}

// IsNameConflict reports whether err is a name or slug conflict.
func IsNameConflict(err error) bool { return errors.Is(err, ErrNameConflict) }

// IsSchemaViolation reports whether err is a schema violation.
func IsSchemaViolation(err error) bool { return errors.Is(err, ErrSchemaViolation) }

// IsReadOnly reports whether err is a read-only violation.
func IsReadOnly(err error) bool { return errors.Is(err, ErrReadOnly) }

// ErrorCategory groups engine errors by how callers should react.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryNotFound
	CategoryConflict
	CategoryValidation
	CategoryPermission
	CategoryStore
	CategoryTransient
	CategoryCanceled
)

// String implements fmt.Stringer.
func (c ErrorCategory) String() string {
	switch c {
	case CategoryNotFound:
		return "not_found"
	case CategoryConflict:
		return "conflict"
	case CategoryValidation:
		return "validation"
	case CategoryPermission:
		return "permission"
	case CategoryStore:
		return "store"
	case CategoryTransient:
		return "transient"
	case CategoryCanceled:
		return "canceled"
	}
	return "unknown"
}

// GetErrorCategory classifies err.
func GetErrorCategory(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCanceled
	case IsNotFound(err), errors.Is(err, ErrDeleted):
		return CategoryNotFound
	case IsNameConflict(err), docstore.IsDuplicateKey(err), fields.IsKindConflict(err):
		return CategoryConflict
	case IsSchemaViolation(err), errors.Is(err, ErrMediaTypeMismatch), errors.Is(err, ErrInvalidArgument),
		errors.Is(err, fields.ErrMissingAncestor), errors.Is(err, fields.ErrInvalidField):
		return CategoryValidation
	case IsReadOnly(err):
		return CategoryPermission
	case docstore.IsCursorExpired(err):
		return CategoryTransient
	case errors.Is(err, ErrBulkWrite):
		return CategoryStore
	}
	return CategoryUnknown
}

// IsRetryable reports whether repeating the operation can succeed.
func IsRetryable(err error) bool {
	return GetErrorCategory(err) == CategoryTransient
}
