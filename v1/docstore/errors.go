package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Store-level errors shared by every implementation.
var (
	// ErrNoDocuments is returned by FindOne when nothing matches.
	ErrNoDocuments = errors.New("docstore: no documents in result")

	// ErrDuplicateKey is returned when a write violates a unique index.
	ErrDuplicateKey = errors.New("docstore: duplicate key")

	// ErrCursorNotFound is returned when the server discarded a cursor
	// before it was exhausted.
	ErrCursorNotFound = errors.New("docstore: cursor not found")

	// ErrUnsupported is returned for operators or options an implementation
	// does not support.
	ErrUnsupported = errors.New("docstore: unsupported operation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("docstore: client is closed")
)

// BulkWriteError reports the first failed operation of a bulk write or
// InsertMany. Message is the store's message, verbatim.
type BulkWriteError struct {
	// Index is the position of the failed model or document.
	Index int

	// Code is the store's error code (11000 for duplicate keys).
	Code int

	// Key is the offending unique key value when known.
	Key interface{}

	Message string

	// Failures counts every failed operation, including the first.
	Failures int

	// Cause is the underlying sentinel, e.g. ErrDuplicateKey.
	Cause error
}

// DuplicateKeyCode is the store's code for unique index violations.
const DuplicateKeyCode = 11000

// Error implements error.
func (e *BulkWriteError) Error() string {
	msg := fmt.Sprintf("bulk write failed at operation %d", e.Index)
	if e.Key != nil {
		msg += fmt.Sprintf(" (key %v)", e.Key)
	}
	if e.Failures > 1 {
		msg += fmt.Sprintf(", %d failures total", e.Failures)
	}
	return msg + ": " + e.Message
}

// Unwrap exposes the underlying sentinel.
func (e *BulkWriteError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	if e.Code == DuplicateKeyCode {
		return ErrDuplicateKey
	}
	return nil
}

// IsDuplicateKey reports whether err is or wraps a unique index violation.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsCursorExpired reports whether err means the server cursor is gone.
func IsCursorExpired(err error) bool {
	return errors.Is(err, ErrCursorNotFound)
}

// IsNotFound reports whether err is ErrNoDocuments.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNoDocuments)
}

// AsBulkWriteError extracts a *BulkWriteError from err.
func AsBulkWriteError(err error) (*BulkWriteError, bool) {
	var bwe *BulkWriteError
	if errors.As(err, &bwe) {
		return bwe, true
	}
	return nil, false
}

// ErrorCategory groups store errors by how callers should react.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryNotFound
	CategoryConflict
	CategoryTransient
	CategoryUnsupported
	CategoryCanceled
)

// String implements fmt.Stringer.
func (c ErrorCategory) String() string {
	switch c {
	case CategoryNotFound:
		return "not_found"
	case CategoryConflict:
		return "conflict"
	case CategoryTransient:
		return "transient"
	case CategoryUnsupported:
		return "unsupported"
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
	case IsNotFound(err):
		return CategoryNotFound
	case IsDuplicateKey(err):
		return CategoryConflict
	case IsCursorExpired(err):
		return CategoryTransient
	case errors.Is(err, ErrUnsupported):
		return CategoryUnsupported
	}
	return CategoryUnknown
}

// IsRetryableError reports whether repeating the operation can succeed.
func IsRetryableError(err error) bool {
	return GetErrorCategory(err) == CategoryTransient
}
