package summary

import (
	"errors"
	"fmt"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
)

var (
	// ErrNotSummary is returned when a named field exists but is not a
	// summary field.
	ErrNotSummary = fmt.Errorf("%w: not a summary field", dataset.ErrInvalidArgument)

	// ErrUnsupportedSource is returned when the source field holds values
	// that cannot be summarized.
	ErrUnsupportedSource = fmt.Errorf("%w: unsupported summary source", dataset.ErrInvalidArgument)

	// ErrDefaultIndex is returned when dropping an index the store or the
	// frame model depends on.
	ErrDefaultIndex = fmt.Errorf("%w: default index", dataset.ErrReadOnly)
)

// IsNotSummary reports whether err names a field that is not a summary
// field.
func IsNotSummary(err error) bool {
	return errors.Is(err, ErrNotSummary)
}
