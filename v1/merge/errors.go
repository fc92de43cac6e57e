package merge

import (
	"errors"
	"fmt"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
)

var (
	// ErrSameDataset is returned when the source and destination are the
	// same dataset.
	ErrSameDataset = fmt.Errorf("%w: cannot merge a dataset into itself", dataset.ErrInvalidArgument)

	// ErrClipsDestination is returned when the destination is a clips
	// dataset.
	ErrClipsDestination = fmt.Errorf("%w: cannot merge into a clips dataset", dataset.ErrInvalidArgument)

	// ErrDuplicateKey is returned when the merge key or a sample id is not
	// unique.
	ErrDuplicateKey = fmt.Errorf("%w: duplicate key", dataset.ErrBulkWrite)
)

// IsDuplicateKey reports whether err was caused by a non-unique merge key
// or sample id.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// keyError folds a store duplicate key failure into one error naming the
// first failing key.
func keyError(name string, err error) error {
	if !docstore.IsDuplicateKey(err) {
		return err
	}
	if bwe, ok := docstore.AsBulkWriteError(err); ok && bwe.Key != nil {
		return fmt.Errorf("%w: %s: first failing key %v: %w", ErrDuplicateKey, name, bwe.Key, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDuplicateKey, name, err)
}
