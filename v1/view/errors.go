package view

import (
	"errors"
	"fmt"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
)

var (
	// ErrInvalidStage is returned for stages that do not fit the dataset
	// or cannot be decoded.
	ErrInvalidStage = errors.New("invalid view stage")

	// ErrFieldNotFound is returned when a stage names an undeclared field.
	ErrFieldNotFound = fmt.Errorf("field %w", dataset.ErrNotFound)
)

// IsInvalidStage reports whether err is caused by an invalid stage.
func IsInvalidStage(err error) bool { return errors.Is(err, ErrInvalidStage) }
