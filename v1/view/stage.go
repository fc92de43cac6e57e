package view

import (
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// Stage is one declarative view operation.
type Stage interface {
	// Name is the registered stage name used in saved views.
	Name() string

	// Kwargs are the serialized arguments of the stage.
	Kwargs() bson.M

	// Validate checks the stage against the dataset schema.
	Validate(ds *dataset.Dataset) error

	// Pipeline returns the stages implementing the operation.
	Pipeline(sc *StageContext) (docstore.Pipeline, error)

	// NeedsFrames reports whether the stage reads the frames array.
	NeedsFrames() bool

	// OverridesGroupSlice reports whether the stage selects group slices
	// itself, disabling the active slice filter.
	OverridesGroupSlice() bool
}

// StageContext is what a stage sees while compiling.
type StageContext struct {
	Dataset     *dataset.Dataset
	Schema      *fields.Schema
	FrameSchema *fields.Schema

	// FramesAttached is set when the frames array is present.
	FramesAttached bool
}

// Factory rebuilds a stage from its kwargs.
type Factory func(kwargs bson.M) (Stage, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a stage type loadable from saved views. Registering the
// same name twice panics.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("view: stage registered twice: " + name)
	}
	factories[name] = f
}

// Registered returns the registered stage names in sorted order.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Serialize encodes stages as {_cls, kwargs} documents.
func Serialize(stages []Stage) bson.A {
	out := make(bson.A, len(stages))
	for i, s := range stages {
		out[i] = bson.M{fields.ClassKey: s.Name(), "kwargs": s.Kwargs()}
	}
	return out
}

// Deserialize decodes stages written by Serialize.
func Deserialize(raw bson.A) ([]Stage, error) {
	out := make([]Stage, 0, len(raw))
	for i, item := range raw {
		doc, ok := expr.AsDoc(expr.Normalize(item))
		if !ok {
			return nil, fmt.Errorf("%w: stage %d is not a document", ErrInvalidStage, i)
		}
		name, _ := doc[fields.ClassKey].(string)
		factoriesMu.RLock()
		f, ok := factories[name]
		factoriesMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidStage, name)
		}
		kwargs, _ := expr.AsDoc(doc["kwargs"])
		if kwargs == nil {
			kwargs = bson.M{}
		}
		s, err := f(kwargs)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", i, name, err)
		}
		out = append(out, s)
	}
	return out, nil
}
