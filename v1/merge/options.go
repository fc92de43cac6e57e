package merge

import (
	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// DefaultBatchSize is the number of documents written per bulk write by
// the client-side merge.
const DefaultBatchSize = 1000

// Options configures a merge of samples into a destination dataset.
type Options struct {
	// KeyField is the field whose value pairs source and destination
	// samples. Defaults to "filepath".
	KeyField string

	// KeyFunc computes the pairing key in process instead of KeyField.
	// Setting it switches to the client-side merge.
	KeyFunc func(s *dataset.Sample) string

	// SkipExisting leaves samples that already exist in the destination
	// untouched.
	SkipExisting bool

	// InsertNew inserts source samples without a match.
	InsertNew bool

	// Fields maps source field names to destination paths. When non-nil,
	// only the listed fields are merged. Frame fields use a "frames."
	// prefix on both sides. A dotted destination merges into the embedded
	// document named by its first component.
	Fields map[string]string

	// OmitFields lists source fields excluded from the merge.
	OmitFields []string

	// MergeLists unions list fields: plain lists by value and label lists
	// by label id.
	MergeLists bool

	// MergeEmbeddedDocs merges embedded documents attribute by attribute.
	MergeEmbeddedDocs bool

	// Overwrite prefers source values on conflicts.
	Overwrite bool

	// ExpandSchema declares source fields missing from the destination.
	// When false such fields fail the merge.
	ExpandSchema bool

	// IncludeInfo merges dataset info, classes, mask targets and
	// skeletons into the destination.
	IncludeInfo bool

	// BatchSize bounds bulk writes of the client-side merge.
	BatchSize int
}

// DefaultOptions returns options that insert new samples and overwrite
// existing fields, merging lists.
func DefaultOptions() Options {
	return Options{
		KeyField:     fields.FieldFilepath,
		InsertNew:    true,
		MergeLists:   true,
		Overwrite:    true,
		ExpandSchema: true,
		IncludeInfo:  true,
		BatchSize:    DefaultBatchSize,
	}
}

func (o Options) withDefaults() Options {
	if o.KeyField == "" {
		o.KeyField = fields.FieldFilepath
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

func (o Options) policy(embedded map[string]bool) Policy {
	return Policy{
		Overwrite:         o.Overwrite,
		MergeLists:        o.MergeLists,
		MergeEmbeddedDocs: o.MergeEmbeddedDocs,
		Embedded:          embedded,
	}
}

// AddCollectionOptions configures AddCollection.
type AddCollectionOptions struct {
	// NewIDs gives the copied samples and frames fresh ids. Otherwise the
	// source ids are kept and any id already present fails the insert.
	NewIDs bool

	// IncludeInfo merges dataset info, classes, mask targets and
	// skeletons into the destination.
	IncludeInfo bool
}
