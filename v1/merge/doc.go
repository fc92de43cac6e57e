/*
Package merge merges the samples of one dataset or view into another.

Samples pair up on a key field, filepath by default. Paired samples are
merged field by field with expressions built from the destination
schema; unpaired ones are inserted or discarded. The whole merge runs
inside the store as one aggregation per collection unless a key function
is given, in which case the same expressions are evaluated in process.

Basic Usage:

	opts := merge.DefaultOptions()
	opts.Fields = map[string]string{"predictions": "model_a"}

	if err := merge.Samples(ctx, dst, view.New(src), opts); err != nil {
		if merge.IsDuplicateKey(err) {
			// the key is not unique in src or dst
		}
		return err
	}

Field rules:

  - plain values take the incoming value when set, or only fill gaps
    when Overwrite is false
  - lists are unioned by value when MergeLists is set
  - label lists such as Detections are merged by label id
  - embedded documents are merged attribute by attribute when
    MergeEmbeddedDocs is set or a remapped field lands inside them

AddCollection copies samples without merging, optionally under new ids.
*/
package merge
