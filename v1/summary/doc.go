/*
Package summary maintains summary fields and secondary indexes of
datasets.

A summary field caches, on each sample, an aggregate of a nested or
frame-level source field: the distinct values of a categorical source,
optionally counted, or the [min, max] range of a numeric one, optionally
per category. Summaries are computed by one aggregation merged back onto
the samples; they are not kept current automatically.

Basic Usage:

	name, err := summary.Create(ctx, ds, "ground_truth.detections.label", summary.Options{
		IncludeCounts: true,
		ReadOnly:      true,
		CreateIndex:   true,
	})
	if err != nil {
		return err
	}

	stale, err := summary.Check(ctx, ds)
	for _, name := range stale {
		if err := summary.Update(ctx, ds, name); err != nil {
			return err
		}
	}

Check is approximate: any sample modification after the last refresh
marks every sample-level summary as stale.

Indexes:

	name, err := summary.CreateIndex(ctx, ds, bson.D{{Key: "frames.quality", Value: 1}}, false)
	info, err := summary.IndexInformation(ctx, ds)

Frame indexes are named with a "frames." prefix. CloneIndexes copies the
indexes of one dataset onto another, following renamed fields and
skipping indexes over fields the destination lacks.
*/
package summary
