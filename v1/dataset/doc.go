/*
Package dataset implements media datasets on top of a document store.

A dataset is a registry document describing its schema and metadata plus
a sample collection and, for video, a frame collection. The Registry
hands out one live *Dataset per name so every caller observes the same
schema.

Basic Usage:

	reg := dataset.NewRegistry(client, dataset.RegistryOptions{Logger: log})
	if err := reg.EnsureIndexes(ctx); err != nil {
		return err
	}

	ds, err := reg.Create(ctx, "quickstart", dataset.CreateOptions{Persistent: true})
	if err != nil {
		return err
	}
	defer reg.Release(ds)

	s := dataset.NewSample("/data/img-001.jpg", bson.M{"ground_truth": label})
	if _, err := ds.AddSamples(ctx, []*dataset.Sample{s}, dataset.DefaultAddOptions()); err != nil {
		return err
	}

Schemas grow as samples are added: undeclared fields are inferred and
merged unless AddOptions.Expand is false, in which case they are
rejected with ErrSchemaViolation.

Batched writes:

	sc := ds.NewSaveContext(dataset.SaveContextOptions{Strategy: dataset.BatchByCount})
	defer sc.Close(ctx)
	for _, s := range samples {
		s.Set("reviewed", true)
		if err := sc.Save(ctx, s); err != nil {
			return err
		}
	}

Groups, frames and clips:

AddGroupField turns a dataset into a grouped dataset whose samples are
slices of groups. Video samples own frame documents in the frame
collection; clip datasets created with Registry.CreateClips read the
frames of their source and never delete them.
*/
package dataset
