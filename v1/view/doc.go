/*
Package view compiles declarative stages into document store pipelines
over a dataset.

A View is an immutable list of stages bound to a *dataset.Dataset.
Compiling it prepends the active group slice filter and, when a stage
reads frames, a lookup of the sorted frames of each sample; frames and
group members can also be attached or flattened through PipelineOptions.

Basic Usage:

	v := view.New(ds).
		MustAdd(view.NewMatchTags([]string{"validation"}, false)).
		MustAdd(view.NewFilterLabels("ground_truth", expr.Eq(expr.V("this", "label"), expr.L("cat")), true)).
		MustAdd(view.NewSortBy("filepath", false))

	n, err := v.Count(ctx)
	if err != nil {
		return err
	}

Iterating:

	err := v.ForEach(ctx, view.IterOptions{Autosave: true}, func(s *dataset.Sample) error {
		s.Set("reviewed", true)
		return nil
	})

Iteration survives cursor expiry on long walks: the pipeline is re-run
with the documents already seen skipped.

Saved views:

	saved, err := v.Save(ctx, "cats", dataset.LinkedInfo{}, false)
	...
	v, err = view.LoadSaved(ctx, ds, "cats")

Custom stages become loadable from saved views once passed to Register.
*/
package view
