package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/merge"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

// CloneView copies the samples of v into a new dataset named name,
// renames fields per opts.FieldMap and recreates the indexes of the
// source dataset that still apply.
func CloneView(ctx context.Context, v *view.View, name string, opts CloneOptions) (*dataset.Dataset, error) {
	src := v.Dataset()
	reg := src.Registry()
	dst, err := reg.Create(ctx, name, dataset.CreateOptions{})
	if err != nil {
		return nil, err
	}
	if err := cloneInto(ctx, dst, v, opts); err != nil {
		return nil, errors.Join(fmt.Errorf("clone %q into %q: %w", src.Name(), name, err), reg.Delete(context.WithoutCancel(ctx), name))
	}
	reg.Logger().Info("Cloned view", nil, map[string]interface{}{
		"source":      src.Name(),
		"destination": name,
		"stages":      len(v.Stages()),
	})
	return dst, nil
}

func cloneInto(ctx context.Context, dst *dataset.Dataset, v *view.View, opts CloneOptions) error {
	if err := merge.AddCollection(ctx, dst, v, merge.AddCollectionOptions{IncludeInfo: true}); err != nil {
		return err
	}
	samples, frames := map[string]string{}, map[string]string{}
	for from, to := range opts.FieldMap {
		if strings.HasPrefix(from, framePrefix) {
			frames[from] = to
			continue
		}
		samples[from] = to
	}
	if len(samples) > 0 {
		if err := dst.RenameSampleFields(ctx, samples); err != nil {
			return err
		}
	}
	if len(frames) > 0 && dst.FrameCollection() != nil {
		if err := dst.RenameFrameFields(ctx, frames); err != nil {
			return err
		}
	}
	return CloneIndexes(ctx, v.Dataset(), dst, opts)
}
