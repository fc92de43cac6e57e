package view

import (
	"context"
	"fmt"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
)

// Save persists the stages of v under name on its dataset.
func (v *View) Save(ctx context.Context, name string, info dataset.LinkedInfo, overwrite bool) (*View, error) {
	if _, err := v.ds.SaveView(ctx, name, Serialize(v.stages), info, overwrite); err != nil {
		return nil, fmt.Errorf("save view %q: %w", name, err)
	}
	out := v.WithOptions(v.opts)
	out.name = name
	return out, nil
}

// LoadSaved rebuilds the saved view called name. Stages that no longer
// validate against the current schema fail the load.
func LoadSaved(ctx context.Context, ds *dataset.Dataset, name string) (*View, error) {
	saved, err := ds.LoadSavedView(ctx, name)
	if err != nil {
		return nil, err
	}
	stages, err := Deserialize(saved.Stages)
	if err != nil {
		return nil, fmt.Errorf("saved view %q: %w", name, err)
	}
	v := New(ds)
	for _, s := range stages {
		if v, err = v.Add(s); err != nil {
			return nil, fmt.Errorf("saved view %q: %w", name, err)
		}
	}
	v.name = name
	return v, nil
}
