package merge

import (
	"context"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
)

// restoreFunc undoes a temporary index change.
type restoreFunc func(ctx context.Context) error

func noRestore(context.Context) error { return nil }

// ensureUniqueIndex makes sure a unique index over exactly paths exists on
// coll. An index created here is dropped on restore, and a non-unique
// index over the same paths is swapped for a unique one and rebuilt on
// restore.
func ensureUniqueIndex(ctx context.Context, coll docstore.Collection, paths ...string) (restoreFunc, error) {
	if len(paths) == 1 && paths[0] == "_id" {
		return noRestore, nil
	}
	keys := make(bson.D, len(paths))
	for i, p := range paths {
		keys[i] = bson.E{Key: p, Value: 1}
	}
	existing, err := coll.Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes of %s: %w", coll.Name(), err)
	}

	var replaced *docstore.IndexSpec
	for _, spec := range existing {
		if !slices.Equal(spec.Fields(), paths) {
			continue
		}
		if spec.Unique {
			return noRestore, nil
		}
		replaced = &spec
		break
	}

	if replaced != nil {
		if err := coll.Indexes().Drop(ctx, replaced.Name); err != nil {
			return nil, fmt.Errorf("failed to drop index %s of %s: %w", replaced.Name, coll.Name(), err)
		}
	}
	name, err := coll.Indexes().Create(ctx, docstore.IndexSpec{Keys: keys, Unique: true})
	if err != nil {
		if replaced != nil {
			// The caller never sees the swap when the unique build fails.
			if _, rerr := coll.Indexes().Create(ctx, *replaced); rerr != nil {
				err = fmt.Errorf("%w (restoring %s: %v)", err, replaced.Name, rerr)
			}
		}
		return nil, keyError(coll.Name(), err)
	}

	return func(ctx context.Context) error {
		if err := coll.Indexes().Drop(ctx, name); err != nil {
			return fmt.Errorf("failed to drop temporary index %s of %s: %w", name, coll.Name(), err)
		}
		if replaced == nil {
			return nil
		}
		if _, err := coll.Indexes().Create(ctx, *replaced); err != nil {
			return fmt.Errorf("failed to restore index %s of %s: %w", replaced.Name, coll.Name(), err)
		}
		return nil
	}, nil
}
