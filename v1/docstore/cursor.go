package docstore

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// SliceCursor is a Cursor over documents already in memory.
type SliceCursor struct {
	docs []bson.M
	pos  int
	cur  bson.M
	err  error
}

// NewSliceCursor returns a cursor over docs.
func NewSliceCursor(docs []bson.M) *SliceCursor {
	return &SliceCursor{docs: docs}
}

// Next implements Cursor.
func (c *SliceCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos >= len(c.docs) {
		return false
	}
	c.cur = c.docs[c.pos]
	c.pos++
	return true
}

// Current implements Cursor.
func (c *SliceCursor) Current() bson.M { return c.cur }

// Err implements Cursor.
func (c *SliceCursor) Err() error { return c.err }

// Close implements Cursor.
func (c *SliceCursor) Close(context.Context) error {
	c.docs = nil
	return nil
}

// All drains cur and closes it.
func All(ctx context.Context, cur Cursor) ([]bson.M, error) {
	defer cur.Close(ctx)
	var out []bson.M
	for cur.Next(ctx) {
		out = append(out, cur.Current())
	}
	return out, cur.Err()
}

// ForEach calls fn for every document of cur and closes it. Iteration stops
// at the first error returned by fn.
func ForEach(ctx context.Context, cur Cursor, fn func(bson.M) error) error {
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		if err := fn(cur.Current()); err != nil {
			return err
		}
	}
	return cur.Err()
}

// AggregateAll runs pipeline on coll and returns every output document.
func AggregateAll(ctx context.Context, coll Collection, pipeline Pipeline) ([]bson.M, error) {
	cur, err := coll.Aggregate(ctx, pipeline, nil)
	if err != nil {
		return nil, err
	}
	return All(ctx, cur)
}

// Exhaust runs a pipeline that only has side effects, such as one ending in
// $merge, and discards its output.
func Exhaust(ctx context.Context, coll Collection, pipeline Pipeline, opts *AggregateOptions) error {
	cur, err := coll.Aggregate(ctx, pipeline, opts)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
	}
	return cur.Err()
}
