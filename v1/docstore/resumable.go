package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// DefaultMaxRestarts bounds consecutive re-issues after cursor expiry.
const DefaultMaxRestarts = 5

// ResumableOptions tunes a ResumableCursor.
type ResumableOptions struct {
	Aggregate *AggregateOptions

	// MaxRestarts bounds consecutive restarts without progress.
	// Zero means DefaultMaxRestarts.
	MaxRestarts int

	Observer observability.Observer
}

// ResumableCursor runs a pipeline and transparently recovers from cursor
// expiry by re-running it with a trailing $skip of the documents already
// returned. The recovery is exact only when the pipeline yields the same
// order on every run: an explicit $sort on a unique tiebreak does, and an
// unsorted pipeline relies on the store returning its natural order.
type ResumableCursor struct {
	coll     Collection
	pipeline Pipeline
	opts     ResumableOptions

	cur      Cursor
	current  bson.M
	consumed int64
	restarts int
	total    int
	err      error
}

// NewResumableCursor starts pipeline on coll.
//
// Example:
//
//	cur, err := docstore.NewResumableCursor(ctx, coll, pipeline, docstore.ResumableOptions{})
//	if err != nil {
//		return err
//	}
//	defer cur.Close(ctx)
//	for cur.Next(ctx) {
//		process(cur.Current())
//	}
//	return cur.Err()
func NewResumableCursor(ctx context.Context, coll Collection, pipeline Pipeline, opts ResumableOptions) (*ResumableCursor, error) {
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	rc := &ResumableCursor{coll: coll, pipeline: pipeline, opts: opts}
	cur, err := coll.Aggregate(ctx, pipeline, opts.Aggregate)
	if err != nil {
		return nil, err
	}
	rc.cur = cur
	return rc, nil
}

// Next implements Cursor.
func (rc *ResumableCursor) Next(ctx context.Context) bool {
	if rc.err != nil || rc.cur == nil {
		return false
	}
	for {
		if rc.cur.Next(ctx) {
			rc.current = rc.cur.Current()
			rc.consumed++
			rc.restarts = 0
			return true
		}
		err := rc.cur.Err()
		if err == nil {
			return false
		}
		if !IsCursorExpired(err) || rc.restarts >= rc.opts.MaxRestarts {
			rc.err = err
			return false
		}
		if err := rc.restart(ctx); err != nil {
			rc.err = err
			return false
		}
	}
}

func (rc *ResumableCursor) restart(ctx context.Context) error {
	start := time.Now()
	_ = rc.cur.Close(ctx)
	rc.restarts++
	rc.total++

	pipeline := rc.pipeline.Clone()
	if rc.consumed > 0 {
		pipeline = append(pipeline, Stage("$skip", rc.consumed))
	}
	cur, err := rc.coll.Aggregate(ctx, pipeline, rc.opts.Aggregate)

	observability.Observe(rc.opts.Observer, observability.OperationContext{
		Component: "docstore",
		Operation: "cursor_restart",
		Resource:  rc.coll.Name(),
		Duration:  time.Since(start),
		Error:     err,
		Size:      rc.consumed,
	})
	if err != nil {
		return fmt.Errorf("re-issue pipeline after cursor expiry at %d documents: %w", rc.consumed, err)
	}
	rc.cur = cur
	return nil
}

// Current implements Cursor.
func (rc *ResumableCursor) Current() bson.M { return rc.current }

// Err implements Cursor.
func (rc *ResumableCursor) Err() error { return rc.err }

// Close implements Cursor.
func (rc *ResumableCursor) Close(ctx context.Context) error {
	if rc.cur == nil {
		return nil
	}
	err := rc.cur.Close(ctx)
	rc.cur = nil
	return err
}

// Consumed returns the number of documents returned so far.
func (rc *ResumableCursor) Consumed() int64 { return rc.consumed }

// Restarts returns how many times the pipeline was re-issued.
func (rc *ResumableCursor) Restarts() int { return rc.total }
