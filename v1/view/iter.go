package view

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
)

// IterOptions configure Iter.
type IterOptions struct {
	// Autosave saves every yielded sample when the iteration moves past it.
	Autosave bool

	// Save configures the batching of autosaved samples.
	Save dataset.SaveContextOptions

	Aggregate *docstore.AggregateOptions

	// MaxRestarts bounds cursor restarts without progress. Zero means
	// docstore.DefaultMaxRestarts.
	MaxRestarts int
}

// Iterator walks the samples of a view. Cursor expiry mid-iteration is
// recovered without repeating or skipping samples.
type Iterator struct {
	v      *View
	cur    *docstore.ResumableCursor
	saver  *dataset.SaveContext
	sample *dataset.Sample
	start  time.Time
	err    error
	closed bool
}

// Iter starts iterating v. The caller must Close the iterator.
func (v *View) Iter(ctx context.Context, opts IterOptions) (*Iterator, error) {
	p, err := v.Pipeline()
	if err != nil {
		return nil, err
	}
	cur, err := docstore.NewResumableCursor(ctx, v.ds.SampleCollection(), p, docstore.ResumableOptions{
		Aggregate:   opts.Aggregate,
		MaxRestarts: opts.MaxRestarts,
		Observer:    v.ds.Registry().Observer(),
	})
	if err != nil {
		return nil, fmt.Errorf("view of %q: iter: %w", v.ds.Name(), err)
	}
	it := &Iterator{v: v, cur: cur, start: time.Now()}
	if opts.Autosave {
		it.saver = v.ds.NewSaveContext(opts.Save)
	}
	return it, nil
}

// Next advances to the next sample, saving the previous one first when
// autosaving.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.closed {
		return false
	}
	if it.saver != nil && it.sample != nil {
		if err := it.saver.Save(ctx, it.sample); err != nil {
			it.err = err
			return false
		}
	}
	it.sample = nil
	if !it.cur.Next(ctx) {
		it.err = it.cur.Err()
		return false
	}
	it.sample = it.v.ds.SampleFromDoc(it.cur.Current())
	return true
}

// Sample returns the current sample.
func (it *Iterator) Sample() *dataset.Sample { return it.sample }

// Err returns the error that stopped the iteration.
func (it *Iterator) Err() error { return it.err }

// Restarts returns how often the cursor was re-issued after expiring.
func (it *Iterator) Restarts() int { return it.cur.Restarts() }

// Close releases the cursor and flushes pending autosaves, including the
// current sample.
func (it *Iterator) Close(ctx context.Context) error {
	if it.closed {
		return nil
	}
	it.closed = true
	var errs []error
	if it.saver != nil {
		if it.sample != nil && it.err == nil {
			errs = append(errs, it.saver.Save(ctx, it.sample))
		}
		errs = append(errs, it.saver.Close(ctx))
	}
	errs = append(errs, it.cur.Close(ctx))
	err := errors.Join(errs...)
	if err == nil {
		err = it.err
	}
	it.v.observe("iter", it.start, 0, err, it.cur.Consumed())
	return err
}

// ForEach calls fn for every sample of v, stopping at the first error.
func (v *View) ForEach(ctx context.Context, opts IterOptions, fn func(*dataset.Sample) error) (err error) {
	it, err := v.Iter(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := it.Close(ctx); err == nil {
			err = cerr
		}
	}()
	for it.Next(ctx) {
		if err := fn(it.Sample()); err != nil {
			return err
		}
	}
	return it.Err()
}
