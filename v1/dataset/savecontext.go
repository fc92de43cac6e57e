package dataset

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BatchStrategy selects when a SaveContext flushes its buffered writes.
type BatchStrategy int

const (
	// BatchByTime flushes once Interval has passed since the last flush.
	BatchByTime BatchStrategy = iota
	// BatchByCount flushes every BatchSize saved samples.
	BatchByCount
	// BatchBySize flushes once the buffered writes reach BatchSize bytes.
	BatchBySize
)

// String implements fmt.Stringer.
func (b BatchStrategy) String() string {
	switch b {
	case BatchByCount:
		return "count"
	case BatchBySize:
		return "size"
	}
	return "time"
}

const (
	DefaultSaveInterval  = 200 * time.Millisecond
	DefaultSaveBatchSize = 100
	DefaultSaveByteSize  = 1 << 20
)

// SaveContextOptions configure a SaveContext.
type SaveContextOptions struct {
	Strategy BatchStrategy

	// BatchSize is a number of samples for BatchByCount and a number of
	// bytes for BatchBySize.
	BatchSize int

	// Interval is the flush period of BatchByTime.
	Interval time.Duration
}

// DefaultSaveContextOptions flushes every DefaultSaveInterval.
func DefaultSaveContextOptions() SaveContextOptions {
	return SaveContextOptions{Strategy: BatchByTime, Interval: DefaultSaveInterval}
}

func (o SaveContextOptions) withDefaults() SaveContextOptions {
	switch o.Strategy {
	case BatchByCount:
		if o.BatchSize <= 0 {
			o.BatchSize = DefaultSaveBatchSize
		}
	case BatchBySize:
		if o.BatchSize <= 0 {
			o.BatchSize = DefaultSaveByteSize
		}
	default:
		if o.Interval <= 0 {
			o.Interval = DefaultSaveInterval
		}
	}
	return o
}

// SaveContext buffers sample saves and writes them in bulk. Callers must
// Close it on every exit path; Close flushes what is left:
//
//	sc := ds.NewSaveContext(dataset.DefaultSaveContextOptions())
//	defer sc.Close(ctx)
type SaveContext struct {
	dataset *Dataset
	opts    SaveContextOptions

	mu        sync.Mutex
	pending   sampleWrites
	count     int
	lastFlush time.Time
	closed    bool
}

// NewSaveContext returns a SaveContext writing to d.
func (d *Dataset) NewSaveContext(opts SaveContextOptions) *SaveContext {
	return &SaveContext{dataset: d, opts: opts.withDefaults(), lastFlush: time.Now()}
}

// Options returns the effective options.
func (c *SaveContext) Options() SaveContextOptions { return c.opts }

// Save buffers the changes of s and flushes when the batch is due.
func (c *SaveContext) Save(ctx context.Context, s *Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: save context is closed", ErrInvalidArgument)
	}
	w, err := c.dataset.sampleWrites(ctx, s)
	if err != nil {
		return err
	}
	s.clean()
	if w.empty() {
		return nil
	}
	c.pending.add(w)
	c.count++
	if c.due() {
		return c.flush(ctx)
	}
	return nil
}

func (c *SaveContext) due() bool {
	switch c.opts.Strategy {
	case BatchByCount:
		return c.count >= c.opts.BatchSize
	case BatchBySize:
		return c.pending.size >= c.opts.BatchSize
	}
	return time.Since(c.lastFlush) >= c.opts.Interval
}

// Pending returns the number of buffered sample saves.
func (c *SaveContext) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Flush writes the buffered changes.
func (c *SaveContext) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush(ctx)
}

func (c *SaveContext) flush(ctx context.Context) error {
	w, n := c.pending, c.count
	c.pending, c.count = sampleWrites{}, 0
	c.lastFlush = time.Now()
	if w.empty() {
		return nil
	}
	start := time.Now()
	err := c.dataset.applyWrites(ctx, w)
	c.dataset.observe("save_context_flush", c.opts.Strategy.String(), start, err, int64(n))
	return err
}

// Close flushes the buffered changes and rejects further saves. Closing
// twice is a no-op.
func (c *SaveContext) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.flush(ctx)
}
