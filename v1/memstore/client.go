package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// Client is an in-process docstore.Client. All collections share one lock,
// so aggregations that read or write several collections ($lookup, $merge)
// see a consistent state.
//
// Client implements docstore.Client.
type Client struct {
	mu          sync.Mutex
	collections map[string]*collState
	closed      bool

	observer observability.Observer

	// expireAfter makes the next Aggregate cursor fail with
	// docstore.ErrCursorNotFound after the given number of documents.
	expireAfter []int
}

var _ docstore.Client = (*Client)(nil)

// NewClient returns an empty store.
func NewClient() *Client {
	return &Client{collections: make(map[string]*collState)}
}

// WithObserver attaches an observer that receives every operation.
func (c *Client) WithObserver(observer observability.Observer) *Client {
	c.observer = observer
	return c
}

// ExpireNextCursor makes the next Aggregate cursor fail with
// docstore.ErrCursorNotFound once it has returned after documents. Calls
// queue up, one per future cursor.
func (c *Client) ExpireNextCursor(after int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireAfter = append(c.expireAfter, after)
}

// Collection implements docstore.Client.
func (c *Client) Collection(name string) docstore.Collection {
	return &Collection{client: c, name: name}
}

// ListCollectionNames implements docstore.Client.
func (c *Client) ListCollectionNames(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, docstore.ErrClosed
	}
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DropCollection implements docstore.Client.
func (c *Client) DropCollection(ctx context.Context, name string) error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return docstore.ErrClosed
	}
	delete(c.collections, name)
	c.observeOperation("drop", name, "", time.Since(start), nil, 0)
	return nil
}

// Ping implements docstore.Client.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return docstore.ErrClosed
	}
	return ctx.Err()
}

// Close implements docstore.Client. Data is discarded.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.collections = make(map[string]*collState)
	return nil
}

// collection returns the state of name without registering it. Callers
// hold c.mu.
func (c *Client) collection(name string) *collState {
	if s, ok := c.collections[name]; ok {
		return s
	}
	return newCollState(name)
}

// ensure returns the state of name, registering it on first write.
// Callers hold c.mu.
func (c *Client) ensure(name string) *collState {
	s, ok := c.collections[name]
	if !ok {
		s = newCollState(name)
		c.collections[name] = s
	}
	return s
}

func (c *Client) observeOperation(operation, resource, subResource string, duration time.Duration, err error, size int64) {
	observability.Observe(c.observer, observability.OperationContext{
		Component:   "memstore",
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    duration,
		Error:       err,
		Size:        size,
	})
}

// nextCursor wraps docs in a cursor, applying a queued expiry.
// Callers hold c.mu.
func (c *Client) nextCursor(docs []bson.M) docstore.Cursor {
	cur := docstore.NewSliceCursor(docs)
	if len(c.expireAfter) == 0 {
		return cur
	}
	after := c.expireAfter[0]
	c.expireAfter = c.expireAfter[1:]
	return &expiringCursor{SliceCursor: cur, failAfter: after}
}

type expiringCursor struct {
	*docstore.SliceCursor
	failAfter int
	served    int
	err       error
}

func (c *expiringCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.served >= c.failAfter {
		c.err = docstore.ErrCursorNotFound
		return false
	}
	if !c.SliceCursor.Next(ctx) {
		return false
	}
	c.served++
	return true
}

func (c *expiringCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.SliceCursor.Err()
}
