package docstore

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

//go:generate mockgen -source=interface.go -destination=mock_docstore.go -package=docstore

// Pipeline is an ordered list of aggregation stages.
type Pipeline []bson.D

// Client is a connection to one database of a document store.
type Client interface {
	// Collection returns a handle; the collection is created lazily on first write.
	Collection(name string) Collection

	// ListCollectionNames returns every collection in the database.
	ListCollectionNames(ctx context.Context) ([]string, error)

	// DropCollection drops a collection. Dropping an absent collection is not an error.
	DropCollection(ctx context.Context, name string) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Collection is a named set of documents.
type Collection interface {
	Name() string

	// InsertOne inserts doc, assigning an ObjectID _id when absent, and
	// returns the _id.
	InsertOne(ctx context.Context, doc bson.M) (interface{}, error)

	// InsertMany inserts docs in order. With Unordered unset the insert
	// stops at the first failure; the returned error is a *BulkWriteError.
	InsertMany(ctx context.Context, docs []bson.M, opts InsertOptions) ([]interface{}, error)

	// FindOne returns the first match or ErrNoDocuments.
	FindOne(ctx context.Context, filter bson.M, opts *FindOptions) (bson.M, error)

	Find(ctx context.Context, filter bson.M, opts *FindOptions) (Cursor, error)

	// UpdateOne applies update, either an operator document or a Pipeline,
	// to the first match.
	UpdateOne(ctx context.Context, filter bson.M, update interface{}, opts UpdateOptions) (UpdateResult, error)

	UpdateMany(ctx context.Context, filter bson.M, update interface{}, opts UpdateOptions) (UpdateResult, error)

	ReplaceOne(ctx context.Context, filter bson.M, doc bson.M, opts UpdateOptions) (UpdateResult, error)

	DeleteOne(ctx context.Context, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)

	// BulkWrite executes models in order. Failures surface as *BulkWriteError.
	BulkWrite(ctx context.Context, models []WriteModel, opts BulkWriteOptions) (BulkWriteResult, error)

	// Aggregate runs pipeline and returns a cursor over its output.
	Aggregate(ctx context.Context, pipeline Pipeline, opts *AggregateOptions) (Cursor, error)

	CountDocuments(ctx context.Context, filter bson.M) (int64, error)

	Indexes() IndexView

	// Stats returns storage statistics. A missing collection reports zeros.
	Stats(ctx context.Context) (CollectionStats, error)

	Drop(ctx context.Context) error
}

// Cursor iterates documents returned by Find or Aggregate.
type Cursor interface {
	// Next advances to the next document, returning false at the end or on
	// error; check Err afterwards.
	Next(ctx context.Context) bool

	// Current returns the document Next advanced to.
	Current() bson.M

	Err() error
	Close(ctx context.Context) error
}

// IndexView manages the secondary indexes of a collection.
type IndexView interface {
	List(ctx context.Context) ([]IndexSpec, error)

	// Create builds an index and returns its name. Creating an index that
	// already exists with the same definition is a no-op.
	Create(ctx context.Context, spec IndexSpec) (string, error)

	Drop(ctx context.Context, name string) error
}
