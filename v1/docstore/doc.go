// Package docstore defines the document store contract the engine runs on.
//
// The engine never talks to a database driver directly. It depends on the
// Client, Collection, Cursor and IndexView interfaces declared here, which
// cover exactly the operations it needs:
//
//   - document CRUD with bulk insert/update/delete
//   - aggregation pipeline execution returning a cursor
//   - index create/drop/introspection
//   - collection-level storage statistics
//
// # Implementations
//
//   - mongo.Client: MongoDB through the official v2 driver
//   - memstore.Client: an in-process store for tests and small embedded use
//
// Both implementations translate their native failures into the sentinel
// errors of this package (ErrNoDocuments, ErrDuplicateKey,
// ErrCursorNotFound) and into *BulkWriteError, so callers can branch on
// errors.Is / errors.As without knowing which store they run on.
//
// # Documents and pipelines
//
// Documents are bson.M values. Pipelines are ordered lists of single-key
// bson.D stages:
//
//	pipeline := docstore.Pipeline{
//		docstore.Stage("$match", bson.M{"tags": "validation"}),
//		docstore.Stage("$sort", bson.D{{Key: "filepath", Value: 1}}),
//	}
//	cur, err := coll.Aggregate(ctx, pipeline, nil)
//
// # Cursor expiry
//
// Long iterations can outlive the server-side cursor. ResumableCursor
// re-issues the pipeline with a trailing $skip equal to the number of
// documents already consumed, so the caller sees every document exactly
// once and in order.
package docstore
