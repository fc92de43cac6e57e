// Package memstore is an in-process implementation of docstore.Client.
//
// It evaluates the query, update and aggregation language the engine
// emits, including $lookup, $group, $facet, $merge and $out, against
// documents held in memory. Unique indexes are enforced, so $merge and
// bulk inserts fail exactly where a server would.
//
// Basic Usage:
//
//	store := memstore.NewClient()
//	coll := store.Collection("samples.cats")
//	_, err := coll.InsertOne(ctx, bson.M{"filepath": "/data/a.jpg"})
//
// Collections share a single lock. Aggregations run eagerly and return a
// cursor over the materialized result. ExpireNextCursor makes the next
// cursor fail with docstore.ErrCursorNotFound, which is how cursor
// recovery is exercised in tests.
package memstore
