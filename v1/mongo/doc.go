// Package mongo implements docstore.Client on MongoDB through the official
// v2 Go driver.
//
// Every engine collection (dataset registry, per-dataset sample and frame
// collections, runs) lives in one database. The adapter is thin: filters,
// updates and pipelines are passed to the server unchanged, documents are
// decoded as bson.M with nested documents as bson.M, and driver errors are
// translated into the docstore sentinels:
//
//   - mongo.ErrNoDocuments -> docstore.ErrNoDocuments
//   - duplicate key write errors -> docstore.ErrDuplicateKey
//   - bulk write exceptions -> *docstore.BulkWriteError
//   - server code 43 (CursorNotFound) -> docstore.ErrCursorNotFound
//
// Basic Usage:
//
//	client, err := mongo.NewClient(ctx, mongo.Config{
//		URI:      "mongodb://localhost:27017",
//		Database: "mediaset",
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close(ctx)
//
//	samples := client.Collection("samples.cats")
//	n, err := samples.CountDocuments(ctx, bson.M{"tags": "validation"})
//
// Storage statistics come from the $collStats stage. A collection that
// does not exist yet reports zero counts instead of an error.
package mongo
