package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

// Collection implements docstore.Collection on a driver collection.
type Collection struct {
	client *Client
	coll   *mongo.Collection
}

var _ docstore.Collection = (*Collection)(nil)

// Name implements docstore.Collection.
func (c *Collection) Name() string { return c.coll.Name() }

func (c *Collection) observe(operation string, start time.Time, err error, size int64) {
	c.client.observeOperation(operation, c.coll.Name(), "", time.Since(start), err, size)
}

// InsertOne implements docstore.Collection.
func (c *Collection) InsertOne(ctx context.Context, doc bson.M) (interface{}, error) {
	start := time.Now()
	res, err := c.coll.InsertOne(ctx, doc)
	err = translateError(err)
	c.observe("insert_one", start, err, 1)
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

// InsertMany implements docstore.Collection.
func (c *Collection) InsertMany(ctx context.Context, docs []bson.M, opts docstore.InsertOptions) ([]interface{}, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	start := time.Now()
	res, err := c.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(!opts.Unordered))
	err = translateError(err)
	c.observe("insert_many", start, err, int64(len(docs)))
	if res == nil {
		return nil, err
	}
	return res.InsertedIDs, err
}

// FindOne implements docstore.Collection.
func (c *Collection) FindOne(ctx context.Context, filter bson.M, opts *docstore.FindOptions) (bson.M, error) {
	start := time.Now()
	o := options.FindOne()
	if opts != nil {
		if len(opts.Sort) > 0 {
			o.SetSort(opts.Sort)
		}
		if opts.Skip > 0 {
			o.SetSkip(opts.Skip)
		}
		if len(opts.Projection) > 0 {
			o.SetProjection(opts.Projection)
		}
	}
	var doc bson.M
	err := translateError(c.coll.FindOne(ctx, nonNil(filter), o).Decode(&doc))
	c.observe("find_one", start, err, 1)
	if err != nil {
		return nil, err
	}
	return expr.NormalizeDoc(doc), nil
}

// Find implements docstore.Collection.
func (c *Collection) Find(ctx context.Context, filter bson.M, opts *docstore.FindOptions) (docstore.Cursor, error) {
	start := time.Now()
	o := options.Find()
	if opts != nil {
		if len(opts.Sort) > 0 {
			o.SetSort(opts.Sort)
		}
		if opts.Skip > 0 {
			o.SetSkip(opts.Skip)
		}
		if opts.Limit > 0 {
			o.SetLimit(opts.Limit)
		}
		if len(opts.Projection) > 0 {
			o.SetProjection(opts.Projection)
		}
	}
	cur, err := c.coll.Find(ctx, nonNil(filter), o)
	err = translateError(err)
	c.observe("find", start, err, 0)
	if err != nil {
		return nil, err
	}
	return &cursor{cur: cur}, nil
}

// UpdateOne implements docstore.Collection.
func (c *Collection) UpdateOne(ctx context.Context, filter bson.M, update interface{}, opts docstore.UpdateOptions) (docstore.UpdateResult, error) {
	start := time.Now()
	res, err := c.coll.UpdateOne(ctx, nonNil(filter), updateDoc(update), options.UpdateOne().SetUpsert(opts.Upsert))
	err = translateError(err)
	c.observe("update_one", start, err, 1)
	return updateResult(res), err
}

// UpdateMany implements docstore.Collection.
func (c *Collection) UpdateMany(ctx context.Context, filter bson.M, update interface{}, opts docstore.UpdateOptions) (docstore.UpdateResult, error) {
	start := time.Now()
	res, err := c.coll.UpdateMany(ctx, nonNil(filter), updateDoc(update), options.UpdateMany().SetUpsert(opts.Upsert))
	err = translateError(err)
	out := updateResult(res)
	c.observe("update_many", start, err, out.MatchedCount)
	return out, err
}

// ReplaceOne implements docstore.Collection.
func (c *Collection) ReplaceOne(ctx context.Context, filter bson.M, doc bson.M, opts docstore.UpdateOptions) (docstore.UpdateResult, error) {
	start := time.Now()
	res, err := c.coll.ReplaceOne(ctx, nonNil(filter), doc, options.Replace().SetUpsert(opts.Upsert))
	err = translateError(err)
	c.observe("replace_one", start, err, 1)
	return updateResult(res), err
}

// DeleteOne implements docstore.Collection.
func (c *Collection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	start := time.Now()
	res, err := c.coll.DeleteOne(ctx, nonNil(filter))
	err = translateError(err)
	c.observe("delete_one", start, err, 1)
	if res == nil {
		return 0, err
	}
	return res.DeletedCount, err
}

// DeleteMany implements docstore.Collection.
func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	start := time.Now()
	res, err := c.coll.DeleteMany(ctx, nonNil(filter))
	err = translateError(err)
	if res == nil {
		c.observe("delete_many", start, err, 0)
		return 0, err
	}
	c.observe("delete_many", start, err, res.DeletedCount)
	return res.DeletedCount, err
}

// BulkWrite implements docstore.Collection.
func (c *Collection) BulkWrite(ctx context.Context, models []docstore.WriteModel, opts docstore.BulkWriteOptions) (docstore.BulkWriteResult, error) {
	if len(models) == 0 {
		return docstore.BulkWriteResult{}, nil
	}
	start := time.Now()
	native := make([]mongo.WriteModel, len(models))
	for i, m := range models {
		wm, err := writeModel(m)
		if err != nil {
			return docstore.BulkWriteResult{}, err
		}
		native[i] = wm
	}
	res, err := c.coll.BulkWrite(ctx, native, options.BulkWrite().SetOrdered(!opts.Unordered))
	err = translateError(err)
	c.observe("bulk_write", start, err, int64(len(models)))

	var out docstore.BulkWriteResult
	if res != nil {
		out = docstore.BulkWriteResult{
			InsertedCount: res.InsertedCount,
			MatchedCount:  res.MatchedCount,
			ModifiedCount: res.ModifiedCount,
			DeletedCount:  res.DeletedCount,
			UpsertedCount: res.UpsertedCount,
			UpsertedIDs:   res.UpsertedIDs,
		}
	}
	return out, err
}

// Aggregate implements docstore.Collection.
func (c *Collection) Aggregate(ctx context.Context, pipeline docstore.Pipeline, opts *docstore.AggregateOptions) (docstore.Cursor, error) {
	start := time.Now()
	o := options.Aggregate()
	if opts != nil {
		if opts.AllowDiskUse {
			o.SetAllowDiskUse(true)
		}
		if opts.BatchSize > 0 {
			o.SetBatchSize(opts.BatchSize)
		}
	}
	if pipeline == nil {
		pipeline = docstore.Pipeline{}
	}
	cur, err := c.coll.Aggregate(ctx, mongo.Pipeline(pipeline), o)
	err = translateError(err)
	c.client.observeOperation("aggregate", c.coll.Name(), "", time.Since(start), err, int64(len(pipeline)))
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", c.coll.Name(), err)
	}
	return &cursor{cur: cur}, nil
}

// CountDocuments implements docstore.Collection.
func (c *Collection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	start := time.Now()
	n, err := c.coll.CountDocuments(ctx, nonNil(filter))
	err = translateError(err)
	c.observe("count", start, err, n)
	return n, err
}

// Indexes implements docstore.Collection.
func (c *Collection) Indexes() docstore.IndexView {
	return &indexView{coll: c}
}

// Stats implements docstore.Collection using $collStats.
func (c *Collection) Stats(ctx context.Context) (docstore.CollectionStats, error) {
	empty := docstore.CollectionStats{IndexSizes: map[string]int64{}}
	cur, err := c.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$collStats", Value: bson.M{"storageStats": bson.M{}}}},
	})
	if err != nil {
		if hasCode(err, codeNamespaceNotFound) {
			return empty, nil
		}
		return empty, translateError(err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil && !hasCode(err, codeNamespaceNotFound) {
			return empty, translateError(err)
		}
		return empty, nil
	}
	var raw bson.M
	if err := cur.Decode(&raw); err != nil {
		return empty, err
	}
	storage, _ := expr.AsDoc(raw["storageStats"])
	st := empty
	st.Count, _ = expr.AsInt64(storage["count"])
	st.Size, _ = expr.AsInt64(storage["size"])
	st.StorageSize, _ = expr.AsInt64(storage["storageSize"])
	st.TotalIndexSize, _ = expr.AsInt64(storage["totalIndexSize"])
	if sizes, ok := expr.AsDoc(storage["indexSizes"]); ok {
		for name, v := range sizes {
			st.IndexSizes[name], _ = expr.AsInt64(v)
		}
	}
	return st, nil
}

// Drop implements docstore.Collection.
func (c *Collection) Drop(ctx context.Context) error {
	return c.client.DropCollection(ctx, c.coll.Name())
}

type indexView struct {
	coll *Collection
}

type indexDoc struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Unique bool   `bson:"unique,omitempty"`
	Sparse bool   `bson:"sparse,omitempty"`
}

func (v *indexView) List(ctx context.Context) ([]docstore.IndexSpec, error) {
	cur, err := v.coll.coll.Indexes().List(ctx)
	if err != nil {
		if hasCode(err, codeNamespaceNotFound) {
			return nil, nil
		}
		return nil, translateError(err)
	}
	defer cur.Close(ctx)

	var out []docstore.IndexSpec
	for cur.Next(ctx) {
		var d indexDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, docstore.IndexSpec{Name: d.Name, Keys: d.Key, Unique: d.Unique, Sparse: d.Sparse})
	}
	return out, translateError(cur.Err())
}

func (v *indexView) Create(ctx context.Context, spec docstore.IndexSpec) (string, error) {
	start := time.Now()
	if spec.Name == "" {
		spec.Name = docstore.IndexName(spec.Keys)
	}
	o := options.Index().SetName(spec.Name)
	if spec.Unique {
		o.SetUnique(true)
	}
	if spec.Sparse {
		o.SetSparse(true)
	}
	name, err := v.coll.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: spec.Keys, Options: o})
	err = translateError(err)
	v.coll.client.observeOperation("create_index", v.coll.coll.Name(), spec.Name, time.Since(start), err, 0)
	return name, err
}

func (v *indexView) Drop(ctx context.Context, name string) error {
	start := time.Now()
	err := v.coll.coll.Indexes().DropOne(ctx, name)
	if hasCode(err, codeIndexNotFound) || hasCode(err, codeNamespaceNotFound) {
		err = fmt.Errorf("index %s not found: %w", name, docstore.ErrNoDocuments)
	} else {
		err = translateError(err)
	}
	v.coll.client.observeOperation("drop_index", v.coll.coll.Name(), name, time.Since(start), err, 0)
	return err
}

// cursor adapts *mongo.Cursor to docstore.Cursor.
type cursor struct {
	cur     *mongo.Cursor
	current bson.M
	err     error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.cur.Next(ctx) {
		return false
	}
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		c.err = err
		return false
	}
	c.current = expr.NormalizeDoc(doc)
	return true
}

func (c *cursor) Current() bson.M { return c.current }

func (c *cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return translateError(c.cur.Err())
}

func (c *cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func nonNil(filter bson.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return filter
}

// updateDoc converts pipelines to the driver's pipeline type; operator
// documents pass through.
func updateDoc(update interface{}) interface{} {
	if p, ok := update.(docstore.Pipeline); ok {
		return mongo.Pipeline(p)
	}
	return update
}

func updateResult(res *mongo.UpdateResult) docstore.UpdateResult {
	if res == nil {
		return docstore.UpdateResult{}
	}
	return docstore.UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}
}

func writeModel(m docstore.WriteModel) (mongo.WriteModel, error) {
	switch t := m.(type) {
	case docstore.InsertOneModel:
		return mongo.NewInsertOneModel().SetDocument(t.Document), nil
	case docstore.UpdateOneModel:
		return mongo.NewUpdateOneModel().SetFilter(nonNil(t.Filter)).SetUpdate(updateDoc(t.Update)).SetUpsert(t.Upsert), nil
	case docstore.UpdateManyModel:
		return mongo.NewUpdateManyModel().SetFilter(nonNil(t.Filter)).SetUpdate(updateDoc(t.Update)).SetUpsert(t.Upsert), nil
	case docstore.ReplaceOneModel:
		return mongo.NewReplaceOneModel().SetFilter(nonNil(t.Filter)).SetReplacement(t.Replacement).SetUpsert(t.Upsert), nil
	case docstore.DeleteOneModel:
		return mongo.NewDeleteOneModel().SetFilter(nonNil(t.Filter)), nil
	case docstore.DeleteManyModel:
		return mongo.NewDeleteManyModel().SetFilter(nonNil(t.Filter)), nil
	}
	return nil, fmt.Errorf("%w: write model %T", docstore.ErrUnsupported, m)
}
