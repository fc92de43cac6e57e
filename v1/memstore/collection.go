package memstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
)

// Collection is a handle on one collection of a Client.
//
// Collection implements docstore.Collection.
type Collection struct {
	client *Client
	name   string
}

var _ docstore.Collection = (*Collection)(nil)

// Name implements docstore.Collection.
func (c *Collection) Name() string { return c.name }

// lock acquires the client lock and fails fast on a closed client or a
// canceled context.
func (c *Collection) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.client.mu.Lock()
	if c.client.closed {
		c.client.mu.Unlock()
		return docstore.ErrClosed
	}
	return nil
}

func (c *Collection) unlock() { c.client.mu.Unlock() }

func (c *Collection) observe(operation string, start time.Time, err error, size int64) {
	c.client.observeOperation(operation, c.name, "", time.Since(start), err, size)
}

// InsertOne implements docstore.Collection.
func (c *Collection) InsertOne(ctx context.Context, doc bson.M) (interface{}, error) {
	start := time.Now()
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	id, err := c.client.ensure(c.name).insert(doc)
	c.unlock()
	c.observe("insert_one", start, err, 1)
	return id, err
}

// InsertMany implements docstore.Collection.
func (c *Collection) InsertMany(ctx context.Context, docs []bson.M, opts docstore.InsertOptions) ([]interface{}, error) {
	models := make([]docstore.WriteModel, len(docs))
	for i, d := range docs {
		models[i] = docstore.InsertOneModel{Document: d}
	}
	start := time.Now()
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	ids, _, err := c.bulk(models, opts.Unordered)
	c.unlock()
	c.observe("insert_many", start, err, int64(len(docs)))
	return ids, err
}

// FindOne implements docstore.Collection.
func (c *Collection) FindOne(ctx context.Context, filter bson.M, opts *docstore.FindOptions) (bson.M, error) {
	o := docstore.FindOptions{Limit: 1}
	if opts != nil {
		o = *opts
		o.Limit = 1
	}
	docs, err := c.findDocs(ctx, filter, o)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, docstore.ErrNoDocuments
	}
	return docs[0], nil
}

// Find implements docstore.Collection.
func (c *Collection) Find(ctx context.Context, filter bson.M, opts *docstore.FindOptions) (docstore.Cursor, error) {
	var o docstore.FindOptions
	if opts != nil {
		o = *opts
	}
	docs, err := c.findDocs(ctx, filter, o)
	if err != nil {
		return nil, err
	}
	return docstore.NewSliceCursor(docs), nil
}

func (c *Collection) findDocs(ctx context.Context, filter bson.M, opts docstore.FindOptions) ([]bson.M, error) {
	start := time.Now()
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	state := c.client.collection(c.name)
	var out []bson.M
	for _, d := range state.docs {
		ok, err := matches(d, filter, nil)
		if err != nil {
			c.observe("find", start, err, 0)
			return nil, err
		}
		if ok {
			out = append(out, expr.DeepCopy(d))
		}
	}
	var err error
	if len(opts.Sort) > 0 {
		if out, err = sortDocs(out, opts.Sort); err != nil {
			return nil, err
		}
	}
	if opts.Skip > 0 {
		if opts.Skip >= int64(len(out)) {
			out = nil
		} else {
			out = out[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < int64(len(out)) {
		out = out[:opts.Limit]
	}
	if len(opts.Projection) > 0 {
		if out, err = projectDocs(out, opts.Projection, nil); err != nil {
			return nil, err
		}
	}
	c.observe("find", start, nil, int64(len(out)))
	return out, nil
}

// UpdateOne implements docstore.Collection.
func (c *Collection) UpdateOne(ctx context.Context, filter bson.M, update interface{}, opts docstore.UpdateOptions) (docstore.UpdateResult, error) {
	return c.writeOne(ctx, "update_one", docstore.UpdateOneModel{Filter: filter, Update: update, Upsert: opts.Upsert})
}

// UpdateMany implements docstore.Collection.
func (c *Collection) UpdateMany(ctx context.Context, filter bson.M, update interface{}, opts docstore.UpdateOptions) (docstore.UpdateResult, error) {
	return c.writeOne(ctx, "update_many", docstore.UpdateManyModel{Filter: filter, Update: update, Upsert: opts.Upsert})
}

// ReplaceOne implements docstore.Collection.
func (c *Collection) ReplaceOne(ctx context.Context, filter bson.M, doc bson.M, opts docstore.UpdateOptions) (docstore.UpdateResult, error) {
	return c.writeOne(ctx, "replace_one", docstore.ReplaceOneModel{Filter: filter, Replacement: doc, Upsert: opts.Upsert})
}

func (c *Collection) writeOne(ctx context.Context, operation string, model docstore.WriteModel) (docstore.UpdateResult, error) {
	start := time.Now()
	if err := c.lock(ctx); err != nil {
		return docstore.UpdateResult{}, err
	}
	res, err := c.apply(c.client.ensure(c.name), model)
	c.unlock()
	c.observe(operation, start, err, res.MatchedCount+res.UpsertedCount)

	out := docstore.UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
	}
	if res.UpsertedCount > 0 {
		out.UpsertedID = res.UpsertedIDs[0]
	}
	var bwe *docstore.BulkWriteError
	if errors.As(err, &bwe) {
		// Single writes report the store message without bulk framing.
		err = fmt.Errorf("%s: %w", bwe.Message, docstore.ErrDuplicateKey)
	}
	return out, err
}

// DeleteOne implements docstore.Collection.
func (c *Collection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	return c.deleteWhere(ctx, "delete_one", filter, 1)
}

// DeleteMany implements docstore.Collection.
func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	return c.deleteWhere(ctx, "delete_many", filter, 0)
}

func (c *Collection) deleteWhere(ctx context.Context, operation string, filter bson.M, limit int) (int64, error) {
	start := time.Now()
	if err := c.lock(ctx); err != nil {
		return 0, err
	}
	defer c.unlock()
	state := c.client.collection(c.name)
	idx, err := state.find(filter, limit)
	if err == nil {
		state.deleteAt(idx)
	}
	c.observe(operation, start, err, int64(len(idx)))
	return int64(len(idx)), err
}

// BulkWrite implements docstore.Collection.
func (c *Collection) BulkWrite(ctx context.Context, models []docstore.WriteModel, opts docstore.BulkWriteOptions) (docstore.BulkWriteResult, error) {
	start := time.Now()
	if err := c.lock(ctx); err != nil {
		return docstore.BulkWriteResult{}, err
	}
	_, res, err := c.bulk(models, opts.Unordered)
	c.unlock()
	c.observe("bulk_write", start, err, int64(len(models)))
	return res, err
}

// bulk executes models against the collection. Callers hold the lock.
func (c *Collection) bulk(models []docstore.WriteModel, unordered bool) ([]interface{}, docstore.BulkWriteResult, error) {
	state := c.client.ensure(c.name)
	total := docstore.BulkWriteResult{UpsertedIDs: map[int64]interface{}{}}
	var ids []interface{}
	var first *docstore.BulkWriteError
	failures := 0

	for i, m := range models {
		if ins, ok := m.(docstore.InsertOneModel); ok {
			id, err := state.insert(ins.Document)
			if err == nil {
				ids = append(ids, id)
				total.InsertedCount++
				continue
			}
			failures++
			if first == nil {
				first = asBulkError(err, i)
			}
			if !unordered {
				break
			}
			continue
		}

		res, err := c.apply(state, m)
		total.MatchedCount += res.MatchedCount
		total.ModifiedCount += res.ModifiedCount
		total.DeletedCount += res.DeletedCount
		total.UpsertedCount += res.UpsertedCount
		if id, ok := res.UpsertedIDs[0]; ok {
			total.UpsertedIDs[int64(i)] = id
		}
		if err != nil {
			failures++
			if first == nil {
				first = asBulkError(err, i)
			}
			if !unordered {
				break
			}
		}
	}
	if first != nil {
		first.Failures = failures
		return ids, total, first
	}
	return ids, total, nil
}

func asBulkError(err error, index int) *docstore.BulkWriteError {
	var bwe *docstore.BulkWriteError
	if errors.As(err, &bwe) {
		cp := *bwe
		cp.Index = index
		return &cp
	}
	return &docstore.BulkWriteError{Index: index, Message: err.Error(), Failures: 1, Cause: err}
}

// apply executes a single non-insert model. Callers hold the lock. The
// upserted id, if any, is reported under key 0.
func (c *Collection) apply(state *collState, model docstore.WriteModel) (docstore.BulkWriteResult, error) {
	res := docstore.BulkWriteResult{UpsertedIDs: map[int64]interface{}{}}
	switch m := model.(type) {
	case docstore.InsertOneModel:
		id, err := state.insert(m.Document)
		if err == nil {
			res.InsertedCount = 1
			res.UpsertedIDs[0] = id
		}
		return res, err
	case docstore.DeleteOneModel, docstore.DeleteManyModel:
		filter, limit := deleteArgs(m)
		idx, err := state.find(filter, limit)
		if err != nil {
			return res, err
		}
		state.deleteAt(idx)
		res.DeletedCount = int64(len(idx))
		return res, nil
	case docstore.ReplaceOneModel:
		return c.update(state, m.Filter, m.Upsert, 1, func(doc bson.M, inserting bool) (bson.M, error) {
			next := expr.DeepCopy(m.Replacement)
			if id, ok := doc["_id"]; ok {
				if nid, has := next["_id"]; has && !expr.Equal(nid, id) {
					return nil, fmt.Errorf("%w: the _id field is immutable", docstore.ErrUnsupported)
				}
				next["_id"] = id
			}
			return next, nil
		})
	case docstore.UpdateOneModel:
		return c.update(state, m.Filter, m.Upsert, 1, c.updater(m.Update))
	case docstore.UpdateManyModel:
		return c.update(state, m.Filter, m.Upsert, 0, c.updater(m.Update))
	}
	return res, fmt.Errorf("%w: write model %T", docstore.ErrUnsupported, model)
}

func deleteArgs(m docstore.WriteModel) (bson.M, int) {
	if d, ok := m.(docstore.DeleteOneModel); ok {
		return d.Filter, 1
	}
	return m.(docstore.DeleteManyModel).Filter, 0
}

func (c *Collection) updater(update interface{}) func(bson.M, bool) (bson.M, error) {
	return func(doc bson.M, inserting bool) (bson.M, error) {
		if err := c.client.applyUpdate(doc, update, inserting); err != nil {
			return nil, err
		}
		return doc, nil
	}
}

// update rewrites up to limit matches (all when 0) with fn, upserting
// when nothing matches.
func (c *Collection) update(state *collState, filter bson.M, upsert bool, limit int, fn func(bson.M, bool) (bson.M, error)) (docstore.BulkWriteResult, error) {
	res := docstore.BulkWriteResult{UpsertedIDs: map[int64]interface{}{}}
	idx, err := state.find(filter, limit)
	if err != nil {
		return res, err
	}
	if len(idx) == 0 {
		if !upsert {
			return res, nil
		}
		seed := equalityFields(filter)
		next, err := fn(seed, true)
		if err != nil {
			return res, err
		}
		id, err := state.insert(next)
		if err != nil {
			return res, err
		}
		res.UpsertedCount = 1
		res.UpsertedIDs[0] = id
		return res, nil
	}
	for _, i := range idx {
		prev := state.docs[i]
		next, err := fn(expr.DeepCopy(prev), false)
		if err != nil {
			return res, err
		}
		next = expr.NormalizeDoc(next)
		res.MatchedCount++
		if expr.Equal(prev, next) {
			continue
		}
		if err := state.replaceAt(i, next); err != nil {
			return res, err
		}
		res.ModifiedCount++
	}
	return res, nil
}

// Aggregate implements docstore.Collection. The pipeline runs eagerly;
// the returned cursor is over the materialized output.
func (c *Collection) Aggregate(ctx context.Context, pipeline docstore.Pipeline, opts *docstore.AggregateOptions) (docstore.Cursor, error) {
	start := time.Now()
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	src := c.client.collection(c.name).docs
	docs := make([]bson.M, len(src))
	for i, d := range src {
		docs[i] = expr.DeepCopy(d)
	}
	out, err := c.client.runStages(docs, pipeline, nil)
	c.client.observeOperation("aggregate", c.name, "", time.Since(start), err, int64(len(out)))
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", c.name, err)
	}
	return c.client.nextCursor(out), nil
}

// CountDocuments implements docstore.Collection.
func (c *Collection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	if err := c.lock(ctx); err != nil {
		return 0, err
	}
	defer c.unlock()
	idx, err := c.client.collection(c.name).find(filter, 0)
	return int64(len(idx)), err
}

// Indexes implements docstore.Collection.
func (c *Collection) Indexes() docstore.IndexView {
	return &indexView{coll: c}
}

// Stats implements docstore.Collection.
func (c *Collection) Stats(ctx context.Context) (docstore.CollectionStats, error) {
	if err := c.lock(ctx); err != nil {
		return docstore.CollectionStats{}, err
	}
	defer c.unlock()
	if _, ok := c.client.collections[c.name]; !ok {
		return docstore.CollectionStats{IndexSizes: map[string]int64{}}, nil
	}
	return c.client.collections[c.name].stats(), nil
}

// Drop implements docstore.Collection.
func (c *Collection) Drop(ctx context.Context) error {
	return c.client.DropCollection(ctx, c.name)
}

type indexView struct {
	coll *Collection
}

func (v *indexView) List(ctx context.Context) ([]docstore.IndexSpec, error) {
	if err := v.coll.lock(ctx); err != nil {
		return nil, err
	}
	defer v.coll.unlock()
	state, ok := v.coll.client.collections[v.coll.name]
	if !ok {
		return nil, nil
	}
	out := make([]docstore.IndexSpec, len(state.indexes))
	copy(out, state.indexes)
	return out, nil
}

func (v *indexView) Create(ctx context.Context, spec docstore.IndexSpec) (string, error) {
	start := time.Now()
	if err := v.coll.lock(ctx); err != nil {
		return "", err
	}
	defer v.coll.unlock()
	name, err := v.coll.client.ensure(v.coll.name).createIndex(spec)
	v.coll.client.observeOperation("create_index", v.coll.name, name, time.Since(start), err, 0)
	return name, err
}

func (v *indexView) Drop(ctx context.Context, name string) error {
	start := time.Now()
	if err := v.coll.lock(ctx); err != nil {
		return err
	}
	defer v.coll.unlock()
	state, ok := v.coll.client.collections[v.coll.name]
	if !ok {
		return fmt.Errorf("index %s not found: %w", name, docstore.ErrNoDocuments)
	}
	err := state.dropIndex(name)
	v.coll.client.observeOperation("drop_index", v.coll.name, name, time.Since(start), err, 0)
	return err
}
