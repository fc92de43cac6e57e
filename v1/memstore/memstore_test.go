package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

func seed(t *testing.T, coll docstore.Collection, docs ...bson.M) {
	t.Helper()
	_, err := coll.InsertMany(context.Background(), docs, docstore.InsertOptions{})
	require.NoError(t, err)
}

func aggregate(t *testing.T, coll docstore.Collection, stages ...bson.D) []bson.M {
	t.Helper()
	out, err := docstore.AggregateAll(context.Background(), coll, docstore.Pipeline(stages))
	require.NoError(t, err)
	return out
}

func TestFindFilters(t *testing.T) {
	ctx := context.Background()
	coll := NewClient().Collection("samples")
	seed(t, coll,
		bson.M{"_id": 1, "tags": bson.A{"train", "cat"}, "score": 0.9, "gt": bson.M{"detections": bson.A{bson.M{"label": "cat"}}}},
		bson.M{"_id": 2, "tags": bson.A{"test"}, "score": 0.2, "gt": nil},
		bson.M{"_id": 3, "score": "high"},
	)

	tests := []struct {
		name   string
		filter bson.M
		want   []interface{}
	}{
		{"array contains", bson.M{"tags": "train"}, []interface{}{1}},
		{"null matches missing", bson.M{"gt": nil}, []interface{}{2, 3}},
		{"gt brackets by type", bson.M{"score": bson.M{"$gt": 0.5}}, []interface{}{1}},
		{"in", bson.M{"tags": bson.M{"$in": bson.A{"test", "val"}}}, []interface{}{2}},
		{"nin", bson.M{"tags": bson.M{"$nin": bson.A{"test"}}}, []interface{}{1, 3}},
		{"exists", bson.M{"tags": bson.M{"$exists": false}}, []interface{}{3}},
		{"dotted through array", bson.M{"gt.detections.label": "cat"}, []interface{}{1}},
		{"or", bson.M{"$or": bson.A{bson.M{"_id": 1}, bson.M{"_id": 3}}}, []interface{}{1, 3}},
		{"expr", bson.M{"$expr": bson.M{"$gt": bson.A{bson.M{"$size": bson.M{"$ifNull": bson.A{"$tags", bson.A{}}}}, 1}}}, []interface{}{1}},
		{"regex", bson.M{"score": bson.M{"$regex": "^hi"}}, []interface{}{3}},
		{"size", bson.M{"tags": bson.M{"$size": 1}}, []interface{}{2}},
		{"elemMatch", bson.M{"gt.detections": bson.M{"$elemMatch": bson.M{"label": "cat"}}}, []interface{}{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur, err := coll.Find(ctx, tt.filter, &docstore.FindOptions{Sort: bson.D{{Key: "_id", Value: 1}}})
			require.NoError(t, err)
			docs, err := docstore.All(ctx, cur)
			require.NoError(t, err)
			var ids []interface{}
			for _, d := range docs {
				ids = append(ids, d["_id"])
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestFindOptions(t *testing.T) {
	ctx := context.Background()
	coll := NewClient().Collection("samples")
	seed(t, coll, bson.M{"_id": 1, "n": 3, "x": "a"}, bson.M{"_id": 2, "n": 1, "x": "b"}, bson.M{"_id": 3, "n": 2, "x": "c"})

	doc, err := coll.FindOne(ctx, bson.M{}, &docstore.FindOptions{
		Sort:       bson.D{{Key: "n", Value: -1}},
		Skip:       1,
		Projection: bson.M{"n": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": 3, "n": 2}, doc)

	_, err = coll.FindOne(ctx, bson.M{"_id": 42}, nil)
	assert.True(t, docstore.IsNotFound(err))
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	coll := NewClient().Collection("samples")
	seed(t, coll, bson.M{"_id": 1, "meta": bson.M{"w": 10}})

	doc, err := coll.FindOne(ctx, bson.M{"_id": 1}, nil)
	require.NoError(t, err)
	doc["meta"].(bson.M)["w"] = 99

	again, err := coll.FindOne(ctx, bson.M{"_id": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, again["meta"].(bson.M)["w"])
}

func TestUpdateOperators(t *testing.T) {
	ctx := context.Background()
	coll := NewClient().Collection("samples")
	seed(t, coll, bson.M{"_id": 1, "tags": bson.A{"a"}, "n": 1, "old": "x"})

	res, err := coll.UpdateOne(ctx, bson.M{"_id": 1}, bson.M{
		"$set":      bson.M{"meta.size": 5},
		"$inc":      bson.M{"n": 2},
		"$addToSet": bson.M{"tags": bson.M{"$each": bson.A{"a", "b"}}},
		"$rename":   bson.M{"old": "new"},
	}, docstore.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.MatchedCount)
	assert.Equal(t, int64(1), res.ModifiedCount)

	doc, err := coll.FindOne(ctx, bson.M{"_id": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"size": 5}, doc["meta"])
	assert.EqualValues(t, 3, doc["n"])
	assert.Equal(t, bson.A{"a", "b"}, doc["tags"])
	assert.Equal(t, "x", doc["new"])
	assert.NotContains(t, doc, "old")

	res, err = coll.UpdateOne(ctx, bson.M{"_id": 1}, bson.M{"$pull": bson.M{"tags": "a"}}, docstore.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ModifiedCount)

	res, err = coll.UpdateOne(ctx, bson.M{"_id": 1}, bson.M{"$set": bson.M{"new": "x"}}, docstore.UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.ModifiedCount)
}

func TestUpdatePipelineAndUpsert(t *testing.T) {
	ctx := context.Background()
	coll := NewClient().Collection("samples")
	seed(t, coll, bson.M{"_id": 1, "a": 2}, bson.M{"_id": 2, "a": 5})

	_, err := coll.UpdateMany(ctx, bson.M{}, docstore.Pipeline{
		docstore.Stage("$set", bson.M{"b": bson.M{"$add": bson.A{"$a", 1}}}),
	}, docstore.UpdateOptions{})
	require.NoError(t, err)

	out := aggregate(t, coll, docstore.Stage("$sort", bson.D{{Key: "_id", Value: 1}}))
	assert.EqualValues(t, 3, out[0]["b"])
	assert.EqualValues(t, 6, out[1]["b"])

	res, err := coll.UpdateOne(ctx, bson.M{"name": "new"}, bson.M{"$setOnInsert": bson.M{"created": true}}, docstore.UpdateOptions{Upsert: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.UpsertedCount)
	require.NotNil(t, res.UpsertedID)

	doc, err := coll.FindOne(ctx, bson.M{"_id": res.UpsertedID}, nil)
	require.NoError(t, err)
	assert.Equal(t, "new", doc["name"])
	assert.Equal(t, true, doc["created"])
}

func TestUpdatePipelineKeepsUntouchedFields(t *testing.T) {
	ctx := context.Background()
	coll := NewClient().Collection("samples")
	seed(t, coll, bson.M{"_id": 1, "filepath": "/a.jpg", "score": 0.5, "tmp": true})

	_, err := coll.UpdateOne(ctx, bson.M{"_id": 1}, docstore.Pipeline{
		docstore.Stage("$set", bson.M{"score2": "$score"}),
		docstore.Stage("$unset", "tmp"),
	}, docstore.UpdateOptions{})
	require.NoError(t, err)

	doc, err := coll.FindOne(ctx, bson.M{"_id": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/a.jpg", doc["filepath"])
	assert.Equal(t, 0.5, doc["score"])
	assert.Equal(t, 0.5, doc["score2"])
	assert.NotContains(t, doc, "tmp")
}

func TestUniqueIndex(t *testing.T) {
	ctx := context.Background()
	coll := NewClient().Collection("samples")
	name, err := coll.Indexes().Create(ctx, docstore.IndexSpec{Keys: bson.D{{Key: "filepath", Value: 1}}, Unique: true})
	require.NoError(t, err)
	assert.Equal(t, "filepath_1", name)

	_, err = coll.InsertMany(ctx, []bson.M{
		{"filepath": "/a.jpg"},
		{"filepath": "/b.jpg"},
		{"filepath": "/a.jpg"},
		{"filepath": "/c.jpg"},
	}, docstore.InsertOptions{})
	require.Error(t, err)
	assert.True(t, docstore.IsDuplicateKey(err))

	bwe, ok := docstore.AsBulkWriteError(err)
	require.True(t, ok)
	assert.Equal(t, 2, bwe.Index)
	assert.Contains(t, bwe.Message, "E11000 duplicate key error")

	n, err := coll.CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = coll.UpdateOne(ctx, bson.M{"filepath": "/b.jpg"}, bson.M{"$set": bson.M{"filepath": "/a.jpg"}}, docstore.UpdateOptions{})
	assert.True(t, docstore.IsDuplicateKey(err))

	specs, err := coll.Indexes().List(ctx)
	require.NoError(t, err)
	assert.Len(t, specs, 2)

	require.NoError(t, coll.Indexes().Drop(ctx, "filepath_1"))
	_, err = coll.InsertOne(ctx, bson.M{"filepath": "/a.jpg"})
	assert.NoError(t, err)

	assert.Error(t, coll.Indexes().Drop(ctx, docstore.IDIndexName))
}

func TestBulkWriteUnordered(t *testing.T) {
	ctx := context.Background()
	coll := NewClient().Collection("samples")
	seed(t, coll, bson.M{"_id": 1, "n": 1})

	res, err := coll.BulkWrite(ctx, []docstore.WriteModel{
		docstore.InsertOneModel{Document: bson.M{"_id": 1}},
		docstore.UpdateOneModel{Filter: bson.M{"_id": 1}, Update: bson.M{"$set": bson.M{"n": 2}}},
		docstore.UpdateOneModel{Filter: bson.M{"_id": 7}, Update: bson.M{"$set": bson.M{"n": 7}}, Upsert: true},
		docstore.DeleteManyModel{Filter: bson.M{"n": 99}},
	}, docstore.BulkWriteOptions{Unordered: true})

	bwe, ok := docstore.AsBulkWriteError(err)
	require.True(t, ok)
	assert.Equal(t, 0, bwe.Index)
	assert.Equal(t, 1, bwe.Failures)
	assert.Equal(t, int64(1), res.ModifiedCount)
	assert.Equal(t, int64(1), res.UpsertedCount)
	assert.Equal(t, 7, res.UpsertedIDs[2])
}

func TestAggregateGroupAndFacet(t *testing.T) {
	coll := NewClient().Collection("samples")
	seed(t, coll,
		bson.M{"_id": 1, "tags": bson.A{"a", "b"}},
		bson.M{"_id": 2, "tags": bson.A{"a"}},
		bson.M{"_id": 3, "tags": bson.A{}},
	)

	out := aggregate(t, coll,
		docstore.Stage("$unwind", "$tags"),
		docstore.Stage("$sortByCount", "$tags"),
	)
	assert.Equal(t, []bson.M{{"_id": "a", "count": int64(2)}, {"_id": "b", "count": int64(1)}}, out)

	out = aggregate(t, coll, docstore.Stage("$facet", bson.M{
		"count": bson.A{bson.M{"$count": "n"}},
		"ids":   bson.A{bson.M{"$group": bson.M{"_id": nil, "ids": bson.M{"$push": "$_id"}}}},
	}))
	require.Len(t, out, 1)
	assert.Equal(t, bson.A{bson.M{"n": 3}}, out[0]["count"])
	assert.Equal(t, bson.A{bson.M{"_id": nil, "ids": bson.A{1, 2, 3}}}, out[0]["ids"])
}

func TestAggregateLookup(t *testing.T) {
	client := NewClient()
	samples := client.Collection("samples")
	frames := client.Collection("frames")
	seed(t, samples, bson.M{"_id": "s1"}, bson.M{"_id": "s2"})
	seed(t, frames,
		bson.M{"_id": 1, "_sample_id": "s1", "frame_number": 2},
		bson.M{"_id": 2, "_sample_id": "s1", "frame_number": 1},
		bson.M{"_id": 3, "_sample_id": "s2", "frame_number": 1},
	)

	out := aggregate(t, samples,
		docstore.Stage("$match", bson.M{"_id": "s1"}),
		docstore.Stage("$lookup", bson.M{
			"from": "frames",
			"let":  bson.M{"sid": "$_id"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{"$expr": bson.M{"$eq": bson.A{"$_sample_id", "$$sid"}}}},
				bson.M{"$sort": bson.M{"frame_number": 1}},
				bson.M{"$project": bson.M{"frame_number": 1, "_id": 0}},
			},
			"as": "frames",
		}),
	)
	require.Len(t, out, 1)
	assert.Equal(t, bson.A{bson.M{"frame_number": 1}, bson.M{"frame_number": 2}}, out[0]["frames"])

	out = aggregate(t, samples,
		docstore.Stage("$lookup", bson.M{"from": "frames", "localField": "_id", "foreignField": "_sample_id", "as": "f"}),
		docstore.Stage("$project", bson.M{"n": bson.M{"$size": "$f"}}),
		docstore.Stage("$sort", bson.M{"_id": 1}),
	)
	assert.Equal(t, []bson.M{{"_id": "s1", "n": 2}, {"_id": "s2", "n": 1}}, out)
}

func TestMergeStage(t *testing.T) {
	ctx := context.Background()
	client := NewClient()
	src := client.Collection("src")
	dst := client.Collection("dst")
	_, err := dst.Indexes().Create(ctx, docstore.IndexSpec{Keys: bson.D{{Key: "filepath", Value: 1}}, Unique: true})
	require.NoError(t, err)
	seed(t, dst, bson.M{"_id": 1, "filepath": "/a", "tags": bson.A{"x"}, "keep": true})
	seed(t, src, bson.M{"_id": 10, "filepath": "/a", "tags": bson.A{"y"}}, bson.M{"_id": 11, "filepath": "/b", "tags": bson.A{}})

	t.Run("pipeline whenMatched", func(t *testing.T) {
		aggregate(t, src,
			docstore.Stage("$project", bson.M{"_id": 0}),
			docstore.Stage("$merge", bson.M{
				"into": "dst",
				"on":   "filepath",
				"whenMatched": bson.A{bson.M{"$set": bson.M{
					"tags": bson.M{"$setUnion": bson.A{"$tags", "$$new.tags"}},
				}}},
				"whenNotMatched": "insert",
			}),
		)

		a, err := dst.FindOne(ctx, bson.M{"filepath": "/a"}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, a["_id"])
		assert.Equal(t, bson.A{"x", "y"}, a["tags"])
		assert.Equal(t, true, a["keep"])

		n, err := dst.CountDocuments(ctx, bson.M{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("requires unique index on key", func(t *testing.T) {
		_, err := src.Aggregate(ctx, docstore.Pipeline{
			docstore.Stage("$merge", bson.M{"into": "dst", "on": "tags"}),
		}, nil)
		assert.ErrorIs(t, err, docstore.ErrUnsupported)
	})

	t.Run("fail on match", func(t *testing.T) {
		_, err := src.Aggregate(ctx, docstore.Pipeline{
			docstore.Stage("$project", bson.M{"_id": 0}),
			docstore.Stage("$merge", bson.M{"into": "dst", "on": "filepath", "whenMatched": "fail"}),
		}, nil)
		assert.True(t, docstore.IsDuplicateKey(err))
	})

	t.Run("discard unmatched", func(t *testing.T) {
		seed(t, src, bson.M{"_id": 12, "filepath": "/c"})
		aggregate(t, src,
			docstore.Stage("$project", bson.M{"_id": 0}),
			docstore.Stage("$merge", bson.M{"into": "dst", "on": "filepath", "whenMatched": "keepExisting", "whenNotMatched": "discard"}),
		)
		_, err := dst.FindOne(ctx, bson.M{"filepath": "/c"}, nil)
		assert.True(t, docstore.IsNotFound(err))
	})
}

func TestOutKeepsIndexes(t *testing.T) {
	ctx := context.Background()
	client := NewClient()
	src := client.Collection("src")
	seed(t, src, bson.M{"_id": 1, "k": "a"}, bson.M{"_id": 2, "k": "b"})

	dst := client.Collection("dst")
	_, err := dst.Indexes().Create(ctx, docstore.IndexSpec{Keys: bson.D{{Key: "k", Value: 1}}, Unique: true})
	require.NoError(t, err)
	seed(t, dst, bson.M{"_id": 9, "k": "z"})

	aggregate(t, src, docstore.Stage("$out", "dst"))

	n, err := dst.CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	specs, err := dst.Indexes().List(ctx)
	require.NoError(t, err)
	assert.Len(t, specs, 2)
}

func TestCursorExpiryIsRecoverable(t *testing.T) {
	ctx := context.Background()
	client := NewClient()
	coll := client.Collection("samples")
	docs := make([]bson.M, 10000)
	for i := range docs {
		docs[i] = bson.M{"_id": i}
	}
	seed(t, coll, docs...)

	var restarts int
	obs := observability.ObserverFunc(func(op observability.OperationContext) {
		if op.Operation == "cursor_restart" {
			restarts++
		}
	})

	client.ExpireNextCursor(4000)
	cur, err := docstore.NewResumableCursor(ctx, coll,
		docstore.Pipeline{docstore.Stage("$sort", bson.D{{Key: "_id", Value: 1}})},
		docstore.ResumableOptions{Observer: obs})
	require.NoError(t, err)

	seen := 0
	for cur.Next(ctx) {
		require.Equal(t, seen, cur.Current()["_id"])
		seen++
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, 10000, seen)
	assert.Equal(t, 1, restarts)
}

func TestStatsAndClose(t *testing.T) {
	ctx := context.Background()
	client := NewClient()
	coll := client.Collection("samples")

	st, err := coll.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Count)

	seed(t, coll, bson.M{"_id": 1, "filepath": "/a"})
	st, err = coll.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Count)
	assert.Positive(t, st.Size)
	assert.Contains(t, st.IndexSizes, docstore.IDIndexName)

	names, err := client.ListCollectionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"samples"}, names)

	require.NoError(t, client.Close(ctx))
	assert.ErrorIs(t, client.Ping(ctx), docstore.ErrClosed)
}
