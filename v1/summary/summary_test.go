package summary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/memstore"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

func newTestRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	reg := dataset.NewRegistry(memstore.NewClient(), dataset.RegistryOptions{})
	require.NoError(t, reg.EnsureIndexes(context.Background()))
	return reg
}

func detections(dets ...bson.M) bson.M {
	list := bson.A{}
	for _, d := range dets {
		d[fields.ClassKey] = fields.Detection
		d["_id"] = bson.NewObjectID()
		list = append(list, d)
	}
	return bson.M{fields.ClassKey: fields.Detections, "detections": list}
}

func det(label string, confidence float64) bson.M {
	return bson.M{"label": label, "confidence": confidence}
}

// newAnimals holds two cats on /a.jpg, a dog on /b.jpg and nothing on
// /c.jpg.
func newAnimals(t *testing.T, reg *dataset.Registry, name string) *dataset.Dataset {
	t.Helper()
	ds, err := reg.Create(context.Background(), name, dataset.CreateOptions{})
	require.NoError(t, err)
	_, err = ds.AddSamples(context.Background(), []*dataset.Sample{
		dataset.NewSample("/a.jpg", bson.M{"score": 0.9, "gt": detections(det("cat", 0.8), det("cat", 0.4))}),
		dataset.NewSample("/b.jpg", bson.M{"score": 0.2, "gt": detections(det("dog", 0.6))}),
		dataset.NewSample("/c.jpg", bson.M{"score": 0.5}),
	}, dataset.DefaultAddOptions())
	require.NoError(t, err)
	return ds
}

func valueAt(t *testing.T, ds *dataset.Dataset, filepath, field string) interface{} {
	t.Helper()
	doc, err := ds.SampleCollection().FindOne(context.Background(), bson.M{fields.FieldFilepath: filepath}, nil)
	require.NoError(t, err)
	return doc[field]
}

func TestCreateCategorical(t *testing.T) {
	ctx := context.Background()
	ds := newAnimals(t, newTestRegistry(t), "animals")

	name, err := Create(ctx, ds, "gt.detections.label", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "gt_label", name)

	assert.Equal(t, bson.A{"cat"}, valueAt(t, ds, "/a.jpg", name))
	assert.Equal(t, bson.A{"dog"}, valueAt(t, ds, "/b.jpg", name))
	assert.Nil(t, valueAt(t, ds, "/c.jpg", name))

	f, err := Lookup(ds, name)
	require.NoError(t, err)
	assert.Equal(t, Categorical, f.Kind)
	assert.Equal(t, "gt.detections.label", f.Path)
	assert.True(t, f.ReadOnly)
	assert.False(t, f.LastRefreshedAt.IsZero())

	sf, ok := ds.GetFieldSchema(fields.FilterOptions{}).Field(name)
	require.True(t, ok)
	assert.Equal(t, fields.List, sf.Kind)
	assert.True(t, sf.ReadOnly)

	indexes, err := ListIndexes(ctx, ds)
	require.NoError(t, err)
	assert.Contains(t, indexes, "gt_label_1")

	_, err = Create(ctx, ds, "gt.detections.label", DefaultOptions())
	assert.ErrorIs(t, err, dataset.ErrNameConflict)
}

func TestCreateWithCounts(t *testing.T) {
	ctx := context.Background()
	ds := newAnimals(t, newTestRegistry(t), "animals")

	name, err := Create(ctx, ds, "gt.detections.label", Options{FieldName: "label_counts", IncludeCounts: true})
	require.NoError(t, err)

	got, ok := expr.AsArray(valueAt(t, ds, "/a.jpg", name))
	require.True(t, ok)
	require.Len(t, got, 1)
	el, ok := expr.AsDoc(got[0])
	require.True(t, ok)
	assert.Equal(t, "cat", el["label"])
	assert.EqualValues(t, 2, el["count"])

	f, err := Lookup(ds, name)
	require.NoError(t, err)
	assert.True(t, f.IncludeCounts)
	assert.False(t, f.ReadOnly)

	indexes, err := ListIndexes(ctx, ds)
	require.NoError(t, err)
	assert.NotContains(t, indexes, "label_counts.label_1")
}

func TestCreateNumeric(t *testing.T) {
	ctx := context.Background()
	ds := newAnimals(t, newTestRegistry(t), "animals")

	name, err := Create(ctx, ds, "gt.detections.confidence", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "gt_confidence", name)

	rng, ok := expr.AsDoc(valueAt(t, ds, "/a.jpg", name))
	require.True(t, ok)
	assert.Equal(t, 0.4, rng["min"])
	assert.Equal(t, 0.8, rng["max"])

	indexes, err := ListIndexes(ctx, ds)
	require.NoError(t, err)
	assert.Contains(t, indexes, "gt_confidence.min_1")
	assert.Contains(t, indexes, "gt_confidence.max_1")

	grouped, err := Create(ctx, ds, "gt.detections.confidence", Options{FieldName: "by_label", GroupBy: "label"})
	require.NoError(t, err)
	got, ok := expr.AsArray(valueAt(t, ds, "/b.jpg", grouped))
	require.True(t, ok)
	require.Len(t, got, 1)
	el, _ := expr.AsDoc(got[0])
	assert.Equal(t, "dog", el["label"])
	assert.Equal(t, 0.6, el["min"])
	assert.Equal(t, 0.6, el["max"])

	_, err = Create(ctx, ds, "gt.detections.label", Options{FieldName: "bad", GroupBy: "label"})
	assert.ErrorIs(t, err, dataset.ErrInvalidArgument)
}

func TestCreateRejectsUnsupportedSources(t *testing.T) {
	ctx := context.Background()
	ds := newAnimals(t, newTestRegistry(t), "animals")

	_, err := Create(ctx, ds, "gt", DefaultOptions())
	assert.ErrorIs(t, err, ErrUnsupportedSource)

	_, err = Create(ctx, ds, "nope.label", DefaultOptions())
	assert.ErrorIs(t, err, dataset.ErrNotFound)

	_, err = Create(ctx, ds, "score", Options{FieldName: "a.b"})
	assert.ErrorIs(t, err, dataset.ErrInvalidArgument)
}

func TestCreateFromFrames(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	ds, err := reg.Create(ctx, "videos", dataset.CreateOptions{})
	require.NoError(t, err)
	s := dataset.NewSample("/v.mp4", nil)
	s.SetFrame(1, bson.M{"quality": 0.3})
	s.SetFrame(2, bson.M{"quality": 0.7})
	_, err = ds.AddSamples(ctx, []*dataset.Sample{s, dataset.NewSample("/empty.mp4", nil)}, dataset.DefaultAddOptions())
	require.NoError(t, err)

	name, err := Create(ctx, ds, "frames.quality", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "frames_quality", name)

	rng, ok := expr.AsDoc(valueAt(t, ds, "/v.mp4", name))
	require.True(t, ok)
	assert.Equal(t, 0.3, rng["min"])
	assert.Equal(t, 0.7, rng["max"])
	assert.Nil(t, valueAt(t, ds, "/empty.mp4", name))
}

func TestCheckAndUpdate(t *testing.T) {
	ctx := context.Background()
	ds := newAnimals(t, newTestRegistry(t), "animals")
	name, err := Create(ctx, ds, "gt.detections.label", DefaultOptions())
	require.NoError(t, err)

	stale, err := Check(ctx, ds)
	require.NoError(t, err)
	assert.Empty(t, stale)

	time.Sleep(5 * time.Millisecond)
	it, err := view.New(ds).First(ctx)
	require.NoError(t, err)
	it.Set("gt", detections(det("bird", 0.5)))
	require.NoError(t, it.Save(ctx))

	stale, err = Check(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, stale)

	require.NoError(t, Update(ctx, ds, name))
	assert.Equal(t, bson.A{"bird"}, valueAt(t, ds, it.Filepath(), name))
	stale, err = Check(ctx, ds)
	require.NoError(t, err)
	assert.Empty(t, stale)

	assert.True(t, IsNotSummary(Update(ctx, ds, "score")))
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	ds := newAnimals(t, newTestRegistry(t), "animals")
	labels, err := Create(ctx, ds, "gt.detections.label", DefaultOptions())
	require.NoError(t, err)
	scores, err := Create(ctx, ds, "gt.detections.confidence", DefaultOptions())
	require.NoError(t, err)

	var names []string
	for _, f := range List(ds) {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{labels, scores}, names)

	err = ds.DeleteSampleFields(ctx, labels)
	assert.ErrorIs(t, err, dataset.ErrReadOnly)

	require.NoError(t, Delete(ctx, ds, labels))
	_, declared := ds.GetFieldSchema(fields.FilterOptions{}).Field(labels)
	assert.False(t, declared)
	assert.Nil(t, valueAt(t, ds, "/a.jpg", labels))
	indexes, err := ListIndexes(ctx, ds)
	require.NoError(t, err)
	assert.NotContains(t, indexes, "gt_label_1")
	assert.Len(t, List(ds), 1)

	assert.True(t, IsNotSummary(Delete(ctx, ds, "score")))
}

func TestIndexes(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	ds := newAnimals(t, reg, "animals")

	name, err := CreateIndex(ctx, ds, bson.D{{Key: "gt.detections.label", Value: 1}}, false)
	require.NoError(t, err)
	assert.Equal(t, "gt.detections.label_1", name)

	name, err = CreateIndex(ctx, ds, bson.D{{Key: "id", Value: 1}, {Key: "score", Value: -1}}, true)
	require.NoError(t, err)
	assert.Equal(t, "_id_1_score_-1", name)

	_, err = CreateIndex(ctx, ds, bson.D{{Key: "missing", Value: 1}}, false)
	assert.ErrorIs(t, err, dataset.ErrNotFound)

	info, err := IndexInformation(ctx, ds)
	require.NoError(t, err)
	require.Contains(t, info, "_id_1_score_-1")
	assert.True(t, info["_id_1_score_-1"].Unique)
	assert.GreaterOrEqual(t, info["_id_"].Size, int64(0))

	assert.ErrorIs(t, DropIndex(ctx, ds, "_id_"), ErrDefaultIndex)
	require.NoError(t, DropIndex(ctx, ds, "_id_1_score_-1"))
	indexes, err := ListIndexes(ctx, ds)
	require.NoError(t, err)
	assert.NotContains(t, indexes, "_id_1_score_-1")
}

func TestFrameIndexes(t *testing.T) {
	ctx := context.Background()
	ds, err := newTestRegistry(t).Create(ctx, "videos", dataset.CreateOptions{})
	require.NoError(t, err)
	s := dataset.NewSample("/v.mp4", nil)
	s.SetFrame(1, bson.M{"quality": 0.3})
	_, err = ds.AddSample(ctx, s, dataset.DefaultAddOptions())
	require.NoError(t, err)

	name, err := CreateIndex(ctx, ds, bson.D{{Key: "frames.quality", Value: 1}}, false)
	require.NoError(t, err)
	assert.Equal(t, "frames.quality_1", name)

	_, err = CreateIndex(ctx, ds, bson.D{{Key: "frames.quality", Value: 1}, {Key: "filepath", Value: 1}}, false)
	assert.ErrorIs(t, err, dataset.ErrInvalidArgument)

	assert.ErrorIs(t, DropIndex(ctx, ds, "frames._sample_id_1_frame_number_1"), ErrDefaultIndex)
	require.NoError(t, DropIndex(ctx, ds, name))
}

func TestCloneIndexes(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	src := newAnimals(t, reg, "src")
	_, err := CreateIndex(ctx, src, bson.D{{Key: "score", Value: 1}}, false)
	require.NoError(t, err)
	_, err = CreateIndex(ctx, src, bson.D{{Key: "gt.detections.label", Value: 1}}, false)
	require.NoError(t, err)

	dst, err := reg.Create(ctx, "dst", dataset.CreateOptions{})
	require.NoError(t, err)
	_, err = dst.AddSampleField(ctx, "rank", fields.NewField("rank", fields.Float))
	require.NoError(t, err)
	for _, name := range []string{"created_at_1", "last_modified_at_1"} {
		require.NoError(t, DropIndex(ctx, dst, name))
	}

	require.NoError(t, CloneIndexes(ctx, src, dst, CloneOptions{
		FieldMap: map[string]string{"score": "rank"},
		Restrict: []string{"score_1", "gt.detections.label_1"},
	}))

	indexes, err := ListIndexes(ctx, dst)
	require.NoError(t, err)
	assert.Contains(t, indexes, "rank_1")
	assert.Contains(t, indexes, "created_at_1")
	assert.Contains(t, indexes, "last_modified_at_1")
	assert.NotContains(t, indexes, "gt.detections.label_1")
}

func TestCloneView(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	src := newAnimals(t, reg, "src")
	_, err := CreateIndex(ctx, src, bson.D{{Key: "score", Value: 1}}, false)
	require.NoError(t, err)

	v := view.New(src).MustAdd(view.NewMatch(bson.M{"score": bson.M{"$gt": 0.4}}))
	dst, err := CloneView(ctx, v, "copy", CloneOptions{FieldMap: map[string]string{"score": "rank"}})
	require.NoError(t, err)

	n, err := dst.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0.9, valueAt(t, dst, "/a.jpg", "rank"))

	indexes, err := ListIndexes(ctx, dst)
	require.NoError(t, err)
	assert.Contains(t, indexes, "rank_1")
	assert.NotContains(t, indexes, "score_1")

	_, err = CloneView(ctx, v, "copy", CloneOptions{})
	assert.ErrorIs(t, err, dataset.ErrNameConflict)
}
