package merge

import (
	"context"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
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

func newTestDataset(t *testing.T, reg *dataset.Registry, name string) *dataset.Dataset {
	t.Helper()
	ds, err := reg.Create(context.Background(), name, dataset.CreateOptions{})
	require.NoError(t, err)
	return ds
}

type label struct {
	id   bson.ObjectID
	name string
}

func detections(labels ...label) bson.M {
	dets := bson.A{}
	for _, l := range labels {
		dets = append(dets, bson.M{fields.ClassKey: fields.Detection, "_id": l.id, "label": l.name})
	}
	return bson.M{fields.ClassKey: fields.Detections, "detections": dets}
}

func labelNames(t *testing.T, v interface{}) []string {
	t.Helper()
	doc, ok := expr.AsDoc(v)
	require.True(t, ok, "not a label document: %v", v)
	list, ok := expr.AsArray(doc["detections"])
	require.True(t, ok)
	out := make([]string, len(list))
	for i, el := range list {
		d, ok := expr.AsDoc(el)
		require.True(t, ok)
		out[i], _ = d["label"].(string)
	}
	return out
}

func addSamples(t *testing.T, ds *dataset.Dataset, samples ...*dataset.Sample) {
	t.Helper()
	_, err := ds.AddSamples(context.Background(), samples, dataset.DefaultAddOptions())
	require.NoError(t, err)
}

func sampleAt(t *testing.T, ds *dataset.Dataset, filepath string) *dataset.Sample {
	t.Helper()
	ctx := context.Background()
	doc, err := ds.SampleCollection().FindOne(ctx, bson.M{fields.FieldFilepath: filepath}, nil)
	require.NoError(t, err, "no sample %s in %s", filepath, ds.Name())
	id, ok := doc["_id"].(bson.ObjectID)
	require.True(t, ok)
	s, err := ds.GetSample(ctx, id)
	require.NoError(t, err)
	return s
}

func countOf(t *testing.T, coll docstore.Collection, filter bson.M) int64 {
	t.Helper()
	n, err := coll.CountDocuments(context.Background(), filter)
	require.NoError(t, err)
	return n
}

func TestApplyLabelLists(t *testing.T) {
	id1, id2, id3 := bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID()
	schema := fields.NewSchema(fields.EmbeddedOf("gt", fields.Detections))
	existing := bson.M{"gt": detections(label{id1, "a"}, label{id2, "b"})}
	incoming := bson.M{"gt": detections(label{id2, "c"}, label{id3, "d"})}

	tests := []struct {
		name      string
		overwrite bool
		want      []string
	}{
		{"overwrite replaces matching labels", true, []string{"a", "c", "d"}},
		{"keep existing labels", false, []string{"a", "b", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exprs := BuildExpressions(schema, []string{"gt"}, Policy{Overwrite: tt.overwrite, MergeLists: true})
			once, err := Apply(exprs, existing, incoming)
			require.NoError(t, err)
			assert.Equal(t, tt.want, labelNames(t, once["gt"]))

			twice, err := Apply(exprs, once, incoming)
			require.NoError(t, err)
			assert.Equal(t, tt.want, labelNames(t, twice["gt"]))
		})
	}
}

func TestApplyValuesAndLists(t *testing.T) {
	schema := fields.NewSchema(
		fields.NewField("score", fields.Float),
		fields.ListOf("tags", fields.NewField("", fields.String)),
		fields.NewField("note", fields.String),
	)
	names := []string{"score", "tags", "note"}
	existing := bson.M{"score": 0.9, "tags": bson.A{"train", "a"}}
	incoming := bson.M{"score": 0.1, "tags": bson.A{"a", "val"}, "note": "new"}

	exprs := BuildExpressions(schema, names, Policy{Overwrite: true, MergeLists: true})
	out, err := Apply(exprs, existing, incoming)
	require.NoError(t, err)
	assert.Equal(t, 0.1, out["score"])
	assert.Equal(t, bson.A{"train", "a", "val"}, out["tags"])
	assert.Equal(t, "new", out["note"])

	exprs = BuildExpressions(schema, names, Policy{})
	out, err = Apply(exprs, existing, incoming)
	require.NoError(t, err)
	assert.Equal(t, 0.9, out["score"])
	assert.Equal(t, bson.A{"train", "a"}, out["tags"])
	assert.Equal(t, "new", out["note"], "missing values are filled")

	_, present := existing["note"]
	assert.False(t, present, "existing document is not modified")
}

func TestApplyEmbeddedDocs(t *testing.T) {
	info := fields.EmbeddedOf("info", "Info",
		fields.NewField("author", fields.String),
		fields.NewField("year", fields.Int),
	)
	schema := fields.NewSchema(info)
	existing := bson.M{"info": bson.M{fields.ClassKey: "Info", "author": "ann", "year": 2020}}
	incoming := bson.M{"info": bson.M{fields.ClassKey: "Info", "year": 2024}}

	exprs := BuildExpressions(schema, []string{"info"}, Policy{Overwrite: true, MergeEmbeddedDocs: true})
	out, err := Apply(exprs, existing, incoming)
	require.NoError(t, err)
	doc, ok := expr.AsDoc(out["info"])
	require.True(t, ok)
	assert.Equal(t, "ann", doc["author"])
	assert.EqualValues(t, 2024, doc["year"])

	exprs = BuildExpressions(schema, []string{"info"}, Policy{Overwrite: true})
	out, err = Apply(exprs, existing, incoming)
	require.NoError(t, err)
	doc, _ = expr.AsDoc(out["info"])
	assert.NotContains(t, doc, "author", "whole documents are replaced")
}

func TestDatasetsPipelineMerge(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dst := newTestDataset(t, reg, "dst")
	src := newTestDataset(t, reg, "src")

	id1, id2, id3 := bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID()
	addSamples(t, dst,
		dataset.NewSample("/a.jpg", bson.M{"score": 0.9, "gt": detections(label{id1, "cat"}, label{id2, "dog"}), "tags": bson.A{"train"}}),
		dataset.NewSample("/b.jpg", bson.M{"score": 0.2}),
	)
	addSamples(t, src,
		dataset.NewSample("/a.jpg", bson.M{"score": 0.5, "gt": detections(label{id2, "wolf"}, label{id3, "bird"}), "tags": bson.A{"val"}, "source": "web"}),
		dataset.NewSample("/c.jpg", bson.M{"score": 0.1}),
	)

	require.NoError(t, Datasets(ctx, dst, src, DefaultOptions()))

	assert.Equal(t, int64(3), countOf(t, dst.SampleCollection(), bson.M{}))
	a := sampleAt(t, dst, "/a.jpg")
	assert.Equal(t, 0.5, a.Get("score"))
	assert.Equal(t, []string{"cat", "wolf", "bird"}, labelNames(t, a.Get("gt")))
	assert.Equal(t, bson.A{"train", "val"}, a.Get("tags"))
	assert.Equal(t, "web", a.Get("source"))
	assert.Equal(t, 0.2, sampleAt(t, dst, "/b.jpg").Get("score"))
	assert.Equal(t, 0.1, sampleAt(t, dst, "/c.jpg").Get("score"))

	_, declared := dst.GetFieldSchema(fields.FilterOptions{}).Field("source")
	assert.True(t, declared)

	for _, ds := range []*dataset.Dataset{dst, src} {
		specs, err := ds.SampleCollection().Indexes().List(ctx)
		require.NoError(t, err)
		var found bool
		for _, spec := range specs {
			if spec.Name == "filepath_1" {
				found = true
				assert.False(t, spec.Unique, "temporary unique index on %s was not restored", ds.Name())
			}
		}
		assert.True(t, found, "filepath index of %s is gone", ds.Name())
	}
}

func TestSamplesRespectsInsertAndSkip(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*dataset.Dataset, *dataset.Dataset) {
		reg := newTestRegistry(t)
		dst := newTestDataset(t, reg, "dst")
		src := newTestDataset(t, reg, "src")
		addSamples(t, dst, dataset.NewSample("/a.jpg", bson.M{"score": 0.9}))
		addSamples(t, src,
			dataset.NewSample("/a.jpg", bson.M{"score": 0.5}),
			dataset.NewSample("/new.jpg", bson.M{"score": 0.1}),
		)
		return dst, src
	}

	t.Run("skip existing", func(t *testing.T) {
		dst, src := setup(t)
		opts := DefaultOptions()
		opts.SkipExisting = true
		require.NoError(t, Samples(ctx, dst, view.New(src), opts))
		assert.Equal(t, 0.9, sampleAt(t, dst, "/a.jpg").Get("score"))
		assert.Equal(t, int64(2), countOf(t, dst.SampleCollection(), bson.M{}))
	})

	t.Run("no new samples", func(t *testing.T) {
		dst, src := setup(t)
		opts := DefaultOptions()
		opts.InsertNew = false
		require.NoError(t, Samples(ctx, dst, view.New(src), opts))
		assert.Equal(t, 0.5, sampleAt(t, dst, "/a.jpg").Get("score"))
		assert.Equal(t, int64(1), countOf(t, dst.SampleCollection(), bson.M{}))
	})

	t.Run("view restricts the source", func(t *testing.T) {
		dst, src := setup(t)
		v, err := view.New(src).Add(view.NewMatch(bson.M{"score": bson.M{"$lt": 0.3}}))
		require.NoError(t, err)
		require.NoError(t, Samples(ctx, dst, v, DefaultOptions()))
		assert.Equal(t, 0.9, sampleAt(t, dst, "/a.jpg").Get("score"))
		assert.Equal(t, int64(2), countOf(t, dst.SampleCollection(), bson.M{}))
	})

	t.Run("remapped fields", func(t *testing.T) {
		dst, src := setup(t)
		opts := DefaultOptions()
		opts.Fields = map[string]string{"score": "model_score"}
		require.NoError(t, Samples(ctx, dst, view.New(src), opts))
		a := sampleAt(t, dst, "/a.jpg")
		assert.Equal(t, 0.9, a.Get("score"))
		assert.Equal(t, 0.5, a.Get("model_score"))
	})

	t.Run("unknown field", func(t *testing.T) {
		dst, src := setup(t)
		opts := DefaultOptions()
		opts.Fields = map[string]string{"nope": "x"}
		err := Samples(ctx, dst, view.New(src), opts)
		assert.ErrorIs(t, err, dataset.ErrInvalidArgument)
	})

	t.Run("schema may not grow", func(t *testing.T) {
		dst, src := setup(t)
		_, err := src.SampleCollection().UpdateMany(ctx, bson.M{}, bson.M{"$set": bson.M{"extra": "x"}}, docstore.UpdateOptions{})
		require.NoError(t, err)
		_, err = src.MergeSampleFieldSchema(ctx, fields.NewSchema(fields.NewField("extra", fields.String)), fields.MergeOptions{Expand: true})
		require.NoError(t, err)

		opts := DefaultOptions()
		opts.ExpandSchema = false
		assert.Error(t, Samples(ctx, dst, view.New(src), opts))
	})
}

func TestSamplesDuplicateKey(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dst := newTestDataset(t, reg, "dst")
	src := newTestDataset(t, reg, "src")
	addSamples(t, dst, dataset.NewSample("/a.jpg", nil))
	addSamples(t, src, dataset.NewSample("/dup.jpg", nil), dataset.NewSample("/dup.jpg", nil))

	err := Datasets(ctx, dst, src, DefaultOptions())
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))
	assert.Contains(t, err.Error(), "/dup.jpg")
	assert.Equal(t, int64(1), countOf(t, dst.SampleCollection(), bson.M{}))

	specs, err := src.SampleCollection().Indexes().List(ctx)
	require.NoError(t, err)
	for _, spec := range specs {
		if spec.Name == "filepath_1" {
			assert.False(t, spec.Unique)
		}
	}
}

func TestSamplesByKeyFunc(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dst := newTestDataset(t, reg, "dst")
	src := newTestDataset(t, reg, "src")
	addSamples(t, dst, dataset.NewSample("/data/a.jpg", bson.M{"score": 0.9, "tags": bson.A{"train"}}))
	addSamples(t, src,
		dataset.NewSample("/other/a.jpg", bson.M{"score": 0.1, "tags": bson.A{"val"}}),
		dataset.NewSample("/other/n.jpg", bson.M{"score": 0.4}),
	)

	opts := DefaultOptions()
	opts.KeyFunc = func(s *dataset.Sample) string { return path.Base(s.Filepath()) }
	opts.BatchSize = 1
	require.NoError(t, Samples(ctx, dst, view.New(src), opts))

	assert.Equal(t, int64(2), countOf(t, dst.SampleCollection(), bson.M{}))
	a := sampleAt(t, dst, "/other/a.jpg")
	assert.Equal(t, 0.1, a.Get("score"))
	assert.Equal(t, bson.A{"train", "val"}, a.Get("tags"))
	assert.Equal(t, 0.4, sampleAt(t, dst, "/other/n.jpg").Get("score"))

	addSamples(t, src, dataset.NewSample("/elsewhere/a.jpg", nil))
	assert.True(t, IsDuplicateKey(Samples(ctx, dst, view.New(src), opts)))
}

func newVideo(filepath string, frames map[int64]bson.M) *dataset.Sample {
	s := dataset.NewSample(filepath, nil)
	for n, f := range frames {
		s.SetFrame(n, f)
	}
	return s
}

func assertNoTempFields(t *testing.T, coll docstore.Collection) {
	t.Helper()
	cur, err := coll.Find(context.Background(), bson.M{}, nil)
	require.NoError(t, err)
	require.NoError(t, docstore.ForEach(context.Background(), cur, func(doc bson.M) error {
		for k := range doc {
			assert.False(t, strings.HasPrefix(k, "_merge_"), "%s left on %v", k, doc["_id"])
		}
		_, placeholder := expr.AsDoc(doc[fields.FieldSampleID])
		assert.False(t, placeholder, "unresolved frame %v", doc["_id"])
		return nil
	}))
}

func TestDatasetsMergesFrames(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dst := newTestDataset(t, reg, "dst")
	src := newTestDataset(t, reg, "src")
	addSamples(t, dst, newVideo("/v.mp4", map[int64]bson.M{1: {"quality": 0.5}, 2: {"quality": 0.6}}))
	addSamples(t, src,
		newVideo("/v.mp4", map[int64]bson.M{2: {"quality": 0.9, "note": "x"}, 3: {"quality": 0.7}}),
		newVideo("/w.mp4", map[int64]bson.M{1: {"quality": 0.1}}),
	)

	require.NoError(t, Datasets(ctx, dst, src, DefaultOptions()))

	v := sampleAt(t, dst, "/v.mp4")
	assert.Equal(t, []int64{1, 2, 3}, v.Frames())
	assert.Equal(t, 0.5, v.Frame(1)["quality"])
	assert.Equal(t, 0.9, v.Frame(2)["quality"])
	assert.Equal(t, "x", v.Frame(2)["note"])
	assert.Equal(t, 0.7, v.Frame(3)["quality"])

	w := sampleAt(t, dst, "/w.mp4")
	assert.Equal(t, []int64{1}, w.Frames())
	assert.Equal(t, 0.1, w.Frame(1)["quality"])

	assert.Equal(t, int64(4), countOf(t, dst.FrameCollection(), bson.M{}))
	assert.Equal(t, int64(1), countOf(t, dst.FrameCollection(), bson.M{fields.FieldSampleID: w.ID()}))
	assertNoTempFields(t, dst.FrameCollection())

	_, declared := dst.GetFrameFieldSchema(fields.FilterOptions{}).Field("note")
	assert.True(t, declared)
}

func TestAddCollection(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dst := newTestDataset(t, reg, "dst")
	src := newTestDataset(t, reg, "src")
	addSamples(t, dst, dataset.NewSample("/a.jpg", nil))
	addSamples(t, src, dataset.NewSample("/b.jpg", bson.M{"score": 0.3}), dataset.NewSample("/c.jpg", nil))

	require.NoError(t, AddCollection(ctx, dst, view.New(src), AddCollectionOptions{}))
	assert.Equal(t, int64(3), countOf(t, dst.SampleCollection(), bson.M{}))
	b := sampleAt(t, dst, "/b.jpg")
	assert.Equal(t, sampleAt(t, src, "/b.jpg").ID(), b.ID())
	assert.Equal(t, 0.3, b.Get("score"))

	err := AddCollection(ctx, dst, view.New(src), AddCollectionOptions{})
	assert.True(t, IsDuplicateKey(err))

	require.NoError(t, AddCollection(ctx, dst, view.New(src), AddCollectionOptions{NewIDs: true}))
	assert.Equal(t, int64(5), countOf(t, dst.SampleCollection(), bson.M{}))
	assert.Equal(t, int64(2), countOf(t, dst.SampleCollection(), bson.M{fields.FieldFilepath: "/b.jpg"}))
	assertNoTempFields(t, dst.SampleCollection())

	assert.ErrorIs(t, AddCollection(ctx, dst, view.New(dst), AddCollectionOptions{}), ErrSameDataset)
}

func TestAddCollectionWithFrames(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dst := newTestDataset(t, reg, "dst")
	src := newTestDataset(t, reg, "src")
	addSamples(t, src, newVideo("/v.mp4", map[int64]bson.M{1: {"quality": 0.5}, 2: {"quality": 0.6}}))

	require.NoError(t, AddCollection(ctx, dst, view.New(src), AddCollectionOptions{NewIDs: true}))
	assert.Equal(t, dataset.MediaVideo, dst.MediaType())

	v := sampleAt(t, dst, "/v.mp4")
	assert.NotEqual(t, sampleAt(t, src, "/v.mp4").ID(), v.ID())
	assert.Equal(t, []int64{1, 2}, v.Frames())
	assert.Equal(t, 0.6, v.Frame(2)["quality"])
	assert.Equal(t, int64(2), countOf(t, src.FrameCollection(), bson.M{}), "source frames are untouched")
	assertNoTempFields(t, dst.FrameCollection())
	assertNoTempFields(t, dst.SampleCollection())
}

func TestSample(t *testing.T) {
	ctx := context.Background()
	dst := newTestDataset(t, newTestRegistry(t), "dst")
	addSamples(t, dst, dataset.NewSample("/a.jpg", bson.M{"score": 0.9, "tags": bson.A{"train"}}))

	s := dataset.NewSample("/a.jpg", bson.M{"score": 0.3, "extra": "y", "tags": bson.A{"val"}})
	require.NoError(t, Sample(ctx, dst, s, DefaultOptions()))
	a := sampleAt(t, dst, "/a.jpg")
	assert.Equal(t, 0.3, a.Get("score"))
	assert.Equal(t, "y", a.Get("extra"))
	assert.Equal(t, bson.A{"train", "val"}, a.Get("tags"))

	require.NoError(t, Sample(ctx, dst, dataset.NewSample("/z.jpg", bson.M{"score": 0.1}), DefaultOptions()))
	assert.Equal(t, 0.1, sampleAt(t, dst, "/z.jpg").Get("score"))

	opts := DefaultOptions()
	opts.InsertNew = false
	require.NoError(t, Sample(ctx, dst, dataset.NewSample("/none.jpg", nil), opts))
	assert.Equal(t, int64(2), countOf(t, dst.SampleCollection(), bson.M{}))
}

func TestIncludeInfo(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dst := newTestDataset(t, reg, "dst")
	src := newTestDataset(t, reg, "src")
	require.NoError(t, dst.Save(ctx, dataset.Attributes{Info: bson.M{"author": "ann", "license": "cc"}}))
	require.NoError(t, src.Save(ctx, dataset.Attributes{
		Info:           bson.M{"author": "bob", "source": "web"},
		Classes:        map[string][]string{"gt": {"cat", "dog"}},
		DefaultClasses: []string{"cat"},
	}))
	addSamples(t, src, dataset.NewSample("/a.jpg", nil))

	opts := DefaultOptions()
	opts.Overwrite = false
	require.NoError(t, Datasets(ctx, dst, src, opts))

	info := dst.Info()
	assert.Equal(t, "ann", info["author"])
	assert.Equal(t, "cc", info["license"])
	assert.Equal(t, "web", info["source"])
	assert.Equal(t, []string{"cat", "dog"}, dst.Classes()["gt"])
	assert.Equal(t, []string{"cat"}, dst.DefaultClasses())
}

func TestMergeRejectsIncompatibleDatasets(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	ds := newTestDataset(t, reg, "images")
	addSamples(t, ds, dataset.NewSample("/a.jpg", nil))

	assert.ErrorIs(t, Datasets(ctx, ds, ds, DefaultOptions()), ErrSameDataset)

	groups := newTestDataset(t, reg, "groups")
	g := dataset.NewGroup()
	addSamples(t, groups,
		dataset.NewSample("/left.jpg", bson.M{"group": g.Element("left")}),
		dataset.NewSample("/right.jpg", bson.M{"group": g.Element("right")}),
	)
	assert.ErrorIs(t, Datasets(ctx, groups, ds, DefaultOptions()), dataset.ErrMediaTypeMismatch)

	videos := newTestDataset(t, reg, "videos")
	addSamples(t, videos, newVideo("/v.mp4", map[int64]bson.M{1: {"quality": 0.5}}))
	assert.ErrorIs(t, Datasets(ctx, ds, videos, DefaultOptions()), dataset.ErrMediaTypeMismatch)
}

func TestDatasetsMergesGroups(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dst := newTestDataset(t, reg, "dst")
	src := newTestDataset(t, reg, "src")
	g := dataset.NewGroup()
	addSamples(t, src,
		dataset.NewSample("/left.jpg", bson.M{"group": g.Element("left")}),
		dataset.NewSample("/right.jpg", bson.M{"group": g.Element("right")}),
	)

	require.NoError(t, Datasets(ctx, dst, src, DefaultOptions()))
	assert.Equal(t, dataset.MediaGroup, dst.MediaType())
	assert.Equal(t, "group", dst.GroupField())
	assert.Equal(t, []string{"left", "right"}, dst.GroupSlices())
	assert.Equal(t, int64(2), countOf(t, dst.SampleCollection(), bson.M{}))
}
