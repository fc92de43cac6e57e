package view

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/memstore"
)

func newTestDataset(t *testing.T, name string) (*dataset.Dataset, *memstore.Client) {
	t.Helper()
	client := memstore.NewClient()
	reg := dataset.NewRegistry(client, dataset.RegistryOptions{})
	require.NoError(t, reg.EnsureIndexes(context.Background()))
	ds, err := reg.Create(context.Background(), name, dataset.CreateOptions{})
	require.NoError(t, err)
	return ds, client
}

func detections(labels ...string) bson.M {
	dets := bson.A{}
	for _, l := range labels {
		dets = append(dets, bson.M{
			fields.ClassKey: fields.Detection,
			"_id":           bson.NewObjectID(),
			"label":         l,
		})
	}
	return bson.M{fields.ClassKey: fields.Detections, "detections": dets}
}

func addImages(t *testing.T, ds *dataset.Dataset) []bson.ObjectID {
	t.Helper()
	ids, err := ds.AddSamples(context.Background(), []*dataset.Sample{
		dataset.NewSample("/a.jpg", bson.M{"score": 0.9, "gt": detections("cat", "dog"), "tags": bson.A{"train"}}),
		dataset.NewSample("/b.jpg", bson.M{"score": 0.2, "gt": detections("dog"), "tags": bson.A{"val"}}),
		dataset.NewSample("/c.jpg", bson.M{"score": 0.5, "tags": bson.A{"train", "val"}}),
	}, dataset.DefaultAddOptions())
	require.NoError(t, err)
	return ids
}

func filepaths(t *testing.T, v *View) []string {
	t.Helper()
	values, err := v.Values(context.Background(), fields.FieldFilepath)
	require.NoError(t, err)
	out := make([]string, len(values))
	for i, val := range values {
		out[i], _ = val.(string)
	}
	return out
}

func TestStages(t *testing.T) {
	ds, _ := newTestDataset(t, "stages")
	ids := addImages(t, ds)
	root := New(ds)

	tests := []struct {
		name  string
		stage Stage
		want  []string
	}{
		{"match", NewMatch(bson.M{"score": bson.M{"$gt": 0.4}}), []string{"/a.jpg", "/c.jpg"}},
		{"match tags any", NewMatchTags([]string{"val"}, false), []string{"/b.jpg", "/c.jpg"}},
		{"match tags all", NewMatchTags([]string{"train", "val"}, true), []string{"/c.jpg"}},
		{"exists", NewExists("gt", true), []string{"/a.jpg", "/b.jpg"}},
		{"not exists", NewExists("gt", false), []string{"/c.jpg"}},
		{"select ordered", NewSelect([]bson.ObjectID{ids[2], ids[0]}, true), []string{"/c.jpg", "/a.jpg"}},
		{"exclude", NewExclude([]bson.ObjectID{ids[1]}), []string{"/a.jpg", "/c.jpg"}},
		{"sort", NewSortBy("score", false), []string{"/b.jpg", "/c.jpg", "/a.jpg"}},
		{"sort reverse", NewSortBy("score", true), []string{"/a.jpg", "/c.jpg", "/b.jpg"}},
		{"skip", NewSkip(1), []string{"/b.jpg", "/c.jpg"}},
		{"limit", NewLimit(2), []string{"/a.jpg", "/b.jpg"}},
		{"limit zero", NewLimit(0), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := root.Add(tt.stage)
			require.NoError(t, err)
			assert.Equal(t, tt.want, filepaths(t, v))
		})
	}
}

func TestAddRejectsInvalidStages(t *testing.T) {
	ds, _ := newTestDataset(t, "invalid")
	addImages(t, ds)
	v := New(ds)

	_, err := v.Add(NewSortBy("missing", false))
	assert.ErrorIs(t, err, dataset.ErrNotFound)

	_, err = v.Add(NewFilterLabels("score", expr.L(true), false))
	assert.True(t, IsInvalidStage(err))

	_, err = v.Add(NewSetField("filepath", expr.L("/x.jpg")))
	assert.ErrorIs(t, err, dataset.ErrReadOnly)

	_, err = v.Add(NewLimit(-1))
	assert.True(t, IsInvalidStage(err))

	_, err = v.Add(NewMatchFrames(expr.L(true), false))
	assert.True(t, IsInvalidStage(err))

	_, err = v.Add(NewExcludeFields("filepath"))
	assert.True(t, IsInvalidStage(err))
}

func TestFilterLabels(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDataset(t, "filter-labels")
	addImages(t, ds)
	isCat := expr.Eq(expr.V("this", "label"), expr.L("cat"))

	v := New(ds).MustAdd(NewFilterLabels("gt", isCat, true))
	n, err := v.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	s, err := v.First(ctx)
	require.NoError(t, err)
	dets, _ := expr.AsArray(s.Get("gt.detections"))
	require.Len(t, dets, 1)
	assert.Equal(t, "cat", dets[0].(bson.M)["label"])

	all := New(ds).MustAdd(NewFilterLabels("gt", isCat, false))
	n, err = all.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	stored, err := New(ds).MustAdd(NewMatch(bson.M{fields.FieldFilepath: "/a.jpg"})).First(ctx)
	require.NoError(t, err)
	dets, _ = expr.AsArray(stored.Get("gt.detections"))
	assert.Len(t, dets, 2)
}

func TestFieldStages(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDataset(t, "field-stages")
	addImages(t, ds)

	v := New(ds).MustAdd(NewFilterField("score", expr.Gt(expr.V("this"), expr.L(0.4)), true))
	assert.Equal(t, []string{"/a.jpg", "/c.jpg"}, filepaths(t, v))

	doubled := New(ds).
		MustAdd(NewSetField("score", expr.Add(expr.F("score"), expr.F("score")))).
		MustAdd(NewSortBy("score", true))
	values, err := doubled.Values(ctx, "score")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.8, 1.0, 0.4}, values)

	s, err := New(ds).MustAdd(NewSelectFields("score")).First(ctx)
	require.NoError(t, err)
	assert.True(t, s.Has("score"))
	assert.False(t, s.Has("gt"))
	assert.Equal(t, "/a.jpg", s.Filepath())

	s, err = New(ds).MustAdd(NewExcludeFields("gt")).First(ctx)
	require.NoError(t, err)
	assert.False(t, s.Has("gt"))
	assert.True(t, s.Has("score"))

	tags, err := New(ds).Distinct(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"train", "val"}, tags)
}

func TestTakeAndShuffleKeepSamples(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDataset(t, "random")
	addImages(t, ds)

	n, err := New(ds).MustAdd(NewTake(2)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	paths := filepaths(t, New(ds).MustAdd(NewShuffle()))
	assert.ElementsMatch(t, []string{"/a.jpg", "/b.jpg", "/c.jpg"}, paths)
}

func newGroupDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, _ := newTestDataset(t, "grouped")
	var samples []*dataset.Sample
	for i := 0; i < 2; i++ {
		g := dataset.NewGroup()
		samples = append(samples,
			dataset.NewSample(fmt.Sprintf("/%d-left.jpg", i), bson.M{"group": g.Element("left")}),
			dataset.NewSample(fmt.Sprintf("/%d-right.jpg", i), bson.M{"group": g.Element("right")}),
		)
	}
	_, err := ds.AddSamples(context.Background(), samples, dataset.DefaultAddOptions())
	require.NoError(t, err)
	return ds
}

func TestGroupDatasetWithoutSliceFailsToCompile(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDataset(t, "sliceless")
	require.NoError(t, ds.AddGroupField(ctx, "group", ""))
	require.Empty(t, ds.GroupSlice())

	_, err := New(ds).Pipeline()
	assert.ErrorIs(t, err, dataset.ErrNotFound)
	_, err = New(ds).Count(ctx)
	assert.ErrorIs(t, err, dataset.ErrNotFound)

	// Stages that pick slices themselves still compile.
	_, err = New(ds).MustAdd(NewSelectGroupSlices()).Pipeline()
	require.NoError(t, err)
}

func TestGroupSliceFilterComesFirst(t *testing.T) {
	ds := newGroupDataset(t)

	p, err := New(ds).MustAdd(NewSortBy("filepath", false)).Pipeline()
	require.NoError(t, err)
	require.NotEmpty(t, p)
	assert.Equal(t, docstore.Stage("$match", bson.M{"group.name": "left"}), p[0])

	p, err = New(ds).WithOptions(PipelineOptions{GroupSlice: "right"}).Pipeline()
	require.NoError(t, err)
	assert.Equal(t, docstore.Stage("$match", bson.M{"group.name": "right"}), p[0])

	assert.Equal(t, []string{"/0-left.jpg", "/1-left.jpg"}, filepaths(t, New(ds)))
	assert.Len(t, filepaths(t, New(ds).MustAdd(NewSelectGroupSlices())), 4)
	assert.Equal(t, []string{"/0-right.jpg", "/1-right.jpg"},
		filepaths(t, New(ds).MustAdd(NewSelectGroupSlices("right"))))
	assert.Len(t, filepaths(t, New(ds).WithOptions(PipelineOptions{ManualGroupSelect: true})), 4)

	_, err = New(ds).Add(NewSelectGroupSlices("center"))
	assert.ErrorIs(t, err, dataset.ErrNotFound)
}

func TestAttachGroups(t *testing.T) {
	ctx := context.Background()
	ds := newGroupDataset(t)

	docs, err := New(ds).WithOptions(PipelineOptions{AttachGroups: true}).Aggregate(ctx, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	groups, ok := expr.AsDoc(docs[0][GroupsKey])
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"left", "right"}, expr.SortedKeys(groups))

	n, err := New(ds).WithOptions(PipelineOptions{GroupsOnly: true}).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	image, _ := newTestDataset(t, "flat")
	p, err := New(image).WithOptions(PipelineOptions{AttachGroups: true}).Pipeline()
	require.NoError(t, err)
	assert.Empty(t, p)
}

func newVideoDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	ctx := context.Background()
	ds, _ := newTestDataset(t, "video")
	for i, quality := range []float64{0.9, 0.1} {
		s := dataset.NewSample(fmt.Sprintf("/%d.mp4", i), nil)
		s.SetFrame(1, bson.M{"quality": quality, "gt": detections("car")})
		s.SetFrame(2, bson.M{"quality": 0.5})
		_, err := ds.AddSample(ctx, s, dataset.DefaultAddOptions())
		require.NoError(t, err)
	}
	return ds
}

func TestFrameStages(t *testing.T) {
	ctx := context.Background()
	ds := newVideoDataset(t)

	p, err := New(ds).Pipeline()
	require.NoError(t, err)
	assert.Empty(t, p)

	good := New(ds).MustAdd(NewMatchFrames(expr.Gt(expr.V("frame", "quality"), expr.L(0.8)), true))
	assert.Equal(t, []string{"/0.mp4"}, filepaths(t, good))

	docs, err := good.Aggregate(ctx, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotContains(t, docs[0], fields.FieldFrames)

	s, err := good.WithOptions(PipelineOptions{AttachFrames: true}).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, s.Frames())

	n, err := New(ds).WithOptions(PipelineOptions{FramesOnly: true}).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	ranged, err := New(ds).WithOptions(PipelineOptions{AttachFrames: true, SupportRange: &[2]int64{2, 2}}).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ranged.Frames())

	stripped, err := New(ds).
		MustAdd(NewExcludeFields("frames.gt")).
		WithOptions(PipelineOptions{AttachFrames: true}).
		First(ctx)
	require.NoError(t, err)
	assert.NotContains(t, stripped.Frame(1), "gt")
	assert.Contains(t, stripped.Frame(1), "quality")
}

func addNumbered(t *testing.T, ds *dataset.Dataset, total int) {
	t.Helper()
	samples := make([]*dataset.Sample, total)
	for i := range samples {
		samples[i] = dataset.NewSample(fmt.Sprintf("/%05d.jpg", i), nil)
	}
	_, err := ds.AddSamples(context.Background(), samples, dataset.DefaultAddOptions())
	require.NoError(t, err)
}

// iterPaths drains v through Iter and returns the filepaths in order with
// the number of cursor restarts.
func iterPaths(t *testing.T, v *View) ([]string, int) {
	t.Helper()
	ctx := context.Background()
	it, err := v.Iter(ctx, IterOptions{})
	require.NoError(t, err)
	var out []string
	for it.Next(ctx) {
		out = append(out, it.Sample().Filepath())
	}
	require.NoError(t, it.Err())
	restarts := it.Restarts()
	require.NoError(t, it.Close(ctx))
	return out, restarts
}

func TestIterRecoversFromCursorExpiry(t *testing.T) {
	ds, client := newTestDataset(t, "large")
	const total = 2000
	addNumbered(t, ds, total)

	client.ExpireNextCursor(800)
	paths, restarts := iterPaths(t, New(ds).MustAdd(NewSortBy("filepath", false)))
	require.Len(t, paths, total)
	for i, p := range paths {
		require.Equal(t, fmt.Sprintf("/%05d.jpg", i), p)
	}
	assert.Equal(t, 1, restarts)
}

func TestIterRecoversFromCursorExpiryWithoutStages(t *testing.T) {
	ds, client := newTestDataset(t, "unsorted")
	const total = 300
	addNumbered(t, ds, total)

	want, restarts := iterPaths(t, New(ds))
	require.Len(t, want, total)
	assert.Zero(t, restarts)

	client.ExpireNextCursor(120)
	got, restarts := iterPaths(t, New(ds))
	assert.Equal(t, want, got)
	assert.Equal(t, 1, restarts)
}

func TestShuffleRecoversFromCursorExpiry(t *testing.T) {
	ds, client := newTestDataset(t, "shuffled")
	const total = 200
	addNumbered(t, ds, total)
	shuffled := New(ds).MustAdd(NewShuffleSeed(51))

	want, _ := iterPaths(t, shuffled)
	require.Len(t, want, total)
	again, _ := iterPaths(t, shuffled)
	assert.Equal(t, want, again)

	client.ExpireNextCursor(80)
	got, restarts := iterPaths(t, shuffled)
	assert.Equal(t, 1, restarts)
	require.Len(t, got, total)
	seen := make(map[string]bool, total)
	for _, p := range got {
		require.False(t, seen[p], "duplicate %s", p)
		seen[p] = true
	}
	assert.Equal(t, want, got)

	sorted := slices.Clone(want)
	slices.Sort(sorted)
	assert.NotEqual(t, sorted, want)
}

func TestShuffleAndTakeSeeds(t *testing.T) {
	ds, _ := newTestDataset(t, "seeded")
	addNumbered(t, ds, 50)

	a := filepaths(t, New(ds).MustAdd(NewShuffleSeed(1)))
	b := filepaths(t, New(ds).MustAdd(NewShuffleSeed(2)))
	assert.ElementsMatch(t, a, b)
	assert.NotEqual(t, a, b)

	take := filepaths(t, New(ds).MustAdd(NewTakeSeed(10, 1)))
	assert.Equal(t, a[:10], take)

	// The drawn seed is recorded so a reloaded stage keeps the order.
	s := NewShuffle()
	reloaded, err := Deserialize(Serialize([]Stage{s, NewTakeSeed(3, 7)}))
	require.NoError(t, err)
	require.Len(t, reloaded, 2)
	assert.Equal(t, s.Seed, reloaded[0].(*Shuffle).Seed)
	assert.Equal(t, &Take{Size: 3, Seed: 7}, reloaded[1])

	n, err := New(ds).MustAdd(NewTakeSeed(0, 1)).Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForEachAutosave(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDataset(t, "autosave")
	addImages(t, ds)

	opts := IterOptions{Autosave: true, Save: dataset.SaveContextOptions{Strategy: dataset.BatchByCount, BatchSize: 2}}
	err := New(ds).ForEach(ctx, opts, func(s *dataset.Sample) error {
		s.Set("reviewed", true)
		return nil
	})
	require.NoError(t, err)

	n, err := New(ds).MustAdd(NewMatch(bson.M{"reviewed": true})).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	stop := fmt.Errorf("stop")
	err = New(ds).ForEach(ctx, IterOptions{}, func(*dataset.Sample) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestSavedViewRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDataset(t, "saved")
	ids := addImages(t, ds)

	v := New(ds).
		MustAdd(NewMatchTags([]string{"train"}, false)).
		MustAdd(NewFilterLabels("gt", expr.Eq(expr.V("this", "label"), expr.L("dog")), false)).
		MustAdd(NewExclude(ids[2:])).
		MustAdd(NewSortBy("score", true)).
		MustAdd(NewLimit(5))
	saved, err := v.Save(ctx, "Train Dogs", dataset.LinkedInfo{}, false)
	require.NoError(t, err)
	assert.Equal(t, "Train Dogs", saved.Name())

	_, err = v.Save(ctx, "train-dogs", dataset.LinkedInfo{}, false)
	assert.True(t, dataset.IsNameConflict(err))

	loaded, err := LoadSaved(ctx, ds, "Train Dogs")
	require.NoError(t, err)
	assert.Equal(t, expr.Normalize(Serialize(v.Stages())), expr.Normalize(Serialize(loaded.Stages())))

	want, err := v.Pipeline()
	require.NoError(t, err)
	got, err := loaded.Pipeline()
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, expr.Normalize(want[i]), expr.Normalize(got[i]))
	}
	assert.Equal(t, filepaths(t, v), filepaths(t, loaded))

	_, err = LoadSaved(ctx, ds, "missing")
	assert.True(t, dataset.IsNotFound(err))
}

func TestDeserializeRejectsUnknownStage(t *testing.T) {
	_, err := Deserialize(bson.A{bson.M{fields.ClassKey: "Teleport", "kwargs": bson.M{}}})
	assert.True(t, IsInvalidStage(err))

	_, err = Deserialize(bson.A{"Match"})
	assert.True(t, IsInvalidStage(err))

	assert.Contains(t, Registered(), "FilterLabels")
	assert.Panics(t, func() { Register("Match", nil) })
}
