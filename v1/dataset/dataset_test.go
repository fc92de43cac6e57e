package dataset

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/mock/gomock"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/memstore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(memstore.NewClient(), RegistryOptions{})
	require.NoError(t, r.EnsureIndexes(context.Background()))
	return r
}

func newTestDataset(t *testing.T, r *Registry, name string) *Dataset {
	t.Helper()
	ds, err := r.Create(context.Background(), name, CreateOptions{})
	require.NoError(t, err)
	return ds
}

func detections(labels ...string) bson.M {
	dets := bson.A{}
	for _, l := range labels {
		dets = append(dets, bson.M{
			fields.ClassKey: fields.Detection,
			"_id":           bson.NewObjectID(),
			"label":         l,
			"confidence":    0.9,
		})
	}
	return bson.M{fields.ClassKey: fields.Detections, "detections": dets}
}

func firstElement(t *testing.T, s *Sample, listPath string) bson.M {
	t.Helper()
	list, ok := expr.AsArray(s.Get(listPath))
	require.True(t, ok, "%s is not a list", listPath)
	require.NotEmpty(t, list)
	el, ok := expr.AsDoc(list[0])
	require.True(t, ok)
	return el
}

func TestCreateAndLoadShareHandle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	ds := newTestDataset(t, r, "My Dataset")
	assert.Equal(t, "my-dataset", ds.Slug())

	loaded, err := r.Load(ctx, "My Dataset")
	require.NoError(t, err)
	assert.Same(t, ds, loaded)
	assert.Equal(t, []string{"My Dataset"}, r.Live())

	_, err = r.Create(ctx, "my-dataset", CreateOptions{})
	assert.True(t, IsNameConflict(err))

	_, err = r.Load(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

var errUpdateRefused = errors.New("update refused")

// refusingClient serves the datasets collection with updates that fail.
type refusingClient struct {
	docstore.Client
}

func (c refusingClient) Collection(name string) docstore.Collection {
	coll := c.Client.Collection(name)
	if name == DatasetsCollection {
		return refusingCollection{coll}
	}
	return coll
}

type refusingCollection struct {
	docstore.Collection
}

func (refusingCollection) UpdateOne(context.Context, bson.M, interface{}, docstore.UpdateOptions) (docstore.UpdateResult, error) {
	return docstore.UpdateResult{}, errUpdateRefused
}

func TestLoadLogsFailedLoadTimeUpdate(t *testing.T) {
	ctx := context.Background()
	client := memstore.NewClient()
	creator := NewRegistry(client, RegistryOptions{})
	require.NoError(t, creator.EnsureIndexes(ctx))
	newTestDataset(t, creator, "stamped")

	ctrl := gomock.NewController(t)
	log := logger.NewMockLogger(ctrl)
	log.EXPECT().
		WarnWithContext(gomock.Any(), "Failed to record dataset load time", errUpdateRefused, map[string]interface{}{"dataset": "stamped"}).
		Times(1)

	loader := NewRegistry(refusingClient{client}, RegistryOptions{Logger: log})
	ds, err := loader.Load(ctx, "stamped")
	require.NoError(t, err)
	assert.Equal(t, "stamped", ds.Name())
}

func TestDeleteMarksHandle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	ds := newTestDataset(t, r, "doomed")

	require.NoError(t, r.Delete(ctx, "doomed"))
	assert.True(t, ds.Deleted())
	_, err := ds.AddSample(ctx, NewSample("/a.jpg", nil), DefaultAddOptions())
	assert.ErrorIs(t, err, ErrDeleted)

	exists, err := r.Exists(ctx, "doomed")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAddSamplesExpandsSchema(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "expand")

	ids, err := ds.AddSamples(ctx, []*Sample{
		NewSample("/a.jpg", bson.M{"score": 0.5, "gt": detections("cat")}),
		NewSample("/b.jpg", bson.M{"score": 0.7}),
	}, DefaultAddOptions())
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, MediaImage, ds.MediaType())

	schema := ds.GetFieldSchema(fields.FilterOptions{})
	score, ok := schema.Get("score")
	require.True(t, ok)
	assert.Equal(t, fields.Float, score.Kind)
	gt, ok := schema.Get("gt")
	require.True(t, ok)
	assert.Equal(t, fields.Detections, gt.DocType)

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	s, err := ds.GetSample(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "/a.jpg", s.Filepath())
	assert.Equal(t, "cat", firstElement(t, s, "gt.detections")["label"])
}

func TestAddSamplesRejectsUndeclaredWithoutExpand(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "strict")
	_, err := ds.AddSample(ctx, NewSample("/a.jpg", bson.M{"score": 0.5}), DefaultAddOptions())
	require.NoError(t, err)

	_, err = ds.AddSample(ctx, NewSample("/b.jpg", bson.M{"extra": "x"}), AddOptions{Validate: true})
	assert.True(t, IsSchemaViolation(err))

	_, err = ds.AddSample(ctx, NewSample("/c.jpg", bson.M{"score": "high"}), DefaultAddOptions())
	assert.True(t, IsSchemaViolation(err))

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAddSamplesDuplicateKey(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "dupes")
	id := bson.NewObjectID()

	_, err := ds.AddSample(ctx, NewSample("/a.jpg", bson.M{"_id": id}), DefaultAddOptions())
	require.NoError(t, err)
	_, err = ds.AddSample(ctx, NewSample("/b.jpg", bson.M{"_id": id}), DefaultAddOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBulkWrite))
}

func TestMediaTypeIsFixedOnceSet(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "media")

	_, err := ds.AddSample(ctx, NewSample("/a.jpg", nil), DefaultAddOptions())
	require.NoError(t, err)
	_, err = ds.AddSample(ctx, NewSample("/b.mp4", nil), DefaultAddOptions())
	assert.ErrorIs(t, err, ErrMediaTypeMismatch)
	assert.Equal(t, MediaImage, ds.MediaType())
}

func TestRenameAndDeleteFields(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "scrub")
	id, err := ds.AddSample(ctx, NewSample("/a.jpg", bson.M{"score": 0.5, "gt": detections("cat")}), DefaultAddOptions())
	require.NoError(t, err)

	require.NoError(t, ds.RenameSampleFields(ctx, map[string]string{"score": "quality"}))
	require.NoError(t, ds.DeleteSampleFields(ctx, "gt.detections.confidence"))

	schema := ds.GetFieldSchema(fields.FilterOptions{})
	_, ok := schema.Get("score")
	assert.False(t, ok)
	_, ok = schema.Get("quality")
	assert.True(t, ok)

	s, err := ds.GetSample(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.5, s.Get("quality"))
	assert.False(t, s.Has("score"))
	el := firstElement(t, s, "gt.detections")
	assert.NotContains(t, el, "confidence")
	assert.Equal(t, "cat", el["label"])

	err = ds.RenameSampleFields(ctx, map[string]string{"quality": "gt.quality"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCloneSampleFieldsKeepsValues(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "clone")
	id, err := ds.AddSample(ctx, NewSample("/a.jpg", bson.M{"score": 0.5}), DefaultAddOptions())
	require.NoError(t, err)

	require.NoError(t, ds.CloneSampleFields(ctx, map[string]string{"score": "score2"}))

	s, err := ds.GetSample(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/a.jpg", s.Filepath())
	assert.Equal(t, 0.5, s.Get("score"))
	assert.Equal(t, 0.5, s.Get("score2"))
	assert.Equal(t, MediaImage, s.MediaType())
}

func TestReadOnlyFieldsAreProtected(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "protected")

	assert.True(t, IsReadOnly(ds.DeleteSampleFields(ctx, fields.FieldFilepath)))
	assert.True(t, IsReadOnly(ds.RenameSampleFields(ctx, map[string]string{fields.FieldCreatedAt: "born"})))

	writable := false
	assert.True(t, IsReadOnly(ds.EditSampleField(ctx, fields.FieldCreatedAt, FieldEdit{ReadOnly: &writable})))
}

func TestGroupSlices(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "groups")

	g := NewGroup()
	_, err := ds.AddSamples(ctx, []*Sample{
		NewSample("/left.jpg", bson.M{"group": g.Element("left")}),
		NewSample("/right.jpg", bson.M{"group": g.Element("right")}),
		NewSample("/pcd.mp4", bson.M{"group": g.Element("video")}),
	}, DefaultAddOptions())
	require.NoError(t, err)

	assert.Equal(t, MediaGroup, ds.MediaType())
	assert.Equal(t, "group", ds.GroupField())
	assert.Equal(t, []string{"left", "right", "video"}, ds.GroupSlices())
	assert.Equal(t, "left", ds.DefaultGroupSlice())
	mt, ok := ds.SliceMediaType("video")
	require.True(t, ok)
	assert.Equal(t, MediaVideo, mt)

	n, err := ds.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = ds.AddSample(ctx, NewSample("/other.mp4", bson.M{"group": NewGroup().Element("left")}), DefaultAddOptions())
	assert.ErrorIs(t, err, ErrMediaTypeMismatch)

	require.NoError(t, ds.RenameGroupSlice(ctx, "right", "center"))
	assert.Equal(t, []string{"center", "left", "video"}, ds.GroupSlices())

	members, err := ds.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)
	assert.Contains(t, members, "center")

	require.NoError(t, ds.DeleteGroupSlice(ctx, "left"))
	assert.NotContains(t, ds.GroupSlices(), "left")
	assert.NotEqual(t, "left", ds.DefaultGroupSlice())
	assert.True(t, IsNotFound(ds.SetGroupSlice("left")))
}

func newVideoDataset(t *testing.T, r *Registry, name string) (*Dataset, bson.ObjectID) {
	t.Helper()
	ctx := context.Background()
	ds := newTestDataset(t, r, name)
	s := NewSample("/clip.mp4", bson.M{
		fields.FieldMetadata: bson.M{fields.ClassKey: fields.MetadataDocType, "total_frame_count": 3},
	})
	s.SetFrame(2, bson.M{"quality": 0.9})
	id, err := ds.AddSample(ctx, s, DefaultAddOptions())
	require.NoError(t, err)
	return ds, id
}

func TestEnsureFramesKeepsExisting(t *testing.T) {
	ctx := context.Background()
	ds, id := newVideoDataset(t, newTestRegistry(t), "video")
	assert.True(t, ds.OwnsFrames())

	require.NoError(t, ds.EnsureFrames(ctx, id))
	require.NoError(t, ds.EnsureFrames(ctx, id))

	n, err := ds.CountFrames(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	s, err := ds.GetSample(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, s.Frames())
	assert.Equal(t, 0.9, s.Frame(2)["quality"])
}

func TestDeletingClipsKeepsSourceFrames(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	src, id := newVideoDataset(t, r, "source")
	require.NoError(t, src.EnsureFrames(ctx, id))

	clips, err := r.CreateClips(ctx, src, "source-clips", []ClipSpec{{SampleID: id, Support: [2]int64{2, 3}}})
	require.NoError(t, err)
	assert.True(t, clips.IsClips())
	assert.False(t, clips.OwnsFrames())
	assert.Equal(t, src.FrameCollectionName(), clips.FrameCollectionName())

	_, err = r.CreateClips(ctx, src, "bad-clips", []ClipSpec{{SampleID: id, Support: [2]int64{3, 1}}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, r.Delete(ctx, "source-clips"))
	n, err := src.CountFrames(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSaveContextByCount(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "batched")
	samples := []*Sample{NewSample("/a.jpg", nil), NewSample("/b.jpg", nil), NewSample("/c.jpg", nil)}
	_, err := ds.AddSamples(ctx, samples, DefaultAddOptions())
	require.NoError(t, err)

	sc := ds.NewSaveContext(SaveContextOptions{Strategy: BatchByCount, BatchSize: 2})
	for i, s := range samples {
		s.Set("reviewed", true)
		require.NoError(t, sc.Save(ctx, s))
		if i == 1 {
			assert.Equal(t, 0, sc.Pending())
		}
	}
	assert.Equal(t, 1, sc.Pending())
	require.NoError(t, sc.Close(ctx))
	require.NoError(t, sc.Close(ctx))
	assert.Error(t, sc.Save(ctx, samples[0]))

	for _, s := range samples {
		require.NoError(t, s.Reload(ctx))
		assert.Equal(t, true, s.Get("reviewed"))
	}
}

func TestSaveContextDefaults(t *testing.T) {
	ds := newTestDataset(t, newTestRegistry(t), "defaults")
	assert.Equal(t, DefaultSaveInterval, ds.NewSaveContext(SaveContextOptions{}).Options().Interval)
	assert.Equal(t, DefaultSaveByteSize, ds.NewSaveContext(SaveContextOptions{Strategy: BatchBySize}).Options().BatchSize)
}

func TestSampleSaveWritesChanges(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "save")
	s := NewSample("/a.jpg", bson.M{"note": "x"})
	_, err := ds.AddSample(ctx, s, DefaultAddOptions())
	require.NoError(t, err)

	s.Set("note", "y")
	s.Unset("tags")
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Reload(ctx))
	assert.Equal(t, "y", s.Get("note"))
	assert.False(t, s.Has("tags"))

	assert.ErrorIs(t, NewSample("/b.jpg", nil).Save(ctx), ErrInvalidArgument)
}

func TestSavedViewsAndWorkspaces(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "meta")
	stages := bson.A{bson.M{"_cls": "Limit", "kwargs": bson.A{bson.A{"limit", 3}}}}

	_, err := ds.SaveView(ctx, "My View", stages, LinkedInfo{}, false)
	require.NoError(t, err)
	_, err = ds.SaveView(ctx, "my-view", stages, LinkedInfo{}, false)
	assert.True(t, IsNameConflict(err))

	color := "#ff0000"
	_, err = ds.SaveView(ctx, "My View", stages, LinkedInfo{Color: &color}, true)
	require.NoError(t, err)

	views, err := ds.ListSavedViews(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, color, views[0].Color)
	assert.Equal(t, "my-view", views[0].Slug)

	renamed := "Renamed"
	require.NoError(t, ds.UpdateSavedViewInfo(ctx, "My View", LinkedInfo{Name: &renamed}))
	v, err := ds.LoadSavedView(ctx, "Renamed")
	require.NoError(t, err)
	assert.Len(t, v.Stages, 1)

	require.NoError(t, ds.DeleteSavedView(ctx, "Renamed"))
	ok, err := ds.HasSavedView(ctx, "Renamed")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ds.SaveWorkspace(ctx, "Grid", bson.M{"_cls": "Space"}, LinkedInfo{}, false)
	require.NoError(t, err)
	ws, err := ds.LoadWorkspace(ctx, "Grid")
	require.NoError(t, err)
	assert.Equal(t, "Space", ws.Layout["_cls"])
	require.NoError(t, ds.DeleteWorkspace(ctx, "Grid"))
	_, err = ds.LoadWorkspace(ctx, "Grid")
	assert.True(t, IsNotFound(err))
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "runs")

	_, err := ds.RegisterRun(ctx, RunBrain, "similarity", bson.M{"model": "clip"}, false)
	require.NoError(t, err)
	_, err = ds.RegisterRun(ctx, RunBrain, "similarity", bson.M{}, false)
	assert.True(t, IsNameConflict(err))
	_, err = ds.RegisterRun(ctx, RunBrain, "not.valid", bson.M{}, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, ds.SetRunResults(ctx, RunBrain, "similarity", bson.M{"index": "sim"}))
	require.NoError(t, ds.RenameRun(ctx, RunBrain, "similarity", "sim2"))

	keys, err := ds.ListRuns(ctx, RunBrain)
	require.NoError(t, err)
	assert.Equal(t, []string{"sim2"}, keys)

	run, err := ds.GetRun(ctx, RunBrain, "sim2")
	require.NoError(t, err)
	assert.Equal(t, "sim2", run.Key)
	assert.Equal(t, "clip", run.Config["model"])
	assert.Equal(t, "sim", run.Results["index"])

	require.NoError(t, ds.DeleteRuns(ctx, RunBrain))
	keys, err = ds.ListRuns(ctx, RunBrain)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSetValuesAndDeleteLabels(t *testing.T) {
	ctx := context.Background()
	ds := newTestDataset(t, newTestRegistry(t), "values")
	gt := detections("cat", "dog")
	ids, err := ds.AddSamples(ctx, []*Sample{
		NewSample("/a.jpg", bson.M{"gt": gt}),
		NewSample("/b.jpg", nil),
	}, DefaultAddOptions())
	require.NoError(t, err)

	err = ds.SetValues(ctx, "score", map[bson.ObjectID]interface{}{ids[0]: 0.1, ids[1]: 0.2}, SetValuesOptions{Expand: true, Validate: true})
	require.NoError(t, err)
	err = ds.SetValues(ctx, "score", map[bson.ObjectID]interface{}{ids[0]: "bad"}, SetValuesOptions{Validate: true})
	assert.True(t, IsSchemaViolation(err))
	err = ds.SetValues(ctx, fields.FieldCreatedAt, map[bson.ObjectID]interface{}{ids[0]: nil}, SetValuesOptions{})
	assert.True(t, IsReadOnly(err))

	s, err := ds.GetSample(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, 0.2, s.Get("score"))

	dets, _ := expr.AsArray(gt["detections"])
	cat, _ := expr.AsDoc(dets[0])
	require.NoError(t, ds.DeleteLabels(ctx, []bson.ObjectID{cat["_id"].(bson.ObjectID)}))

	s, err = ds.GetSample(ctx, ids[0])
	require.NoError(t, err)
	list, ok := expr.AsArray(s.Get("gt.detections"))
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "dog", firstElement(t, s, "gt.detections")["label"])
}

func TestInferMediaType(t *testing.T) {
	assert.Equal(t, MediaVideo, InferMediaType("/data/a.MP4"))
	assert.Equal(t, MediaImage, InferMediaType("/data/a.png"))
	assert.Equal(t, MediaImage, InferMediaType("/data/noext"))
}
