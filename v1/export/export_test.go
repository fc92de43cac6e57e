package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/memstore"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

var errNotFound = errors.New("not found")

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Put(_ context.Context, key string, r io.Reader, _ int64) (int64, error) {
	if m.putErr != nil {
		return 0, m.putErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	return int64(len(body)), nil
}

func (m *memStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, errNotFound)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func newRegistry(t *testing.T) *dataset.Registry {
	t.Helper()
	reg := dataset.NewRegistry(memstore.NewClient(), dataset.RegistryOptions{})
	require.NoError(t, reg.EnsureIndexes(context.Background()))
	return reg
}

func create(t *testing.T, reg *dataset.Registry, name string) *dataset.Dataset {
	t.Helper()
	ds, err := reg.Create(context.Background(), name, dataset.CreateOptions{})
	require.NoError(t, err)
	return ds
}

func addImages(t *testing.T, ds *dataset.Dataset) {
	t.Helper()
	_, err := ds.AddSamples(context.Background(), []*dataset.Sample{
		dataset.NewSample("/a.jpg", bson.M{"score": 0.9, "tags": bson.A{"train"}, "label": bson.M{fields.ClassKey: fields.Classification, "_id": bson.NewObjectID(), "label": "cat"}}),
		dataset.NewSample("/b.jpg", bson.M{"score": 0.2, "tags": bson.A{"val"}}),
		dataset.NewSample("/c.jpg", bson.M{"score": 0.5}),
	}, dataset.DefaultAddOptions())
	require.NoError(t, err)
}

func sortedFilepaths(t *testing.T, ds *dataset.Dataset) []string {
	t.Helper()
	values, err := view.New(ds).Values(context.Background(), fields.FieldFilepath)
	require.NoError(t, err)
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, _ := v.(string)
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func TestExportImportImages(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	src := create(t, reg, "src")
	addImages(t, src)
	_, err := src.AddSampleField(ctx, "notes", fields.NewField("notes", fields.String))
	require.NoError(t, err)
	store := newMemStore()

	res, err := Export(ctx, view.New(src), store, "exports/src", ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Samples)
	assert.Zero(t, res.Frames)
	assert.Positive(t, res.Bytes)

	data := string(store.objects["exports/src/samples.ndjson"])
	assert.Len(t, strings.Split(strings.TrimSpace(data), "\n"), 3)

	m, err := ReadManifest(ctx, store, "exports/src")
	require.NoError(t, err)
	assert.Equal(t, "src", m.Dataset)
	assert.Equal(t, dataset.MediaImage, m.MediaType)
	assert.Equal(t, int64(3), m.Samples)
	assert.False(t, m.Compressed)

	dst := create(t, reg, "dst")
	res, err = Import(ctx, dst, store, "exports/src", ImportOptions{BatchSize: 2, Tags: []string{"imported"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Samples)

	n, err := dst.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []string{"/a.jpg", "/b.jpg", "/c.jpg"}, sortedFilepaths(t, dst))

	_, ok := dst.GetFieldSchema(fields.FilterOptions{}).Get("notes")
	assert.True(t, ok, "declared fields survive without values")
	f, ok := dst.GetFieldSchema(fields.FilterOptions{}).Get("score")
	require.True(t, ok)
	assert.Equal(t, fields.Float, f.Kind)

	a, err := view.New(dst).MustAdd(view.NewMatch(bson.M{fields.FieldFilepath: "/a.jpg"})).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.9, a.Get("score"))
	assert.Equal(t, "cat", a.Get("label.label"))
	assert.Equal(t, bson.A{"train", "imported"}, a.Get(fields.FieldTags))

	orig, err := view.New(src).MustAdd(view.NewMatch(bson.M{fields.FieldFilepath: "/a.jpg"})).First(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID(), a.ID())
}

func TestExportFilteredView(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	src := create(t, reg, "src")
	addImages(t, src)
	store := newMemStore()

	v := view.New(src).MustAdd(view.NewMatch(bson.M{"score": bson.M{"$gt": 0.4}}))
	res, err := Export(ctx, v, store, "high", ExportOptions{Compress: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Samples)
	assert.Contains(t, store.objects, "high/samples.ndjson.gz")

	dst := create(t, reg, "dst")
	res, err = Import(ctx, dst, store, "high", ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Samples)
	assert.Equal(t, []string{"/a.jpg", "/c.jpg"}, sortedFilepaths(t, dst))
}

func TestExportImportVideo(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	src := create(t, reg, "clips")
	for i, quality := range []float64{0.9, 0.1} {
		s := dataset.NewSample(fmt.Sprintf("/%d.mp4", i), nil)
		s.SetFrame(1, bson.M{"quality": quality})
		s.SetFrame(3, bson.M{"quality": 0.5})
		_, err := src.AddSample(ctx, s, dataset.DefaultAddOptions())
		require.NoError(t, err)
	}
	store := newMemStore()

	res, err := Export(ctx, view.New(src), store, "video", ExportOptions{Compress: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Samples)
	assert.Equal(t, int64(4), res.Frames)

	dst := create(t, reg, "copy")
	res, err = Import(ctx, dst, store, "video", ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Frames)
	assert.Equal(t, dataset.MediaVideo, dst.MediaType())

	frames, err := dst.CountFrames(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), frames)

	s, err := view.New(dst).
		MustAdd(view.NewMatch(bson.M{fields.FieldFilepath: "/0.mp4"})).
		WithOptions(view.PipelineOptions{AttachFrames: true}).
		First(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, s.Frames())
	assert.Equal(t, 0.9, s.Frame(1)["quality"])

	_, ok := dst.GetFrameFieldSchema(fields.FilterOptions{}).Get("quality")
	assert.True(t, ok)
}

func TestImportErrors(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	dst := create(t, reg, "dst")
	store := newMemStore()

	_, err := Import(ctx, dst, store, "missing", ImportOptions{})
	assert.ErrorIs(t, err, errNotFound)

	manifest, err := bson.MarshalExtJSON(Manifest{Version: manifestVersion, Dataset: "x", Object: samplesObject}, false, false)
	require.NoError(t, err)
	store.objects["bad/manifest.json"] = manifest
	store.objects["bad/samples.ndjson"] = []byte(`{"filepath": "/ok.jpg"}` + "\n" + `{"score": 1}` + "\n")

	res, err := Import(ctx, dst, store, "bad", ImportOptions{})
	assert.ErrorIs(t, err, ErrInvalidExport)
	assert.Contains(t, err.Error(), "line 2")
	assert.Zero(t, res.Samples)

	store.objects["old/manifest.json"] = []byte(`{"version": 7, "object": "samples.ndjson"}`)
	_, err = ReadManifest(ctx, store, "old")
	assert.ErrorIs(t, err, ErrInvalidExport)
}

func TestExportStoreFailure(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	src := create(t, reg, "src")
	addImages(t, src)
	store := newMemStore()
	store.putErr = errors.New("bucket gone")

	_, err := Export(ctx, view.New(src), store, "x", ExportOptions{})
	assert.ErrorContains(t, err, "bucket gone")
	assert.Empty(t, store.objects)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "manifest.json", Key("", ManifestObject))
	assert.Equal(t, "a/b/manifest.json", Key("a/b", ManifestObject))
}
