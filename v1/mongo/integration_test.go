package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
)

// TestMongoOperations runs the adapter against a real server.
func TestMongoOperations(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	uri, containerInstance := initializeMongo(ctx, t)
	defer func() {
		if err := containerInstance.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	var client docstore.Client
	app := fx.New(
		FXModule,
		fx.Provide(func() Config { return Config{URI: uri, Database: "mediaset_test"} }),
		fx.Populate(&client),
	)
	require.NoError(t, app.Start(ctx))
	defer app.Stop(ctx)

	coll := client.Collection("samples.test")

	t.Run("Unique index and bulk insert", func(t *testing.T) {
		name, err := coll.Indexes().Create(ctx, docstore.IndexSpec{
			Keys:   bson.D{{Key: "filepath", Value: 1}},
			Unique: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "filepath_1", name)

		_, err = coll.InsertMany(ctx, []bson.M{
			{"filepath": "/a.jpg", "tags": bson.A{"train"}},
			{"filepath": "/a.jpg"},
		}, docstore.InsertOptions{})
		require.Error(t, err)
		assert.True(t, docstore.IsDuplicateKey(err))

		bwe, ok := docstore.AsBulkWriteError(err)
		require.True(t, ok)
		assert.Equal(t, 1, bwe.Index)
	})

	t.Run("Nested documents decode as bson.M", func(t *testing.T) {
		_, err := coll.InsertOne(ctx, bson.M{"filepath": "/b.jpg", "metadata": bson.M{"width": 640}})
		require.NoError(t, err)

		doc, err := coll.FindOne(ctx, bson.M{"filepath": "/b.jpg"}, nil)
		require.NoError(t, err)
		meta, ok := doc["metadata"].(bson.M)
		require.True(t, ok)
		assert.EqualValues(t, 640, meta["width"])
	})

	t.Run("Merge pipeline", func(t *testing.T) {
		src := client.Collection("samples.src")
		_, err := src.InsertMany(ctx, []bson.M{
			{"filepath": "/a.jpg", "tags": bson.A{"val"}},
			{"filepath": "/c.jpg", "tags": bson.A{}},
		}, docstore.InsertOptions{})
		require.NoError(t, err)

		err = docstore.Exhaust(ctx, src, docstore.Pipeline{
			docstore.Stage("$project", bson.M{"_id": 0}),
			docstore.Stage("$merge", bson.M{
				"into": "samples.test",
				"on":   "filepath",
				"whenMatched": bson.A{bson.M{"$set": bson.M{
					"tags": bson.M{"$setUnion": bson.A{"$tags", "$$new.tags"}},
				}}},
				"whenNotMatched": "insert",
			}),
		}, nil)
		require.NoError(t, err)

		doc, err := coll.FindOne(ctx, bson.M{"filepath": "/a.jpg"}, nil)
		require.NoError(t, err)
		assert.ElementsMatch(t, bson.A{"train", "val"}, doc["tags"])

		n, err := coll.CountDocuments(ctx, bson.M{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("Stats", func(t *testing.T) {
		st, err := coll.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), st.Count)
		assert.Contains(t, st.IndexSizes, "filepath_1")

		missing, err := client.Collection("samples.none").Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, missing.Count)
	})

	t.Run("Drop index", func(t *testing.T) {
		require.NoError(t, coll.Indexes().Drop(ctx, "filepath_1"))
		err := coll.Indexes().Drop(ctx, "filepath_1")
		assert.True(t, docstore.IsNotFound(err))
	})
}

func initializeMongo(ctx context.Context, t *testing.T) (string, testcontainers.Container) {
	req := testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("27017/tcp").WithStartupTimeout(60*time.Second),
			wait.ForLog("Waiting for connections").WithStartupTimeout(60*time.Second),
		),
	}

	containerInstance, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := containerInstance.Host(ctx)
	require.NoError(t, err)
	port, err := containerInstance.MappedPort(ctx, "27017")
	require.NoError(t, err)

	return fmt.Sprintf("mongodb://%s:%s", host, port.Port()), containerInstance
}
