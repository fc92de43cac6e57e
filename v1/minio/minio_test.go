package minio

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

func TestConnectRequiresEndpoint(t *testing.T) {
	_, err := connectToMinio(Config{})
	assert.Error(t, err)

	c, err := connectToMinio(Config{Connection: Connection{Endpoint: "localhost:9000"}})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestTranslateError(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}

	assert.True(t, IsNotFound(translateError(notFound)))
	assert.True(t, IsNotFound(fmt.Errorf("open: %w", translateError(notFound))))
	assert.True(t, errors.Is(translateError(denied), ErrAccessDenied))
	assert.False(t, IsNotFound(translateError(errors.New("boom"))))
	assert.NoError(t, translateError(nil))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/x-ndjson", contentType("a/samples.ndjson"))
	assert.Equal(t, "application/json", contentType("a/manifest.json"))
	assert.Equal(t, "application/gzip", contentType("a/samples.ndjson.gz"))
	assert.Equal(t, "application/octet-stream", contentType("a/blob"))
}

func TestObserveOperationDefaultsToBucket(t *testing.T) {
	var got []observability.OperationContext
	m := &MinioClient{cfg: Config{Connection: Connection{BucketName: "exports"}}}
	m.WithObserver(observability.ObserverFunc(func(ctx observability.OperationContext) {
		got = append(got, ctx)
	}))

	m.observeOperation("put", "", "animals/samples.ndjson", time.Millisecond, nil, 42, nil)

	require.Len(t, got, 1)
	assert.Equal(t, "minio", got[0].Component)
	assert.Equal(t, "exports", got[0].Resource)
	assert.Equal(t, "animals/samples.ndjson", got[0].SubResource)
	assert.Equal(t, int64(42), got[0].Size)
}

func TestConfigDefaults(t *testing.T) {
	assert.Equal(t, uint64(DefaultPartSize), Config{}.withDefaults().PartSize)
	assert.Equal(t, uint64(5<<20), Config{PartSize: 5 << 20}.withDefaults().PartSize)
}
