package mongo

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
)

func TestTranslateError(t *testing.T) {
	assert.NoError(t, translateError(nil))

	err := translateError(fmt.Errorf("find: %w", mongo.ErrNoDocuments))
	assert.True(t, docstore.IsNotFound(err))
	assert.ErrorIs(t, err, mongo.ErrNoDocuments)

	err = translateError(mongo.CommandError{Code: codeCursorNotFound, Message: "cursor id 123 not found"})
	assert.True(t, docstore.IsCursorExpired(err))

	err = translateError(mongo.WriteException{WriteErrors: mongo.WriteErrors{
		{Code: docstore.DuplicateKeyCode, Message: "E11000 duplicate key error"},
	}})
	assert.True(t, docstore.IsDuplicateKey(err))

	other := errors.New("network down")
	assert.Equal(t, other, translateError(other))
}

func TestTranslateBulkWriteException(t *testing.T) {
	exc := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Index: 2, Code: docstore.DuplicateKeyCode, Message: "E11000 duplicate key error collection: mediaset.samples index: filepath_1"}},
		{WriteError: mongo.WriteError{Index: 5, Code: docstore.DuplicateKeyCode, Message: "E11000"}},
	}}

	err := translateError(exc)
	bwe, ok := docstore.AsBulkWriteError(err)
	require.True(t, ok)
	assert.Equal(t, 2, bwe.Index)
	assert.Equal(t, 2, bwe.Failures)
	assert.True(t, docstore.IsDuplicateKey(err))
	assert.Contains(t, err.Error(), "filepath_1")
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URI: "mongodb://db:27017"}.withDefaults()
	assert.Equal(t, "mongodb://db:27017", cfg.URI)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, uint64(DefaultMaxPoolSize), cfg.MaxPoolSize)
	assert.Equal(t, DefaultServerSelectionTimeout, cfg.ServerSelectionTimeout)
}
