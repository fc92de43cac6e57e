package docstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/mock/gomock"

	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

// expiringCursor yields docs and then fails with ErrCursorNotFound after
// failAfter documents.
type expiringCursor struct {
	*SliceCursor
	failAfter int
	served    int
	err       error
}

func (c *expiringCursor) Next(ctx context.Context) bool {
	if c.served == c.failAfter {
		c.err = fmt.Errorf("getMore: %w", ErrCursorNotFound)
		return false
	}
	if !c.SliceCursor.Next(ctx) {
		return false
	}
	c.served++
	return true
}

func (c *expiringCursor) Err() error { return c.err }

func makeDocs(n int) []bson.M {
	docs := make([]bson.M, n)
	for i := range docs {
		docs[i] = bson.M{"_id": i}
	}
	return docs
}

func TestResumableCursorRecoversFromExpiry(t *testing.T) {
	ctrl := gomock.NewController(t)
	coll := NewMockCollection(ctrl)

	docs := makeDocs(10000)
	base := Pipeline{Stage("$sort", bson.D{{Key: "_id", Value: 1}})}

	coll.EXPECT().Name().Return("samples.test").AnyTimes()
	first := coll.EXPECT().
		Aggregate(gomock.Any(), base, nil).
		Return(&expiringCursor{SliceCursor: NewSliceCursor(docs), failAfter: 4000}, nil)
	coll.EXPECT().
		Aggregate(gomock.Any(), append(base.Clone(), Stage("$skip", int64(4000))), nil).
		Return(NewSliceCursor(docs[4000:]), nil).
		After(first)

	var restarts int
	obs := observability.ObserverFunc(func(op observability.OperationContext) {
		if op.Operation == "cursor_restart" {
			restarts++
		}
	})

	ctx := context.Background()
	cur, err := NewResumableCursor(ctx, coll, base, ResumableOptions{Observer: obs})
	require.NoError(t, err)
	defer cur.Close(ctx)

	seen := 0
	for cur.Next(ctx) {
		require.Equal(t, seen, cur.Current()["_id"])
		seen++
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, 10000, seen)
	assert.Equal(t, int64(10000), cur.Consumed())
	assert.Equal(t, 1, cur.Restarts())
	assert.Equal(t, 1, restarts)
}

func TestResumableCursorGivesUpAfterMaxRestarts(t *testing.T) {
	ctrl := gomock.NewController(t)
	coll := NewMockCollection(ctrl)

	coll.EXPECT().Name().Return("samples.test").AnyTimes()
	coll.EXPECT().
		Aggregate(gomock.Any(), gomock.Any(), nil).
		DoAndReturn(func(context.Context, Pipeline, *AggregateOptions) (Cursor, error) {
			return &expiringCursor{SliceCursor: NewSliceCursor(nil), failAfter: 0}, nil
		}).
		Times(3)

	ctx := context.Background()
	cur, err := NewResumableCursor(ctx, coll, Pipeline{}, ResumableOptions{MaxRestarts: 2})
	require.NoError(t, err)

	assert.False(t, cur.Next(ctx))
	assert.True(t, IsCursorExpired(cur.Err()))
}

func TestResumableCursorPropagatesOtherErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	coll := NewMockCollection(ctrl)
	boom := errors.New("boom")

	coll.EXPECT().Aggregate(gomock.Any(), gomock.Any(), nil).Return(nil, boom)

	_, err := NewResumableCursor(context.Background(), coll, Pipeline{}, ResumableOptions{})
	assert.ErrorIs(t, err, boom)
}

func TestBulkWriteError(t *testing.T) {
	err := fmt.Errorf("add samples: %w", &BulkWriteError{
		Index:    3,
		Code:     DuplicateKeyCode,
		Key:      "/data/a.jpg",
		Message:  "E11000 duplicate key error",
		Failures: 2,
	})

	assert.True(t, IsDuplicateKey(err))
	assert.Equal(t, CategoryConflict, GetErrorCategory(err))
	assert.False(t, IsRetryableError(err))

	bwe, ok := AsBulkWriteError(err)
	require.True(t, ok)
	assert.Equal(t, 3, bwe.Index)
	assert.Contains(t, err.Error(), "/data/a.jpg")
	assert.Contains(t, err.Error(), "E11000 duplicate key error")
}

func TestErrorCategories(t *testing.T) {
	assert.Equal(t, CategoryNotFound, GetErrorCategory(ErrNoDocuments))
	assert.Equal(t, CategoryTransient, GetErrorCategory(ErrCursorNotFound))
	assert.Equal(t, CategoryCanceled, GetErrorCategory(context.Canceled))
	assert.Equal(t, CategoryUnknown, GetErrorCategory(errors.New("x")))
	assert.Equal(t, "conflict", CategoryConflict.String())
}

func TestIndexName(t *testing.T) {
	keys := bson.D{{Key: "filepath", Value: 1}, {Key: "created_at", Value: -1}}
	assert.Equal(t, "filepath_1_created_at_-1", IndexName(keys))
	assert.Equal(t, []string{"filepath", "created_at"}, IndexSpec{Keys: keys}.Fields())
}

func TestAllAndForEach(t *testing.T) {
	ctx := context.Background()
	docs, err := All(ctx, NewSliceCursor(makeDocs(3)))
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	stop := errors.New("stop")
	var n int
	err = ForEach(ctx, NewSliceCursor(makeDocs(5)), func(bson.M) error {
		n++
		if n == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, n)
}
