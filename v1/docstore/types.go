package docstore

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// IDIndexName is the name of the mandatory _id index.
const IDIndexName = "_id_"

// FindOptions narrows a Find or FindOne.
type FindOptions struct {
	Sort       bson.D
	Skip       int64
	Limit      int64
	Projection bson.M
}

// AggregateOptions tunes pipeline execution.
type AggregateOptions struct {
	AllowDiskUse bool
	BatchSize    int32
}

// InsertOptions tunes InsertMany.
type InsertOptions struct {
	// Unordered continues past failed documents.
	Unordered bool
}

// UpdateOptions tunes UpdateOne, UpdateMany and ReplaceOne.
type UpdateOptions struct {
	Upsert bool
}

// BulkWriteOptions tunes BulkWrite.
type BulkWriteOptions struct {
	Unordered bool
}

// UpdateResult reports the outcome of an update or replace.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	UpsertedID    interface{}
}

// BulkWriteResult reports the outcome of a bulk write.
type BulkWriteResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	UpsertedCount int64
	UpsertedIDs   map[int64]interface{}
}

// WriteModel is one operation of a BulkWrite.
type WriteModel interface {
	writeModel()
}

// InsertOneModel inserts Document.
type InsertOneModel struct {
	Document bson.M
}

// UpdateOneModel updates the first document matching Filter.
type UpdateOneModel struct {
	Filter bson.M
	Update interface{}
	Upsert bool
}

// UpdateManyModel updates every document matching Filter.
type UpdateManyModel struct {
	Filter bson.M
	Update interface{}
	Upsert bool
}

// ReplaceOneModel replaces the first document matching Filter.
type ReplaceOneModel struct {
	Filter      bson.M
	Replacement bson.M
	Upsert      bool
}

// DeleteOneModel deletes the first document matching Filter.
type DeleteOneModel struct {
	Filter bson.M
}

// DeleteManyModel deletes every document matching Filter.
type DeleteManyModel struct {
	Filter bson.M
}

func (InsertOneModel) writeModel()  {}
func (UpdateOneModel) writeModel()  {}
func (UpdateManyModel) writeModel() {}
func (ReplaceOneModel) writeModel() {}
func (DeleteOneModel) writeModel()  {}
func (DeleteManyModel) writeModel() {}

// IndexSpec describes a secondary index.
type IndexSpec struct {
	// Name defaults to IndexName(Keys) when empty.
	Name   string
	Keys   bson.D
	Unique bool
	Sparse bool
}

// Fields returns the key paths of the index in order.
func (s IndexSpec) Fields() []string {
	out := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		out[i] = k.Key
	}
	return out
}

// IndexName derives the store's default index name, e.g. "a_1_b_-1".
func IndexName(keys bson.D) string {
	parts := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		parts = append(parts, k.Key, fmt.Sprint(k.Value))
	}
	return strings.Join(parts, "_")
}

// CollectionStats are storage statistics of one collection.
type CollectionStats struct {
	Count          int64
	Size           int64
	StorageSize    int64
	TotalIndexSize int64
	IndexSizes     map[string]int64
}

// Stage builds a single-key pipeline stage.
func Stage(op string, spec interface{}) bson.D {
	return bson.D{{Key: op, Value: spec}}
}

// StageName returns the operator of a pipeline stage, or "" when the stage
// is not a single-key document.
func StageName(stage bson.D) string {
	if len(stage) != 1 {
		return ""
	}
	return stage[0].Key
}

// Clone returns a shallow copy of p so appending never aliases the original.
func (p Pipeline) Clone() Pipeline {
	out := make(Pipeline, len(p))
	copy(out, p)
	return out
}
