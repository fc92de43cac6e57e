package dataset

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// Collection names of the registry and the records it references.
const (
	DatasetsCollection   = "datasets"
	ViewsCollection      = "views"
	WorkspacesCollection = "workspaces"
	RunsCollection       = "runs"
)

// Media types.
const (
	MediaUnset = ""
	MediaImage = "image"
	MediaVideo = "video"
	MediaGroup = "group"
	MediaMixed = "mixed"
)

// datasetDoc is the registry document of one dataset.
type datasetDoc struct {
	ID             bson.ObjectID `bson:"_id"`
	Name           string        `bson:"name"`
	Slug           string        `bson:"slug"`
	MediaType      string        `bson:"media_type"`
	Persistent     bool          `bson:"persistent"`
	CreatedAt      time.Time     `bson:"created_at"`
	LastModifiedAt time.Time     `bson:"last_modified_at"`
	LastLoadedAt   time.Time     `bson:"last_loaded_at"`
	LastDeletionAt *time.Time    `bson:"last_deletion_at,omitempty"`

	SampleCollectionName string `bson:"sample_collection_name"`
	FrameCollectionName  string `bson:"frame_collection_name,omitempty"`
	FramesOwned          bool   `bson:"frames_owned"`
	SourceDataset        string `bson:"source_dataset,omitempty"`

	Tags               []string            `bson:"tags"`
	Info               bson.M              `bson:"info"`
	Description        string              `bson:"description,omitempty"`
	Classes            map[string][]string `bson:"classes"`
	DefaultClasses     []string            `bson:"default_classes"`
	MaskTargets        map[string]bson.M   `bson:"mask_targets"`
	DefaultMaskTargets bson.M              `bson:"default_mask_targets"`
	Skeletons          map[string]bson.M   `bson:"skeletons"`
	DefaultSkeleton    bson.M              `bson:"default_skeleton,omitempty"`
	AppConfig          bson.M              `bson:"app_config"`

	SampleFields []fields.FieldDoc `bson:"sample_fields"`
	FrameFields  []fields.FieldDoc `bson:"frame_fields,omitempty"`

	GroupField        string            `bson:"group_field,omitempty"`
	GroupMediaTypes   map[string]string `bson:"group_media_types,omitempty"`
	DefaultGroupSlice string            `bson:"default_group_slice,omitempty"`

	SavedViews     []bson.ObjectID          `bson:"saved_views"`
	Workspaces     []bson.ObjectID          `bson:"workspaces"`
	AnnotationRuns map[string]bson.ObjectID `bson:"annotation_runs"`
	BrainMethods   map[string]bson.ObjectID `bson:"brain_methods"`
	Evaluations    map[string]bson.ObjectID `bson:"evaluations"`
	Runs           map[string]bson.ObjectID `bson:"runs"`
}

func newDatasetDoc(name, slug string, persistent bool, now time.Time) datasetDoc {
	id := bson.NewObjectID()
	return datasetDoc{
		ID:                   id,
		Name:                 name,
		Slug:                 slug,
		Persistent:           persistent,
		CreatedAt:            now,
		LastModifiedAt:       now,
		LastLoadedAt:         now,
		SampleCollectionName: "samples." + id.Hex(),
		Tags:                 []string{},
		Info:                 bson.M{},
		Classes:              map[string][]string{},
		DefaultClasses:       []string{},
		MaskTargets:          map[string]bson.M{},
		DefaultMaskTargets:   bson.M{},
		Skeletons:            map[string]bson.M{},
		AppConfig:            bson.M{},
		SampleFields:         fields.SchemaToDocs(fields.NewSchema(fields.DefaultSampleFields()...)),
		SavedViews:           []bson.ObjectID{},
		Workspaces:           []bson.ObjectID{},
		AnnotationRuns:       map[string]bson.ObjectID{},
		BrainMethods:         map[string]bson.ObjectID{},
		Evaluations:          map[string]bson.ObjectID{},
		Runs:                 map[string]bson.ObjectID{},
	}
}

// frameCollectionFor derives the frame collection of a sample collection.
func frameCollectionFor(sampleCollection string) string {
	return "frames." + sampleCollection
}

// toM converts a bson-tagged struct into a document.
func toM(v interface{}) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return expr.NormalizeDoc(m), nil
}

// fromM decodes a document into a bson-tagged struct.
func fromM(m bson.M, out interface{}) error {
	raw, err := bson.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// encodeValue converts a typed value into its stored document form.
func encodeValue(v interface{}) (interface{}, error) {
	m, err := toM(bson.M{"v": v})
	if err != nil {
		return nil, err
	}
	return m["v"], nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives the URL-safe slug of a dataset name.
func Slugify(name string) (string, error) {
	slug := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		return "", fmt.Errorf("%w: name %q has an empty slug", ErrInvalidArgument, name)
	}
	return slug, nil
}

// now returns the current time at the store's millisecond precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
