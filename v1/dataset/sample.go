package dataset

import (
	"context"
	"fmt"
	"maps"
	"mime"
	"path"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
)

// Sample is one record of a dataset: a document plus, for video, its
// frames keyed by frame number. Field paths use field names, so "id"
// addresses the stored "_id".
//
// A Sample is not safe for concurrent use.
type Sample struct {
	dataset *Dataset
	doc     bson.M
	frames  map[int64]bson.M

	dirty       map[string]struct{}
	unset       map[string]struct{}
	dirtyFrames map[int64]struct{}
}

// NewSample returns a sample that is not yet part of a dataset.
func NewSample(filepath string, values bson.M) *Sample {
	doc := expr.NormalizeDoc(values)
	doc[fields.FieldFilepath] = filepath
	if _, ok := doc[fields.FieldTags]; !ok {
		doc[fields.FieldTags] = bson.A{}
	}
	return &Sample{doc: doc, frames: map[int64]bson.M{}}
}

func sampleFromDoc(d *Dataset, doc bson.M) *Sample {
	return &Sample{dataset: d, doc: expr.NormalizeDoc(doc), frames: map[int64]bson.M{}}
}

// SampleFromDoc binds a document read through a view to d. An embedded
// frames array is split into the sample's frames.
func (d *Dataset) SampleFromDoc(doc bson.M) *Sample {
	s := sampleFromDoc(d, doc)
	list, ok := expr.AsArray(s.doc[fields.FieldFrames])
	if !ok {
		return s
	}
	delete(s.doc, fields.FieldFrames)
	for _, el := range list {
		frame, ok := expr.AsDoc(el)
		if !ok {
			continue
		}
		if n, ok := expr.AsInt64(frame[fields.FieldFrameNumber]); ok {
			delete(frame, fields.FieldSampleID)
			s.frames[n] = frame
		}
	}
	return s
}

// storedPath maps the leading "id" of a field path to "_id".
func storedPath(p string) string {
	if p == fields.FieldID {
		return "_id"
	}
	if rest, ok := strings.CutPrefix(p, fields.FieldID+"."); ok {
		return "_id." + rest
	}
	return p
}

// Dataset returns the dataset holding the sample, or nil.
func (s *Sample) Dataset() *Dataset { return s.dataset }

// InDataset reports whether the sample was added to or read from a
// dataset.
func (s *Sample) InDataset() bool { return s.dataset != nil }

// ID returns the sample id; zero before the sample is added.
func (s *Sample) ID() bson.ObjectID {
	id, _ := s.doc["_id"].(bson.ObjectID)
	return id
}

// Filepath returns the media path.
func (s *Sample) Filepath() string {
	fp, _ := s.doc[fields.FieldFilepath].(string)
	return fp
}

// MediaType returns the stored media type or the one implied by the
// file extension.
func (s *Sample) MediaType() string {
	if mt, ok := s.doc[fields.FieldMediaType].(string); ok && mt != "" {
		return mt
	}
	return InferMediaType(s.Filepath())
}

// Get returns the value at path, or nil when absent.
func (s *Sample) Get(p string) interface{} {
	v := expr.GetPath(s.doc, storedPath(p))
	if expr.IsMissing(v) {
		return nil
	}
	return v
}

// Has reports whether path holds a value. Null counts as absent.
func (s *Sample) Has(p string) bool {
	return !expr.IsNullish(expr.GetPath(s.doc, storedPath(p)))
}

// Set stores v at path.
func (s *Sample) Set(p string, v interface{}) {
	sp := storedPath(p)
	expr.SetPath(s.doc, sp, expr.Normalize(v))
	s.markDirty(sp)
}

// Clear sets path to null.
func (s *Sample) Clear(p string) { s.Set(p, nil) }

// Unset removes path from the document.
func (s *Sample) Unset(p string) {
	sp := storedPath(p)
	expr.UnsetPath(s.doc, sp)
	if s.dirty != nil {
		delete(s.dirty, sp)
	}
	if s.unset == nil {
		s.unset = map[string]struct{}{}
	}
	s.unset[sp] = struct{}{}
}

func (s *Sample) markDirty(p string) {
	if s.dirty == nil {
		s.dirty = map[string]struct{}{}
	}
	s.dirty[p] = struct{}{}
	if s.unset != nil {
		delete(s.unset, p)
	}
}

// Doc returns a copy of the stored document.
func (s *Sample) Doc() bson.M { return expr.DeepCopy(s.doc) }

// Frame returns the frame document of number n, or nil.
func (s *Sample) Frame(n int64) bson.M {
	return s.frames[n]
}

// SetFrame stores the values of doc on frame n, creating the frame.
// Built-in frame fields of doc are ignored.
func (s *Sample) SetFrame(n int64, doc bson.M) {
	frame, ok := s.frames[n]
	if !ok {
		frame = bson.M{}
		s.frames[n] = frame
	}
	for k, v := range expr.NormalizeDoc(doc) {
		switch k {
		case "_id", fields.FieldSampleID, fields.FieldFrameNumber:
			continue
		}
		frame[k] = v
	}
	if s.dirtyFrames == nil {
		s.dirtyFrames = map[int64]struct{}{}
	}
	s.dirtyFrames[n] = struct{}{}
}

// SetFrameValue stores v at path of frame n, creating the frame.
func (s *Sample) SetFrameValue(n int64, p string, v interface{}) {
	doc := bson.M{}
	expr.SetPath(doc, p, expr.Normalize(v))
	s.SetFrame(n, doc)
}

// Frames returns the frame numbers in ascending order.
func (s *Sample) Frames() []int64 {
	return slices.Sorted(maps.Keys(s.frames))
}

// Save writes the changed fields and frames of a sample read from or
// added to a dataset.
func (s *Sample) Save(ctx context.Context) error {
	if s.dataset == nil {
		return fmt.Errorf("%w: sample %q is not in a dataset", ErrInvalidArgument, s.Filepath())
	}
	return s.dataset.saveSample(ctx, s)
}

// Reload re-reads the sample and its frames, dropping unsaved changes.
func (s *Sample) Reload(ctx context.Context) error {
	if s.dataset == nil {
		return fmt.Errorf("%w: sample %q is not in a dataset", ErrInvalidArgument, s.Filepath())
	}
	fresh, err := s.dataset.GetSample(ctx, s.ID())
	if err != nil {
		return err
	}
	*s = *fresh
	return nil
}

func (s *Sample) clean() {
	s.dirty, s.unset, s.dirtyFrames = nil, nil, nil
}

var videoExtensions = []string{
	".mp4", ".avi", ".mov", ".mkv", ".webm", ".mpg", ".mpeg", ".m4v", ".wmv", ".flv", ".3gp",
}

// InferMediaType returns the media type implied by the extension of
// filepath. Anything that is not a known video is an image.
func InferMediaType(filepath string) string {
	ext := strings.ToLower(path.Ext(filepath))
	if strings.HasPrefix(mime.TypeByExtension(ext), "video/") || slices.Contains(videoExtensions, ext) {
		return MediaVideo
	}
	return MediaImage
}
