package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
)

const (
	DefaultBatchSize = 1000

	// maxLineSize bounds one encoded sample including its frames.
	maxLineSize = 64 << 20
)

// ErrInvalidExport is returned for a manifest or sample line that cannot
// be decoded.
var ErrInvalidExport = errors.New("invalid export")

// ImportOptions configure Import.
type ImportOptions struct {
	// BatchSize is the number of samples added per insert.
	// Default: 1000
	BatchSize int

	// Add controls schema expansion and validation. Nil means
	// dataset.DefaultAddOptions.
	Add *dataset.AddOptions

	// Tags are appended to the tags of every imported sample.
	Tags []string
}

// stripped keys are regenerated by the target dataset.
var stripped = []string{"_id", fields.FieldSampleID, fields.FieldCreatedAt, fields.FieldLastModifiedAt}

// ReadManifest reads the manifest of the export under prefix.
func ReadManifest(ctx context.Context, store ObjectStore, prefix string) (Manifest, error) {
	rc, err := store.Open(ctx, Key(prefix, ManifestObject))
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := bson.UnmarshalExtJSON(body, false, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest: %v", ErrInvalidExport, err)
	}
	if m.Version != manifestVersion || m.Object == "" {
		return Manifest{}, fmt.Errorf("%w: unsupported manifest version %d", ErrInvalidExport, m.Version)
	}
	return m, nil
}

// Import adds the samples exported under prefix to ds. New samples get
// new ids. The exported schemas are merged into ds first.
func Import(ctx context.Context, ds *dataset.Dataset, store ObjectStore, prefix string, opts ImportOptions) (res Result, err error) {
	start := time.Now()
	defer func() {
		observability.Observe(ds.Registry().Observer(), observability.OperationContext{
			Component:   "export",
			Operation:   "import",
			Resource:    ds.Name(),
			SubResource: prefix,
			Duration:    time.Since(start),
			Error:       err,
			Size:        res.Samples,
			Metadata:    map[string]interface{}{"frames": res.Frames},
		})
	}()
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	add := dataset.DefaultAddOptions()
	if opts.Add != nil {
		add = *opts.Add
	}

	m, err := ReadManifest(ctx, store, prefix)
	if err != nil {
		return Result{}, fmt.Errorf("import %s into %q: %w", prefix, ds.Name(), err)
	}
	if err := mergeSchemas(ctx, ds, m); err != nil {
		return Result{}, fmt.Errorf("import %s into %q: %w", prefix, ds.Name(), err)
	}

	rc, err := store.Open(ctx, Key(prefix, m.Object))
	if err != nil {
		return Result{}, fmt.Errorf("import %s into %q: %w", prefix, ds.Name(), err)
	}
	defer rc.Close()
	var r io.Reader = rc
	if m.Compressed {
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return Result{}, fmt.Errorf("import %s into %q: %w", prefix, ds.Name(), err)
		}
		defer zr.Close()
		r = zr
	}

	batch := make([]*dataset.Sample, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids, err := ds.AddSamples(ctx, batch, add)
		if err != nil {
			return err
		}
		res.Samples += int64(len(ids))
		for _, s := range batch {
			res.Frames += int64(len(s.Frames()))
		}
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		s, err := decodeSample(sc.Bytes(), opts.Tags)
		if err != nil {
			return res, fmt.Errorf("import %s into %q: line %d: %w", prefix, ds.Name(), line, err)
		}
		batch = append(batch, s)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return res, fmt.Errorf("import %s into %q: %w", prefix, ds.Name(), err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("import %s into %q: %w", prefix, ds.Name(), err)
	}
	if err := flush(); err != nil {
		return res, fmt.Errorf("import %s into %q: %w", prefix, ds.Name(), err)
	}

	ds.Registry().Logger().InfoWithContext(ctx, "Imported export", nil, map[string]interface{}{
		"dataset": ds.Name(),
		"source":  m.Dataset,
		"prefix":  prefix,
		"samples": res.Samples,
		"frames":  res.Frames,
	})
	return res, nil
}

func mergeSchemas(ctx context.Context, ds *dataset.Dataset, m Manifest) error {
	switch m.MediaType {
	case dataset.MediaUnset, dataset.MediaGroup, dataset.MediaMixed:
	default:
		if err := ds.EnsureMediaType(ctx, m.MediaType); err != nil {
			return err
		}
	}
	opts := fields.MergeOptions{Expand: true, Recursive: true, Validate: true}
	schema, err := fields.SchemaFromDocs(m.SampleFields)
	if err != nil {
		return fmt.Errorf("%w: sample fields: %v", ErrInvalidExport, err)
	}
	if _, err := ds.MergeSampleFieldSchema(ctx, schema, opts); err != nil {
		return err
	}
	if len(m.FrameFields) == 0 {
		return nil
	}
	schema, err = fields.SchemaFromDocs(m.FrameFields)
	if err != nil {
		return fmt.Errorf("%w: frame fields: %v", ErrInvalidExport, err)
	}
	_, err = ds.MergeFrameFieldSchema(ctx, schema, opts)
	return err
}

func decodeSample(line []byte, tags []string) (*dataset.Sample, error) {
	var raw bson.M
	if err := bson.UnmarshalExtJSON(line, false, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	doc := expr.NormalizeDoc(raw)
	fp, _ := doc[fields.FieldFilepath].(string)
	if fp == "" {
		return nil, fmt.Errorf("%w: sample without filepath", ErrInvalidExport)
	}
	frames, _ := expr.AsArray(doc[fields.FieldFrames])
	delete(doc, fields.FieldFrames)
	for _, k := range stripped {
		delete(doc, k)
	}
	if len(tags) > 0 {
		current, _ := expr.AsArray(doc[fields.FieldTags])
		for _, t := range tags {
			current = append(current, t)
		}
		doc[fields.FieldTags] = current
	}

	s := dataset.NewSample(fp, doc)
	for _, el := range frames {
		frame, ok := expr.AsDoc(el)
		if !ok {
			return nil, fmt.Errorf("%w: frame of %q is not a document", ErrInvalidExport, fp)
		}
		n, ok := expr.AsInt64(frame[fields.FieldFrameNumber])
		if !ok || n < 1 {
			return nil, fmt.Errorf("%w: frame of %q has no valid frame number", ErrInvalidExport, fp)
		}
		delete(frame, fields.FieldCreatedAt)
		delete(frame, fields.FieldLastModifiedAt)
		s.SetFrame(n, frame)
	}
	return s, nil
}
