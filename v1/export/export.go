package export

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"

	"github.com/Aleph-Alpha/mediaset/v1/dataset"
	"github.com/Aleph-Alpha/mediaset/v1/expr"
	"github.com/Aleph-Alpha/mediaset/v1/fields"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
	"github.com/Aleph-Alpha/mediaset/v1/view"
)

const (
	// ManifestObject is the manifest name under an export prefix.
	ManifestObject = "manifest.json"

	samplesObject = "samples.ndjson"

	manifestVersion = 1
)

// ObjectStore is the storage an export is written to.
type ObjectStore interface {
	// Put stores the content of r under key. A negative size means the
	// length is unknown and r is read to EOF.
	Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error)

	// Open returns a reader over key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ExportOptions configure Export.
type ExportOptions struct {
	// Compress gzips the samples object.
	Compress bool
}

// Result summarizes an export or import.
type Result struct {
	Samples int64
	Frames  int64
	// Bytes is the size of the stored samples object. Import leaves it 0.
	Bytes int64
}

// Manifest describes an export.
type Manifest struct {
	Version      int               `bson:"version"`
	Dataset      string            `bson:"dataset"`
	View         string            `bson:"view,omitempty"`
	MediaType    string            `bson:"media_type,omitempty"`
	Object       string            `bson:"object"`
	Compressed   bool              `bson:"compressed"`
	Samples      int64             `bson:"samples"`
	Frames       int64             `bson:"frames"`
	SampleFields []fields.FieldDoc `bson:"sample_fields"`
	FrameFields  []fields.FieldDoc `bson:"frame_fields,omitempty"`
	ExportedAt   time.Time         `bson:"exported_at"`
}

// Key joins an export prefix and an object name.
func Key(prefix, object string) string {
	if prefix == "" {
		return object
	}
	return prefix + "/" + object
}

// Export streams the samples of v to store under prefix and writes the
// manifest once every sample is stored. Frames are embedded for video
// datasets.
func Export(ctx context.Context, v *view.View, store ObjectStore, prefix string, opts ExportOptions) (res Result, err error) {
	ds := v.Dataset()
	start := time.Now()
	defer func() {
		observability.Observe(ds.Registry().Observer(), observability.OperationContext{
			Component:   "export",
			Operation:   "export",
			Resource:    ds.Name(),
			SubResource: prefix,
			Duration:    time.Since(start),
			Error:       err,
			Size:        res.Samples,
			Metadata:    map[string]interface{}{"frames": res.Frames, "bytes": res.Bytes},
		})
	}()

	withFrames := ds.HasVideo()
	if withFrames {
		po := v.Options()
		po.AttachFrames = true
		v = v.WithOptions(po)
	}

	object := samplesObject
	if opts.Compress {
		object += ".gz"
	}

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	var samples, frames, stored int64
	g.Go(func() error {
		var werr error
		samples, frames, werr = writeSamples(gctx, v, pw, opts.Compress, withFrames)
		_ = pw.CloseWithError(werr)
		return werr
	})
	g.Go(func() error {
		n, perr := store.Put(gctx, Key(prefix, object), pr, -1)
		if perr != nil {
			_ = pr.CloseWithError(perr)
			return perr
		}
		stored = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("export %q to %s: %w", ds.Name(), prefix, err)
	}
	res = Result{Samples: samples, Frames: frames, Bytes: stored}

	m := Manifest{
		Version:      manifestVersion,
		Dataset:      ds.Name(),
		View:         v.Name(),
		MediaType:    ds.MediaType(),
		Object:       object,
		Compressed:   opts.Compress,
		Samples:      samples,
		Frames:       frames,
		SampleFields: fields.SchemaToDocs(ds.GetFieldSchema(fields.FilterOptions{})),
		ExportedAt:   time.Now().UTC(),
	}
	if withFrames {
		m.FrameFields = fields.SchemaToDocs(ds.GetFrameFieldSchema(fields.FilterOptions{}))
	}
	body, err := bson.MarshalExtJSON(m, false, false)
	if err != nil {
		return res, fmt.Errorf("export %q: encode manifest: %w", ds.Name(), err)
	}
	if _, err := store.Put(ctx, Key(prefix, ManifestObject), bytes.NewReader(body), int64(len(body))); err != nil {
		return res, fmt.Errorf("export %q: write manifest: %w", ds.Name(), err)
	}

	ds.Registry().Logger().InfoWithContext(ctx, "Exported view", nil, map[string]interface{}{
		"dataset": ds.Name(),
		"prefix":  prefix,
		"samples": samples,
		"frames":  frames,
	})
	return res, nil
}

func writeSamples(ctx context.Context, v *view.View, w io.Writer, compress, withFrames bool) (samples, frames int64, err error) {
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(w)
		w = zw
	}
	bw := bufio.NewWriter(w)

	err = v.ForEach(ctx, view.IterOptions{}, func(s *dataset.Sample) error {
		doc := s.Doc()
		if withFrames {
			list := bson.A{}
			for _, n := range s.Frames() {
				frame := expr.DeepCopy(s.Frame(n))
				frame[fields.FieldFrameNumber] = n
				list = append(list, frame)
			}
			doc[fields.FieldFrames] = list
			frames += int64(len(list))
		}
		line, err := bson.MarshalExtJSON(doc, true, false)
		if err != nil {
			return fmt.Errorf("encode sample %q: %w", s.Filepath(), err)
		}
		if _, err := bw.Write(line); err != nil {
			return err
		}
		samples++
		return bw.WriteByte('\n')
	})
	if err != nil {
		return samples, frames, err
	}
	if err := bw.Flush(); err != nil {
		return samples, frames, err
	}
	if zw != nil {
		return samples, frames, zw.Close()
	}
	return samples, frames, nil
}
