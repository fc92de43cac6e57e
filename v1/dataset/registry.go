package dataset

import (
	"context"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"
	"weak"

	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/singleflight"

	"github.com/Aleph-Alpha/mediaset/v1/docstore"
	"github.com/Aleph-Alpha/mediaset/v1/events"
	"github.com/Aleph-Alpha/mediaset/v1/logger"
	"github.com/Aleph-Alpha/mediaset/v1/metrics"
	"github.com/Aleph-Alpha/mediaset/v1/observability"
	"github.com/Aleph-Alpha/mediaset/v1/tracer"
)

// RegistryOptions are the optional collaborators of a Registry.
type RegistryOptions struct {
	Logger    logger.Logger
	Observer  observability.Observer
	Publisher events.Publisher
	Tracer    *tracer.Tracer
	Metrics   *metrics.Metrics

	// Source identifies this process in published events.
	Source string
}

// Registry is the process-wide directory of datasets. It guarantees that
// every Load of the same name returns the same live *Dataset while any
// caller still holds it.
type Registry struct {
	client docstore.Client
	coll   docstore.Collection

	logger    logger.Logger
	observer  observability.Observer
	publisher events.Publisher
	tracer    *tracer.Tracer
	metrics   *metrics.Metrics
	source    string

	mu      sync.Mutex
	entries map[string]*entry
	loads   singleflight.Group
}

// entry tracks the live handle of one dataset. While refs > 0 the handle
// is held strongly; afterwards only weakly, so it is reused as long as the
// garbage collector has not reclaimed it.
type entry struct {
	strong *Dataset
	weak   weak.Pointer[Dataset]
	refs   int
}

func (e *entry) get() *Dataset {
	if e.strong != nil {
		return e.strong
	}
	return e.weak.Value()
}

// NewRegistry returns a registry on client.
func NewRegistry(client docstore.Client, opts RegistryOptions) *Registry {
	r := &Registry{
		client:    client,
		coll:      client.Collection(DatasetsCollection),
		logger:    opts.Logger,
		observer:  opts.Observer,
		publisher: opts.Publisher,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		source:    opts.Source,
		entries:   make(map[string]*entry),
	}
	if r.logger == nil {
		r.logger = logger.NewNop()
	}
	return r
}

// Client returns the store client.
func (r *Registry) Client() docstore.Client { return r.client }

// Logger returns the registry logger.
func (r *Registry) Logger() logger.Logger { return r.logger }

// Observer returns the registry observer, which may be nil.
func (r *Registry) Observer() observability.Observer { return r.observer }

// Tracer returns the registry tracer, which may be nil.
func (r *Registry) Tracer() *tracer.Tracer { return r.tracer }

// Metrics returns the registry metrics, which may be nil.
func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// EnsureIndexes creates the unique name and slug indexes of the registry.
func (r *Registry) EnsureIndexes(ctx context.Context) error {
	for _, key := range []string{"name", "slug"} {
		_, err := r.coll.Indexes().Create(ctx, docstore.IndexSpec{
			Keys:   bson.D{{Key: key, Value: 1}},
			Unique: true,
		})
		if err != nil {
			return fmt.Errorf("failed to create registry index on %s: %w", key, err)
		}
	}
	return nil
}

// CreateOptions configure Create.
type CreateOptions struct {
	Persistent bool
	MediaType  string

	// Overwrite deletes an existing dataset of the same name first.
	Overwrite bool
}

// Create registers a new, empty dataset and returns its live handle.
func (r *Registry) Create(ctx context.Context, name string, opts CreateOptions) (*Dataset, error) {
	ctx, span := r.tracer.StartSpan(ctx, "dataset.create")
	defer span.End()
	start := time.Now()

	ds, err := r.create(ctx, name, opts)
	r.tracer.RecordErrorOnSpan(span, err)
	r.observeOperation("create", name, "", time.Since(start), err, 0)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, events.New(events.DatasetCreated, name))
	return ds, nil
}

func (r *Registry) create(ctx context.Context, name string, opts CreateOptions) (*Dataset, error) {
	slug, err := Slugify(name)
	if err != nil {
		return nil, err
	}
	if opts.Overwrite {
		if err := r.Delete(ctx, name); err != nil && !IsNotFound(err) {
			return nil, err
		}
	}
	conflict, err := r.coll.FindOne(ctx, bson.M{"$or": bson.A{bson.M{"name": name}, bson.M{"slug": slug}}}, nil)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: dataset %q conflicts with existing dataset %q (slug %q)",
			ErrNameConflict, name, conflict["name"], slug)
	case !docstore.IsNotFound(err):
		return nil, fmt.Errorf("failed to check dataset name %q: %w", name, err)
	}

	doc := newDatasetDoc(name, slug, opts.Persistent, now())
	if opts.MediaType != MediaUnset {
		if err := checkMediaType(opts.MediaType); err != nil {
			return nil, err
		}
		doc.MediaType = opts.MediaType
	}
	m, err := toM(doc)
	if err != nil {
		return nil, err
	}
	if _, err := r.coll.InsertOne(ctx, m); err != nil {
		if docstore.IsDuplicateKey(err) {
			return nil, fmt.Errorf("%w: dataset %q: %w", ErrNameConflict, name, err)
		}
		return nil, fmt.Errorf("failed to create dataset %q: %w", name, err)
	}

	ds, err := newDataset(r, doc)
	if err != nil {
		return nil, err
	}
	if err := ds.createDefaultIndexes(ctx); err != nil {
		return nil, err
	}
	if doc.MediaType == MediaVideo {
		if err := ds.initFrames(ctx); err != nil {
			return nil, err
		}
	}
	return r.retain(name, ds), nil
}

// Load returns the live handle of an existing dataset. Concurrent loads
// of the same name share one store read.
func (r *Registry) Load(ctx context.Context, name string) (*Dataset, error) {
	if ds := r.acquire(name); ds != nil {
		return ds, nil
	}

	ctx, span := r.tracer.StartSpan(ctx, "dataset.load")
	defer span.End()
	start := time.Now()

	v, err, _ := r.loads.Do(name, func() (interface{}, error) {
		doc, err := r.fetch(ctx, name)
		if err != nil {
			return nil, err
		}
		return newDataset(r, doc)
	})
	r.tracer.RecordErrorOnSpan(span, err)
	r.observeOperation("load", name, "", time.Since(start), err, 0)
	if err != nil {
		return nil, err
	}

	ds := r.retain(name, v.(*Dataset))
	if _, err := r.coll.UpdateOne(ctx, bson.M{"_id": ds.ID()}, bson.M{"$set": bson.M{"last_loaded_at": now()}}, docstore.UpdateOptions{}); err != nil {
		r.logger.WarnWithContext(ctx, "Failed to record dataset load time", err, map[string]interface{}{
			"dataset": name,
		})
	}
	return ds, nil
}

func (r *Registry) fetch(ctx context.Context, name string) (datasetDoc, error) {
	var doc datasetDoc
	m, err := r.coll.FindOne(ctx, bson.M{"name": name}, nil)
	if err != nil {
		if docstore.IsNotFound(err) {
			return doc, fmt.Errorf("%w: dataset %q", ErrNotFound, name)
		}
		return doc, fmt.Errorf("failed to load dataset %q: %w", name, err)
	}
	if err := fromM(m, &doc); err != nil {
		return doc, fmt.Errorf("dataset %q: %w", name, err)
	}
	return doc, nil
}

// acquire returns the cached live handle of name and takes a reference.
func (r *Registry) acquire(name string) *Dataset {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	ds := e.get()
	if ds == nil || ds.isDeleted() {
		delete(r.entries, name)
		return nil
	}
	e.strong = ds
	e.refs++
	return ds
}

// retain registers ds as the live handle of name unless another live
// handle won a race, in which case that one is returned.
func (r *Registry) retain(name string, ds *Dataset) *Dataset {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		if cur := e.get(); cur != nil && !cur.isDeleted() {
			e.strong = cur
			e.refs++
			return cur
		}
	}
	r.entries[name] = &entry{strong: ds, weak: weak.Make(ds), refs: 1}
	r.updateLiveGauge()
	return ds
}

// Release drops one reference to ds. When no reference is left the
// registry keeps only a weak pointer to the handle.
func (r *Registry) Release(ds *Dataset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ds.Name()]
	if !ok || e.get() != ds {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 {
		e.strong = nil
	}
	r.updateLiveGauge()
}

// Live returns the names of datasets with a reachable handle.
func (r *Registry) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, e := range r.entries {
		if ds := e.get(); ds != nil && !ds.isDeleted() {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) updateLiveGauge() {
	if r.metrics == nil {
		return
	}
	n := 0
	for _, e := range r.entries {
		if e.strong != nil {
			n++
		}
	}
	r.metrics.SetLiveDatasets(n)
}

// Invalidate marks the cached handle of name stale; its next schema
// dependent operation re-reads the registry document.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	if ds := e.get(); ds != nil {
		ds.markStale()
	}
}

// rename moves the cache entry of a renamed dataset.
func (r *Registry) rename(oldName, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[oldName]; ok {
		delete(r.entries, oldName)
		r.entries[newName] = e
	}
}

// Exists reports whether a dataset named name exists.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"name": name})
	if err != nil {
		return false, fmt.Errorf("failed to check dataset %q: %w", name, err)
	}
	return n > 0, nil
}

// ListOptions filter List.
type ListOptions struct {
	// Glob is a shell pattern matched against names.
	Glob string

	// Tags keeps datasets carrying every listed tag.
	Tags []string

	// IncludePrivate lists datasets whose name starts with "_".
	IncludePrivate bool
}

// List returns dataset names in ascending order.
func (r *Registry) List(ctx context.Context, opts ListOptions) ([]string, error) {
	filter := bson.M{}
	if len(opts.Tags) > 0 {
		filter["tags"] = bson.M{"$all": opts.Tags}
	}
	cur, err := r.coll.Find(ctx, filter, &docstore.FindOptions{
		Sort:       bson.D{{Key: "name", Value: 1}},
		Projection: bson.M{"name": 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	var names []string
	err = docstore.ForEach(ctx, cur, func(doc bson.M) error {
		name, _ := doc["name"].(string)
		if name == "" || (!opts.IncludePrivate && name[0] == '_') {
			return nil
		}
		if opts.Glob != "" {
			ok, err := path.Match(opts.Glob, name)
			if err != nil {
				return fmt.Errorf("%w: glob %q: %w", ErrInvalidArgument, opts.Glob, err)
			}
			if !ok {
				return nil
			}
		}
		names = append(names, name)
		return nil
	})
	return names, err
}

// Delete drops a dataset with its sample collection, its frame collection
// when owned, and its saved views, workspaces and runs. Deletion is not
// atomic: a failure midway can leave dependent records behind.
func (r *Registry) Delete(ctx context.Context, name string) error {
	ctx, span := r.tracer.StartSpan(ctx, "dataset.delete")
	defer span.End()
	start := time.Now()

	err := r.delete(ctx, name)
	r.tracer.RecordErrorOnSpan(span, err)
	r.observeOperation("delete", name, "", time.Since(start), err, 0)
	if err == nil {
		r.publish(ctx, events.New(events.DatasetDeleted, name))
	}
	return err
}

func (r *Registry) delete(ctx context.Context, name string) error {
	doc, err := r.fetch(ctx, name)
	if err != nil {
		return err
	}

	if err := r.client.DropCollection(ctx, doc.SampleCollectionName); err != nil {
		return fmt.Errorf("failed to drop samples of dataset %q: %w", name, err)
	}
	if doc.FrameCollectionName != "" && doc.FramesOwned {
		if err := r.client.DropCollection(ctx, doc.FrameCollectionName); err != nil {
			return fmt.Errorf("failed to drop frames of dataset %q: %w", name, err)
		}
	}

	dependents := map[string][]bson.ObjectID{
		ViewsCollection:      doc.SavedViews,
		WorkspacesCollection: doc.Workspaces,
	}
	var runIDs []bson.ObjectID
	for _, runs := range []map[string]bson.ObjectID{doc.AnnotationRuns, doc.BrainMethods, doc.Evaluations, doc.Runs} {
		for _, id := range runs {
			runIDs = append(runIDs, id)
		}
	}
	dependents[RunsCollection] = runIDs
	for coll, ids := range dependents {
		if len(ids) == 0 {
			continue
		}
		if _, err := r.client.Collection(coll).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
			return fmt.Errorf("failed to delete %s of dataset %q: %w", coll, name, err)
		}
	}

	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": doc.ID}); err != nil {
		return fmt.Errorf("failed to delete dataset %q: %w", name, err)
	}

	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		if ds := e.get(); ds != nil {
			ds.markDeleted()
		}
		delete(r.entries, name)
	}
	r.updateLiveGauge()
	r.mu.Unlock()
	return nil
}

// DeleteNonPersistent deletes every non-persistent dataset that has no
// live handle in this process and returns their names.
func (r *Registry) DeleteNonPersistent(ctx context.Context) ([]string, error) {
	cur, err := r.coll.Find(ctx, bson.M{"persistent": false}, &docstore.FindOptions{
		Projection: bson.M{"name": 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list non-persistent datasets: %w", err)
	}
	docs, err := docstore.All(ctx, cur)
	if err != nil {
		return nil, err
	}

	live := r.Live()
	var deleted []string
	for _, doc := range docs {
		name, _ := doc["name"].(string)
		if _, ok := slices.BinarySearch(live, name); ok {
			continue
		}
		if err := r.Delete(ctx, name); err != nil && !IsNotFound(err) {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		r.logger.InfoWithContext(ctx, "Deleted non-persistent datasets", nil, map[string]interface{}{
			"count": len(deleted),
		})
	}
	return deleted, nil
}

// publish sends e and only logs failures: the mutation already happened.
func (r *Registry) publish(ctx context.Context, e events.Event) {
	if r.publisher == nil {
		return
	}
	e.Source = r.source
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.WarnWithContext(ctx, "Failed to publish dataset event", err, map[string]interface{}{
			"dataset": e.Dataset,
			"type":    string(e.Type),
		})
	}
}

func (r *Registry) observeOperation(operation, resource, subResource string, duration time.Duration, err error, size int64) {
	observability.Observe(r.observer, observability.OperationContext{
		Component:   "dataset",
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    duration,
		Error:       err,
		Size:        size,
	})
}

func checkMediaType(mt string) error {
	switch mt {
	case MediaImage, MediaVideo, MediaGroup, MediaMixed:
		return nil
	}
	return fmt.Errorf("%w: unsupported media type %q", ErrInvalidArgument, mt)
}
