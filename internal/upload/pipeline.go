package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/derma/internal/capture"
	"github.com/tdeslauriers/derma/internal/derivative"
	"github.com/tdeslauriers/derma/internal/photo"
	"github.com/tdeslauriers/derma/internal/quota"
	"github.com/tdeslauriers/derma/internal/storage"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tdeslauriers/derma/internal/upload"

// Pipeline ingests raw photos: quota check, normalize, encode, concurrent
// derivative puts, metadata commit, with rollback of written blobs on failure.
type Pipeline interface {

	// Upload runs a single item through the full state machine.
	// Errors wrap one of the api upload error sentinels.
	Upload(ctx context.Context, item Item) (*api.Photo, error)

	// NewBatch creates a batch over the items, processed in submission order with the
	// quota re-checked before each item. observe may be nil.
	NewBatch(items []Item, observe Observer) Batch

	// WithPublisher returns a copy of the pipeline that publishes every committed
	// photo to pub as an optimistic insert.
	WithPublisher(pub Publisher) Pipeline
}

// Config holds the pipeline tunables.
type Config struct {
	Concurrency int           // batch items in flight at once; 1 is strictly sequential
	Timeout     time.Duration // bound of each network call
}

// NewPipeline creates a new upload Pipeline.
func NewPipeline(
	guard quota.Guard,
	normalizer capture.Normalizer,
	encoder derivative.Encoder,
	store storage.ObjectStore,
	repo photo.Repository,
	cfg Config,
) Pipeline {

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = util.DefaultNetworkTimeout
	}

	logger := slog.Default().
		With(slog.String(util.PackageKey, util.PackageUpload)).
		With(slog.String(util.ComponentKey, util.ComponentPipeline))

	meter := otel.Meter(instrumentationName)
	items, err := meter.Int64Counter("derma.upload.items",
		metric.WithDescription("upload items by outcome"))
	if err != nil {
		logger.Warn("failed to create upload item counter", "err", err.Error())
		items = noop.Int64Counter{}
	}

	rollbacks, err := meter.Int64Counter("derma.upload.rollbacks",
		metric.WithDescription("blob rollbacks issued for failed upload items"))
	if err != nil {
		logger.Warn("failed to create upload rollback counter", "err", err.Error())
		rollbacks = noop.Int64Counter{}
	}

	return &pipeline{
		guard:      guard,
		normalizer: normalizer,
		encoder:    encoder,
		store:      store,
		repo:       repo,
		cfg:        cfg,

		tracer:    otel.Tracer(instrumentationName),
		items:     items,
		rollbacks: rollbacks,

		logger: logger,
	}
}

var _ Pipeline = (*pipeline)(nil)

type pipeline struct {
	guard      quota.Guard
	normalizer capture.Normalizer
	encoder    derivative.Encoder
	store      storage.ObjectStore
	repo       photo.Repository
	publisher  Publisher
	cfg        Config

	tracer    trace.Tracer
	items     metric.Int64Counter
	rollbacks metric.Int64Counter

	logger *slog.Logger
}

// run carries the per-item controls of one pass through the state machine.
type run struct {
	cancelled func() bool  // cooperative cancel flag, checked at step boundaries
	observe   func(State)  // state transition hook
	commit    sync.Locker  // held across the metadata insert
	committed func()       // called while commit is held, after a successful insert
	log       *slog.Logger // carries the item's telemetry fields
}

func (r *run) enter(s State) {
	if r.observe != nil {
		r.observe(s)
	}
}

func (r *run) isCancelled() bool {
	return r.cancelled != nil && r.cancelled()
}

// WithPublisher is the concrete implementation of the interface method.
func (p *pipeline) WithPublisher(pub Publisher) Pipeline {
	cp := *p
	cp.publisher = pub
	return &cp
}

// Upload is the concrete implementation of the interface method.
func (p *pipeline) Upload(ctx context.Context, item Item) (*api.Photo, error) {

	telemetry := &connect.Telemetry{
		Traceparent: *connect.GenerateTraceParent(),
	}

	r := &run{
		commit: &sync.Mutex{},
		log:    p.logger.With(telemetry.TelemetryFields()...),
	}

	if err := item.Validate(); err != nil {
		return nil, err
	}

	if _, err := p.guard.Allow(ctx, item.OwnerId, time.Now(), 0); err != nil {
		p.record(ctx, "quota_exceeded")
		return nil, err
	}

	return p.process(ctx, item, r)
}

// process runs an item admitted by the quota guard from normalizing to a terminal state.
func (p *pipeline) process(ctx context.Context, item Item, r *run) (*api.Photo, error) {

	id := uuid.NewString()

	ctx, span := p.tracer.Start(ctx, "upload.item", trace.WithAttributes(
		attribute.String("photo.id", id),
		attribute.String("photo.body_region", string(item.BodyRegion)),
	))
	defer span.End()

	fail := func(outcome string, err error) (*api.Photo, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		p.record(ctx, outcome)
		r.log.Error(fmt.Sprintf("upload of %s failed while %s", item.Filename, outcome), "err", err.Error())
		return nil, err
	}

	// normalizing
	if r.isCancelled() {
		return fail("cancelled", api.ErrCancelled)
	}
	r.enter(StateNormalizing)

	_, step := p.tracer.Start(ctx, "upload.normalize")
	normalized, err := p.normalizer.Normalize(item.Raw, item.Filename)
	step.End()
	if err != nil {
		return fail("normalizing", err)
	}

	// encoding
	if r.isCancelled() {
		return fail("cancelled", api.ErrCancelled)
	}
	r.enter(StateEncoding)

	_, step = p.tracer.Start(ctx, "upload.encode")
	set, err := p.encoder.Encode(item.OwnerId, id, normalized.Bitmap)
	step.End()
	if err != nil {
		return fail("encoding", fmt.Errorf("%w: failed to encode derivatives of %s: %v", api.ErrCaptureDecode, item.Filename, err))
	}

	// uploading
	if r.isCancelled() {
		return fail("cancelled", api.ErrCancelled)
	}
	r.enter(StateUploading)

	putCtx, step := p.tracer.Start(ctx, "upload.put")
	written, err := p.putAll(putCtx, set, r.log)
	step.End()
	if err != nil {
		p.rollback(ctx, set, r.log)
		return fail("uploading", err)
	}

	// committing
	if r.isCancelled() {
		p.rollback(ctx, set, r.log)
		return fail("cancelled", api.ErrCancelled)
	}
	r.enter(StateCommitting)

	row := api.Photo{
		Id:          id,
		OwnerId:     item.OwnerId,
		BodyRegion:  item.BodyRegion,
		Derivatives: written,
		CapturedAt:  normalized.CapturedAt,
		Notes:       item.Notes,
	}

	commitCtx, step := p.tracer.Start(ctx, "upload.commit")
	committed, err := p.insert(commitCtx, row, r)
	step.End()
	if err != nil {
		p.rollback(ctx, set, r.log)
		return fail("committing", fmt.Errorf("%w: %v", api.ErrMetadataCommit, err))
	}

	p.record(ctx, "success")
	r.log.Info(fmt.Sprintf("uploaded photo %s from %s", committed.Id, item.Filename))

	if p.publisher != nil {
		p.publisher.Insert(*committed)
	}

	return committed, nil
}

// insert commits the metadata row while holding the run's commit lock.
func (p *pipeline) insert(ctx context.Context, row api.Photo, r *run) (*api.Photo, error) {

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	r.commit.Lock()
	defer r.commit.Unlock()

	committed, err := p.repo.Insert(callCtx, row)
	if err != nil {
		return nil, err
	}

	if r.committed != nil {
		r.committed()
	}

	return committed, nil
}

type putResult struct {
	variant api.Variant
	path    string
	err     error
}

// putAll writes the three derivatives concurrently, each under its own timeout.
// Thumbnail and medium are required; a failed original is logged and left out.
func (p *pipeline) putAll(ctx context.Context, set *derivative.Set, log *slog.Logger) (api.Derivatives, error) {

	blobs := set.Blobs()

	var (
		wg    sync.WaitGroup
		putCh = make(chan putResult, len(blobs))
	)

	for _, b := range blobs {

		wg.Add(1)
		go func(b derivative.Blob, ch chan putResult, wg *sync.WaitGroup) {

			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()

			err := p.store.Put(callCtx, b.Path, b.Data, b.ContentType, util.DerivativeCacheControl)
			ch <- putResult{variant: b.Variant, path: b.Path, err: err}
		}(b, putCh, &wg)
	}

	wg.Wait()
	close(putCh)

	var (
		written api.Derivatives
		errs    []error
	)
	for res := range putCh {

		if res.err != nil {
			if res.variant == api.VariantOriginal {
				log.Warn(fmt.Sprintf("failed to put original derivative %s, continuing without it", res.path), "err", res.err.Error())
				continue
			}
			errs = append(errs, fmt.Errorf("failed to put %s derivative %s: %v", res.variant, res.path, res.err))
			continue
		}

		written = written.Set(res.variant, res.path)
	}

	if len(errs) > 0 {
		return api.Derivatives{}, fmt.Errorf("%w: %v", api.ErrDerivativeUpload, errors.Join(errs...))
	}

	return written, nil
}

// rollback removes every path of the set. A put that timed out may still land,
// so paths are removed whether or not their put reported success.
// Cleanup runs detached from the caller's cancellation; failures are logged only.
func (p *pipeline) rollback(ctx context.Context, set *derivative.Set, log *slog.Logger) {

	paths := make([]string, 0, 3)
	for _, b := range set.Blobs() {
		paths = append(paths, b.Path)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
	defer cancel()

	p.rollbacks.Add(callCtx, 1)

	if err := p.store.Remove(callCtx, paths); err != nil {
		log.Error(fmt.Sprintf("failed to roll back derivatives %v", paths), "err", err.Error())
		return
	}

	log.Info(fmt.Sprintf("rolled back derivatives %v", paths))
}

func (p *pipeline) record(ctx context.Context, outcome string) {
	p.items.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
