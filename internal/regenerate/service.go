package regenerate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/derma/internal/capture"
	"github.com/tdeslauriers/derma/internal/derivative"
	"github.com/tdeslauriers/derma/internal/photo"
	"github.com/tdeslauriers/derma/internal/storage"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

// errLocked marks a photo skipped because another worker is regenerating it.
var errLocked = errors.New("photo is being regenerated by another worker")

// Service rebuilds missing thumbnail and medium derivatives of stored photos.
type Service interface {

	// Regenerate builds the missing derivatives of the owner's photos, records their
	// paths and returns display urls for each repaired photo. Photos that are unknown
	// to the owner, locked by another worker, or fail are left out of the results.
	// Returns an error only when the request is invalid or every photo failed.
	Regenerate(ctx context.Context, ownerId string, ids []string) ([]api.RegenerateResult, error)
}

// Config holds the regenerate tunables.
type Config struct {
	SignTtl time.Duration // lifetime of returned signed urls
	Timeout time.Duration // bound of each network call
}

// NewService creates a new regenerate Service.
func NewService(
	repo photo.Repository,
	store storage.ObjectStore,
	normalizer capture.Normalizer,
	encoder derivative.Encoder,
	locker Locker,
	cfg Config,
) Service {

	if cfg.SignTtl <= 0 {
		cfg.SignTtl = util.DefaultSignTtl
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = util.DefaultNetworkTimeout
	}

	return &service{
		repo:       repo,
		store:      store,
		normalizer: normalizer,
		encoder:    encoder,
		locker:     locker,
		cfg:        cfg,
		now:        time.Now,

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageRegenerate)).
			With(slog.String(util.ComponentKey, util.ComponentRegenerator)),
	}
}

var _ Service = (*service)(nil)

type service struct {
	repo       photo.Repository
	store      storage.ObjectStore
	normalizer capture.Normalizer
	encoder    derivative.Encoder
	locker     Locker
	cfg        Config
	now        func() time.Time

	logger *slog.Logger
}

// Regenerate is the concrete implementation of the interface method.
func (s *service) Regenerate(ctx context.Context, ownerId string, ids []string) ([]api.RegenerateResult, error) {

	telemetry := &connect.Telemetry{
		Traceparent: *connect.GenerateTraceParent(),
	}
	log := s.logger.With(telemetry.TelemetryFields()...)

	req := api.RegenerateRequest{OwnerId: ownerId, PhotoIds: ids}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	findCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	photos, err := s.repo.FindByIds(findCtx, ownerId, ids)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to look up photos to regenerate: %v", err)
	}

	if len(photos) < len(ids) {
		log.Warn(fmt.Sprintf("%d of %d photos requested for regeneration do not exist for owner %s", len(ids)-len(photos), len(ids), ownerId))
	}

	var (
		wg      sync.WaitGroup
		resCh   = make(chan api.RegenerateResult, len(photos))
		errCh   = make(chan error, len(photos))
		skipped = make(chan string, len(photos))
	)

	for _, p := range photos {

		wg.Add(1)
		go func(p api.Photo, res chan api.RegenerateResult, ch chan error, wg *sync.WaitGroup) {

			defer wg.Done()

			r, err := s.regenerate(ctx, p)
			if err != nil {
				if errors.Is(err, errLocked) {
					skipped <- p.Id
					return
				}
				ch <- fmt.Errorf("photo %s: %v", p.Id, err)
				return
			}

			res <- *r
		}(p, resCh, errCh, &wg)
	}

	wg.Wait()
	close(resCh)
	close(errCh)
	close(skipped)

	results := make([]api.RegenerateResult, 0, len(photos))
	for r := range resCh {
		results = append(results, r)
	}

	for id := range skipped {
		log.Info(fmt.Sprintf("skipped photo %s: %v", id, errLocked))
	}

	var errs []error
	for err := range errCh {
		log.Error("failed to regenerate derivatives", "err", err.Error())
		errs = append(errs, err)
	}

	if len(results) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("failed to regenerate derivatives of %d photos: %v", len(errs), errors.Join(errs...))
	}

	log.Info(fmt.Sprintf("regenerated derivatives of %d of %d requested photos", len(results), len(ids)))

	return results, nil
}

// regenerate repairs one photo under its lock.
func (s *service) regenerate(ctx context.Context, p api.Photo) (*api.RegenerateResult, error) {

	locked, err := s.locker.Lock(ctx, p.Id)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, errLocked
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
		defer cancel()
		if err := s.locker.Unlock(unlockCtx, p.Id); err != nil {
			s.logger.Error("failed to release regenerate lock", "err", err.Error())
		}
	}()

	var missing []api.Variant
	if p.Derivatives.Thumbnail == "" {
		missing = append(missing, api.VariantThumbnail)
	}
	if p.Derivatives.Medium == "" {
		missing = append(missing, api.VariantMedium)
	}

	if len(missing) > 0 {
		updated, err := s.rebuild(ctx, p, missing)
		if err != nil {
			return nil, err
		}
		p.Derivatives = updated
	}

	thumb, thumbExpiry, err := s.url(ctx, p.Derivatives.Thumbnail)
	if err != nil {
		return nil, err
	}

	medium, mediumExpiry, err := s.url(ctx, p.Derivatives.Medium)
	if err != nil {
		return nil, err
	}

	return &api.RegenerateResult{
		Id:                 p.Id,
		ThumbnailUrl:       thumb,
		MediumUrl:          medium,
		ThumbnailPath:      p.Derivatives.Thumbnail,
		MediumPath:         p.Derivatives.Medium,
		ThumbnailExpiresAt: thumbExpiry,
		MediumExpiresAt:    mediumExpiry,
	}, nil
}

// rebuild encodes the missing variants from the best stored source, puts them and
// records their paths. Blobs put before a failure are removed again.
func (s *service) rebuild(ctx context.Context, p api.Photo, missing []api.Variant) (api.Derivatives, error) {

	// medium is smaller to fetch and large enough for a thumbnail
	source := p.Derivatives.Medium
	if source == "" {
		source = p.Derivatives.Original
	}
	if source == "" {
		return api.Derivatives{}, fmt.Errorf("no stored derivative to rebuild from")
	}

	getCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	raw, err := s.store.Get(getCtx, source)
	cancel()
	if err != nil {
		return api.Derivatives{}, fmt.Errorf("failed to fetch source derivative %s: %v", source, err)
	}

	normalized, err := s.normalizer.Normalize(raw, source)
	if err != nil {
		return api.Derivatives{}, err
	}

	var (
		updates api.Derivatives
		written []string
	)
	for _, v := range missing {

		blob, err := s.encoder.EncodeVariant(p.OwnerId, p.Id, v, normalized.Bitmap)
		if err != nil {
			s.cleanup(ctx, written)
			return api.Derivatives{}, err
		}

		putCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err = s.store.Put(putCtx, blob.Path, blob.Data, blob.ContentType, util.DerivativeCacheControl)
		cancel()
		if err != nil {
			s.cleanup(ctx, written)
			return api.Derivatives{}, fmt.Errorf("failed to put %s derivative %s: %v", v, blob.Path, err)
		}

		written = append(written, blob.Path)
		updates = updates.Set(v, blob.Path)
	}

	updateCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	err = s.repo.UpdateDerivatives(updateCtx, p.Id, updates)
	cancel()
	if err != nil {
		s.cleanup(ctx, written)
		return api.Derivatives{}, fmt.Errorf("failed to record regenerated derivatives: %v", err)
	}

	merged := p.Derivatives
	for _, v := range missing {
		merged = merged.Set(v, updates.Path(v))
	}

	return merged, nil
}

// cleanup removes blobs written for a photo whose rebuild failed. Failures are logged only.
func (s *service) cleanup(ctx context.Context, paths []string) {

	if len(paths) == 0 {
		return
	}

	removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	if err := s.store.Remove(removeCtx, paths); err != nil {
		s.logger.Error(fmt.Sprintf("failed to remove regenerated derivatives %v", paths), "err", err.Error())
	}
}

// url returns the public url of the path, or a signed one with its expiry.
// The expiry is taken before the signing call so it never overstates the url's lifetime.
func (s *service) url(ctx context.Context, path string) (string, *time.Time, error) {

	if public, ok := s.store.PublicUrl(path); ok {
		return public, nil, nil
	}

	expiresAt := s.now().UTC().Add(s.cfg.SignTtl)

	signCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	url, err := s.store.SignUrl(signCtx, path, s.cfg.SignTtl)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", api.ErrSigning, path, err)
	}

	return url, &expiresAt, nil
}
