package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdeslauriers/derma/internal/storage"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

// Resolved is the display url chosen for a requested variant.
type Resolved struct {
	Url         string
	Variant     api.Variant // the variant actually served, may differ after fallback
	Placeholder bool        // no url: the grid shows its placeholder tile
}

// candidates is the ordered fallback chain of each requested variant.
// The grid thumbnail never falls back to a larger image.
var candidates = map[api.Variant][]api.Variant{
	api.VariantThumbnail: {api.VariantThumbnail},
	api.VariantMedium:    {api.VariantMedium, api.VariantOriginal},
	api.VariantOriginal:  {api.VariantOriginal, api.VariantMedium},
}

// Resolver turns stored derivative paths into display urls.
type Resolver interface {

	// Resolve returns the url of the first candidate of the variant's fallback chain
	// that can be served, reusing cached entries while they are valid.
	// A thumbnail that cannot be served resolves to a placeholder without error.
	Resolve(ctx context.Context, p api.Photo, v api.Variant, cache Cache) (Resolved, error)

	// Entry builds the cache entry for a url signed elsewhere, eg, by the remote
	// regenerate operation, which reports when it expires. A signed url without a
	// known expiry is not cacheable.
	Entry(path, url string, expiresAt *time.Time) (Entry, bool)
}

// ResolverConfig holds the signing tunables.
type ResolverConfig struct {
	Ttl     time.Duration // lifetime requested for signed urls
	Timeout time.Duration // bound of each signing call
}

// NewResolver creates a new Resolver over the object store. now may be nil.
func NewResolver(store storage.ObjectStore, cfg ResolverConfig, now func() time.Time) Resolver {

	if now == nil {
		now = time.Now
	}

	if cfg.Ttl <= 0 {
		cfg.Ttl = util.DefaultSignTtl
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = util.DefaultNetworkTimeout
	}

	return &resolver{
		store: store,
		cfg:   cfg,
		now:   now,

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageGallery)).
			With(slog.String(util.ComponentKey, util.ComponentResolver)),
	}
}

var _ Resolver = (*resolver)(nil)

type resolver struct {
	store storage.ObjectStore
	cfg   ResolverConfig
	now   func() time.Time

	logger *slog.Logger
}

// Entry is the concrete implementation of the interface method.
func (r *resolver) Entry(path, url string, expiresAt *time.Time) (Entry, bool) {
	if public, ok := r.store.PublicUrl(path); ok {
		return Entry{Url: public, Public: true}, true
	}
	if url == "" || expiresAt == nil {
		return Entry{}, false
	}
	return Entry{Url: url, ExpiresAt: *expiresAt}, true
}

// Resolve is the concrete implementation of the interface method.
func (r *resolver) Resolve(ctx context.Context, p api.Photo, v api.Variant, cache Cache) (Resolved, error) {

	chain, ok := candidates[v]
	if !ok {
		return Resolved{}, fmt.Errorf("unknown variant '%s'", v)
	}

	var errs []error
	for _, c := range chain {

		path := p.Derivatives.Path(c)
		if path == "" {
			continue
		}

		if e, ok := cache.Get(p.Id, c, r.now()); ok {
			return Resolved{Url: e.Url, Variant: c}, nil
		}

		e, err := r.sign(ctx, path)
		if err != nil {
			r.logger.Error(fmt.Sprintf("failed to resolve %s of photo %s", c, p.Id), "err", err.Error())
			errs = append(errs, err)
			continue
		}

		cache.Put(p.Id, c, e)
		return Resolved{Url: e.Url, Variant: c}, nil
	}

	if v == api.VariantThumbnail {
		return Resolved{Variant: v, Placeholder: true}, nil
	}

	if len(errs) > 0 {
		return Resolved{}, errors.Join(errs...)
	}

	return Resolved{}, fmt.Errorf("%w: photo %s has no servable %s derivative", api.ErrNotFound, p.Id, v)
}

// sign returns the public url of the path, or a fresh signed url. The expiry is taken
// before the call so it never overstates the url's real lifetime.
func (r *resolver) sign(ctx context.Context, path string) (Entry, error) {

	if url, ok := r.store.PublicUrl(path); ok {
		return Entry{Url: url, Public: true}, nil
	}

	expiresAt := r.now().Add(r.cfg.Ttl)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	url, err := r.store.SignUrl(callCtx, path, r.cfg.Ttl)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", api.ErrSigning, err)
	}

	return Entry{Url: url, ExpiresAt: expiresAt}, nil
}
