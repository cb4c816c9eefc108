package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tdeslauriers/derma/internal/photo"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

const MaxPageSize int = 100

// ErrFeedClosed is returned by operations on a closed feed.
var ErrFeedClosed = errors.New("gallery feed is closed")

// PageReader reads cursor-paginated photo rows. photo.Repository satisfies it.
type PageReader interface {
	SelectPage(ctx context.Context, q photo.PageQuery) ([]api.Photo, error)
}

// Row is a photo with its grid thumbnail url resolved.
type Row struct {
	Photo     api.Photo
	Thumbnail Resolved
}

// Page is one page of the gallery in the feed's sort order.
type Page struct {
	Rows       []Row
	NextCursor *api.Cursor // nil when HasMore is false
	HasMore    bool
}

// Photos returns the photos of the page's rows.
func (p *Page) Photos() []api.Photo {
	photos := make([]api.Photo, len(p.Rows))
	for i, r := range p.Rows {
		photos[i] = r.Photo
	}
	return photos
}

// Feed is the in-memory, ordered gallery of one owner, filter and sort direction.
// All mutations of its rows and url cache run on a single update loop.
type Feed interface {

	// Page queries the rows strictly after cursor, nil for the first page, with grid
	// thumbnails resolved. It does not change the feed's rows.
	Page(ctx context.Context, cursor *api.Cursor, pageSize int) (*Page, error)

	// Load replaces the feed's rows with the first page.
	Load(ctx context.Context, pageSize int) (*Page, error)

	// LoadMore appends the page after the last loaded row. Returns an empty page
	// once everything is loaded.
	LoadMore(ctx context.Context) (*Page, error)

	// Insert merges a newly committed photo at its sorted position without a refetch.
	// Photos of other owners, outside the filter, or past the loaded window are ignored.
	Insert(p api.Photo)

	// MergeBackfill writes regenerated derivative paths and urls into the rows and
	// the url cache.
	MergeBackfill(results []api.RegenerateResult)

	// Remove drops a deleted photo from the rows and the url cache.
	Remove(id string)

	// Snapshot returns the loaded rows in order with fresh grid thumbnail urls.
	Snapshot(ctx context.Context) []Row

	// Resolve returns the display url of a loaded photo's variant on demand,
	// eg, for fullscreen, compare or export.
	Resolve(ctx context.Context, id string, v api.Variant) (Resolved, error)

	// Close stops the update loop.
	Close()
}

// FeedConfig scopes a feed.
type FeedConfig struct {
	OwnerId   string
	Filter    api.Filter
	Direction api.SortDirection
	Margin    time.Duration // reuse signed urls until this long before expiry
	Timeout   time.Duration // bound of each page query
}

// NewFeed creates a Feed and starts its update loop. observe, if not nil, receives
// the photos of every loaded page, eg, for the backfill reconciler.
func NewFeed(reader PageReader, resolver Resolver, cfg FeedConfig, observe func([]api.Photo)) Feed {

	if cfg.Direction == "" {
		cfg.Direction = api.SortDesc
	}

	if cfg.Margin <= 0 {
		cfg.Margin = util.DefaultSignMargin
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = util.DefaultNetworkTimeout
	}

	f := &feed{
		reader:   reader,
		resolver: resolver,
		cfg:      cfg,
		observe:  observe,

		ops:  make(chan func(*feedState)),
		done: make(chan struct{}),

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageGallery)).
			With(slog.String(util.ComponentKey, util.ComponentFeed)),
	}

	go f.loop(&feedState{urls: NewURLCache(cfg.Margin)})

	return f
}

var _ Feed = (*feed)(nil)

type feed struct {
	reader   PageReader
	resolver Resolver
	cfg      FeedConfig
	observe  func([]api.Photo)

	ops       chan func(*feedState)
	done      chan struct{}
	closeOnce sync.Once

	logger *slog.Logger
}

// maxPending bounds the inserts held until a page confirms them.
const maxPending = 64

// feedState is owned by the update loop; nothing else reads or writes it.
type feedState struct {
	rows     []api.Photo
	loaded   bool
	cursor   *api.Cursor // last loaded row, nil when everything is loaded
	hasMore  bool
	pageSize int
	urls     *URLCache

	// inserted photos not yet seen in the rows after a load. A page queried before
	// the photo was committed would otherwise drop it.
	pending []api.Photo
}

func (f *feed) loop(s *feedState) {
	for {
		select {
		case op := <-f.ops:
			op(s)
		case <-f.done:
			return
		}
	}
}

// do runs fn on the update loop and waits for it to finish.
// Never call it from inside fn.
func (f *feed) do(fn func(s *feedState)) error {

	finished := make(chan struct{})
	op := func(s *feedState) {
		defer close(finished)
		fn(s)
	}

	select {
	case f.ops <- op:
	case <-f.done:
		return ErrFeedClosed
	}

	<-finished
	return nil
}

// loopCache exposes the loop-owned url cache to the resolver.
type loopCache struct {
	f *feed
}

func (c loopCache) Get(id string, v api.Variant, now time.Time) (e Entry, ok bool) {
	_ = c.f.do(func(s *feedState) { e, ok = s.urls.Get(id, v, now) })
	return e, ok
}

func (c loopCache) Put(id string, v api.Variant, e Entry) {
	_ = c.f.do(func(s *feedState) { s.urls.Put(id, v, e) })
}

// Page is the concrete implementation of the interface method.
func (f *feed) Page(ctx context.Context, cursor *api.Cursor, pageSize int) (*Page, error) {

	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("page size must be between 1 and %d", MaxPageSize)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	// one extra row tells whether another page exists
	photos, err := f.reader.SelectPage(callCtx, photo.PageQuery{
		OwnerId:   f.cfg.OwnerId,
		Filter:    f.cfg.Filter,
		Cursor:    cursor,
		Limit:     pageSize + 1,
		Direction: f.cfg.Direction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load gallery page for owner %s: %v", f.cfg.OwnerId, err)
	}

	page := &Page{HasMore: len(photos) > pageSize}
	if page.HasMore {
		photos = photos[:pageSize]
		next := api.CursorOf(photos[len(photos)-1])
		page.NextCursor = &next
	}

	page.Rows = f.rows(ctx, photos)

	return page, nil
}

// Load is the concrete implementation of the interface method.
func (f *feed) Load(ctx context.Context, pageSize int) (*Page, error) {

	page, err := f.Page(ctx, nil, pageSize)
	if err != nil {
		return nil, err
	}

	if err := f.do(func(s *feedState) {
		s.rows = page.Photos()
		s.loaded = true
		s.cursor = page.NextCursor
		s.hasMore = page.HasMore
		s.pageSize = pageSize
		f.settle(s)
	}); err != nil {
		return nil, err
	}

	f.notify(page)

	return page, nil
}

// LoadMore is the concrete implementation of the interface method.
func (f *feed) LoadMore(ctx context.Context) (*Page, error) {

	var (
		loaded   bool
		cursor   *api.Cursor
		hasMore  bool
		pageSize int
	)
	if err := f.do(func(s *feedState) {
		loaded, cursor, hasMore, pageSize = s.loaded, s.cursor, s.hasMore, s.pageSize
	}); err != nil {
		return nil, err
	}

	if !loaded {
		return nil, fmt.Errorf("gallery feed must be loaded before loading more")
	}

	if !hasMore {
		return &Page{}, nil
	}

	page, err := f.Page(ctx, cursor, pageSize)
	if err != nil {
		return nil, err
	}

	stale := false
	if err := f.do(func(s *feedState) {

		// a concurrent load already moved past this cursor
		if !sameCursor(s.cursor, cursor) {
			stale = true
			return
		}

		for _, p := range page.Photos() {
			if s.index(p.Id) < 0 {
				s.rows = append(s.rows, p)
			}
		}
		s.cursor = page.NextCursor
		s.hasMore = page.HasMore
		f.settle(s)
	}); err != nil {
		return nil, err
	}

	if stale {
		return &Page{}, nil
	}

	f.notify(page)

	return page, nil
}

// Insert is the concrete implementation of the interface method.
func (f *feed) Insert(p api.Photo) {

	if p.OwnerId != f.cfg.OwnerId {
		return
	}

	if f.cfg.Filter.BodyRegion != nil && p.BodyRegion != *f.cfg.Filter.BodyRegion {
		return
	}

	if err := f.do(func(s *feedState) {

		if i := s.index(p.Id); i >= 0 {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
		}

		s.hold(p)

		// past the loaded window: the row arrives with a later page
		if !f.inWindow(s, p) {
			return
		}

		f.place(s, p)
	}); err != nil {
		f.logger.Warn(fmt.Sprintf("dropped optimistic insert of photo %s", p.Id), "err", err.Error())
	}
}

// MergeBackfill is the concrete implementation of the interface method.
func (f *feed) MergeBackfill(results []api.RegenerateResult) {

	if err := f.do(func(s *feedState) {
		for _, res := range results {

			i := s.index(res.Id)
			if i < 0 {
				continue
			}

			p := s.rows[i]
			if res.ThumbnailPath != "" {
				p.Derivatives = p.Derivatives.Set(api.VariantThumbnail, res.ThumbnailPath)
			}
			if res.MediumPath != "" {
				p.Derivatives = p.Derivatives.Set(api.VariantMedium, res.MediumPath)
			}
			s.rows[i] = p

			if p.Derivatives.Thumbnail != "" {
				if e, ok := f.resolver.Entry(p.Derivatives.Thumbnail, res.ThumbnailUrl, res.ThumbnailExpiresAt); ok {
					s.urls.Put(p.Id, api.VariantThumbnail, e)
				}
			}
			if p.Derivatives.Medium != "" {
				if e, ok := f.resolver.Entry(p.Derivatives.Medium, res.MediumUrl, res.MediumExpiresAt); ok {
					s.urls.Put(p.Id, api.VariantMedium, e)
				}
			}
		}
	}); err != nil {
		f.logger.Warn(fmt.Sprintf("dropped backfill merge of %d photos", len(results)), "err", err.Error())
	}
}

// Remove is the concrete implementation of the interface method.
func (f *feed) Remove(id string) {
	_ = f.do(func(s *feedState) {
		if i := s.index(id); i >= 0 {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
		}
		s.drop(id)
		s.urls.Invalidate(id)
	})
}

// Snapshot is the concrete implementation of the interface method.
func (f *feed) Snapshot(ctx context.Context) []Row {

	var photos []api.Photo
	if err := f.do(func(s *feedState) {
		photos = make([]api.Photo, len(s.rows))
		copy(photos, s.rows)
	}); err != nil {
		return nil
	}

	return f.rows(ctx, photos)
}

// Resolve is the concrete implementation of the interface method.
func (f *feed) Resolve(ctx context.Context, id string, v api.Variant) (Resolved, error) {

	var (
		p     api.Photo
		found bool
	)
	if err := f.do(func(s *feedState) {
		if i := s.index(id); i >= 0 {
			p, found = s.rows[i], true
		}
	}); err != nil {
		return Resolved{}, err
	}

	if !found {
		return Resolved{}, fmt.Errorf("%w: %s", api.ErrNotFound, id)
	}

	return f.resolver.Resolve(ctx, p, v, loopCache{f: f})
}

// Close is the concrete implementation of the interface method.
func (f *feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// rows resolves grid thumbnails only; medium and original are never fetched eagerly.
func (f *feed) rows(ctx context.Context, photos []api.Photo) []Row {

	rows := make([]Row, len(photos))
	for i, p := range photos {

		thumb, err := f.resolver.Resolve(ctx, p, api.VariantThumbnail, loopCache{f: f})
		if err != nil {
			thumb = Resolved{Variant: api.VariantThumbnail, Placeholder: true}
		}

		rows[i] = Row{Photo: p, Thumbnail: thumb}
	}

	return rows
}

func (f *feed) notify(page *Page) {
	if f.observe != nil && len(page.Rows) > 0 {
		f.observe(page.Photos())
	}
}

func sameCursor(a, b *api.Cursor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Id == b.Id && a.DisplayAt.Equal(b.DisplayAt) && a.UploadedAt.Equal(b.UploadedAt)
}

func (s *feedState) index(id string) int {
	for i := range s.rows {
		if s.rows[i].Id == id {
			return i
		}
	}
	return -1
}

// inWindow reports whether the photo sorts within the loaded rows.
func (f *feed) inWindow(s *feedState, p api.Photo) bool {
	return !(s.hasMore && s.cursor != nil && s.cursor.Follows(p, f.cfg.Direction))
}

// place inserts the photo at its sorted position. It must not already be in the rows.
func (f *feed) place(s *feedState, p api.Photo) {
	at := sort.Search(len(s.rows), func(i int) bool {
		return !api.Precedes(s.rows[i], p, f.cfg.Direction)
	})
	s.rows = append(s.rows, api.Photo{})
	copy(s.rows[at+1:], s.rows[at:])
	s.rows[at] = p
}

// settle runs after a page is applied: pending inserts the page already holds are
// confirmed, those missing from it but inside the window are placed.
func (f *feed) settle(s *feedState) {
	kept := s.pending[:0]
	for _, p := range s.pending {
		switch {
		case s.index(p.Id) >= 0:
		case f.inWindow(s, p):
			f.place(s, p)
		default:
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

// hold records an inserted photo until a page confirms it.
func (s *feedState) hold(p api.Photo) {
	s.drop(p.Id)
	if len(s.pending) == maxPending {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, p)
}

func (s *feedState) drop(id string) {
	for i, p := range s.pending {
		if p.Id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
