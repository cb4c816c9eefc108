package media

import (
	"context"
	"fmt"

	"github.com/tdeslauriers/carapace/pkg/validate"
	"github.com/tdeslauriers/derma/internal/backfill"
	"github.com/tdeslauriers/derma/internal/gallery"
	"github.com/tdeslauriers/derma/internal/upload"
	"github.com/tdeslauriers/derma/pkg/api"
)

// SessionConfig scopes a gallery session.
type SessionConfig struct {
	OwnerId   string
	Filter    api.Filter
	Direction api.SortDirection
}

// Validate checks the session scope.
func (c *SessionConfig) Validate() error {

	if !validate.IsValidUuid(c.OwnerId) {
		return fmt.Errorf("invalid owner id: %s", c.OwnerId)
	}

	if c.Filter.BodyRegion != nil {
		if err := c.Filter.BodyRegion.Validate(); err != nil {
			return err
		}
	}

	if c.Direction == "" {
		c.Direction = api.SortDesc
	}

	return c.Direction.Validate()
}

// Session is one owner's open gallery: the ordered feed, the backfill reconciler
// watching it, and an upload pipeline that inserts committed photos into it.
type Session struct {
	Feed       gallery.Feed
	Reconciler backfill.Reconciler
	Uploads    upload.Pipeline

	media   *media
	ownerId string
	cancel  context.CancelFunc
}

// NewSession is the concrete implementation of the interface method.
func (m *media) NewSession(cfg SessionConfig) (*Session, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// remote workers when a broker is configured, this process otherwise
	var regen backfill.Regenerator = m.regenerator
	if m.remote != nil {
		regen = m.remote
	}

	var reconciler backfill.Reconciler
	feed := gallery.NewFeed(m.repo, m.resolver, gallery.FeedConfig{
		OwnerId:   cfg.OwnerId,
		Filter:    cfg.Filter,
		Direction: cfg.Direction,
		Margin:    m.pc.SignMargin,
		Timeout:   m.pc.NetworkTimeout,
	}, func(photos []api.Photo) { reconciler.Observe(photos) })

	reconciler = backfill.NewReconciler(regen, feed, backfill.Config{
		BatchSize: m.pc.BackfillBatch,
		Timeout:   m.pc.NetworkTimeout,
	})

	ctx, cancel := context.WithCancel(m.ctx)
	go reconciler.Run(ctx)

	return &Session{
		Feed:       feed,
		Reconciler: reconciler,
		Uploads:    m.uploads.WithPublisher(feed),

		media:   m,
		ownerId: cfg.OwnerId,
		cancel:  cancel,
	}, nil
}

// Delete removes the owner's photo from storage and from the feed.
func (s *Session) Delete(ctx context.Context, id string) error {

	if err := s.media.photos.Delete(ctx, s.ownerId, id); err != nil {
		return err
	}

	s.Feed.Remove(id)

	return nil
}

// Close stops the reconciler and the feed.
func (s *Session) Close() {
	s.cancel()
	s.Feed.Close()
}
