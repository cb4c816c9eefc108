package photo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdeslauriers/carapace/pkg/validate"
	"github.com/tdeslauriers/derma/internal/storage"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

// Service is the owner-facing interface for single photo reads and mutations
// outside of upload and backfill.
type Service interface {

	// Get returns the owner's photo, or an error wrapping api.ErrNotFound.
	Get(ctx context.Context, ownerId, id string) (*api.Photo, error)

	// UpdateNotes replaces the notes of the owner's photo and returns the updated record.
	UpdateNotes(ctx context.Context, ownerId, id, notes string) (*api.Photo, error)

	// Delete removes the photo's derivative blobs and then its metadata row.
	Delete(ctx context.Context, ownerId, id string) error
}

// NewService creates a new photo Service. timeout bounds each network call.
func NewService(repo Repository, store storage.ObjectStore, timeout time.Duration) Service {
	return &service{
		repo:    repo,
		store:   store,
		timeout: timeout,

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackagePhoto)).
			With(slog.String(util.ComponentKey, util.ComponentPhotoService)),
	}
}

var _ Service = (*service)(nil)

// service is the concrete implementation of the Service interface.
type service struct {
	repo    Repository
	store   storage.ObjectStore
	timeout time.Duration

	logger *slog.Logger
}

func validateIds(ownerId, id string) error {
	if !validate.IsValidUuid(ownerId) {
		return fmt.Errorf("invalid owner id: %s", ownerId)
	}
	if !validate.IsValidUuid(id) {
		return fmt.Errorf("invalid photo id: %s", id)
	}
	return nil
}

// Get is the concrete implementation of the interface method.
func (s *service) Get(ctx context.Context, ownerId, id string) (*api.Photo, error) {

	if err := validateIds(ownerId, id); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.repo.FindById(callCtx, ownerId, id)
}

// UpdateNotes is the concrete implementation of the interface method.
func (s *service) UpdateNotes(ctx context.Context, ownerId, id, notes string) (*api.Photo, error) {

	if err := validateIds(ownerId, id); err != nil {
		return nil, err
	}

	if len(notes) > api.NotesMaxLength {
		return nil, fmt.Errorf("notes must be at most %d characters", api.NotesMaxLength)
	}

	// confirm ownership before writing: the update alone cannot tell
	// a missing row from an unchanged one
	p, err := s.Get(ctx, ownerId, id)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.UpdateNotes(callCtx, ownerId, id, notes); err != nil {
		return nil, err
	}

	p.Notes = notes
	s.logger.Info(fmt.Sprintf("updated notes of photo %s", id))

	return p, nil
}

// Delete is the concrete implementation of the interface method.
// Blobs are removed before the row. A failed blob removal keeps the row.
// A failed row delete leaves a row whose blobs are gone; retrying is safe
// since Remove is idempotent.
func (s *service) Delete(ctx context.Context, ownerId, id string) error {

	p, err := s.Get(ctx, ownerId, id)
	if err != nil {
		return err
	}

	if paths := p.Derivatives.Paths(); len(paths) > 0 {

		blobCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := s.store.Remove(blobCtx, paths); err != nil {
			return fmt.Errorf("failed to remove derivatives of photo %s: %v", id, err)
		}
	}

	rowCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.Delete(rowCtx, ownerId, id); err != nil {
		s.logger.Error(fmt.Sprintf("derivatives of photo %s removed but row delete failed", id), "err", err.Error())
		return err
	}

	s.logger.Info(fmt.Sprintf("deleted photo %s", id))

	return nil
}
