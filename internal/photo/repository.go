package photo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tdeslauriers/carapace/pkg/data"
	"github.com/tdeslauriers/derma/pkg/api"
)

// Repository is the metadata store contract for photo rows.
// Every operation is bounded by the caller's context.
type Repository interface {

	// Insert commits a new photo row. The photo id must already be assigned;
	// uploaded_at is set by the store and returned on the committed record.
	Insert(ctx context.Context, p api.Photo) (*api.Photo, error)

	// SelectPage returns up to q.Limit rows strictly after q.Cursor in q.Direction.
	SelectPage(ctx context.Context, q PageQuery) ([]api.Photo, error)

	// SelectCountSince counts the owner's rows with uploaded_at at or after since.
	SelectCountSince(ctx context.Context, ownerId string, since time.Time) (int, error)

	// FindById returns the owner's photo, or an error wrapping api.ErrNotFound.
	FindById(ctx context.Context, ownerId, id string) (*api.Photo, error)

	// FindByIds returns the owner's rows that exist among ids, in no particular order.
	FindByIds(ctx context.Context, ownerId string, ids []string) ([]api.Photo, error)

	// UpdateDerivatives writes the non-empty derivative paths onto the row,
	// leaving the other slots untouched.
	UpdateDerivatives(ctx context.Context, id string, d api.Derivatives) error

	// UpdateNotes replaces the notes of the owner's photo.
	UpdateNotes(ctx context.Context, ownerId, id, notes string) error

	// Delete removes the owner's photo row. Deleting a missing row is not an error.
	Delete(ctx context.Context, ownerId, id string) error
}

// NewRepository creates a new mysql backed Repository.
func NewRepository(db *sql.DB) Repository {
	return &repository{
		sql: db,
		now: time.Now,
	}
}

var _ Repository = (*repository)(nil)

// repository is the concrete implementation of the Repository interface.
type repository struct {
	sql *sql.DB
	now func() time.Time
}

// photoRecord is the scan target of a photo row.
// The carapace connector does not set parseTime, so datetimes arrive as text.
type photoRecord struct {
	Id            string
	OwnerId       string
	BodyRegion    string
	ThumbnailPath sql.NullString
	MediumPath    sql.NullString
	OriginalPath  sql.NullString
	CapturedAt    nullCustomTime
	UploadedAt    data.CustomTime
	Notes         sql.NullString
}

// nullCustomTime is a nullable data.CustomTime.
type nullCustomTime struct {
	Time  data.CustomTime
	Valid bool
}

// Scan implements the sql.Scanner interface.
func (n *nullCustomTime) Scan(value interface{}) error {
	if value == nil {
		n.Time, n.Valid = data.CustomTime{}, false
		return nil
	}
	if err := n.Time.Scan(value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPhoto(s scanner) (api.Photo, error) {

	var r photoRecord
	if err := s.Scan(
		&r.Id,
		&r.OwnerId,
		&r.BodyRegion,
		&r.ThumbnailPath,
		&r.MediumPath,
		&r.OriginalPath,
		&r.CapturedAt,
		&r.UploadedAt,
		&r.Notes,
	); err != nil {
		return api.Photo{}, err
	}

	p := api.Photo{
		Id:         r.Id,
		OwnerId:    r.OwnerId,
		BodyRegion: api.BodyRegion(r.BodyRegion),
		Derivatives: api.Derivatives{
			Thumbnail: r.ThumbnailPath.String,
			Medium:    r.MediumPath.String,
			Original:  r.OriginalPath.String,
		},
		UploadedAt: dbTime(r.UploadedAt.Time),
		Notes:      r.Notes.String,
	}

	if r.CapturedAt.Valid {
		captured := dbTime(r.CapturedAt.Time.Time)
		p.CapturedAt = &captured
	}

	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Insert is the concrete implementation of the interface method.
func (r *repository) Insert(ctx context.Context, p api.Photo) (*api.Photo, error) {

	p.UploadedAt = dbTime(r.now())

	var captured sql.NullTime
	if p.CapturedAt != nil {
		t := dbTime(*p.CapturedAt)
		p.CapturedAt = &t
		captured = sql.NullTime{Time: t, Valid: true}
	}

	qry := `
		INSERT INTO photo (
			uuid,
			owner_uuid,
			body_region,
			thumbnail_path,
			medium_path,
			original_path,
			captured_at,
			uploaded_at,
			notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := r.sql.ExecContext(ctx, qry,
		p.Id,
		p.OwnerId,
		string(p.BodyRegion),
		nullString(p.Derivatives.Thumbnail),
		nullString(p.Derivatives.Medium),
		nullString(p.Derivatives.Original),
		captured,
		p.UploadedAt,
		nullString(p.Notes),
	); err != nil {
		return nil, fmt.Errorf("failed to insert photo %s: %v", p.Id, err)
	}

	return &p, nil
}

// SelectPage is the concrete implementation of the interface method.
func (r *repository) SelectPage(ctx context.Context, q PageQuery) ([]api.Photo, error) {

	qry, args := BuildSelectPageQuery(q)
	return r.selectPhotos(ctx, qry, args...)
}

// SelectCountSince is the concrete implementation of the interface method.
func (r *repository) SelectCountSince(ctx context.Context, ownerId string, since time.Time) (int, error) {

	qry := `
		SELECT COUNT(*)
		FROM photo p
		WHERE p.owner_uuid = ?
			AND p.uploaded_at >= ?`

	var count int
	if err := r.sql.QueryRowContext(ctx, qry, ownerId, dbTime(since)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count photos for owner %s: %v", ownerId, err)
	}

	return count, nil
}

// FindById is the concrete implementation of the interface method.
func (r *repository) FindById(ctx context.Context, ownerId, id string) (*api.Photo, error) {

	qry := selectPhotoColumns + `
		WHERE p.uuid = ?
			AND p.owner_uuid = ?`

	p, err := scanPhoto(r.sql.QueryRowContext(ctx, qry, id, ownerId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", api.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to select photo %s: %v", id, err)
	}

	return &p, nil
}

// FindByIds is the concrete implementation of the interface method.
func (r *repository) FindByIds(ctx context.Context, ownerId string, ids []string) ([]api.Photo, error) {

	if len(ids) == 0 {
		return []api.Photo{}, nil
	}

	qry, args := BuildSelectByIdsQuery(ownerId, ids)
	return r.selectPhotos(ctx, qry, args...)
}

// UpdateDerivatives is the concrete implementation of the interface method.
func (r *repository) UpdateDerivatives(ctx context.Context, id string, d api.Derivatives) error {

	qry := `
		UPDATE photo SET
			thumbnail_path = COALESCE(?, thumbnail_path),
			medium_path = COALESCE(?, medium_path),
			original_path = COALESCE(?, original_path)
		WHERE uuid = ?`

	if _, err := r.sql.ExecContext(ctx, qry,
		nullString(d.Thumbnail),
		nullString(d.Medium),
		nullString(d.Original),
		id,
	); err != nil {
		return fmt.Errorf("failed to update derivatives of photo %s: %v", id, err)
	}

	return nil
}

// UpdateNotes is the concrete implementation of the interface method.
func (r *repository) UpdateNotes(ctx context.Context, ownerId, id, notes string) error {

	qry := `
		UPDATE photo SET
			notes = ?
		WHERE uuid = ?
			AND owner_uuid = ?`

	if _, err := r.sql.ExecContext(ctx, qry, nullString(notes), id, ownerId); err != nil {
		return fmt.Errorf("failed to update notes of photo %s: %v", id, err)
	}

	return nil
}

// Delete is the concrete implementation of the interface method.
func (r *repository) Delete(ctx context.Context, ownerId, id string) error {

	qry := `
		DELETE FROM photo
		WHERE uuid = ?
			AND owner_uuid = ?`

	if _, err := r.sql.ExecContext(ctx, qry, id, ownerId); err != nil {
		return fmt.Errorf("failed to delete photo %s: %v", id, err)
	}

	return nil
}

func (r *repository) selectPhotos(ctx context.Context, qry string, args ...interface{}) ([]api.Photo, error) {

	rows, err := r.sql.QueryContext(ctx, qry, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query photos: %v", err)
	}
	defer rows.Close()

	photos := make([]api.Photo, 0)
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan photo row: %v", err)
		}
		photos = append(photos, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate photo rows: %v", err)
	}

	return photos, nil
}
