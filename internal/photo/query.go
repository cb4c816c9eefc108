package photo

import (
	"strings"
	"time"

	"github.com/tdeslauriers/derma/pkg/api"
)

// PageQuery is the input of a cursor-paginated select over an owner's photos.
type PageQuery struct {
	OwnerId   string
	Filter    api.Filter
	Cursor    *api.Cursor // nil for the first page
	Limit     int
	Direction api.SortDirection
}

const selectPhotoColumns = `
		SELECT
			p.uuid,
			p.owner_uuid,
			p.body_region,
			p.thumbnail_path,
			p.medium_path,
			p.original_path,
			p.captured_at,
			p.uploaded_at,
			p.notes
		FROM photo p`

// BuildSelectPageQuery builds the sql query and args for one page of photos.
// Rows are ordered by (display_at, uploaded_at, uuid) in the requested direction,
// a total order, and the cursor excludes everything at or before the last row seen.
func BuildSelectPageQuery(q PageQuery) (string, []interface{}) {

	var qb strings.Builder
	args := make([]interface{}, 0, 9)

	qb.WriteString(selectPhotoColumns)
	qb.WriteString(`
		WHERE p.owner_uuid = ?`)
	args = append(args, q.OwnerId)

	if q.Filter.BodyRegion != nil {
		qb.WriteString(" AND p.body_region = ?")
		args = append(args, string(*q.Filter.BodyRegion))
	}

	op, order := "<", "DESC"
	if q.Direction == api.SortAsc {
		op, order = ">", "ASC"
	}

	// expanded form of (display_at, uploaded_at, uuid) op (?, ?, ?)
	// so the composite index on owner_uuid, display_at, uploaded_at, uuid is used
	if q.Cursor != nil {
		qb.WriteString(" AND (p.display_at " + op + " ?")
		qb.WriteString(" OR (p.display_at = ? AND p.uploaded_at " + op + " ?)")
		qb.WriteString(" OR (p.display_at = ? AND p.uploaded_at = ? AND p.uuid " + op + " ?))")
		args = append(args,
			q.Cursor.DisplayAt.UTC(),
			q.Cursor.DisplayAt.UTC(), q.Cursor.UploadedAt.UTC(),
			q.Cursor.DisplayAt.UTC(), q.Cursor.UploadedAt.UTC(), q.Cursor.Id,
		)
	}

	qb.WriteString(`
		ORDER BY p.display_at ` + order + `, p.uploaded_at ` + order + `, p.uuid ` + order)
	qb.WriteString(`
		LIMIT ?`)
	args = append(args, q.Limit)

	return qb.String(), args
}

// BuildSelectByIdsQuery builds the sql query for a set of the owner's photo ids.
func BuildSelectByIdsQuery(ownerId string, ids []string) (string, []interface{}) {

	var qb strings.Builder
	args := make([]interface{}, 0, len(ids)+1)

	qb.WriteString(selectPhotoColumns)
	qb.WriteString(`
		WHERE p.owner_uuid = ?
			AND p.uuid IN (`)
	args = append(args, ownerId)
	for i, id := range ids {
		if i > 0 {
			qb.WriteString(", ")
		}
		qb.WriteString("?")
		args = append(args, id)
	}
	qb.WriteString(")")

	return qb.String(), args
}

// dbTime normalizes a timestamp to the column precision: utc, microseconds.
// Cursor equality depends on the stored and in-memory values matching exactly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
