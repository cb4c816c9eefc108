package photo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tdeslauriers/derma/pkg/api"
)

// stmtCall is one statement received by the driver double.
type stmtCall struct {
	query string
	args  []driver.Value
}

type resultSet struct {
	cols []string
	rows [][]driver.Value
}

// textConn is a database/sql driver double answering queries from queued result sets.
// Like the mysql driver without parseTime, it returns datetimes as text.
type textConn struct {
	mu      sync.Mutex
	execs   []stmtCall
	queries []stmtCall
	results []resultSet
}

func (c *textConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements are not supported")
}

func (c *textConn) Close() error { return nil }

func (c *textConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions are not supported")
}

func values(named []driver.NamedValue) []driver.Value {
	args := make([]driver.Value, len(named))
	for i, nv := range named {
		args[i] = nv.Value
	}
	return args
}

func (c *textConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.execs = append(c.execs, stmtCall{query: query, args: values(args)})
	return driver.RowsAffected(1), nil
}

func (c *textConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries = append(c.queries, stmtCall{query: query, args: values(args)})
	if len(c.results) == 0 {
		return nil, errors.New("no result queued")
	}
	rs := c.results[0]
	c.results = c.results[1:]
	return &textRows{set: rs}, nil
}

func (c *textConn) queue(rs resultSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, rs)
}

type textRows struct {
	set resultSet
	at  int
}

func (r *textRows) Columns() []string { return r.set.cols }

func (r *textRows) Close() error { return nil }

func (r *textRows) Next(dest []driver.Value) error {
	if r.at >= len(r.set.rows) {
		return io.EOF
	}
	copy(dest, r.set.rows[r.at])
	r.at++
	return nil
}

type textConnector struct {
	conn *textConn
}

func (c textConnector) Connect(ctx context.Context) (driver.Conn, error) { return c.conn, nil }

func (c textConnector) Driver() driver.Driver { return textDriver(c) }

type textDriver struct {
	conn *textConn
}

func (d textDriver) Open(name string) (driver.Conn, error) { return d.conn, nil }

var photoColumns = []string{
	"uuid", "owner_uuid", "body_region", "thumbnail_path", "medium_path",
	"original_path", "captured_at", "uploaded_at", "notes",
}

// photoRow is a photo row as the driver returns it: text columns as bytes, NULL as nil.
func photoRow(id, captured, uploaded string) []driver.Value {
	row := []driver.Value{
		[]byte(id),
		[]byte(testOwner),
		[]byte("back"),
		[]byte(testOwner + "/" + id + "/thumbnail.webp"),
		nil,
		[]byte(testOwner + "/" + id + "/original.jpg"),
		nil,
		[]byte(uploaded),
		nil,
	}
	if captured != "" {
		row[6] = []byte(captured)
	}
	return row
}

func newTextRepository(t *testing.T, now time.Time) (*repository, *textConn) {
	t.Helper()

	conn := &textConn{}
	db := sql.OpenDB(textConnector{conn: conn})
	t.Cleanup(func() { db.Close() })

	return &repository{sql: db, now: func() time.Time { return now }}, conn
}

const (
	rowId    = "3c5b7f2e-1a4d-4e8b-9f60-2d7c8b9a0e1f"
	otherRow = "8d2f6b1c-5e3a-4c7d-8b9e-0f1a2b3c4d5e"
)

func TestRepositoryInsert(t *testing.T) {

	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 3, 0, 0, 123456789, chicago)
	captured := time.Date(2026, 2, 27, 18, 30, 0, 987654321, chicago)

	testCases := []struct {
		name     string
		captured *time.Time
		want     driver.Value
	}{
		{"captured", &captured, captured.UTC().Truncate(time.Microsecond)},
		{"not_captured", nil, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {

			repo, conn := newTextRepository(t, now)

			p, err := repo.Insert(context.Background(), api.Photo{
				Id:          rowId,
				OwnerId:     testOwner,
				BodyRegion:  api.RegionBack,
				CapturedAt:  tc.captured,
				Derivatives: api.Derivatives{Thumbnail: "t.webp", Original: "o.jpg"},
			})
			if err != nil {
				t.Fatalf("expected insert to succeed, got %v", err)
			}

			uploaded := now.UTC().Truncate(time.Microsecond)
			if !p.UploadedAt.Equal(uploaded) || p.UploadedAt.Location() != time.UTC {
				t.Errorf("expected uploaded_at %s in utc, got %s", uploaded, p.UploadedAt)
			}

			if len(conn.execs) != 1 || len(conn.execs[0].args) != 9 {
				t.Fatalf("expected one insert with 9 args, got %+v", conn.execs)
			}
			args := conn.execs[0].args
			if args[0] != rowId || args[1] != testOwner || args[2] != "back" {
				t.Errorf("unexpected identity args: %v", args[:3])
			}
			if args[3] != "t.webp" || args[4] != nil || args[5] != "o.jpg" {
				t.Errorf("expected the empty medium path written as NULL, got %v", args[3:6])
			}
			if tc.want == nil {
				if args[6] != nil {
					t.Errorf("expected NULL captured_at, got %v", args[6])
				}
			} else if got, ok := args[6].(time.Time); !ok || !got.Equal(tc.want.(time.Time)) {
				t.Errorf("expected captured_at %v, got %v", tc.want, args[6])
			}
			if got, ok := args[7].(time.Time); !ok || !got.Equal(uploaded) {
				t.Errorf("expected uploaded_at arg %s, got %v", uploaded, args[7])
			}
			if args[8] != nil {
				t.Errorf("expected empty notes written as NULL, got %v", args[8])
			}
		})
	}
}

func TestRepositorySelectPageScansTextDatetimes(t *testing.T) {

	repo, conn := newTextRepository(t, time.Now())
	conn.queue(resultSet{cols: photoColumns, rows: [][]driver.Value{
		photoRow(rowId, "2026-02-27 18:30:00.987654", "2026-03-01 09:00:00.123456"),
		photoRow(otherRow, "", "2026-02-20 07:15:00"),
	}})

	cursor := api.Cursor{
		DisplayAt:  time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		UploadedAt: time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC),
		Id:         "f0e1d2c3-b4a5-4968-8776-655443322110",
	}
	photos, err := repo.SelectPage(context.Background(), PageQuery{
		OwnerId:   testOwner,
		Cursor:    &cursor,
		Limit:     21,
		Direction: api.SortDesc,
	})
	if err != nil {
		t.Fatalf("expected text datetimes to scan, got %v", err)
	}
	if len(photos) != 2 {
		t.Fatalf("expected 2 photos, got %d", len(photos))
	}

	captured := time.Date(2026, 2, 27, 18, 30, 0, 987654000, time.UTC)
	if photos[0].CapturedAt == nil || !photos[0].CapturedAt.Equal(captured) {
		t.Errorf("expected captured_at %s, got %v", captured, photos[0].CapturedAt)
	}
	if want := time.Date(2026, 3, 1, 9, 0, 0, 123456000, time.UTC); !photos[0].UploadedAt.Equal(want) {
		t.Errorf("expected uploaded_at %s, got %s", want, photos[0].UploadedAt)
	}
	if photos[0].Derivatives.Medium != "" || photos[0].Derivatives.Thumbnail == "" {
		t.Errorf("expected NULL medium path scanned as empty, got %+v", photos[0].Derivatives)
	}

	if photos[1].CapturedAt != nil {
		t.Errorf("expected NULL captured_at scanned as nil, got %v", photos[1].CapturedAt)
	}
	if want := time.Date(2026, 2, 20, 7, 15, 0, 0, time.UTC); !photos[1].UploadedAt.Equal(want) {
		t.Errorf("expected uploaded_at %s, got %s", want, photos[1].UploadedAt)
	}

	// owner, six cursor values, limit
	args := conn.queries[0].args
	if len(args) != 8 {
		t.Fatalf("expected 8 query args, got %d", len(args))
	}
	if args[0] != testOwner || args[6] != cursor.Id || args[7] != int64(21) {
		t.Errorf("unexpected page args: %v", args)
	}
	if got, ok := args[1].(time.Time); !ok || !got.Equal(cursor.DisplayAt) {
		t.Errorf("expected cursor display_at arg, got %v", args[1])
	}
}

func TestRepositorySelectCountSince(t *testing.T) {

	repo, conn := newTextRepository(t, time.Now())
	conn.queue(resultSet{cols: []string{"COUNT(*)"}, rows: [][]driver.Value{{int64(2)}}})

	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatal(err)
	}
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, chicago)

	count, err := repo.SelectCountSince(context.Background(), testOwner, since)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}

	args := conn.queries[0].args
	if got, ok := args[1].(time.Time); !ok || !got.Equal(since) || got.Location() != time.UTC {
		t.Errorf("expected since bound as utc, got %v", args[1])
	}
}

func TestRepositoryFindById(t *testing.T) {

	testCases := []struct {
		name     string
		rows     [][]driver.Value
		wantErr  bool
		notFound bool
	}{
		{"found_without_capture", [][]driver.Value{photoRow(rowId, "", "2026-03-01 09:00:00")}, false, false},
		{"missing", nil, true, true},
		{"bad_datetime", [][]driver.Value{photoRow(rowId, "", "yesterday")}, true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {

			repo, conn := newTextRepository(t, time.Now())
			conn.queue(resultSet{cols: photoColumns, rows: tc.rows})

			p, err := repo.FindById(context.Background(), testOwner, rowId)
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error %t, got %v", tc.wantErr, err)
			}
			if errors.Is(err, api.ErrNotFound) != tc.notFound {
				t.Errorf("expected not found %t, got %v", tc.notFound, err)
			}
			if err != nil {
				return
			}

			if p.Id != rowId || p.CapturedAt != nil || p.BodyRegion != api.RegionBack {
				t.Errorf("unexpected photo: %+v", p)
			}
			if args := conn.queries[0].args; args[0] != rowId || args[1] != testOwner {
				t.Errorf("expected id then owner args, got %v", args)
			}
		})
	}
}

func TestRepositoryFindByIdsIsOwnerScoped(t *testing.T) {

	repo, conn := newTextRepository(t, time.Now())
	conn.queue(resultSet{cols: photoColumns, rows: [][]driver.Value{photoRow(rowId, "", "2026-03-01 09:00:00")}})

	photos, err := repo.FindByIds(context.Background(), testOwner, []string{rowId, otherRow})
	if err != nil {
		t.Fatal(err)
	}
	if len(photos) != 1 || photos[0].Id != rowId {
		t.Errorf("expected the one stored photo, got %+v", photos)
	}

	args := conn.queries[0].args
	if len(args) != 3 || args[0] != testOwner || args[1] != rowId || args[2] != otherRow {
		t.Errorf("expected owner then ids, got %v", args)
	}
}

func TestRepositoryUpdateDerivatives(t *testing.T) {

	repo, conn := newTextRepository(t, time.Now())

	if err := repo.UpdateDerivatives(context.Background(), rowId, api.Derivatives{Thumbnail: "t.webp"}); err != nil {
		t.Fatal(err)
	}

	if len(conn.execs) != 1 {
		t.Fatalf("expected one update, got %d", len(conn.execs))
	}
	args := conn.execs[0].args
	if len(args) != 4 || args[0] != "t.webp" || args[1] != nil || args[2] != nil || args[3] != rowId {
		t.Errorf("expected only the thumbnail slot written, got %v", args)
	}
}
