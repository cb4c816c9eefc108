package photo

import (
	"strings"
	"testing"
	"time"

	"github.com/tdeslauriers/derma/pkg/api"
)

const testOwner = "6f1c2a9e-3b1d-4c8e-9a57-0d5f2c7b8e11"

func TestBuildSelectPageQuery(t *testing.T) {

	region := api.RegionLeftArm
	cursor := &api.Cursor{
		DisplayAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		UploadedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Id:         "0a4f1c52-8d7e-4b1a-9c3e-5f6a7b8c9d0e",
	}

	testCases := []struct {
		name        string
		query       PageQuery
		contains    []string
		notContains []string
		args        int
	}{
		{
			name:        "first_page_desc",
			query:       PageQuery{OwnerId: testOwner, Limit: 20, Direction: api.SortDesc},
			contains:    []string{"WHERE p.owner_uuid = ?", "ORDER BY p.display_at DESC, p.uploaded_at DESC, p.uuid DESC", "LIMIT ?"},
			notContains: []string{"p.body_region = ?", "p.display_at < ?"},
			args:        2,
		},
		{
			name:        "cursor_desc",
			query:       PageQuery{OwnerId: testOwner, Cursor: cursor, Limit: 20, Direction: api.SortDesc},
			contains:    []string{"p.display_at < ?", "p.uploaded_at < ?", "p.uuid < ?", "ORDER BY p.display_at DESC"},
			notContains: []string{">"},
			args:        8,
		},
		{
			name:        "cursor_asc_filtered",
			query:       PageQuery{OwnerId: testOwner, Filter: api.Filter{BodyRegion: &region}, Cursor: cursor, Limit: 10, Direction: api.SortAsc},
			contains:    []string{"p.body_region = ?", "p.display_at > ?", "p.uuid > ?", "ORDER BY p.display_at ASC, p.uploaded_at ASC, p.uuid ASC"},
			notContains: []string{"<"},
			args:        9,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {

			qry, args := BuildSelectPageQuery(tc.query)

			for _, c := range tc.contains {
				if !strings.Contains(qry, c) {
					t.Errorf("expected query to contain '%s', got:\n%s", c, qry)
				}
			}
			for _, c := range tc.notContains {
				if strings.Contains(qry, c) {
					t.Errorf("expected query not to contain '%s', got:\n%s", c, qry)
				}
			}

			if len(args) != tc.args {
				t.Fatalf("expected %d args, got %d", tc.args, len(args))
			}
			if strings.Count(qry, "?") != len(args) {
				t.Errorf("expected %d placeholders, got %d", len(args), strings.Count(qry, "?"))
			}
			if args[0] != testOwner {
				t.Errorf("expected owner as first arg, got %v", args[0])
			}
			if args[len(args)-1] != tc.query.Limit {
				t.Errorf("expected limit as last arg, got %v", args[len(args)-1])
			}
		})
	}
}

func TestBuildSelectByIdsQuery(t *testing.T) {

	qry, args := BuildSelectByIdsQuery(testOwner, []string{"a", "b", "c"})

	if !strings.Contains(qry, "WHERE p.owner_uuid = ?") {
		t.Errorf("expected the lookup scoped by owner, got:\n%s", qry)
	}
	if !strings.Contains(qry, "p.uuid IN (?, ?, ?)") {
		t.Errorf("expected three placeholders in IN clause, got:\n%s", qry)
	}
	if len(args) != 4 || args[0] != testOwner {
		t.Errorf("expected owner then 3 ids as args, got %v", args)
	}
}
