package photo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tdeslauriers/derma/pkg/api"
)

// fixedClock returns a fixed instant for every call, so all rows tie on uploaded_at.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMemorySelectPageWalksEveryRowOnce(t *testing.T) {

	ctx := context.Background()
	uploaded := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository(fixedClock(uploaded))

	// ties on display and upload time; only the id separates them
	captured := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	want := make(map[string]bool)
	for i := 0; i < 7; i++ {
		p := api.Photo{Id: uuid.NewString(), OwnerId: testOwner, BodyRegion: api.RegionFace}
		if i%2 == 0 {
			p.CapturedAt = &captured
		}
		if _, err := repo.Insert(ctx, p); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
		want[p.Id] = true
	}

	for _, dir := range []api.SortDirection{api.SortDesc, api.SortAsc} {

		seen := make(map[string]bool)
		var cursor *api.Cursor
		var last *api.Photo

		for {
			page, err := repo.SelectPage(ctx, PageQuery{OwnerId: testOwner, Cursor: cursor, Limit: 3, Direction: dir})
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			for i := range page {
				if seen[page[i].Id] {
					t.Fatalf("%s: photo %s returned twice", dir, page[i].Id)
				}
				seen[page[i].Id] = true
				if last != nil && !api.Precedes(*last, page[i], dir) {
					t.Errorf("%s: photo %s out of order", dir, page[i].Id)
				}
				last = &page[i]
			}
			if len(page) < 3 {
				break
			}
			c := api.CursorOf(page[len(page)-1])
			cursor = &c
		}

		if len(seen) != len(want) {
			t.Errorf("%s: expected %d photos, got %d", dir, len(want), len(seen))
		}
	}
}

func TestMemorySelectCountSince(t *testing.T) {

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-48 * time.Hour)
	repo := NewMemoryRepository(func() time.Time { return clock })

	if _, err := repo.Insert(ctx, api.Photo{Id: uuid.NewString(), OwnerId: testOwner, BodyRegion: api.RegionFace}); err != nil {
		t.Fatal(err)
	}
	clock = now
	if _, err := repo.Insert(ctx, api.Photo{Id: uuid.NewString(), OwnerId: testOwner, BodyRegion: api.RegionFace}); err != nil {
		t.Fatal(err)
	}

	count, err := repo.SelectCountSince(ctx, testOwner, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 photo since an hour ago, got %d", count)
	}
}

func TestMemoryUpdateDerivativesKeepsOtherSlots(t *testing.T) {

	ctx := context.Background()
	repo := NewMemoryRepository(nil)

	id := uuid.NewString()
	if _, err := repo.Insert(ctx, api.Photo{
		Id:          id,
		OwnerId:     testOwner,
		BodyRegion:  api.RegionFace,
		Derivatives: api.Derivatives{Medium: "m.webp", Original: "o.jpg"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := repo.UpdateDerivatives(ctx, id, api.Derivatives{Thumbnail: "t.webp"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	p, _ := repo.FindById(ctx, testOwner, id)
	if p.Derivatives != (api.Derivatives{Thumbnail: "t.webp", Medium: "m.webp", Original: "o.jpg"}) {
		t.Errorf("unexpected derivatives: %+v", p.Derivatives)
	}
}
