package photo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tdeslauriers/derma/internal/storage"
	"github.com/tdeslauriers/derma/pkg/api"
	"gocloud.dev/blob/memblob"
)

// failingDelete fails row deletes.
type failingDelete struct {
	Repository
}

func (f *failingDelete) Delete(ctx context.Context, ownerId, id string) error {
	return errors.New("connection reset")
}

func seed(t *testing.T, repo Repository, store storage.ObjectStore) api.Photo {
	t.Helper()

	ctx := context.Background()
	id := uuid.NewString()

	d := api.Derivatives{
		Thumbnail: testOwner + "/" + id + "/thumbnail.webp",
		Medium:    testOwner + "/" + id + "/medium.webp",
		Original:  testOwner + "/" + id + "/original.jpg",
	}
	for _, p := range d.Paths() {
		if err := store.Put(ctx, p, []byte("x"), "image/webp", ""); err != nil {
			t.Fatalf("failed to seed blob %s: %v", p, err)
		}
	}

	p, err := repo.Insert(ctx, api.Photo{Id: id, OwnerId: testOwner, BodyRegion: api.RegionBack, Derivatives: d})
	if err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}

	return *p
}

func TestDeleteRemovesBlobsThenRow(t *testing.T) {

	ctx := context.Background()
	repo := NewMemoryRepository(nil)
	store := storage.NewBlobStore(memblob.OpenBucket(nil), "")
	svc := NewService(repo, store, time.Second)

	p := seed(t, repo, store)

	if err := svc.Delete(ctx, testOwner, p.Id); err != nil {
		t.Fatalf("expected no error on delete, got %v", err)
	}

	for _, path := range p.Derivatives.Paths() {
		if _, err := store.Get(ctx, path); !errors.Is(err, storage.ErrObjectNotFound) {
			t.Errorf("expected blob %s removed, got %v", path, err)
		}
	}

	if _, err := repo.FindById(ctx, testOwner, p.Id); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("expected row removed, got %v", err)
	}
}

func TestDeleteRowFailureIsRetryable(t *testing.T) {

	ctx := context.Background()
	mem := NewMemoryRepository(nil)
	store := storage.NewBlobStore(memblob.OpenBucket(nil), "")
	p := seed(t, mem, store)

	broken := NewService(&failingDelete{Repository: mem}, store, time.Second)
	if err := broken.Delete(ctx, testOwner, p.Id); err == nil {
		t.Fatal("expected row delete failure to surface")
	}

	// blobs are already gone; a retry against a healthy store completes the delete
	healthy := NewService(mem, store, time.Second)
	if err := healthy.Delete(ctx, testOwner, p.Id); err != nil {
		t.Fatalf("expected retried delete to succeed, got %v", err)
	}

	if _, err := mem.FindById(ctx, testOwner, p.Id); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("expected row removed after retry, got %v", err)
	}
}

func TestDeleteOtherOwnersPhoto(t *testing.T) {

	ctx := context.Background()
	repo := NewMemoryRepository(nil)
	store := storage.NewBlobStore(memblob.OpenBucket(nil), "")
	svc := NewService(repo, store, time.Second)

	p := seed(t, repo, store)

	if err := svc.Delete(ctx, uuid.NewString(), p.Id); !errors.Is(err, api.ErrNotFound) {
		t.Errorf("expected not found for another owner, got %v", err)
	}

	if _, err := store.Get(ctx, p.Derivatives.Thumbnail); err != nil {
		t.Errorf("expected blobs untouched, got %v", err)
	}
}

func TestUpdateNotes(t *testing.T) {

	ctx := context.Background()
	repo := NewMemoryRepository(nil)
	store := storage.NewBlobStore(memblob.OpenBucket(nil), "")
	svc := NewService(repo, store, time.Second)

	p := seed(t, repo, store)

	updated, err := svc.UpdateNotes(ctx, testOwner, p.Id, "lesion looks smaller")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if updated.Notes != "lesion looks smaller" {
		t.Errorf("expected updated notes, got '%s'", updated.Notes)
	}

	stored, _ := repo.FindById(ctx, testOwner, p.Id)
	if stored.Notes != "lesion looks smaller" {
		t.Errorf("expected stored notes updated, got '%s'", stored.Notes)
	}

	if _, err := svc.UpdateNotes(ctx, testOwner, p.Id, strings.Repeat("a", api.NotesMaxLength+1)); err == nil {
		t.Error("expected notes over the ceiling to be rejected")
	}

	if _, err := svc.UpdateNotes(ctx, testOwner, "not-a-uuid", "x"); err == nil {
		t.Error("expected invalid id to be rejected")
	}
}
