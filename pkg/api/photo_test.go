package api

import (
	"strings"
	"testing"
	"time"
)

func TestPhotoValidate(t *testing.T) {

	owner := "d8e1f7a2-2f0b-4d0e-9a43-6a3c1e7c2001"

	testCases := []struct {
		name    string
		photo   Photo
		wantErr bool
	}{
		{"valid", Photo{OwnerId: owner, BodyRegion: RegionLeftArm}, false},
		{"valid_with_id", Photo{Id: "d8e1f7a2-2f0b-4d0e-9a43-6a3c1e7c2002", OwnerId: owner, BodyRegion: RegionOther}, false},
		{"bad_id", Photo{Id: "photo-1", OwnerId: owner, BodyRegion: RegionFace}, true},
		{"bad_owner", Photo{OwnerId: "", BodyRegion: RegionFace}, true},
		{"unknown_region", Photo{OwnerId: owner, BodyRegion: "knee"}, true},
		{"empty_region", Photo{OwnerId: owner}, true},
		{"notes_too_long", Photo{OwnerId: owner, BodyRegion: RegionBack, Notes: strings.Repeat("n", NotesMaxLength+1)}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.photo.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("expected error %t, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestPhotoDerivativeState(t *testing.T) {

	uploaded := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	captured := uploaded.Add(-time.Hour)

	p := Photo{UploadedAt: uploaded, Derivatives: Derivatives{Original: "o/p/original.jpg"}}

	if !p.NeedsBackfill() || p.Complete() {
		t.Error("expected an original-only photo to need backfill")
	}
	if !p.DisplayTimestamp().Equal(uploaded) {
		t.Errorf("expected display time to fall back to upload time, got %s", p.DisplayTimestamp())
	}

	p.CapturedAt = &captured
	p.Derivatives = p.Derivatives.Set(VariantThumbnail, "o/p/thumbnail.webp").Set(VariantMedium, "o/p/medium.webp")

	if p.NeedsBackfill() || !p.Complete() {
		t.Error("expected thumbnail and medium to complete the photo")
	}
	if !p.DisplayTimestamp().Equal(captured) {
		t.Errorf("expected display time to be the capture time, got %s", p.DisplayTimestamp())
	}
	if got := p.Derivatives.Paths(); len(got) != 3 || got[0] != "o/p/thumbnail.webp" {
		t.Errorf("expected paths in thumbnail, medium, original order, got %v", got)
	}
}

func TestRegenerateRequestValidate(t *testing.T) {

	ids := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = "e9e1f7a2-2f0b-4d0e-9a43-6a3c1e7c2001"
		}
		return out
	}

	owner := "e9e1f7a2-2f0b-4d0e-9a43-6a3c1e7c2999"

	testCases := []struct {
		name    string
		req     RegenerateRequest
		wantErr bool
	}{
		{"one", RegenerateRequest{OwnerId: owner, PhotoIds: ids(1)}, false},
		{"max", RegenerateRequest{OwnerId: owner, PhotoIds: ids(MaxRegenerateBatch)}, false},
		{"empty", RegenerateRequest{OwnerId: owner}, true},
		{"over_max", RegenerateRequest{OwnerId: owner, PhotoIds: ids(MaxRegenerateBatch + 1)}, true},
		{"bad_id", RegenerateRequest{OwnerId: owner, PhotoIds: []string{"not-a-uuid"}}, true},
		{"missing_owner", RegenerateRequest{PhotoIds: ids(1)}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("expected error %t, got %v", tc.wantErr, err)
			}
		})
	}
}
