package derivative

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"

	"github.com/gen2brain/webp"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

const (
	testOwner = "6f1c1d6e-6d8b-4f52-9a51-0c3e0f1a2b3c"
	testPhoto = "0b6a5c7e-2f0d-4b8e-a4a1-9d6c2e1f0a11"
)

// gradient builds a w x h bitmap with enough variation to make encoders work.
func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func TestEncodeDimensionsAndPaths(t *testing.T) {

	set, err := NewEncoder(nil).Encode(testOwner, testPhoto, gradient(2000, 1500))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	testCases := []struct {
		blob        Blob
		variant     api.Variant
		w, h        int
		path        string
		contentType string
		maxBytes    int
	}{
		{set.Thumbnail, api.VariantThumbnail, 320, 240, testOwner + "/" + testPhoto + "/thumbnail.webp", "image/webp", 64 * 1024},
		{set.Medium, api.VariantMedium, 1280, 960, testOwner + "/" + testPhoto + "/medium.webp", "image/webp", 512 * 1024},
		{set.Original, api.VariantOriginal, 2000, 1500, testOwner + "/" + testPhoto + "/original.jpg", "image/jpeg", 4 * 1024 * 1024},
	}

	for _, tc := range testCases {
		t.Run(string(tc.variant), func(t *testing.T) {
			if tc.blob.Variant != tc.variant {
				t.Errorf("expected variant '%s', got '%s'", tc.variant, tc.blob.Variant)
			}
			if tc.blob.Width != tc.w || tc.blob.Height != tc.h {
				t.Errorf("expected %dx%d, got %dx%d", tc.w, tc.h, tc.blob.Width, tc.blob.Height)
			}
			if tc.blob.Path != tc.path {
				t.Errorf("expected path '%s', got '%s'", tc.path, tc.blob.Path)
			}
			if tc.blob.ContentType != tc.contentType {
				t.Errorf("expected content type '%s', got '%s'", tc.contentType, tc.blob.ContentType)
			}
			if len(tc.blob.Data) == 0 || len(tc.blob.Data) > tc.maxBytes {
				t.Errorf("expected 0 < size <= %d bytes, got %d", tc.maxBytes, len(tc.blob.Data))
			}
		})
	}
}

func TestEncodedBytesDecode(t *testing.T) {

	set, err := NewEncoder(nil).Encode(testOwner, testPhoto, gradient(900, 1600))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	thumb, err := webp.Decode(bytes.NewReader(set.Thumbnail.Data))
	if err != nil {
		t.Fatalf("failed to decode thumbnail webp: %v", err)
	}
	if b := thumb.Bounds(); b.Dy() != util.ThumbnailMaxSide {
		t.Errorf("expected thumbnail height %d, got %d", util.ThumbnailMaxSide, b.Dy())
	}

	orig, err := jpeg.Decode(bytes.NewReader(set.Original.Data))
	if err != nil {
		t.Fatalf("failed to decode original jpeg: %v", err)
	}
	if b := orig.Bounds(); b.Dx() != 900 || b.Dy() != 1600 {
		t.Errorf("expected original 900x1600, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestEncodeDoesNotUpscale(t *testing.T) {

	set, err := NewEncoder(nil).Encode(testOwner, testPhoto, gradient(100, 50))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	for _, b := range set.Blobs() {
		if b.Width != 100 || b.Height != 50 {
			t.Errorf("%s: expected 100x50, got %dx%d", b.Variant, b.Width, b.Height)
		}
	}
}

func TestEncodeFlattensTransparency(t *testing.T) {

	src := image.NewNRGBA(image.Rect(0, 0, 8, 8)) // fully transparent

	blob, err := NewEncoder(nil).EncodeVariant(testOwner, testPhoto, api.VariantOriginal, src)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(blob.Data))
	if err != nil {
		t.Fatalf("failed to decode jpeg: %v", err)
	}

	if r, g, b, _ := img.At(4, 4).RGBA(); r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
		t.Errorf("expected transparent pixels flattened to white, got (%d,%d,%d)", r>>8, g>>8, b>>8)
	}
}

func TestPrefix(t *testing.T) {

	p := Prefix(testOwner, testPhoto)
	for _, v := range api.Variants {
		if path := Path(testOwner, testPhoto, v, CodecWebp); !strings.HasPrefix(path, p) {
			t.Errorf("expected path '%s' to start with prefix '%s'", path, p)
		}
	}
}

func TestEncodeNilSource(t *testing.T) {
	if _, err := NewEncoder(nil).Encode(testOwner, testPhoto, nil); err == nil {
		t.Error("expected error for nil source bitmap")
	}
}
