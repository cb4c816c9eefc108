package capture

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"time"

	"github.com/gen2brain/avif"
	"github.com/gen2brain/heic"
	"github.com/gen2brain/webp"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

const MaxRawBytes int = 50 * 1024 * 1024 // largest accepted source file

// Capture is a raw file normalized into a canonical bitmap plus the capture
// time recovered from its original metadata.
type Capture struct {
	Bitmap     image.Image
	CapturedAt *time.Time
	Format     Format
}

// Normalizer turns raw camera/file-picker bytes into a canonical bitmap.
type Normalizer interface {

	// Normalize detects the format of the raw file, reads capture-time metadata from
	// the original bytes before any conversion, and decodes to an upright bitmap.
	// Decode failures wrap api.ErrCaptureDecode. No network or database access.
	Normalize(raw []byte, filename string) (*Capture, error)
}

// NewNormalizer creates a new Normalizer, returning a pointer to the concrete implementation.
func NewNormalizer() Normalizer {
	return &normalizer{
		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageCapture)).
			With(slog.String(util.ComponentKey, util.ComponentNormalizer)),
	}
}

var _ Normalizer = (*normalizer)(nil)

type normalizer struct {
	logger *slog.Logger
}

// Normalize is the concrete implementation of the interface method.
func (n *normalizer) Normalize(raw []byte, filename string) (*Capture, error) {

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: source file '%s' is empty", api.ErrCaptureDecode, filename)
	}

	if len(raw) > MaxRawBytes {
		return nil, fmt.Errorf("%w: source file '%s' exceeds %d bytes", api.ErrCaptureDecode, filename, MaxRawBytes)
	}

	format := DetectFormat(raw, filename)
	if format == FormatUnknown {
		return nil, fmt.Errorf("%w: source file '%s' is not a supported image format", api.ErrCaptureDecode, filename)
	}

	// metadata must come from the original bytes:
	// converting heif family formats drops the embedded exif block
	meta := ReadMetadata(raw, format)

	bitmap, err := decode(raw, format)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s source file '%s': %v", api.ErrCaptureDecode, format, filename, err)
	}

	if b := bitmap.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: source file '%s' has empty dimensions", api.ErrCaptureDecode, filename)
	}

	bitmap = upright(bitmap, meta.Rotation)

	if meta.TakenAt == nil {
		n.logger.Info(fmt.Sprintf("no capture time found in %s source file '%s'", format, filename))
	}

	return &Capture{
		Bitmap:     bitmap,
		CapturedAt: meta.TakenAt,
		Format:     format,
	}, nil
}

// decode converts the raw bytes to a bitmap; a no-op conversion for standard formats.
func decode(raw []byte, f Format) (image.Image, error) {
	r := bytes.NewReader(raw)
	switch f {
	case FormatHeic:
		return heic.Decode(r)
	case FormatAvif:
		return avif.Decode(r)
	case FormatWebp:
		return webp.Decode(r)
	default:
		img, _, err := image.Decode(r)
		return img, err
	}
}
