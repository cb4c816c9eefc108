package capture

import (
	"bytes"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rwcarlsen/goexif/exif"
)

// Metadata is the subset of embedded capture metadata the pipeline keeps.
type Metadata struct {
	// best effort -> DateTimeOriginal, DateTimeDigitized, DateTime.
	TakenAt *time.Time

	// rotation in degrees clockwise: 0, 90, 180, 270
	Rotation int
}

// ReadMetadata reads capture metadata from the original, unconverted bytes.
// Missing or unreadable metadata is not an error: an empty Metadata is returned.
func ReadMetadata(raw []byte, f Format) *Metadata {

	if f.heifFamily() {
		return readIsobmffMeta(raw)
	}

	return readExif(raw)
}

// readExif reads exif from jpeg/tiff style containers.
// png, gif and webp typically carry none, in which case decode fails quietly.
func readExif(raw []byte) *Metadata {

	meta := &Metadata{}

	x, err := exif.Decode(bytes.NewReader(raw))
	if err != nil || x == nil {
		return meta
	}

	if datetime, err := x.DateTime(); err == nil && !datetime.IsZero() {
		meta.TakenAt = &datetime
	}

	if orient, ok := tagToInt(exif.Orientation, x); ok {
		meta.Rotation = convertToDegrees(orient)
	}

	return meta
}

// readIsobmffMeta reads the exif block embedded in heic/avif containers.
// Rotation is left at zero: heif decoders already apply the container transforms.
func readIsobmffMeta(raw []byte) *Metadata {

	meta := &Metadata{}

	e, err := imagemeta.Decode(bytes.NewReader(raw))
	if err != nil {
		return meta
	}

	if taken := e.DateTimeOriginal(); !taken.IsZero() {
		meta.TakenAt = &taken
	}

	return meta
}

// tagToInt is a helper to convert exif tag strings to ints
func tagToInt(tag exif.FieldName, x *exif.Exif) (int, bool) {

	if t, err := x.Get(tag); err == nil && t != nil {

		if i, err := t.Int(0); err == nil {
			return i, true
		}

		if num, den, err := t.Rat2(0); err == nil && den != 0 {
			return int(num / den), true
		}
	}

	return 0, false
}

// convertToDegrees converts EXIF orientation values to rotation in degrees.
// Mirror cases map to the equivalent rotation.
func convertToDegrees(orientation int) int {
	switch orientation {
	case 3, 4:
		return 180
	case 5, 8:
		return 270
	case 6, 7:
		return 90
	default:
		return 0
	}
}
