package derivative

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"math"

	"github.com/gen2brain/webp"
	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"

	redraw "golang.org/x/image/draw"
)

// Codec is the compressed encoding of a derivative.
type Codec string

const (
	CodecWebp Codec = "webp"
	CodecJpeg Codec = "jpeg"
)

// Ext is the file extension used in the object path.
func (c Codec) Ext() string {
	if c == CodecJpeg {
		return "jpg"
	}
	return "webp"
}

// ContentType is the mime type stored with the object.
func (c Codec) ContentType() string {
	if c == CodecJpeg {
		return "image/jpeg"
	}
	return "image/webp"
}

// Target is the encoding recipe of one variant.
// MaxSide of zero keeps the source dimensions.
type Target struct {
	MaxSide int
	Quality int
	Codec   Codec
}

// DefaultTargets are the size-capped lossy thumbnail and medium, and the
// high quality original kept for export.
var DefaultTargets = map[api.Variant]Target{
	api.VariantThumbnail: {MaxSide: util.ThumbnailMaxSide, Quality: util.ThumbnailQuality, Codec: CodecWebp},
	api.VariantMedium:    {MaxSide: util.MediumMaxSide, Quality: util.MediumQuality, Codec: CodecWebp},
	api.VariantOriginal:  {MaxSide: 0, Quality: util.OriginalQuality, Codec: CodecJpeg},
}

// Blob is one encoded derivative ready to be put to the object store.
type Blob struct {
	Variant     api.Variant
	Path        string
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Set is the three derivatives of one photo.
type Set struct {
	Thumbnail Blob
	Medium    Blob
	Original  Blob
}

// Blobs returns the derivatives in canonical variant order.
func (s *Set) Blobs() []Blob {
	return []Blob{s.Thumbnail, s.Medium, s.Original}
}

// Encoder produces derivatives from a canonical bitmap.
// It is a pure function of its inputs: no network or database access.
type Encoder interface {

	// Encode produces the thumbnail, medium and original derivatives of the bitmap,
	// each with its deterministic object path.
	Encode(ownerId, photoId string, src image.Image) (*Set, error)

	// EncodeVariant produces a single derivative. Used to rebuild missing derivatives.
	EncodeVariant(ownerId, photoId string, v api.Variant, src image.Image) (*Blob, error)
}

// NewEncoder creates a new Encoder with the given targets, falling back to
// DefaultTargets for any variant not supplied.
func NewEncoder(targets map[api.Variant]Target) Encoder {

	t := make(map[api.Variant]Target, len(DefaultTargets))
	for v, target := range DefaultTargets {
		t[v] = target
	}
	for v, target := range targets {
		t[v] = target
	}

	return &encoder{targets: t}
}

var _ Encoder = (*encoder)(nil)

type encoder struct {
	targets map[api.Variant]Target
}

// Encode is the concrete implementation of the interface method.
func (e *encoder) Encode(ownerId, photoId string, src image.Image) (*Set, error) {

	if src == nil {
		return nil, fmt.Errorf("source bitmap is nil")
	}

	thumbnail, err := e.EncodeVariant(ownerId, photoId, api.VariantThumbnail, src)
	if err != nil {
		return nil, err
	}

	medium, err := e.EncodeVariant(ownerId, photoId, api.VariantMedium, src)
	if err != nil {
		return nil, err
	}

	original, err := e.EncodeVariant(ownerId, photoId, api.VariantOriginal, src)
	if err != nil {
		return nil, err
	}

	return &Set{
		Thumbnail: *thumbnail,
		Medium:    *medium,
		Original:  *original,
	}, nil
}

// EncodeVariant is the concrete implementation of the interface method.
func (e *encoder) EncodeVariant(ownerId, photoId string, v api.Variant, src image.Image) (*Blob, error) {

	target, ok := e.targets[v]
	if !ok {
		return nil, fmt.Errorf("no encoding target for variant '%s'", v)
	}

	if src == nil {
		return nil, fmt.Errorf("source bitmap is nil")
	}

	scaled := fitLongestSide(src, target.MaxSide)
	flat := flattenOnWhite(scaled)

	var buf bytes.Buffer
	switch target.Codec {
	case CodecJpeg:
		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: clamp(target.Quality, 1, 100)}); err != nil {
			return nil, fmt.Errorf("failed to encode %s derivative to jpeg: %v", v, err)
		}
	case CodecWebp:
		if err := webp.Encode(&buf, flat, webp.Options{Quality: clamp(target.Quality, 1, 100), Lossless: false}); err != nil {
			return nil, fmt.Errorf("failed to encode %s derivative to webp: %v", v, err)
		}
	default:
		return nil, fmt.Errorf("unsupported codec '%s' for variant '%s'", target.Codec, v)
	}

	b := flat.Bounds()
	return &Blob{
		Variant:     v,
		Path:        Path(ownerId, photoId, v, target.Codec),
		Data:        buf.Bytes(),
		ContentType: target.Codec.ContentType(),
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

// Path is the deterministic object path of a derivative:
// {ownerId}/{photoId}/{variant}.{ext}
func Path(ownerId, photoId string, v api.Variant, c Codec) string {
	return fmt.Sprintf("%s%s.%s", Prefix(ownerId, photoId), v, c.Ext())
}

// Prefix is the object path prefix holding every derivative of a photo.
func Prefix(ownerId, photoId string) string {
	return fmt.Sprintf("%s/%s/", ownerId, photoId)
}

// fitLongestSide scales the image down so its longest side is at most maxSide,
// maintaining aspect ratio. Images already small enough are returned as is.
func fitLongestSide(src image.Image, maxSide int) image.Image {

	if maxSide <= 0 {
		return src
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return src
	}

	longest := max(w, h)
	if longest <= maxSide {
		return src
	}

	scale := float64(maxSide) / float64(longest)
	dstWidth := max(1, int(math.Round(float64(w)*scale)))
	dstHeight := max(1, int(math.Round(float64(h)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, dstWidth, dstHeight))
	redraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, redraw.Over, nil)

	return dst
}

// flattenOnWhite composites images that may carry transparency over a white
// canvas. Lossy encoders would otherwise render transparent pixels black.
func flattenOnWhite(src image.Image) image.Image {

	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		return src
	}

	bounds := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: image.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)

	return dst
}

// clamp is a helper function which ensures a value is within the min and max bounds.
func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
