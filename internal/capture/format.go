package capture

import (
	"net/http"
	"path/filepath"
	"strings"
)

// Format is the detected container format of a raw capture.
type Format string

const (
	FormatUnknown Format = ""
	FormatJpeg    Format = "jpeg"
	FormatPng     Format = "png"
	FormatGif     Format = "gif"
	FormatWebp    Format = "webp"
	FormatHeic    Format = "heic"
	FormatAvif    Format = "avif"
)

// Standard reports whether the format is a raster format the image package
// decodes without conversion.
func (f Format) Standard() bool {
	return f == FormatJpeg || f == FormatPng || f == FormatGif
}

// heifFamily reports whether the format is an ISO-BMFF camera container.
// Conversion of these strips embedded metadata.
func (f Format) heifFamily() bool {
	return f == FormatHeic || f == FormatAvif
}

// isobmff major/compatible brands, see ISO/IEC 23008-12
var (
	heicBrands = map[string]struct{}{
		"heic": {}, "heix": {}, "hevc": {}, "hevx": {},
		"heim": {}, "heis": {}, "mif1": {}, "msf1": {},
	}
	avifBrands = map[string]struct{}{
		"avif": {}, "avis": {},
	}
)

// DetectFormat sniffs the raw bytes, falling back to the file extension when
// the content is not recognized (some pickers hand over heic without a usable header).
func DetectFormat(raw []byte, filename string) Format {

	// iso-bmff: [size:4]["ftyp"][major brand:4]
	if len(raw) >= 12 && string(raw[4:8]) == "ftyp" {
		brand := strings.ToLower(string(raw[8:12]))
		if _, ok := avifBrands[brand]; ok {
			return FormatAvif
		}
		if _, ok := heicBrands[brand]; ok {
			return FormatHeic
		}
	}

	switch http.DetectContentType(raw[:min(512, len(raw))]) {
	case "image/jpeg":
		return FormatJpeg
	case "image/png":
		return FormatPng
	case "image/gif":
		return FormatGif
	case "image/webp":
		return FormatWebp
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".heic", ".heif", ".hif":
		return FormatHeic
	case ".avif":
		return FormatAvif
	default:
		return FormatUnknown
	}
}
