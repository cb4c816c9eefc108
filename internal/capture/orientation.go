package capture

import "image"

// upright rotates the bitmap clockwise by the given degrees so it displays
// the way the camera held it. Unsupported angles return the source unchanged.
func upright(src image.Image, degrees int) image.Image {

	// normalize degrees to [0, 360) -> accounts for negative degrees
	degrees = ((degrees % 360) + 360) % 360
	if degrees != 90 && degrees != 180 && degrees != 270 {
		return src
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	dstW, dstH := w, h
	if degrees != 180 {
		dstW, dstH = h, w
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch degrees {
			case 90:
				dx, dy = h-1-y, x
			case 180:
				dx, dy = w-1-x, h-1-y
			case 270:
				dx, dy = y, w-1-x
			}
			dst.Set(dx, dy, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}

	return dst
}
