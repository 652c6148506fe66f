package converter

import (
	"image"

	"golang.org/x/image/draw"
)

// fit scales img to exactly w x h. Images that already match are returned as is.
func fit(img *image.RGBA, w, h int) *image.RGBA {
	b := img.Bounds()
	if w <= 0 || h <= 0 || (b.Dx() == w && b.Dy() == h && b.Min == image.Point{}) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
