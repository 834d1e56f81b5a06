package transform

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// borderTolerance is the per-channel distance still counted as border when
// trimming a letterbox.
const borderTolerance = 16

func applyGeometry(w *WorkingImage, g Geometry) {
	if g.Skip {
		return
	}
	img := w.Pixels
	if !g.Crop.Empty() && g.Crop != img.Bounds() {
		img = imaging.Crop(img, g.Crop)
	}
	if g.Scale != (image.Point{}) && g.Scale != img.Bounds().Size() {
		img = imaging.Resize(img, g.Scale.X, g.Scale.Y, resampleFilter(img.Bounds().Size(), g.Scale))
	}
	if g.Canvas != (image.Point{}) {
		img = imaging.Paste(imaging.New(g.Canvas.X, g.Canvas.Y, g.Fill), img, g.Offset)
		if g.Fill.A < 255 {
			w.Alpha = true
		}
	}
	w.replace(img)
}

func resampleFilter(from, to image.Point) imaging.ResampleFilter {
	if to.X*to.Y > from.X*from.Y {
		return imaging.CatmullRom
	}
	return imaging.Lanczos
}

// contentBounds finds the region inside a uniform border whose colour is
// that of the top-left pixel. A raster that is entirely border reports its
// full bounds.
func contentBounds(img *image.NRGBA) image.Rectangle {
	b := img.Bounds()
	ref := img.NRGBAAt(b.Min.X, b.Min.Y)

	rowIsBorder := func(y, x0, x1 int) bool {
		for x := x0; x < x1; x++ {
			if !near(img.NRGBAAt(x, y), ref) {
				return false
			}
		}
		return true
	}
	colIsBorder := func(x, y0, y1 int) bool {
		for y := y0; y < y1; y++ {
			if !near(img.NRGBAAt(x, y), ref) {
				return false
			}
		}
		return true
	}

	top, bottom := b.Min.Y, b.Max.Y
	for top < bottom && rowIsBorder(top, b.Min.X, b.Max.X) {
		top++
	}
	if top == bottom {
		return b
	}
	for bottom > top && rowIsBorder(bottom-1, b.Min.X, b.Max.X) {
		bottom--
	}
	left, right := b.Min.X, b.Max.X
	for left < right && colIsBorder(left, top, bottom) {
		left++
	}
	for right > left && colIsBorder(right-1, top, bottom) {
		right--
	}
	return image.Rect(left, top, right, bottom)
}

func near(a, b color.NRGBA) bool {
	return diff(a.R, b.R) <= borderTolerance &&
		diff(a.G, b.G) <= borderTolerance &&
		diff(a.B, b.B) <= borderTolerance &&
		diff(a.A, b.A) <= borderTolerance
}

func diff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// bakeOrientation rotates pixels so that orientation 1 displays them the
// way the given EXIF orientation would.
func bakeOrientation(img *image.NRGBA, orientation int) *image.NRGBA {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
