package transform

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// WorkingImage is the raster state threaded through one transform. It is
// never shared between calls.
type WorkingImage struct {
	Pixels *image.NRGBA
	// Alpha is set when any pixel is not fully opaque.
	Alpha bool
	// Depth is the source bit depth per channel, 8 or 16.
	Depth int
	// Orientation is the EXIF orientation still pending for these pixels.
	Orientation int

	mutated bool
}

func newWorkingImage(src image.Image, orientation int) *WorkingImage {
	w := &WorkingImage{
		Pixels:      imaging.Clone(src),
		Depth:       bitDepth(src.ColorModel()),
		Orientation: orientation,
	}
	if w.Depth == 16 {
		keepFaintAlpha(w.Pixels, src)
	}
	w.Alpha = !w.Pixels.Opaque()
	return w
}

func bitDepth(m color.Model) int {
	switch m {
	case color.Gray16Model, color.RGBA64Model, color.NRGBA64Model, color.Alpha16Model:
		return 16
	default:
		return 8
	}
}

// keepFaintAlpha restores pixels whose 16-bit alpha was non-zero but rounded
// to zero when narrowed to 8 bits. They keep alpha 1 and their colour.
func keepFaintAlpha(dst *image.NRGBA, src image.Image) {
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		return
	}
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := dst.PixOffset(x, y)
			if dst.Pix[i+3] != 0 {
				continue
			}
			c := color.NRGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			if c.A == 0 {
				continue
			}
			dst.Pix[i+0] = uint8(c.R >> 8)
			dst.Pix[i+1] = uint8(c.G >> 8)
			dst.Pix[i+2] = uint8(c.B >> 8)
			dst.Pix[i+3] = 1
		}
	}
}

func (w *WorkingImage) Size() image.Point {
	return w.Pixels.Bounds().Size()
}

func (w *WorkingImage) replace(img *image.NRGBA) {
	w.Pixels = img
	w.mutated = true
}

// neutral reports whether every pixel has R == G == B.
func (w *WorkingImage) neutral() bool {
	p := w.Pixels
	b := p.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := p.Pix[y*p.Stride : y*p.Stride+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			if row[i] != row[i+1] || row[i] != row[i+2] {
				return false
			}
		}
	}
	return true
}
