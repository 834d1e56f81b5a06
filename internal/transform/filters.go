package transform

import (
	"image"
	"image/color"
	"math"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

func applyFilter(w *WorkingImage, f Filter) {
	src := w.Pixels
	var out *image.NRGBA
	switch f.Name {
	case FilterGrayscale:
		out = imaging.Grayscale(src)
	case FilterEmboss:
		out = imaging.Clone(effect.Emboss(src))
	case FilterBrightness:
		out = imaging.AdjustBrightness(src, float64(arg(f.Args, 0, defaultLevel)))
	case FilterContrast:
		out = imaging.AdjustContrast(src, float64(arg(f.Args, 0, defaultLevel)))
	case FilterColorize:
		out = colorize(src, f.Args)
	case FilterSmooth:
		sigma := float64(arg(f.Args, 0, defaultSmooth)) / 10
		out = imaging.Blur(src, math.Max(0.3, math.Min(5, sigma)))
	default:
		return
	}
	restoreAlpha(out, src)
	w.replace(out)
}

func arg(args []int, i, def int) int {
	if i < len(args) {
		return args[i]
	}
	return def
}

// colorize moves each pixel's hue and saturation towards the target colour
// while keeping its lightness, blended by strength percent.
func colorize(src *image.NRGBA, args []int) *image.NRGBA {
	target := colorful.Color{
		R: float64(arg(args, 0, defaultColorize[0])) / 255,
		G: float64(arg(args, 1, defaultColorize[1])) / 255,
		B: float64(arg(args, 2, defaultColorize[2])) / 255,
	}
	strength := float64(arg(args, 3, defaultColorize[3])) / 100
	th, ts, _ := target.Hsl()

	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		orig := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
		_, _, l := orig.Hsl()
		r, g, b := orig.BlendRgb(colorful.Hsl(th, ts, l), strength).Clamped().RGB255()
		return color.NRGBA{R: r, G: g, B: b, A: c.A}
	})
}

// restoreAlpha copies src's alpha channel into dst. Both rasters have the
// same size.
func restoreAlpha(dst, src *image.NRGBA) {
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+b.Dx()*4]
		d := dst.Pix[y*dst.Stride : y*dst.Stride+b.Dx()*4]
		for i := 3; i < len(s); i += 4 {
			d[i] = s[i]
		}
	}
}
