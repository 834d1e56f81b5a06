package codec

import (
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
)

type jpegEncoder struct{}

func (jpegEncoder) Format() string { return FormatJPEG }

func (jpegEncoder) Encode(w io.Writer, img image.Image, opts Options) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: clampQuality(opts.Quality, 1)})
}

// clampQuality bounds q to [lo, 100]. Zero is a real quality for encoders
// that accept it.
func clampQuality(q, lo int) int {
	return min(max(q, lo), 100)
}

type pngEncoder struct{}

func (pngEncoder) Format() string { return FormatPNG }

func (pngEncoder) Encode(w io.Writer, img image.Image, _ Options) error {
	encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
	return encoder.Encode(w, img)
}

type gifEncoder struct{}

func (gifEncoder) Format() string { return FormatGIF }

func (gifEncoder) Encode(w io.Writer, img image.Image, _ Options) error {
	return gif.Encode(w, Quantize(img), nil)
}

// Quantize maps img onto the web-safe palette plus one transparent entry.
// Pixels with alpha below 128 become fully transparent, all others opaque.
func Quantize(img image.Image) *image.Paletted {
	pal := make(color.Palette, 0, len(palette.WebSafe)+1)
	pal = append(pal, palette.WebSafe...)
	transparent := uint8(len(pal))
	pal = append(pal, color.NRGBA{})

	b := img.Bounds()
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), pal)
	opaque := pal[:transparent]
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			if c.A < 128 {
				dst.SetColorIndex(x, y, transparent)
				continue
			}
			c.A = 255
			dst.SetColorIndex(x, y, uint8(opaque.Index(c)))
		}
	}
	return dst
}
