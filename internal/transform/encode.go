package transform

import (
	"image"
	"image/color"

	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/metadata"
)

const (
	fallbackQuality   = 90
	minDefaultQuality = 40
	maxDefaultQuality = 90
)

// DefaultQuality is the encode quality used without an explicit Quality
// operation. JPEG sources reuse their own estimated quality so a resize
// does not inflate or degrade them much; the estimate is approximate.
func DefaultQuality(m SourceMetadata) int {
	if m.Format == codec.FormatJPEG && m.Quality > 0 {
		return clamp(m.Quality, minDefaultQuality, maxDefaultQuality)
	}
	return fallbackQuality
}

// directives are the encode-time settings collected from the operations.
// The last Quality and Strip operations win.
type directives struct {
	quality    int
	hasQuality bool
	strip      StripMode
	mutating   int
}

func collectDirectives(ops []Operation) directives {
	d := directives{strip: StripNone}
	for _, op := range ops {
		switch o := op.(type) {
		case Quality:
			d.quality, d.hasQuality = o.Value, true
		case Strip:
			d.strip = o.Mode
		default:
			d.mutating++
		}
	}
	return d
}

func (d directives) keepsEXIF() bool {
	return d.strip == StripNone || d.strip == StripColor
}

func (d directives) keepsICC() bool {
	return d.strip == StripNone || d.strip == StripInfo
}

// negotiateFormat picks the output container. ops counts every requested
// operation, including quality and strip.
func negotiateFormat(m SourceMetadata, d directives, ops int, acceptWebP bool, reg *codec.Registry) string {
	format := m.Format
	switch format {
	case codec.FormatJPEG, codec.FormatPNG, codec.FormatGIF:
	case codec.FormatWebP:
		if !reg.Has(codec.FormatWebP) {
			format = codec.FormatPNG
		}
	default:
		format = codec.FormatPNG
	}

	if !acceptWebP || ops == 0 || !reg.Has(codec.FormatWebP) {
		return format
	}
	if m.Format != codec.FormatJPEG && m.Format != codec.FormatPNG {
		return format
	}
	if d.strip == StripNone && (m.HasXMP || m.HasIPTC) {
		return format
	}
	return codec.FormatWebP
}

// encodeImage writes the working raster into format with the carried
// metadata.
func encodeImage(w *WorkingImage, format string, m SourceMetadata, d directives, reg *codec.Registry) ([]byte, error) {
	opts := codec.Options{Quality: DefaultQuality(m)}
	if d.hasQuality {
		opts.Quality = d.quality
	}
	if format == codec.FormatWebP && m.Format == codec.FormatPNG {
		opts.Lossless = true
	}

	data, err := reg.Encode(encodable(w, format), format, opts)
	if err != nil {
		return nil, fail(ErrEncodeFailure, err, "write %s", format)
	}

	carry := metadata.Carry{Width: w.Size().X, Height: w.Size().Y, Alpha: w.Alpha}
	if d.keepsEXIF() && len(m.EXIF) > 0 && w.Orientation == m.Orientation {
		carry.EXIF = m.EXIF
	}
	if d.keepsICC() {
		carry.ICC = m.ICC
	}
	out, err := metadata.Embed(data, format, carry)
	if err != nil {
		return nil, fail(ErrEncodeFailure, err, "embed metadata")
	}
	return out, nil
}

// encodable narrows a neutral working raster to 8-bit gray. Channel count is
// only reduced for fully opaque rasters.
func encodable(w *WorkingImage, format string) image.Image {
	if w.Alpha || (format != codec.FormatJPEG && format != codec.FormatPNG) || !w.neutral() {
		return w.Pixels
	}
	b := w.Pixels.Bounds()
	g := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g.SetGray(x, y, color.Gray{Y: w.Pixels.Pix[w.Pixels.PixOffset(x, y)]})
		}
	}
	return g
}
