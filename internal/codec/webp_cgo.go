//go:build cgo && !govips

package codec

import (
	"image"
	"io"

	"github.com/chai2010/webp"
)

type libwebpEncoder struct{}

func newWebPEncoder() Encoder {
	return libwebpEncoder{}
}

func (libwebpEncoder) Format() string { return FormatWebP }

func (libwebpEncoder) Encode(w io.Writer, img image.Image, opts Options) error {
	return webp.Encode(w, img, &webp.Options{
		Lossless: opts.Lossless,
		Quality:  float32(clampQuality(opts.Quality, 0)),
		Exact:    opts.Lossless,
	})
}
