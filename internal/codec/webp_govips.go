//go:build govips && cgo

package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsWebPEncoder struct{}

func newWebPEncoder() Encoder {
	return govipsWebPEncoder{}
}

func (govipsWebPEncoder) Format() string { return FormatWebP }

// Encode hands the raster to libvips through a fast PNG intermediate, since
// vips has no constructor for an in-memory image.Image.
func (govipsWebPEncoder) Encode(w io.Writer, img image.Image, opts Options) error {
	var staged bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.NoCompression}
	if err := encoder.Encode(&staged, img); err != nil {
		return fmt.Errorf("stage raster: %w", err)
	}

	ref, err := vips.NewImageFromBuffer(staged.Bytes())
	if err != nil {
		return fmt.Errorf("load staged raster: %w", err)
	}
	defer ref.Close()

	params := vips.NewWebpExportParams()
	params.StripMetadata = true
	params.Lossless = opts.Lossless
	params.Quality = clampQuality(opts.Quality, 0)
	data, _, err := ref.ExportWebp(params)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
