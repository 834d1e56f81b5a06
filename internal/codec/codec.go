// Package codec wraps the raster decoders and the encoder registry used by
// the transform core. Decoding covers every container the service accepts;
// encoding is limited to the formats the service writes.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatWebP = "webp"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrEncoderMissing    = errors.New("no encoder for format")
)

// Config is the header-level description of an encoded image.
type Config struct {
	Format string
	Width  int
	Height int
}

// DecodeConfig reads only the image header.
func DecodeConfig(data []byte) (Config, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return Config{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return img, format, nil
}

func MIMEType(format string) string {
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension, without the dot, for a format.
func Extension(format string) string {
	if format == FormatJPEG {
		return "jpg"
	}
	return format
}

// Options tune a single encode. Quality is used as given, clamped to the
// encoder's range, and ignored by lossless encoders.
type Options struct {
	Quality  int
	Lossless bool
}

type Encoder interface {
	Format() string
	Encode(w io.Writer, img image.Image, opts Options) error
}

// Registry maps output formats to encoders.
type Registry struct {
	encoders map[string]Encoder
}

// NewRegistry returns a registry holding the encoders compiled into this
// binary. WebP is present only in cgo builds.
func NewRegistry() *Registry {
	r := &Registry{encoders: make(map[string]Encoder)}
	r.Register(jpegEncoder{})
	r.Register(pngEncoder{})
	r.Register(gifEncoder{})
	if enc := newWebPEncoder(); enc != nil {
		r.Register(enc)
	}
	return r
}

func (r *Registry) Register(enc Encoder) {
	r.encoders[enc.Format()] = enc
}

func (r *Registry) Has(format string) bool {
	_, ok := r.encoders[format]
	return ok
}

func (r *Registry) Encode(img image.Image, format string, opts Options) ([]byte, error) {
	enc, ok := r.encoders[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEncoderMissing, format)
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
