// Package transform turns a source image and an ordered list of query
// parameters into output bytes.
//
// A call runs canonicalization, the size guard, decode, an orientation
// pre-pass, the geometric and filter operations in request order, and
// finally format negotiation and encoding. Unreachable geometry is skipped
// rather than reported. Requests that change nothing return the source
// bytes untouched.
package transform

import (
	"image"

	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/metadata"
)

type Request struct {
	Source     []byte
	Params     []Param
	AcceptWebP bool
}

type Result struct {
	Data      []byte
	MIME      string
	Format    string
	Width     int
	Height    int
	Reencoded bool
	// Operations are the canonical operations that were requested.
	Operations []Operation
}

// Transformer is safe for concurrent use; every call owns its own raster.
type Transformer struct {
	canon  *Canonicalizer
	codecs *codec.Registry
}

// New builds a transformer. A nil registry uses the encoders compiled into
// the binary.
func New(caps Capabilities, codecs *codec.Registry) *Transformer {
	if codecs == nil {
		codecs = codec.NewRegistry()
	}
	return &Transformer{canon: NewCanonicalizer(caps), codecs: codecs}
}

func (t *Transformer) Canonicalize(params []Param) []Operation {
	return t.canon.Canonicalize(params)
}

func (t *Transformer) Transform(req Request) (*Result, error) {
	ops := t.canon.Canonicalize(req.Params)

	meta, err := Probe(req.Source)
	if err != nil {
		return nil, err
	}
	if err := CheckSize(meta); err != nil {
		return nil, err
	}

	passthrough := func() *Result {
		return &Result{
			Data:       req.Source,
			MIME:       codec.MIMEType(meta.Format),
			Format:     meta.Format,
			Width:      meta.Width,
			Height:     meta.Height,
			Operations: ops,
		}
	}
	if len(ops) == 0 {
		return passthrough(), nil
	}

	d := collectDirectives(ops)
	format := negotiateFormat(meta, d, len(ops), req.AcceptWebP, t.codecs)
	upgrade := format == codec.FormatWebP && meta.Format != codec.FormatWebP
	bake := meta.Orientation != 1 && !(d.keepsEXIF() && metadata.CanCarryEXIF(format))
	if d.mutating == 0 && !upgrade && !bake {
		return passthrough(), nil
	}

	src, _, err := codec.Decode(req.Source)
	if err != nil {
		return nil, fail(ErrUnsupportedSource, err, "decode %s", meta.Format)
	}
	if src.Bounds().Dx() > MaxDimension || src.Bounds().Dy() > MaxDimension {
		return nil, fail(ErrSizeLimitExceeded, nil, "decoded %v", src.Bounds().Size())
	}

	w := newWorkingImage(src, meta.Orientation)
	if bake {
		w.replace(bakeOrientation(w.Pixels, meta.Orientation))
		w.Orientation = 1
	}

	for _, op := range ops {
		if f, ok := op.(Filter); ok {
			applyFilter(w, f)
			continue
		}
		if !isGeometric(op) {
			continue
		}
		var content image.Rectangle
		if _, ok := op.(Unletterbox); ok {
			content = contentBounds(w.Pixels)
		}
		applyGeometry(w, Resolve(op, w.Size(), content))
	}

	if !w.mutated && !upgrade {
		return passthrough(), nil
	}

	data, err := encodeImage(w, format, meta, d, t.codecs)
	if err != nil {
		return nil, err
	}
	size := w.Size()
	return &Result{
		Data:       data,
		MIME:       codec.MIMEType(format),
		Format:     format,
		Width:      size.X,
		Height:     size.Y,
		Reencoded:  true,
		Operations: ops,
	}, nil
}
