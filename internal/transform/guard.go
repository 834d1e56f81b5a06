package transform

import (
	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/metadata"
)

// MaxDimension is the largest accepted source extent on either axis.
const MaxDimension = 20000

// SourceMetadata is everything learned about a source before decoding it.
type SourceMetadata struct {
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Orientation int    `json:"orientation"`
	EXIF        []byte `json:"-"`
	ICC         []byte `json:"-"`
	HasXMP      bool   `json:"has_xmp"`
	HasIPTC     bool   `json:"has_iptc"`
	Quality     int    `json:"estimated_quality,omitempty"`
}

// Probe reads the image header and container metadata. No pixels are
// decoded.
func Probe(data []byte) (SourceMetadata, error) {
	cfg, err := codec.DecodeConfig(data)
	if err != nil {
		return SourceMetadata{}, fail(ErrUnsupportedSource, err, "read header")
	}
	info := metadata.Read(data)
	return SourceMetadata{
		Format:      cfg.Format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Orientation: info.Orientation,
		EXIF:        info.EXIF,
		ICC:         info.ICC,
		HasXMP:      info.HasXMP,
		HasIPTC:     info.HasIPTC,
		Quality:     info.Quality,
	}, nil
}

// CheckSize rejects sources outside the accepted extent, whatever the
// requested operations.
func CheckSize(m SourceMetadata) error {
	if m.Width <= 0 || m.Height <= 0 {
		return fail(ErrUnsupportedSource, nil, "empty image %dx%d", m.Width, m.Height)
	}
	if m.Width > MaxDimension || m.Height > MaxDimension {
		return fail(ErrSizeLimitExceeded, nil, "%dx%d is larger than %dpx", m.Width, m.Height, MaxDimension)
	}
	return nil
}
