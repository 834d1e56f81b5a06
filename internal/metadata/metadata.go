// Package metadata reads and writes the container-level metadata that
// survives a re-encode: EXIF (for orientation), ICC colour profiles and the
// JPEG quantisation tables used to estimate source quality.
//
// Pixel data is never touched here. Readers are tolerant: a truncated or
// malformed segment ends the scan and whatever was collected so far is
// returned.
package metadata

import (
	"bytes"
	"errors"

	"github.com/rwcarlsen/goexif/exif"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatWebP = "webp"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

var ErrUnknownContainer = errors.New("unknown image container")

// Info is the metadata collected from a source container.
type Info struct {
	Format      string
	Orientation int
	// EXIF is the raw TIFF-structured payload, without the "Exif\0\0" prefix.
	EXIF []byte
	// ICC is the raw, uncompressed colour profile.
	ICC     []byte
	HasXMP  bool
	HasIPTC bool
	// Quality is the estimated JPEG quality (1-100), 0 when unknown.
	Quality int
}

// Sniff identifies the container from its magic bytes.
func Sniff(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG
	case bytes.HasPrefix(data, pngSignature):
		return FormatPNG
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return FormatGIF
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP
	case bytes.HasPrefix(data, []byte("BM")):
		return FormatBMP
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return FormatTIFF
	default:
		return ""
	}
}

// Read scans data for metadata. Orientation defaults to 1.
func Read(data []byte) Info {
	info := Info{Format: Sniff(data), Orientation: 1}

	switch info.Format {
	case FormatJPEG:
		readJPEG(data, &info)
	case FormatPNG:
		readPNG(data, &info)
	case FormatWebP:
		readWebP(data, &info)
	case FormatTIFF:
		// The source IFDs also describe its pixel strips, so only the
		// orientation is carried forward.
		if o := Orientation(data); o != 1 {
			info.EXIF = OrientationEXIF(o)
		}
	}

	if len(info.EXIF) > 0 {
		info.Orientation = Orientation(info.EXIF)
	}
	return info
}

// Orientation decodes the orientation tag from a raw EXIF payload. Missing
// or out-of-range values report 1.
func Orientation(payload []byte) int {
	// Decode can return a usable IFD0 alongside a sub-IFD error.
	x, _ := exif.Decode(bytes.NewReader(payload))
	if x == nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// OrientationEXIF builds a minimal big-endian EXIF payload carrying only the
// orientation tag.
func OrientationEXIF(orientation int) []byte {
	return []byte{
		'M', 'M', 0x00, 0x2A, // byte order, magic
		0x00, 0x00, 0x00, 0x08, // IFD0 offset
		0x00, 0x01, // one entry
		0x01, 0x12, // Orientation
		0x00, 0x03, // SHORT
		0x00, 0x00, 0x00, 0x01, // count
		byte(orientation >> 8), byte(orientation), 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, // no IFD1
	}
}

// Carry is the metadata to write into a freshly encoded container.
type Carry struct {
	EXIF   []byte
	ICC    []byte
	Width  int
	Height int
	Alpha  bool
}

func (c Carry) empty() bool {
	return len(c.EXIF) == 0 && len(c.ICC) == 0
}

// Embed writes the carried metadata into encoded output of the given format.
// Formats that cannot hold metadata are returned unchanged.
func Embed(data []byte, format string, c Carry) ([]byte, error) {
	if c.empty() {
		return data, nil
	}
	switch format {
	case FormatJPEG:
		return embedJPEG(data, c)
	case FormatPNG:
		return embedPNG(data, c)
	case FormatWebP:
		return embedWebP(data, c)
	default:
		return data, nil
	}
}

// CanCarryEXIF reports whether an output container can hold an EXIF block.
func CanCarryEXIF(format string) bool {
	switch format {
	case FormatJPEG, FormatPNG, FormatWebP:
		return true
	default:
		return false
	}
}
