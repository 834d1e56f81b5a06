package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	vp8xICC   = 0x20
	vp8xAlpha = 0x10
	vp8xEXIF  = 0x08
	vp8xXMP   = 0x04
)

type riffChunk struct {
	fourcc string
	data   []byte
}

func webpChunks(data []byte) ([]riffChunk, bool) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, false
	}
	var chunks []riffChunk
	i := 12
	for i+8 <= len(data) {
		n := int(binary.LittleEndian.Uint32(data[i+4 : i+8]))
		if i+8+n > len(data) {
			break
		}
		chunks = append(chunks, riffChunk{fourcc: string(data[i : i+4]), data: data[i+8 : i+8+n]})
		i += 8 + n + n%2
	}
	return chunks, true
}

func readWebP(data []byte, info *Info) {
	chunks, ok := webpChunks(data)
	if !ok {
		return
	}
	for _, c := range chunks {
		switch c.fourcc {
		case "EXIF":
			// some writers keep the JPEG-style prefix
			info.EXIF = bytes.TrimPrefix(c.data, exifHeader)
		case "ICCP":
			info.ICC = c.data
		case "XMP ":
			info.HasXMP = true
		}
	}
}

// embedWebP rewrites a simple or extended WebP file as an extended (VP8X)
// file carrying ICCP and EXIF chunks in the order the container requires.
func embedWebP(data []byte, c Carry) ([]byte, error) {
	chunks, ok := webpChunks(data)
	if !ok || len(chunks) == 0 {
		return nil, fmt.Errorf("embed webp metadata: %w", ErrUnknownContainer)
	}

	var (
		flags byte
		body  []riffChunk
	)
	for _, ch := range chunks {
		switch ch.fourcc {
		case "VP8X":
			if len(ch.data) > 0 {
				flags = ch.data[0]
			}
		case "ICCP", "EXIF":
			// replaced below
		default:
			body = append(body, ch)
		}
	}
	if c.Alpha {
		flags |= vp8xAlpha
	}

	var out []riffChunk
	if len(c.ICC) > 0 {
		flags |= vp8xICC
		out = append(out, riffChunk{fourcc: "ICCP", data: c.ICC})
	} else {
		flags &^= vp8xICC
	}
	out = append(out, body...)
	if len(c.EXIF) > 0 {
		flags |= vp8xEXIF
		out = append(out, riffChunk{fourcc: "EXIF", data: c.EXIF})
	} else {
		flags &^= vp8xEXIF
	}

	if c.Width < 1 || c.Height < 1 || c.Width > 1<<24 || c.Height > 1<<24 {
		return nil, fmt.Errorf("embed webp metadata: invalid canvas %dx%d", c.Width, c.Height)
	}
	vp8x := make([]byte, 10)
	vp8x[0] = flags
	putUint24(vp8x[4:7], uint32(c.Width-1))
	putUint24(vp8x[7:10], uint32(c.Height-1))
	out = append([]riffChunk{{fourcc: "VP8X", data: vp8x}}, out...)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	buf.Write([]byte{0, 0, 0, 0})
	buf.WriteString("WEBP")
	for _, ch := range out {
		var header [8]byte
		copy(header[:4], ch.fourcc)
		binary.LittleEndian.PutUint32(header[4:], uint32(len(ch.data)))
		buf.Write(header[:])
		buf.Write(ch.data)
		if len(ch.data)%2 == 1 {
			buf.WriteByte(0)
		}
	}

	encoded := buf.Bytes()
	binary.LittleEndian.PutUint32(encoded[4:8], uint32(len(encoded)-8))
	return encoded, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
