package metadata

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

const maxICCSize = 4 << 20

type pngChunk struct {
	kind string
	data []byte
}

func pngChunks(data []byte, fn func(c pngChunk) bool) {
	if !bytes.HasPrefix(data, pngSignature) {
		return
	}
	i := len(pngSignature)
	for i+12 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[i : i+4]))
		if i+12+n > len(data) {
			return
		}
		c := pngChunk{kind: string(data[i+4 : i+8]), data: data[i+8 : i+8+n]}
		if !fn(c) || c.kind == "IEND" {
			return
		}
		i += 12 + n
	}
}

func readPNG(data []byte, info *Info) {
	pngChunks(data, func(c pngChunk) bool {
		switch c.kind {
		case "eXIf":
			info.EXIF = c.data
		case "iCCP":
			info.ICC = inflateICC(c.data)
		case "iTXt":
			if bytes.HasPrefix(c.data, []byte("XML:com.adobe.xmp\x00")) {
				info.HasXMP = true
			}
		}
		return true
	})
}

// inflateICC decodes an iCCP chunk body: name, NUL, method byte, zlib data.
func inflateICC(body []byte) []byte {
	nul := bytes.IndexByte(body, 0)
	if nul < 0 || nul+2 > len(body) || body[nul+1] != 0 {
		return nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body[nul+2:]))
	if err != nil {
		return nil
	}
	defer zr.Close()

	profile, err := io.ReadAll(io.LimitReader(zr, maxICCSize))
	if err != nil {
		return nil
	}
	return profile
}

func deflateICC(profile []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("icc\x00\x00")
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(profile); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// embedPNG inserts iCCP and eXIf directly after IHDR, ahead of any PLTE or
// IDAT chunk.
func embedPNG(data []byte, c Carry) ([]byte, error) {
	const ihdrEnd = 8 + 12 + 13
	if !bytes.HasPrefix(data, pngSignature) || len(data) < ihdrEnd || string(data[12:16]) != "IHDR" {
		return nil, fmt.Errorf("embed png metadata: %w", ErrUnknownContainer)
	}

	var extra bytes.Buffer
	if len(c.ICC) > 0 {
		body, err := deflateICC(c.ICC)
		if err != nil {
			return nil, fmt.Errorf("compress icc profile: %w", err)
		}
		writePNGChunk(&extra, "iCCP", body)
	}
	if len(c.EXIF) > 0 {
		writePNGChunk(&extra, "eXIf", c.EXIF)
	}

	out := make([]byte, 0, len(data)+extra.Len())
	out = append(out, data[:ihdrEnd]...)
	out = append(out, extra.Bytes()...)
	out = append(out, data[ihdrEnd:]...)
	return out, nil
}

func writePNGChunk(buf *bytes.Buffer, kind string, body []byte) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)))
	copy(header[4:], kind)
	buf.Write(header[:])
	buf.Write(body)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(body)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}
