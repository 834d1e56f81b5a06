package metadata

import (
	"bytes"
	"fmt"
	"math"
	"sort"
)

const (
	markerSOI   = 0xD8
	markerEOI   = 0xD9
	markerSOS   = 0xDA
	markerDQT   = 0xDB
	markerAPP1  = 0xE1
	markerAPP2  = 0xE2
	markerAPP13 = 0xED

	maxSegmentPayload = 65533
)

var (
	exifHeader = []byte("Exif\x00\x00")
	xmpHeader  = []byte("http://ns.adobe.com/xap/1.0/\x00")
	iccHeader  = []byte("ICC_PROFILE\x00")
	iptcHeader = []byte("Photoshop 3.0\x00")
)

// stdLuminance is the example luminance table from ITU-T T.81 Annex K.
var stdLuminance = [64]int{
	16, 11, 10, 16, 24, 40, 51, 61,
	12, 12, 14, 19, 26, 58, 60, 55,
	14, 13, 16, 24, 40, 57, 69, 56,
	14, 17, 22, 29, 51, 87, 80, 62,
	18, 22, 37, 56, 68, 109, 103, 77,
	24, 35, 55, 64, 81, 104, 113, 92,
	49, 64, 78, 87, 103, 121, 120, 101,
	72, 92, 95, 98, 112, 100, 103, 99,
}

type jpegSegment struct {
	marker  byte
	payload []byte
}

// jpegSegments walks the marker segments preceding the first scan.
func jpegSegments(data []byte, fn func(seg jpegSegment)) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != markerSOI {
		return
	}
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return
		}
		marker := data[i+1]
		if marker == 0xFF {
			// fill byte
			i++
			continue
		}
		i += 2
		if marker == markerEOI || marker == markerSOS {
			return
		}
		if marker >= 0xD0 && marker <= 0xD7 || marker == 0x01 {
			continue
		}
		segLen := int(data[i])<<8 | int(data[i+1])
		if segLen < 2 || i+segLen > len(data) {
			return
		}
		fn(jpegSegment{marker: marker, payload: data[i+2 : i+segLen]})
		i += segLen
	}
}

func readJPEG(data []byte, info *Info) {
	type iccChunk struct {
		seq  int
		data []byte
	}
	var (
		chunks    []iccChunk
		luminance []int
	)

	jpegSegments(data, func(seg jpegSegment) {
		switch seg.marker {
		case markerAPP1:
			switch {
			case bytes.HasPrefix(seg.payload, exifHeader) && info.EXIF == nil:
				info.EXIF = seg.payload[len(exifHeader):]
			case bytes.HasPrefix(seg.payload, xmpHeader):
				info.HasXMP = true
			}
		case markerAPP2:
			if bytes.HasPrefix(seg.payload, iccHeader) && len(seg.payload) > len(iccHeader)+2 {
				seq := int(seg.payload[len(iccHeader)])
				chunks = append(chunks, iccChunk{seq: seq, data: seg.payload[len(iccHeader)+2:]})
			}
		case markerAPP13:
			if bytes.HasPrefix(seg.payload, iptcHeader) {
				info.HasIPTC = true
			}
		case markerDQT:
			if luminance == nil {
				luminance = luminanceTable(seg.payload)
			}
		}
	})

	if len(chunks) > 0 {
		sort.Slice(chunks, func(a, b int) bool { return chunks[a].seq < chunks[b].seq })
		var icc []byte
		for _, c := range chunks {
			icc = append(icc, c.data...)
		}
		info.ICC = icc
	}
	if luminance != nil {
		info.Quality = EstimateQuality(luminance)
	}
}

// luminanceTable extracts quantisation table 0 from a DQT payload, which may
// define several tables.
func luminanceTable(payload []byte) []int {
	for len(payload) > 0 {
		precision := payload[0] >> 4
		id := payload[0] & 0x0F
		payload = payload[1:]

		size := 64
		if precision == 1 {
			size = 128
		}
		if len(payload) < size {
			return nil
		}
		if id == 0 {
			table := make([]int, 64)
			for k := range table {
				if precision == 1 {
					table[k] = int(payload[2*k])<<8 | int(payload[2*k+1])
				} else {
					table[k] = int(payload[k])
				}
			}
			return table
		}
		payload = payload[size:]
	}
	return nil
}

// EstimateQuality inverts the IJG quality scaling applied to the standard
// luminance table. Encoders using custom tables get an approximation.
func EstimateQuality(table []int) int {
	if len(table) != 64 {
		return 0
	}
	var sum, std int
	for k, v := range table {
		sum += v
		std += stdLuminance[k]
	}
	if sum <= 0 {
		return 0
	}

	scale := float64(sum) * 100 / float64(std)
	var q float64
	if scale <= 100 {
		q = (200 - scale) / 2
	} else {
		q = 5000 / scale
	}
	return int(math.Max(1, math.Min(100, math.Round(q))))
}

func embedJPEG(data []byte, c Carry) ([]byte, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != markerSOI {
		return nil, fmt.Errorf("embed jpeg metadata: %w", ErrUnknownContainer)
	}

	var segs bytes.Buffer
	if len(c.EXIF) > 0 && len(exifHeader)+len(c.EXIF) <= maxSegmentPayload {
		writeJPEGSegment(&segs, markerAPP1, exifHeader, c.EXIF)
	}
	if len(c.ICC) > 0 {
		const chunkSize = maxSegmentPayload - 14
		count := (len(c.ICC) + chunkSize - 1) / chunkSize
		if count <= 255 {
			for n := 0; n < count; n++ {
				end := min((n+1)*chunkSize, len(c.ICC))
				header := append(append([]byte{}, iccHeader...), byte(n+1), byte(count))
				writeJPEGSegment(&segs, markerAPP2, header, c.ICC[n*chunkSize:end])
			}
		}
	}

	out := make([]byte, 0, len(data)+segs.Len())
	out = append(out, data[:2]...)
	out = append(out, segs.Bytes()...)
	out = append(out, data[2:]...)
	return out, nil
}

func writeJPEGSegment(buf *bytes.Buffer, marker byte, header, body []byte) {
	n := 2 + len(header) + len(body)
	buf.Write([]byte{0xFF, marker, byte(n >> 8), byte(n)})
	buf.Write(header)
	buf.Write(body)
}
