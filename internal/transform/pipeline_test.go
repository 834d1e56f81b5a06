package transform

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/metadata"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8((x*3 + y*5) % 256), A: 255})
		}
	}
	return img
}

func textured(w, h int) *image.NRGBA {
	img := gradient(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/4+y/4)%2 == 0 {
				c := img.NRGBAAt(x, y)
				c.R, c.G = 255-c.R, c.G/2
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image, q int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}))
	return buf.Bytes()
}

func decode(t *testing.T, data []byte) *image.NRGBA {
	t.Helper()
	img, _, err := codec.Decode(data)
	require.NoError(t, err)
	out := image.NewNRGBA(img.Bounds())
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}

func run(t *testing.T, src []byte, query string) *Result {
	t.Helper()
	res, err := New(nil, nil).Transform(Request{Source: src, Params: ParseQuery(query)})
	require.NoError(t, err)
	return res
}

func assertGray(t *testing.T, img *image.NRGBA) {
	t.Helper()
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			require.LessOrEqual(t, diff(c.R, c.G), 1, "pixel %d,%d", x, y)
			require.LessOrEqual(t, diff(c.R, c.B), 1, "pixel %d,%d", x, y)
			require.LessOrEqual(t, diff(c.G, c.B), 1, "pixel %d,%d", x, y)
		}
	}
}

func TestNoOperationsPassThrough(t *testing.T) {
	src := encodeJPEG(t, gradient(64, 48), 75)
	for _, q := range []string{"", "bogus=1", "quality=20", "strip=all", "w=5000", "crop=0,0,100,100"} {
		res := run(t, src, q)
		assert.Equal(t, src, res.Data, q)
		assert.False(t, res.Reencoded, q)
		assert.Equal(t, "image/jpeg", res.MIME)
	}
}

func TestSetWidthUnitsAgree(t *testing.T) {
	src := encodePNG(t, gradient(100, 75))
	var outputs [][]byte
	for _, q := range []string{"w=50", "w=50%", "w=50px"} {
		res := run(t, src, q)
		assert.True(t, res.Reencoded)
		assert.Equal(t, 50, res.Width)
		assert.Equal(t, 37, res.Height)
		outputs = append(outputs, res.Data)
	}
	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[0], outputs[2])

	cfg, err := codec.DecodeConfig(outputs[0])
	require.NoError(t, err)
	assert.Equal(t, codec.Config{Format: "png", Width: 50, Height: 37}, cfg)
}

func TestOversizedWidthStillFilters(t *testing.T) {
	src := encodePNG(t, gradient(120, 40))
	res := run(t, src, "w=5000&filter=grayscale")
	assert.Equal(t, 120, res.Width)
	assert.Equal(t, 40, res.Height)

	out := decode(t, res.Data)
	assert.Equal(t, image.Pt(120, 40), out.Bounds().Size())
	assertGray(t, out)
}

func TestGrayscaleJPEG(t *testing.T) {
	res := run(t, encodeJPEG(t, textured(80, 60), 85), "filter=grayscale")
	assert.Equal(t, "jpeg", res.Format)
	assertGray(t, decode(t, res.Data))
}

func TestSizeGuardRejectsBeforeDecode(t *testing.T) {
	wide := encodePNG(t, image.NewGray(image.Rect(0, 0, MaxDimension+1, 1)))
	tall := encodePNG(t, image.NewGray(image.Rect(0, 0, 1, MaxDimension+1)))
	tr := New(nil, nil)
	for _, src := range [][]byte{wide, tall} {
		for _, q := range []string{"", "w=10", "strip=all", "filter=grayscale"} {
			_, err := tr.Transform(Request{Source: src, Params: ParseQuery(q)})
			require.ErrorIs(t, err, ErrSizeLimitExceeded)
			var te *Error
			require.True(t, errors.As(err, &te))
			assert.True(t, strings.HasPrefix(Message(err), "Error"))
		}
	}

	edge := encodePNG(t, image.NewGray(image.Rect(0, 0, MaxDimension, 1)))
	res := run(t, edge, "w=10")
	assert.Equal(t, 10, res.Width)
}

func TestUnsupportedSource(t *testing.T) {
	_, err := New(nil, nil).Transform(Request{Source: []byte("<html>not an image</html>"), Params: ParseQuery("w=10")})
	require.ErrorIs(t, err, ErrUnsupportedSource)
	assert.True(t, strings.HasPrefix(Message(err), "Error: unsupported source image"))
}

func halfTransparent(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 220, G: 30, B: 30, A: 255})
		}
	}
	return img
}

func TestTransparencySurvivesResize(t *testing.T) {
	res := run(t, encodePNG(t, halfTransparent(100, 50)), "w=50")
	out := decode(t, res.Data)
	require.Equal(t, image.Pt(50, 25), out.Bounds().Size())
	assert.Zero(t, out.NRGBAAt(5, 10).A)
	assert.Greater(t, out.NRGBAAt(45, 10).A, uint8(250))
}

func TestFiltersKeepAlphaExactly(t *testing.T) {
	src := halfTransparent(40, 20)
	src.SetNRGBA(30, 5, color.NRGBA{R: 10, G: 200, B: 90, A: 77})
	res := run(t, encodePNG(t, src), "filter=emboss,grayscale,smooth&brightness=30&contrast=-20&colorize=255,0,0,60")
	out := decode(t, res.Data)
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			require.Equal(t, src.NRGBAAt(x, y).A, out.NRGBAAt(x, y).A, "pixel %d,%d", x, y)
		}
	}
}

func TestSixteenBitFaintAlphaStaysVisible(t *testing.T) {
	src := image.NewNRGBA64(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			src.SetNRGBA64(x, y, color.NRGBA64{R: 0x8000, G: 0x4000, B: 0xC000, A: 0xFFFF})
		}
	}
	src.SetNRGBA64(2, 2, color.NRGBA64{R: 0xFFFF, G: 0x1000, B: 0x1000, A: 100})
	src.SetNRGBA64(5, 5, color.NRGBA64{})

	res := run(t, encodePNG(t, src), "filter=grayscale")
	require.True(t, res.Reencoded)
	out := decode(t, res.Data)
	assert.NotZero(t, out.NRGBAAt(2, 2).A)
	assert.Zero(t, out.NRGBAAt(5, 5).A)
	assert.Equal(t, uint8(255), out.NRGBAAt(0, 0).A)
}

func TestWorkingImageDepth(t *testing.T) {
	assert.Equal(t, 16, newWorkingImage(image.NewNRGBA64(image.Rect(0, 0, 2, 2)), 1).Depth)
	assert.Equal(t, 16, newWorkingImage(image.NewGray16(image.Rect(0, 0, 2, 2)), 1).Depth)
	assert.Equal(t, 8, newWorkingImage(gradient(2, 2), 1).Depth)
}

func TestCropUnits(t *testing.T) {
	src := encodePNG(t, gradient(200, 100))

	abs := decode(t, run(t, src, "crop=10px,10px,50,50").Data)
	require.Equal(t, image.Pt(100, 50), abs.Bounds().Size())
	assert.Equal(t, uint8(10), abs.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(10), abs.NRGBAAt(0, 0).G)

	rel := decode(t, run(t, src, "crop=10,10,50,50").Data)
	require.Equal(t, image.Pt(100, 50), rel.Bounds().Size())
	assert.Equal(t, uint8(20), rel.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(10), rel.NRGBAAt(0, 0).G)
}

func TestChainComposesLeftToRight(t *testing.T) {
	res := run(t, encodePNG(t, gradient(443, 644)), "h=400&fit=200,200&crop=20px,20px,60,40&filter=emboss,grayscale")
	assert.Equal(t, 83, res.Width)
	assert.Equal(t, 80, res.Height)
	out := decode(t, res.Data)
	assert.Equal(t, image.Pt(83, 80), out.Bounds().Size())
	assertGray(t, out)
}

func TestResizeExactAndFitContain(t *testing.T) {
	src := encodeJPEG(t, gradient(300, 200), 90)
	res := run(t, src, "resize=100,100")
	cfg, err := codec.DecodeConfig(res.Data)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 100, cfg.Height)

	res = run(t, src, "fit=80,80")
	assert.Equal(t, 80, res.Width)
	assert.Equal(t, 53, res.Height)
}

func TestLetterboxAndUnletterbox(t *testing.T) {
	res := run(t, encodePNG(t, gradient(200, 100)), "lb=100,100,ff000080")
	out := decode(t, res.Data)
	require.Equal(t, image.Pt(100, 100), out.Bounds().Size())
	assert.Equal(t, color.NRGBA{R: 255, A: 0x80}, out.NRGBAAt(50, 2))
	assert.Equal(t, uint8(255), out.NRGBAAt(50, 50).A)

	boxed := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			c := color.NRGBA{A: 255}
			if x >= 30 && x < 70 && y >= 40 && y < 60 {
				c = color.NRGBA{R: 240, G: 240, B: 240, A: 255}
			}
			boxed.SetNRGBA(x, y, c)
		}
	}
	res = run(t, encodePNG(t, boxed), "ulb=true")
	assert.Equal(t, 40, res.Width)
	assert.Equal(t, 20, res.Height)
}

func withOrientation(t *testing.T, orientation int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			c := color.NRGBA{B: 255, A: 255}
			if x < 20 {
				c = color.NRGBA{R: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	data, err := metadata.Embed(encodePNG(t, img), metadata.FormatPNG, metadata.Carry{EXIF: metadata.OrientationEXIF(orientation)})
	require.NoError(t, err)
	return data
}

func TestStripAllBakesOrientation(t *testing.T) {
	src := withOrientation(t, 6)
	meta, err := Probe(src)
	require.NoError(t, err)
	require.Equal(t, 6, meta.Orientation)

	res := run(t, src, "strip=all")
	require.True(t, res.Reencoded)
	assert.Equal(t, 20, res.Width)
	assert.Equal(t, 40, res.Height)

	info := metadata.Read(res.Data)
	assert.Equal(t, 1, info.Orientation)
	assert.Empty(t, info.EXIF)

	out := decode(t, res.Data)
	assert.Equal(t, uint8(255), out.NRGBAAt(10, 5).R)
	assert.Equal(t, uint8(255), out.NRGBAAt(10, 35).B)
}

func TestPartialStripKeepsOrientationTag(t *testing.T) {
	src := withOrientation(t, 6)
	for _, q := range []string{"w=30&strip=color", "w=30"} {
		res := run(t, src, q)
		assert.Equal(t, 30, res.Width, q)
		assert.Equal(t, 15, res.Height, q)
		assert.Equal(t, 6, metadata.Read(res.Data).Orientation, q)

		out := decode(t, res.Data)
		assert.Greater(t, out.NRGBAAt(2, 7).R, uint8(200), q)
		assert.Greater(t, out.NRGBAAt(28, 7).B, uint8(200), q)
	}
}

func TestStripInfoDropsEXIFKeepsICC(t *testing.T) {
	icc := []byte("profile bytes")
	src, err := metadata.Embed(encodePNG(t, gradient(30, 30)), metadata.FormatPNG,
		metadata.Carry{EXIF: metadata.OrientationEXIF(1), ICC: icc})
	require.NoError(t, err)

	info := metadata.Read(run(t, src, "w=10&strip=info").Data)
	assert.Empty(t, info.EXIF)
	assert.Equal(t, icc, info.ICC)

	info = metadata.Read(run(t, src, "w=10&strip=color").Data)
	assert.NotEmpty(t, info.EXIF)
	assert.Empty(t, info.ICC)
}

func meanSquaredError(a, b *image.NRGBA) float64 {
	var sum float64
	pix := 0
	bounds := a.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			ca, cb := a.NRGBAAt(x, y), b.NRGBAAt(x, y)
			for _, d := range []int{diff(ca.R, cb.R), diff(ca.G, cb.G), diff(ca.B, cb.B)} {
				sum += float64(d * d)
			}
			pix++
		}
	}
	return sum / float64(pix*3)
}

func TestExplicitMaxQualityNeverWorse(t *testing.T) {
	pristine := textured(96, 96)
	src := encodeJPEG(t, pristine, 20)

	meta, err := Probe(src)
	require.NoError(t, err)
	assert.Equal(t, minDefaultQuality, DefaultQuality(meta))

	def := decode(t, run(t, src, "brightness=0").Data)
	best := decode(t, run(t, src, "brightness=0&quality=100").Data)
	assert.LessOrEqual(t, meanSquaredError(best, pristine), meanSquaredError(def, pristine))
}

func TestDefaultQuality(t *testing.T) {
	assert.Equal(t, 90, DefaultQuality(SourceMetadata{Format: "png"}))
	assert.Equal(t, 90, DefaultQuality(SourceMetadata{Format: "jpeg", Quality: 98}))
	assert.Equal(t, 75, DefaultQuality(SourceMetadata{Format: "jpeg", Quality: 75}))
	assert.Equal(t, 90, DefaultQuality(SourceMetadata{Format: "jpeg"}))
}

func TestBMPIsWrittenAsPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, gradient(20, 10)))
	res := run(t, buf.Bytes(), "w=10")
	assert.Equal(t, "png", res.Format)
	assert.Equal(t, "image/png", res.MIME)
	assert.Equal(t, 5, res.Height)

	res = run(t, buf.Bytes(), "")
	assert.Equal(t, "bmp", res.Format)
	assert.Equal(t, buf.Bytes(), res.Data)
}

func TestTIFFResizeDoesNotCarrySourceFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, gradient(200, 200), nil))
	src := buf.Bytes()

	res := run(t, src, "w=20")
	assert.Equal(t, "png", res.Format)
	assert.Equal(t, 20, res.Width)
	assert.Less(t, len(res.Data), len(src)/20)

	info := metadata.Read(res.Data)
	assert.Empty(t, info.EXIF)
	assert.Equal(t, 1, info.Orientation)
}

type recordingWebP struct {
	last codec.Options
}

func (e *recordingWebP) Format() string { return codec.FormatWebP }

func (e *recordingWebP) Encode(w io.Writer, _ image.Image, opts codec.Options) error {
	e.last = opts
	_, err := w.Write([]byte("RIFF\x0c\x00\x00\x00WEBPVP8L\x00\x00\x00\x00"))
	return err
}

func TestWebPNegotiation(t *testing.T) {
	enc := &recordingWebP{}
	reg := codec.NewRegistry()
	reg.Register(enc)
	tr := New(nil, reg)

	pngSrc := encodePNG(t, gradient(40, 40))
	res, err := tr.Transform(Request{Source: pngSrc, Params: ParseQuery("w=20"), AcceptWebP: true})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", res.MIME)
	assert.True(t, enc.last.Lossless)

	res, err = tr.Transform(Request{Source: pngSrc, Params: ParseQuery("quality=50"), AcceptWebP: true})
	require.NoError(t, err)
	assert.Equal(t, "webp", res.Format)
	assert.True(t, res.Reencoded)

	res, err = tr.Transform(Request{Source: pngSrc, AcceptWebP: true})
	require.NoError(t, err)
	assert.Equal(t, pngSrc, res.Data)

	jpg := encodeJPEG(t, gradient(40, 40), 80)
	res, err = tr.Transform(Request{Source: jpg, Params: ParseQuery("w=20&quality=55"), AcceptWebP: true})
	require.NoError(t, err)
	assert.Equal(t, "webp", res.Format)
	assert.False(t, enc.last.Lossless)
	assert.Equal(t, 55, enc.last.Quality)
}

func TestNegotiateFormatRules(t *testing.T) {
	reg := codec.NewRegistry()
	reg.Register(&recordingWebP{})
	none := collectDirectives(nil)
	all := collectDirectives([]Operation{Strip{Mode: StripAll}})

	assert.Equal(t, "webp", negotiateFormat(SourceMetadata{Format: "jpeg"}, none, 1, true, reg))
	assert.Equal(t, "jpeg", negotiateFormat(SourceMetadata{Format: "jpeg"}, none, 1, false, reg))
	assert.Equal(t, "jpeg", negotiateFormat(SourceMetadata{Format: "jpeg"}, none, 0, true, reg))
	assert.Equal(t, "jpeg", negotiateFormat(SourceMetadata{Format: "jpeg", HasXMP: true}, none, 1, true, reg))
	assert.Equal(t, "webp", negotiateFormat(SourceMetadata{Format: "jpeg", HasIPTC: true}, all, 1, true, reg))
	assert.Equal(t, "gif", negotiateFormat(SourceMetadata{Format: "gif"}, none, 1, true, reg))
	assert.Equal(t, "png", negotiateFormat(SourceMetadata{Format: "tiff"}, none, 1, true, reg))
	assert.Equal(t, "webp", negotiateFormat(SourceMetadata{Format: "webp"}, none, 1, false, reg))
}
