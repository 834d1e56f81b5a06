package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelproxy/internal/domain"
	"github.com/dunamismax/pixelproxy/internal/transform"
)

func TestLocalProcessor_FileInTransformFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	outputDir := filepath.Join(tmp, "out")

	srcBytes := buildTestPNG(t, 240, 120)
	require.NoError(t, os.WriteFile(inputPath, srcBytes, 0o644))

	processor, err := NewLocalProcessor(outputDir, transform.New(nil, nil))
	require.NoError(t, err)

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-local-1",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  inputPath,
		Variants: []domain.Variant{
			{ID: "thumb_small", Query: "w=80&q=75"},
			{ID: "gray", Query: "filter=grayscale"},
			{ID: "original", Query: ""},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 3)
	assert.Equal(t, len(srcBytes), result.SourceBytes)

	thumb := result.Outputs[0]
	assert.Equal(t, "png", thumb.Format)
	assert.Equal(t, filepath.Join(outputDir, "job-local-1", "thumb_small.png"), thumb.Path)
	assert.Equal(t, 80, verifyImageWidth(t, thumb.Path))
	assert.Equal(t, 40, thumb.Height)

	grayBytes, err := os.ReadFile(result.Outputs[1].Path)
	require.NoError(t, err)
	assert.NotEqual(t, srcBytes, grayBytes)

	original := result.Outputs[2]
	assert.False(t, original.Reencoded)
	originalBytes, err := os.ReadFile(original.Path)
	require.NoError(t, err)
	assert.Equal(t, srcBytes, originalBytes)
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir(), transform.New(nil, nil))
	require.NoError(t, err)

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job/source",
		Variants:   []domain.Variant{{ID: "thumb_small", Query: "w=120"}},
	})
	assert.ErrorIs(t, err, ErrUnsupportedSourceType)
}

func TestProcessorReportsFailingVariant(t *testing.T) {
	store := newMemoryObjects()
	store.objects["uploads/bad"] = []byte("definitely not an image")

	processor, err := NewProcessor(
		ObjectStoreFetcher{Storage: store},
		transform.New(nil, nil),
		ObjectStoreEmitter{Storage: store},
	)
	require.NoError(t, err)

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-bad",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/bad",
		Variants:   []domain.Variant{{ID: "v1", Query: "w=10"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, transform.ErrUnsupportedSource)

	var verr *VariantError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "v1", verr.VariantID)
}

func TestObjectStoreProcessorWithOriginSource(t *testing.T) {
	store := newMemoryObjects()
	src := buildTestPNG(t, 64, 32)

	processor, err := NewProcessor(
		SourceFetchers{
			domain.SourceTypeS3Presigned: ObjectStoreFetcher{Storage: store},
			domain.SourceTypeOrigin:      OriginFetcher{Origin: staticOrigin{"photos/a.png": src}},
		},
		transform.New(nil, nil),
		ObjectStoreEmitter{Storage: store, OutputPrefix: "out"},
	)
	require.NoError(t, err)

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job/42",
		SourceType: domain.SourceTypeOrigin,
		ObjectKey:  "photos/a.png",
		Variants:   []domain.Variant{{ID: "square", Query: "resize=16,16"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)

	out := result.Outputs[0]
	assert.Equal(t, "out/job_42/square.png", out.Path)
	assert.Equal(t, "image/png", store.types[out.Path])

	img, _, err := image.Decode(bytes.NewReader(store.objects[out.Path]))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(16, 16), img.Bounds().Size())
}

func TestSourceFetchersRejectsUnknownType(t *testing.T) {
	_, err := SourceFetchers{}.Fetch(context.Background(), Request{SourceType: "ftp"})
	assert.ErrorIs(t, err, ErrUnsupportedSourceType)
}

func TestSanitizePathToken(t *testing.T) {
	assert.Equal(t, "unknown", sanitizePathToken("  "))
	assert.Equal(t, "a_b-c_1", sanitizePathToken("a/b-c.1"))
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryObjects) ReadObjectLimit(_ context.Context, key string, _ int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("missing object")
	}
	return data, nil
}

func (m *memoryObjects) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

type staticOrigin map[string][]byte

func (s staticOrigin) Fetch(_ context.Context, key string) ([]byte, error) {
	data, ok := s[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func buildTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func verifyImageWidth(t *testing.T, path string) int {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	img, _, err := image.Decode(f)
	require.NoError(t, err)
	return img.Bounds().Dx()
}
