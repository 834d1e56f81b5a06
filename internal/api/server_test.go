package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/domain"
	"github.com/dunamismax/pixelproxy/internal/origin"
	"github.com/dunamismax/pixelproxy/internal/queue"
	"github.com/dunamismax/pixelproxy/internal/ratelimit"
	"github.com/dunamismax/pixelproxy/internal/store"
	"github.com/dunamismax/pixelproxy/internal/transform"
)

type fakeOrigin map[string][]byte

func (f fakeOrigin) Fetch(_ context.Context, key string) ([]byte, error) {
	switch key {
	case "broken.png":
		return nil, errors.Join(origin.ErrUpstream, errors.New("connection reset"))
	case "huge.png":
		return nil, origin.ErrTooLarge
	}
	data, ok := f[key]
	if !ok {
		return nil, origin.ErrNotFound
	}
	return data, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.RenderPayload
	err      error
}

func (q *fakeQueue) EnqueueRender(_ context.Context, payload queue.RenderPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default", State: asynq.TaskStatePending}, nil
}

type fakeStorage struct {
	existing map[string]bool
}

func (f fakeStorage) PresignedPutURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "http://minio.test/pixelproxy/" + key + "?sig=1", nil
}

func (f fakeStorage) ObjectExists(_ context.Context, key string) (bool, error) {
	return f.existing[key], nil
}

type fakeWebP struct{}

func (fakeWebP) Format() string { return codec.FormatWebP }

func (fakeWebP) Encode(w io.Writer, _ image.Image, _ codec.Options) error {
	_, err := w.Write([]byte("RIFF\x0c\x00\x00\x00WEBPVP8L\x00\x00\x00\x00"))
	return err
}

type testEnv struct {
	server *Server
	jobs   *store.MemoryJobStore
	queue  *fakeQueue
	source []byte
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()

	reg := codec.NewRegistry()
	reg.Register(fakeWebP{})

	env := &testEnv{
		jobs:   store.NewMemoryJobStore(),
		queue:  &fakeQueue{},
		source: encodePNG(t, 40, 20),
	}
	srv, err := NewServer(Deps{
		Transformer: transform.New(nil, reg),
		Origin: fakeOrigin{
			"photos/cat.png": env.source,
			"tall.png":       encodePNG(t, 1, transform.MaxDimension+1),
			"junk.png":       []byte("not an image"),
		},
		Queue:       env.queue,
		Jobs:        env.jobs,
		Storage:     fakeStorage{existing: map[string]bool{}},
		RateLimiter: limiter,
	}, Options{CacheControl: "public, max-age=60"})
	require.NoError(t, err)
	env.server = srv
	return env
}

func (e *testEnv) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, r)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestImageResize(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/img/photos/cat.png?w=10", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Accept", rec.Header().Get("Vary"))
	assert.Equal(t, "public, max-age=60", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(10, 5), img.Bounds().Size())
}

func TestImagePassthroughAndConditionalGet(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/img/photos/cat.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, env.source, rec.Body.Bytes())

	req := httptest.NewRequest(http.MethodGet, "/img/photos/cat.png", nil)
	req.Header.Set("If-None-Match", rec.Header().Get("ETag"))
	cached := env.do(req)
	assert.Equal(t, http.StatusNotModified, cached.Code)
	assert.Empty(t, cached.Body.Bytes())
}

func TestImageWebPNegotiation(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/img/photos/cat.png?w=20", nil)
	req.Header.Set("Accept", "image/avif,image/webp,*/*;q=0.8")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodGet, "/img/photos/cat.png?w=20", nil)
	req.Header.Set("Accept", "image/*")
	rec = env.do(req)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestImageErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		path   string
		status int
	}{
		{"/img/tall.png?w=10", http.StatusRequestEntityTooLarge},
		{"/img/junk.png?w=10", http.StatusUnsupportedMediaType},
		{"/img/missing.png", http.StatusNotFound},
		{"/img/huge.png", http.StatusRequestEntityTooLarge},
		{"/img/broken.png", http.StatusBadGateway},
		{"/img/a/../../secret.png", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := env.do(httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.status, rec.Code, tc.path)
		assert.True(t, strings.HasPrefix(rec.Body.String(), "Error"), tc.path)
	}
}

func TestImageSizeGuardAppliesWithoutOperations(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/img/tall.png", nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter, err := ratelimit.NewLocalTokenBucket(ratelimit.Policies{Default: ratelimit.Policy{Capacity: 1, Window: time.Hour}})
	require.NoError(t, err)
	env := newTestEnv(t, limiter)

	first := httptest.NewRequest(http.MethodGet, "/img/photos/cat.png", nil)
	first.Header.Set("X-User-ID", "u1")
	assert.Equal(t, http.StatusOK, env.do(first).Code)

	second := httptest.NewRequest(http.MethodGet, "/img/photos/cat.png", nil)
	second.Header.Set("X-User-ID", "u1")
	rec := env.do(second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/img/photos/cat.png", nil)
	other.Header.Set("X-User-ID", "u2")
	assert.Equal(t, http.StatusOK, env.do(other).Code)

	renders := httptest.NewRequest(http.MethodPost, "/v1/renders", strings.NewReader(`{}`))
	renders.Header.Set("X-User-ID", "u1")
	assert.NotEqual(t, http.StatusTooManyRequests, env.do(renders).Code)

	assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestRenderLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"source_type":"origin","object_key":"photos/cat.png","accept_webp":true,
		"variants":[{"id":"thumb","query":"w=80&filter=grayscale"},{"id":"orig","query":""}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/renders", strings.NewReader(body))
	req.Header.Set("X-User-ID", "user-9")
	rec := env.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		Job      renderResponse `json:"job"`
		StartURL string         `json:"start_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobID := created.Job.JobID
	require.NotEmpty(t, jobID)
	assert.Equal(t, domain.JobStatusCreated, created.Job.Status)
	assert.Equal(t, []string{"w=80", "filter=grayscale"}, created.Job.Variants[0].Operations)
	assert.Equal(t, "/v1/renders/"+jobID+"/start", created.StartURL)

	stored, ok, err := env.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-9", stored.UserID)

	rec = env.do(httptest.NewRequest(http.MethodPost, created.StartURL, nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, env.queue.payloads, 1)
	assert.Equal(t, jobID, env.queue.payloads[0].JobID)
	assert.True(t, env.queue.payloads[0].AcceptWebP)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/v1/renders/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view renderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.JobStatusQueued, view.Status)

	rec = env.do(httptest.NewRequest(http.MethodPost, created.StartURL, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRenderPresignsUpload(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/renders",
		strings.NewReader(`{"source_type":"s3_presigned","variants":[{"id":"a","query":"w=1"}]}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created struct {
		Job    renderResponse    `json:"job"`
		Upload map[string]string `json:"upload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "uploads/"+created.Job.JobID+"/source", created.Upload["object_key"])
	assert.Equal(t, "ready", created.Upload["presigned_url_state"])

	start := env.do(httptest.NewRequest(http.MethodPost, "/v1/renders/"+created.Job.JobID+"/start", nil))
	assert.Equal(t, http.StatusConflict, start.Code)
	assert.Contains(t, start.Body.String(), "source object is missing")
}

func TestCreateRenderRejectsInvalidBodies(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, body := range []string{
		`{`,
		`{"source_type":"origin","variants":[{"id":"a"}]}`,
		`{"source_type":"origin","object_key":"k","variants":[]}`,
		`{"source_type":"origin","object_key":"k","variants":[{"id":"a"}],"extra":1}`,
	} {
		rec := env.do(httptest.NewRequest(http.MethodPost, "/v1/renders", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestGetRenderNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/renders/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRendersUnavailableWithoutQueue(t *testing.T) {
	srv, err := NewServer(Deps{Transformer: transform.New(nil, nil), Origin: fakeOrigin{}}, Options{})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/renders/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsExposeRoutePatterns(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(httptest.NewRequest(http.MethodGet, "/img/photos/cat.png?w=10", nil))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pixelproxy_api_requests_total{method="GET",route="/img/*",status="200"} 1`)
	assert.Contains(t, rec.Body.String(), `pixelproxy_transforms_total{format="png",reencoded="true"} 1`)
}

func TestAcceptsWebP(t *testing.T) {
	assert.True(t, acceptsWebP([]string{"image/webp"}))
	assert.True(t, acceptsWebP([]string{"text/html", "IMAGE/WEBP;q=0.5"}))
	assert.True(t, acceptsWebP([]string{"image/avif, image/webp; q=0.8, */*;q=0.5"}))
	assert.False(t, acceptsWebP([]string{"image/webp;q=0"}))
	assert.False(t, acceptsWebP([]string{"image/*,*/*"}))
	assert.False(t, acceptsWebP(nil))
}

func TestEtagMatches(t *testing.T) {
	assert.True(t, etagMatches(`"a", "b"`, `"b"`))
	assert.True(t, etagMatches(`W/"b"`, `"b"`))
	assert.True(t, etagMatches(`*`, `"b"`))
	assert.False(t, etagMatches(``, `"b"`))
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 6), G: uint8(y * 12), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
