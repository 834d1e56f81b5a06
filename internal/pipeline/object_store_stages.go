package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/pixelproxy/internal/domain"
	"github.com/dunamismax/pixelproxy/internal/origin"
	"github.com/dunamismax/pixelproxy/internal/transform"
)

const defaultOutputPrefix = "renders"

// ObjectStore is the subset of the MinIO client the object stages use.
type ObjectStore interface {
	ReadObjectLimit(ctx context.Context, objectKey string, limit int64) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// ObjectStoreFetcher reads uploads made through a presigned PUT.
type ObjectStoreFetcher struct {
	Storage  ObjectStore
	MaxBytes int64
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, domain.SourceTypeS3Presigned) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObjectLimit(ctx, req.ObjectKey, f.MaxBytes)
}

// OriginFetcher reads the source through the image origin used by the
// proxy endpoint.
type OriginFetcher struct {
	Origin origin.Fetcher
}

func (f OriginFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if !strings.EqualFold(req.SourceType, domain.SourceTypeOrigin) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Origin.Fetch(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStore
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, variant domain.Variant, rendered *transform.Result) (domain.RenderOutput, error) {
	if e.Storage == nil {
		return domain.RenderOutput{}, errors.New("storage client is required")
	}

	prefix := strings.TrimSpace(e.OutputPrefix)
	if prefix == "" {
		prefix = defaultOutputPrefix
	}
	objectKey := path.Join(prefix, sanitizePathToken(req.JobID), outputName(variant, rendered))

	if err := e.Storage.WriteObject(ctx, objectKey, rendered.Data, rendered.MIME); err != nil {
		return domain.RenderOutput{}, err
	}
	return describe(variant, rendered, objectKey), nil
}
