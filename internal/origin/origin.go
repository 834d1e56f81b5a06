// Package origin fetches source images by key from the upstream store.
package origin

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/pixelproxy/internal/config"
	"github.com/dunamismax/pixelproxy/internal/storage"
)

var (
	ErrNotFound   = errors.New("origin object not found")
	ErrTooLarge   = errors.New("origin object too large")
	ErrInvalidKey = errors.New("invalid origin key")
	ErrUpstream   = errors.New("origin upstream failure")
)

type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// New builds the fetcher selected by cfg.Kind. The storage client is only
// used by the "minio" kind.
func New(cfg config.OriginConfig, objects *storage.Client) (Fetcher, error) {
	switch cfg.Kind {
	case "", "http":
		return NewHTTP(cfg)
	case "minio":
		if objects == nil {
			return nil, errors.New("minio origin requires a storage client")
		}
		return NewObjectStore(objects, cfg.MaxBytes), nil
	default:
		return nil, fmt.Errorf("unsupported origin kind: %s", cfg.Kind)
	}
}

// CleanKey normalises a request path into an object key, rejecting keys
// that would escape the origin root.
func CleanKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, raw)
		}
	}
	key := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	return key, nil
}

// ObjectStore reads source images from the MinIO bucket.
type ObjectStore struct {
	objects  *storage.Client
	maxBytes int64
}

func NewObjectStore(objects *storage.Client, maxBytes int64) *ObjectStore {
	return &ObjectStore{objects: objects, maxBytes: maxBytes}
}

func (o *ObjectStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := o.objects.ReadObjectLimit(ctx, key, o.maxBytes)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case errors.Is(err, storage.ErrObjectTooLarge):
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, key)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return data, nil
}
