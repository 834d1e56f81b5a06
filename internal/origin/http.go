package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/pixelproxy/internal/config"
)

// HTTP fetches keys below a base URL.
type HTTP struct {
	client         *http.Client
	base           *url.URL
	maxAttempts    int
	initialBackoff time.Duration
	maxBytes       int64
}

func NewHTTP(cfg config.OriginConfig) (*HTTP, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse origin base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("origin base url must be http or https: %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	return &HTTP{
		client:         &http.Client{Timeout: timeout},
		base:           base,
		maxAttempts:    max(1, cfg.MaxAttempts),
		initialBackoff: backoff,
		maxBytes:       cfg.MaxBytes,
	}, nil
}

func (o *HTTP) Fetch(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	target := o.base.JoinPath(strings.Split(key, "/")...)

	backoff := o.initialBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		data, err := o.fetchOnce(ctx, target.String())
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable(err) || attempt >= o.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("origin returned status=%d", e.code)
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTooLarge) || errors.Is(err, context.Canceled) {
		return false
	}
	var se statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return true
}

func (o *HTTP) fetchOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: %w", ErrUpstream, statusError{code: resp.StatusCode})
	}

	if o.maxBytes > 0 && resp.ContentLength > o.maxBytes {
		return nil, fmt.Errorf("%w: content-length %d", ErrTooLarge, resp.ContentLength)
	}

	var body io.Reader = resp.Body
	if o.maxBytes > 0 {
		body = io.LimitReader(resp.Body, o.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if o.maxBytes > 0 && int64(len(data)) > o.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, o.maxBytes)
	}
	return data, nil
}
