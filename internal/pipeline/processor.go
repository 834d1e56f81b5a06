// Package pipeline renders the variants of a batch job: it fetches the
// source once, runs every variant query through the transform core and
// emits each result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelproxy/internal/codec"
	"github.com/dunamismax/pixelproxy/internal/domain"
	"github.com/dunamismax/pixelproxy/internal/transform"
)

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	AcceptWebP bool
	Variants   []domain.Variant
}

type Result struct {
	SourceBytes int
	Outputs     []domain.RenderOutput
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, variant domain.Variant, rendered *transform.Result) (domain.RenderOutput, error)
}

type Processor struct {
	fetcher     Fetcher
	transformer *transform.Transformer
	emitter     Emitter
}

func NewProcessor(fetcher Fetcher, transformer *transform.Transformer, emitter Emitter) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	return &Processor{fetcher: fetcher, transformer: transformer, emitter: emitter}, nil
}

// NewLocalProcessor reads sources from and writes variants to the local
// filesystem.
func NewLocalProcessor(outputDir string, transformer *transform.Transformer) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, transformer, LocalFileEmitter{OutputDir: outputDir})
}

// VariantError reports the variant a render failed on.
type VariantError struct {
	VariantID string
	Err       error
}

func (e *VariantError) Error() string {
	return fmt.Sprintf("variant %s: %v", e.VariantID, e.Err)
}

func (e *VariantError) Unwrap() error { return e.Err }

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if len(req.Variants) == 0 {
		return Result{}, errors.New("at least one variant is required")
	}

	source, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	out := Result{SourceBytes: len(source), Outputs: make([]domain.RenderOutput, 0, len(req.Variants))}
	for _, variant := range req.Variants {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		rendered, err := p.transformer.Transform(transform.Request{
			Source:     source,
			Params:     transform.ParseQuery(variant.Query),
			AcceptWebP: req.AcceptWebP,
		})
		if err != nil {
			return Result{}, fmt.Errorf("transform stage: %w", &VariantError{VariantID: variant.ID, Err: err})
		}

		written, err := p.emitter.Emit(ctx, req, variant, rendered)
		if err != nil {
			return Result{}, fmt.Errorf("emit stage: %w", &VariantError{VariantID: variant.ID, Err: err})
		}
		out.Outputs = append(out.Outputs, written)
	}

	return out, nil
}

// SourceFetchers dispatches on the request's source type.
type SourceFetchers map[string]Fetcher

func (s SourceFetchers) Fetch(ctx context.Context, req Request) ([]byte, error) {
	f, ok := s[strings.ToLower(req.SourceType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Fetch(ctx, req)
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, variant domain.Variant, rendered *transform.Result) (domain.RenderOutput, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return domain.RenderOutput{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return domain.RenderOutput{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, outputName(variant, rendered))
	if err := os.WriteFile(fullPath, rendered.Data, 0o644); err != nil {
		return domain.RenderOutput{}, fmt.Errorf("write output file: %w", err)
	}
	return describe(variant, rendered, fullPath), nil
}

func outputName(variant domain.Variant, rendered *transform.Result) string {
	return fmt.Sprintf("%s.%s", sanitizePathToken(variant.ID), codec.Extension(rendered.Format))
}

func describe(variant domain.Variant, rendered *transform.Result, location string) domain.RenderOutput {
	return domain.RenderOutput{
		VariantID: variant.ID,
		Format:    rendered.Format,
		Path:      location,
		Bytes:     len(rendered.Data),
		Width:     rendered.Width,
		Height:    rendered.Height,
		Reencoded: rendered.Reencoded,
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
