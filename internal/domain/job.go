package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	// SourceTypeLocalFile reads ObjectKey from the worker's filesystem.
	SourceTypeLocalFile = "local_file"
	// SourceTypeS3Presigned expects the client to upload the source through
	// a presigned PUT before starting the job.
	SourceTypeS3Presigned = "s3_presigned"
	// SourceTypeOrigin fetches ObjectKey from the configured image origin.
	SourceTypeOrigin = "origin"

	MaxVariants = 32
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type CreateRenderRequest struct {
	UserID     string    `json:"user_id,omitempty" validate:"omitempty,max=128"`
	SourceType string    `json:"source_type" validate:"required,oneof=local_file s3_presigned origin"`
	WebhookURL string    `json:"webhook_url,omitempty" validate:"omitempty,url"`
	ObjectKey  string    `json:"object_key,omitempty" validate:"omitempty,max=1024"`
	AcceptWebP bool      `json:"accept_webp,omitempty"`
	Variants   []Variant `json:"variants" validate:"required,min=1,max=32,dive"`
}

// Variant is one rendition of the source. Query uses the same parameters as
// the image endpoint, e.g. "w=320&filter=grayscale".
type Variant struct {
	ID    string `json:"id" validate:"required,max=64"`
	Query string `json:"query" validate:"max=2048"`
}

// RenderOutput describes one written variant.
type RenderOutput struct {
	VariantID string `json:"variant_id"`
	Format    string `json:"format"`
	Path      string `json:"path"`
	Bytes     int    `json:"bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Reencoded bool   `json:"reencoded"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	WebhookURL string
	ObjectKey  string
	AcceptWebP bool
	Variants   []Variant
	Outputs    []RenderOutput
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the job has finished, successfully or not.
func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

// Normalize trims fields and lower-cases the source type.
func (r *CreateRenderRequest) Normalize() {
	r.SourceType = strings.ToLower(strings.TrimSpace(r.SourceType))
	r.ObjectKey = strings.TrimSpace(r.ObjectKey)
	r.WebhookURL = strings.TrimSpace(r.WebhookURL)
	for i := range r.Variants {
		r.Variants[i].ID = strings.TrimSpace(r.Variants[i].ID)
		r.Variants[i].Query = strings.TrimPrefix(strings.TrimSpace(r.Variants[i].Query), "?")
	}
}

func (r CreateRenderRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed %s", fieldName(verrs[0]), verrs[0].Tag())
		}
		return err
	}

	if r.SourceType != SourceTypeS3Presigned && r.ObjectKey == "" {
		return fmt.Errorf("object_key is required for source_type=%s", r.SourceType)
	}

	seen := make(map[string]struct{}, len(r.Variants))
	for i, v := range r.Variants {
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("variants[%d].id %q is duplicated", i, v.ID)
		}
		seen[v.ID] = struct{}{}
	}
	return nil
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}
