package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() CreateRenderRequest {
	return CreateRenderRequest{
		SourceType: SourceTypeS3Presigned,
		Variants:   []Variant{{ID: "thumb_small", Query: "w=80&q=75"}},
	}
}

func TestCreateRenderRequestValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate())

	assert.Error(t, CreateRenderRequest{}.Validate())

	unsupported := validRequest()
	unsupported.SourceType = "http_url"
	assert.ErrorContains(t, unsupported.Validate(), "source_type")

	noVariants := validRequest()
	noVariants.Variants = nil
	assert.ErrorContains(t, noVariants.Validate(), "variants")

	badHook := validRequest()
	badHook.WebhookURL = "not a url"
	assert.ErrorContains(t, badHook.Validate(), "webhook_url")
}

func TestCreateRenderRequestObjectKeyRules(t *testing.T) {
	for _, source := range []string{SourceTypeLocalFile, SourceTypeOrigin} {
		req := validRequest()
		req.SourceType = source
		assert.ErrorContains(t, req.Validate(), "object_key is required", source)

		req.ObjectKey = "photos/cat.jpg"
		assert.NoError(t, req.Validate(), source)
	}
}

func TestCreateRenderRequestRejectsDuplicateVariants(t *testing.T) {
	req := validRequest()
	req.Variants = append(req.Variants, Variant{ID: "thumb_small", Query: "w=10"})
	assert.ErrorContains(t, req.Validate(), "duplicated")
}

func TestNormalize(t *testing.T) {
	req := CreateRenderRequest{
		SourceType: " Origin ",
		ObjectKey:  " a.png ",
		Variants:   []Variant{{ID: " v1 ", Query: "?w=10"}},
	}
	req.Normalize()
	assert.Equal(t, SourceTypeOrigin, req.SourceType)
	assert.Equal(t, "a.png", req.ObjectKey)
	assert.Equal(t, Variant{ID: "v1", Query: "w=10"}, req.Variants[0])
}
