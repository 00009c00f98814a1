package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validCreationRequest() *JobCreationRequest {
	return &JobCreationRequest{
		FileReference: "upload://abc123",
		Filename:      "sample.exe",
		Config:        DefaultAnalysisConfig(),
	}
}

func TestJobCreationRequestValidate(t *testing.T) {
	t.Run("valid request defaults priority", func(t *testing.T) {
		r := validCreationRequest()
		assert.NoError(t, r.Validate(3600, false))
		assert.Equal(t, PriorityNormal, r.Priority)
	})

	t.Run("rejects non-upload reference", func(t *testing.T) {
		r := validCreationRequest()
		r.FileReference = "file:///etc/passwd"
		assert.Error(t, r.Validate(3600, false))
	})

	t.Run("rejects path traversal in filename", func(t *testing.T) {
		r := validCreationRequest()
		r.Filename = "../../etc/passwd"
		assert.Error(t, r.Validate(3600, false))
	})

	t.Run("rejects timeout beyond maximum", func(t *testing.T) {
		r := validCreationRequest()
		r.Config.TimeoutSeconds = 7200
		assert.Error(t, r.Validate(3600, false))
	})

	t.Run("rejects all extraction disabled", func(t *testing.T) {
		r := validCreationRequest()
		r.Config.ExtractFunctions = false
		r.Config.ExtractImports = false
		r.Config.ExtractStrings = false
		assert.Error(t, r.Validate(3600, false))
	})

	t.Run("callback URL schemes", func(t *testing.T) {
		r := validCreationRequest()
		r.CallbackURL = "https://example.com/hook"
		assert.NoError(t, r.Validate(3600, false))

		r.CallbackURL = "ftp://example.com/hook"
		assert.Error(t, r.Validate(3600, false))
	})

	t.Run("private callback targets blocked by default", func(t *testing.T) {
		for _, target := range []string{
			"http://localhost/hook",
			"http://127.0.0.1/hook",
			"http://10.1.2.3/hook",
			"http://192.168.0.5/hook",
		} {
			r := validCreationRequest()
			r.CallbackURL = target
			assert.Error(t, r.Validate(3600, false), "target %s", target)
			assert.NoError(t, r.Validate(3600, true), "target %s with override", target)
		}
	})
}

func TestDepthTTLMultiplier(t *testing.T) {
	assert.Equal(t, 0.5, DepthQuick.TTLMultiplier())
	assert.Equal(t, 1.0, DepthStandard.TTLMultiplier())
	assert.Equal(t, 2.0, DepthComprehensive.TTLMultiplier())
	assert.Equal(t, 3.0, DepthDeep.TTLMultiplier())
}

func TestProviderConfigRedacted(t *testing.T) {
	c := &ProviderConfig{Kind: ProviderOpenAI, APIKey: "sk-abcdef123456"}
	assert.Equal(t, "sk-ab...", c.Redacted())
	c.APIKey = "ab"
	assert.Equal(t, "*****", c.Redacted())
}
