package gemini

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/genai"

	"github.com/binsight/binsight-ai/internal/models"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(t.Context(), models.ProviderConfig{Kind: models.ProviderGemini})
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestCosts(t *testing.T) {
	tests := []struct {
		model     string
		wantIn    float64
		wantKnown bool
	}{
		{"gemini-2.0-flash", 0.0001, true},
		{"gemini-1.5-pro-latest", 0.00125, true},
		{"gemini-unpriced", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			c := &Client{model: tt.model}
			in, _, known := c.Costs()
			assert.Equal(t, tt.wantKnown, known)
			if known {
				assert.InDelta(t, tt.wantIn, in, 1e-9)
			}
		})
	}
}

func TestClassifyGenAIError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind models.ErrorKind
	}{
		{"auth", genai.APIError{Code: 401, Message: "bad key"}, models.KindProviderAuth},
		{"quota", genai.APIError{Code: 429, Message: "quota"}, models.KindProviderRateLimit},
		{"backend", genai.APIError{Code: 503, Message: "overloaded"}, models.KindProviderTransient},
		{"plain", errors.New("dial tcp: refused"), models.KindProviderTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, models.KindOf(classifyGenAIError(tt.err)))
		})
	}
}
