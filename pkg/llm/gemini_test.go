package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiAnalyze(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{
					"parts": []any{
						map[string]any{"text": `{"valid": `},
						map[string]any{"text": `true}`},
					},
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL, "test-key")
	text, err := c.Analyze(context.Background(), "gemini-2.0-flash", []Part{
		TextPart("Analyze this document."),
		BlobPart("application/pdf", []byte("%PDF-1.4")),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"valid": true}`, text)

	require.Len(t, got.Contents, 1)
	require.Len(t, got.Contents[0].Parts, 2)
	assert.Equal(t, "Analyze this document.", got.Contents[0].Parts[0].Text)
	require.NotNil(t, got.Contents[0].Parts[1].InlineData)
	assert.Equal(t, "application/pdf", got.Contents[0].Parts[1].InlineData.MIMEType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")), got.Contents[0].Parts[1].InlineData.Data)
}

func TestGeminiAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL, "k")
	_, err := c.Analyze(context.Background(), "gemini-2.0-flash", []Part{TextPart("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestGeminiAnalyzeEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL, "k")
	_, err := c.Analyze(context.Background(), "gemini-2.0-flash", []Part{TextPart("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty candidates")
}

func TestGeminiBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL, "k")
	for i := 0; i < 5; i++ {
		_, err := c.Analyze(context.Background(), "m", []Part{TextPart("x")})
		require.Error(t, err)
	}

	_, err := c.Analyze(context.Background(), "m", []Part{TextPart("x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "breaker should be open, got %v", err)
}
