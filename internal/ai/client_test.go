package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scambait/backend/internal/domain"
)

func newTestServer(t *testing.T, handler func(req chatRequest) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func completion(text string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"id":      "cmpl-1",
		"choices": []map[string]interface{}{{"message": map[string]string{"role": "assistant", "content": text}}},
	})
	return string(b)
}

func TestClientAnswer(t *testing.T) {
	var prompt string
	srv := newTestServer(t, func(req chatRequest) (int, string) {
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 1)
		prompt = req.Messages[0].Content
		return http.StatusOK, completion("  Thank you for reaching out.  ")
	})
	c := NewClient(Options{BaseURL: srv.URL + "/", APIKey: "test-key", Model: "gpt-test"}, nil)

	text, err := c.Answer(context.Background(), "Dear friend")
	require.NoError(t, err)
	assert.Equal(t, "Thank you for reaching out.", text)
	assert.True(t, strings.HasPrefix(prompt, answerPrompt))
	assert.True(t, strings.HasSuffix(prompt, "Dear friend"))
}

func TestClientNameDocument(t *testing.T) {
	srv := newTestServer(t, func(chatRequest) (int, string) {
		return http.StatusOK, completion("\"Wire_Transfer_Form.pdf\"")
	})
	c := NewClient(Options{BaseURL: srv.URL, APIKey: "test-key"}, nil)

	name, err := c.NameDocument(context.Background(), "send the form")
	require.NoError(t, err)
	assert.Equal(t, "Wire_Transfer_Form", name)
}

func TestClientFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		_, err := NewClient(Options{}, nil).Answer(ctx, "hi")
		assert.ErrorIs(t, err, domain.ErrGenerationFailure)
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("http error", func(t *testing.T) {
		srv := newTestServer(t, func(chatRequest) (int, string) {
			return http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`
		})
		_, err := NewClient(Options{BaseURL: srv.URL, APIKey: "test-key"}, nil).FillDocument(ctx, "hi")
		assert.ErrorIs(t, err, domain.ErrGenerationFailure)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("empty output", func(t *testing.T) {
		srv := newTestServer(t, func(chatRequest) (int, string) {
			return http.StatusOK, completion("   ")
		})
		_, err := NewClient(Options{BaseURL: srv.URL, APIKey: "test-key"}, nil).Answer(ctx, "hi")
		assert.ErrorIs(t, err, domain.ErrGenerationFailure)
	})

	t.Run("no choices", func(t *testing.T) {
		srv := newTestServer(t, func(chatRequest) (int, string) {
			return http.StatusOK, `{"id":"x","choices":[]}`
		})
		_, err := NewClient(Options{BaseURL: srv.URL, APIKey: "test-key"}, nil).AnswerWithAttachment(ctx, "hi")
		assert.ErrorIs(t, err, domain.ErrGenerationFailure)
	})
}
