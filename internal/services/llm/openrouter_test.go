package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m-used","choices":[{"message":{"content":"{\"questions\":[]}"}}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "default-model"})
	resp, err := c.Complete(context.Background(), Request{System: "sys", User: "usr", Temperature: 0.5, JSON: true})
	require.NoError(t, err)

	assert.Equal(t, `{"questions":[]}`, resp.Content)
	assert.Equal(t, "m-used", resp.Model)
	assert.Equal(t, 42, resp.Usage.TotalTokens)

	assert.Equal(t, "default-model", got.Model)
	assert.InDelta(t, 0.5, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "usr", got.Messages[1].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		wantEmpty bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, retryable: true},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, retryable: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":{"message":"bad"}}`},
		{name: "error inside 200", status: http.StatusOK, body: `{"error":{"message":"upstream","code":503}}`, retryable: true},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, retryable: true, wantEmpty: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(Config{APIKey: "k", BaseURL: srv.URL}).Complete(context.Background(), Request{})
			require.Error(t, err)
			assert.Equal(t, tt.retryable, Retryable(err))
			if tt.wantEmpty {
				assert.True(t, errors.Is(err, ErrEmptyResponse))
			}
		})
	}
}

func TestCompleteWithoutKey(t *testing.T) {
	_, err := New(Config{}).Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, Retryable(err))
}
