package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(content string) string {
	resp := openai.ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: "test-model",
		Choices: []openai.ChatCompletionChoice{
			{Index: 0, Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestNewEngine_RequiresAPIKey(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestEngine_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 4)
		assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
		assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
		assert.Equal(t, "history question", req.Messages[1].Content)
		assert.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[2].Role)
		assert.Equal(t, "diagnose w1", req.Messages[3].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completion(`{"diagnosis": "leak"}`)))
	}))
	defer server.Close()

	engine, err := NewEngine(Config{BaseURL: server.URL, APIKey: "key", Model: "test-model"})
	require.NoError(t, err)

	out, err := engine.Complete(context.Background(), "diagnose w1", []domain.Message{
		{Role: domain.RoleUser, Content: "history question"},
		{Role: domain.RoleAssistant, Content: "history answer"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"diagnosis": "leak"}`, out)
}

func TestEngine_Complete_Errors(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		body        string
		expectRetry bool
	}{
		{
			name:        "rate limited",
			statusCode:  http.StatusTooManyRequests,
			body:        `{"error": {"message": "slow down", "type": "rate_limit"}}`,
			expectRetry: true,
		},
		{
			name:        "server error",
			statusCode:  http.StatusInternalServerError,
			body:        `{"error": {"message": "boom", "type": "server_error"}}`,
			expectRetry: true,
		},
		{
			name:        "invalid request",
			statusCode:  http.StatusBadRequest,
			body:        `{"error": {"message": "bad model", "type": "invalid_request_error"}}`,
			expectRetry: false,
		},
		{
			name:        "empty choices",
			statusCode:  http.StatusOK,
			body:        `{"id": "x", "choices": []}`,
			expectRetry: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			engine, err := NewEngine(Config{BaseURL: server.URL, APIKey: "key"})
			require.NoError(t, err)

			_, err = engine.Complete(context.Background(), "prompt", nil)
			require.Error(t, err)
			assert.Equal(t, tt.expectRetry, retry.IsRetryable(err))
		})
	}
}

func TestEngine_Complete_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	engine, err := NewEngine(Config{BaseURL: server.URL, APIKey: "key", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = engine.Complete(context.Background(), "prompt", nil)
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}
