// Package openai implements the reasoning engine on an OpenAI-compatible
// chat completion API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/sashabaranov/go-openai"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second

	// SystemPrompt frames every completion.
	SystemPrompt = "You are a site reliability engineer who diagnoses resource usage problems " +
		"in Kubernetes workloads and proposes minimal, reviewable code fixes. " +
		"Answer with a single JSON object and nothing else."
)

// ErrEmptyCompletion is returned when the API answers without content.
var ErrEmptyCompletion = errors.New("reasoning engine returned no content")

// Config holds reasoning engine configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Engine calls the chat completion endpoint.
type Engine struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewEngine creates a new Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: llm api key is required", domain.ErrConfiguration)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	slog.Info("reasoning engine configured", "model", cfg.Model, "timeout", cfg.Timeout)

	return &Engine{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Complete sends the system prompt, history and prompt, and returns the first
// choice's content.
func (e *Engine) Complete(ctx context.Context, prompt string, history []domain.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: role(m.Role), Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
	})
	if err != nil {
		return "", classify(err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", retry.NewPermanentError(ErrEmptyCompletion)
	}
	slog.Debug("reasoning engine completed",
		"model", e.model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

func role(r domain.MessageRole) string {
	switch r {
	case domain.RoleSystem:
		return openai.ChatMessageRoleSystem
	case domain.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func classify(err error) error {
	wrapped := fmt.Errorf("chat completion: %w", err)

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == 0:
		return retry.NewRetryableError(wrapped)
	case status == http.StatusTooManyRequests || status >= 500:
		return retry.NewRetryableError(wrapped)
	default:
		return retry.NewPermanentError(wrapped)
	}
}
