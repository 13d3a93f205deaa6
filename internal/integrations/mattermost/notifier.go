// Package mattermost posts incident notifications through an incoming webhook.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "Incident Autopilot"
)

// MessageRenderer renders the chat message of an incident.
type MessageRenderer interface {
	ChatMessage(inc *domain.Incident) (domain.ChatMessage, error)
}

// Config holds webhook configuration.
type Config struct {
	WebhookURL string
	Username   string
	IconURL    string
	Timeout    time.Duration
}

// Notifier posts one message per recorded incident.
type Notifier struct {
	config     Config
	renderer   MessageRenderer
	httpClient *http.Client
}

// NewNotifier creates a new Notifier.
func NewNotifier(config Config, renderer MessageRenderer) *Notifier {
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Notifier{
		config:     config,
		renderer:   renderer,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

// NotifyIncident renders inc and posts it. Transport failures, 429 and 5xx
// responses are retryable; other rejections are permanent.
func (n *Notifier) NotifyIncident(ctx context.Context, inc *domain.Incident) error {
	msg, err := n.renderer.ChatMessage(inc)
	if err != nil {
		return retry.NewPermanentError(fmt.Errorf("render message: %w", err))
	}
	return n.Send(ctx, msg)
}

// Send posts msg, with the subject as a markdown heading.
func (n *Notifier) Send(ctx context.Context, msg domain.ChatMessage) error {
	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("### %s\n\n%s", msg.Subject, msg.Body)
	}

	body, err := json.Marshal(webhookPayload{
		Text:     text,
		Username: n.config.Username,
		IconURL:  n.config.IconURL,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return retry.NewPermanentError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return retry.NewRetryableError(fmt.Errorf("send webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		slog.Debug("mattermost message sent", "subject", msg.Subject)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &WebhookError{StatusCode: resp.StatusCode, Message: string(respBody), Retryable: true}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &WebhookError{StatusCode: resp.StatusCode, Message: "invalid or expired webhook"}
	case resp.StatusCode == http.StatusNotFound:
		return &WebhookError{StatusCode: resp.StatusCode, Message: "webhook not found"}
	default:
		return &WebhookError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
}

// WebhookError is a non-200 webhook response.
type WebhookError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("mattermost error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed on retry.
func (e *WebhookError) IsRetryable() bool { return e.Retryable }
