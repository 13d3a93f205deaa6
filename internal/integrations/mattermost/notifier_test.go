package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"github.com/bissquit/incident-autopilot/internal/tickets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRenderer struct {
	msg domain.ChatMessage
	err error
}

func (r staticRenderer) ChatMessage(*domain.Incident) (domain.ChatMessage, error) {
	return r.msg, r.err
}

func TestNewNotifier_Defaults(t *testing.T) {
	n := NewNotifier(Config{WebhookURL: "http://example"}, staticRenderer{})

	assert.Equal(t, defaultUsername, n.config.Username)
	assert.Equal(t, defaultTimeout, n.httpClient.Timeout)
}

func TestNotifier_NotifyIncident(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	renderer, err := tickets.NewRenderer()
	require.NoError(t, err)

	n := NewNotifier(Config{WebhookURL: server.URL, IconURL: "https://example.com/bot.png"}, renderer)
	err = n.NotifyIncident(context.Background(), &domain.Incident{
		ID: "inc-1",
		Issue: domain.Issue{
			Type: domain.MetricMemory, Workload: "api", Namespace: "shop", Value: 300, Threshold: 200,
		},
		CreatedAt:    time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		ActionTaken:  domain.ActionRestartPod,
		RestartCount: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, defaultUsername, got.Username)
	assert.Equal(t, "https://example.com/bot.png", got.IconURL)
	assert.Contains(t, got.Text, "### Restart Pod: api\n\n")
	assert.Contains(t, got.Text, "Workload restarted, 1 restart today.")
}

func TestNotifier_Send_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"forbidden", http.StatusForbidden, false},
		{"not found", http.StatusNotFound, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			n := NewNotifier(Config{WebhookURL: server.URL}, staticRenderer{})
			err := n.Send(context.Background(), domain.ChatMessage{Body: "hello"})
			require.Error(t, err)

			var webhookErr *WebhookError
			require.True(t, errors.As(err, &webhookErr))
			assert.Equal(t, tt.status, webhookErr.StatusCode)
			assert.Equal(t, tt.wantRetryable, retry.IsRetryable(err))
		})
	}
}

func TestNotifier_Send_TransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	n := NewNotifier(Config{WebhookURL: url}, staticRenderer{})
	err := n.Send(context.Background(), domain.ChatMessage{Body: "hello"})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}

func TestNotifier_NotifyIncident_RenderFailureIsPermanent(t *testing.T) {
	n := NewNotifier(Config{WebhookURL: "http://unused"}, staticRenderer{err: errors.New("bad template")})

	err := n.NotifyIncident(context.Background(), &domain.Incident{})
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
}
