// Package grafana posts dashboard annotations.
package grafana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
)

const defaultTimeout = 5 * time.Second

// Config holds Grafana annotator configuration.
type Config struct {
	URL          string
	APIKey       string
	DashboardUID string
	Timeout      time.Duration
}

// Annotator writes annotations through the Grafana HTTP API.
type Annotator struct {
	config     Config
	httpClient *http.Client
}

// NewAnnotator creates a new Annotator.
func NewAnnotator(config Config) *Annotator {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	config.URL = strings.TrimRight(config.URL, "/")

	return &Annotator{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type annotationRequest struct {
	DashboardUID string   `json:"dashboardUID,omitempty"`
	Time         int64    `json:"time"`
	Tags         []string `json:"tags,omitempty"`
	Text         string   `json:"text"`
}

// Annotate posts a. The caller treats failures as non-fatal.
func (a *Annotator) Annotate(ctx context.Context, annotation domain.Annotation) error {
	body, err := json.Marshal(annotationRequest{
		DashboardUID: a.config.DashboardUID,
		Time:         annotation.Time.UnixMilli(),
		Tags:         annotation.Tags,
		Text:         annotation.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal annotation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL+"/api/annotations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return retry.NewRetryableError(fmt.Errorf("send annotation: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("grafana error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return retry.NewRetryableError(err)
	}
	return retry.NewPermanentError(err)
}

// Nop discards annotations; used when no dashboard is configured.
type Nop struct{}

// Annotate does nothing.
func (Nop) Annotate(context.Context, domain.Annotation) error { return nil }
