// Package github implements the issue tracker operations on the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/incident-autopilot/internal/domain"
	"github.com/bissquit/incident-autopilot/internal/pkg/retry"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL            = "https://api.github.com"
	defaultTimeout           = 15 * time.Second
	defaultRequestsPerSecond = 5.0
	apiVersion               = "2022-11-28"
)

// ErrBranchExists is returned when the branch to create already exists.
var ErrBranchExists = errors.New("branch already exists")

// Config holds GitHub client configuration.
type Config struct {
	APIURL            string
	Token             string
	Owner             string
	Repo              string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client calls the GitHub REST API for one repository.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new GitHub client.
func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("%w: github token is required", domain.ErrConfiguration)
	}
	if config.Owner == "" || config.Repo == "" {
		return nil, fmt.Errorf("%w: github owner and repo are required", domain.ErrConfiguration)
	}
	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaultRequestsPerSecond
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}, nil
}

type issueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type refResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// CreateIssue opens an issue.
func (c *Client) CreateIssue(ctx context.Context, payload domain.TicketPayload) (domain.ExternalRef, error) {
	var resp refResponse
	err := c.do(ctx, http.MethodPost, c.repoPath("issues"), issueRequest{
		Title:  payload.Title,
		Body:   payload.Body,
		Labels: payload.Labels,
	}, &resp)
	if err != nil {
		return domain.ExternalRef{}, fmt.Errorf("create issue: %w", err)
	}
	return domain.ExternalRef{Number: resp.Number, URL: resp.HTMLURL}, nil
}

type gitRef struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

type createRefRequest struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// CreateBranch creates branch name at the head of base.
func (c *Client) CreateBranch(ctx context.Context, base, name string) error {
	var head gitRef
	if err := c.do(ctx, http.MethodGet, c.repoPath("git/ref/heads/"+escapePath(base)), nil, &head); err != nil {
		return fmt.Errorf("resolve base branch %s: %w", base, err)
	}

	err := c.do(ctx, http.MethodPost, c.repoPath("git/refs"), createRefRequest{
		Ref: "refs/heads/" + name,
		SHA: head.Object.SHA,
	}, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(apiErr.Message, "already exists") {
			return fmt.Errorf("create branch %s: %w", name, ErrBranchExists)
		}
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

type contentResponse struct {
	SHA string `json:"sha"`
}

type putContentRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

// CommitFiles writes each file to branch as its own commit through the
// contents API.
func (c *Client) CommitFiles(ctx context.Context, branch, message string, files []domain.FileChange) error {
	for _, f := range files {
		path := c.repoPath("contents/" + escapePath(strings.TrimPrefix(f.Path, "/")))

		var existing contentResponse
		err := c.do(ctx, http.MethodGet, path+"?ref="+url.QueryEscape(branch), nil, &existing)
		if err != nil {
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
				return fmt.Errorf("read %s: %w", f.Path, err)
			}
		}

		err = c.do(ctx, http.MethodPut, path, putContentRequest{
			Message: message,
			Content: base64.StdEncoding.EncodeToString([]byte(f.Content)),
			Branch:  branch,
			SHA:     existing.SHA,
		}, nil)
		if err != nil {
			return fmt.Errorf("commit %s: %w", f.Path, err)
		}
	}
	return nil
}

type pullRequestRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// CreatePullRequest opens a pull request.
func (c *Client) CreatePullRequest(ctx context.Context, payload domain.PullRequestPayload) (domain.ExternalRef, error) {
	var resp refResponse
	err := c.do(ctx, http.MethodPost, c.repoPath("pulls"), pullRequestRequest{
		Title: payload.Title,
		Body:  payload.Body,
		Head:  payload.Head,
		Base:  payload.Base,
	}, &resp)
	if err != nil {
		return domain.ExternalRef{}, fmt.Errorf("create pull request: %w", err)
	}
	return domain.ExternalRef{Number: resp.Number, URL: resp.HTMLURL}, nil
}

func (c *Client) repoPath(suffix string) string {
	return fmt.Sprintf("/repos/%s/%s/%s", url.PathEscape(c.config.Owner), url.PathEscape(c.config.Repo), suffix)
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.APIURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.NewRetryableError(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.NewRetryableError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, respBody)
	}

	slog.Debug("github request completed", "method", method, "path", path, "status", resp.StatusCode)

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx response from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func newAPIError(code int, body []byte) *APIError {
	var parsed struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		msg = parsed.Message
		for _, e := range parsed.Errors {
			if e.Message != "" {
				msg += ": " + e.Message
			}
		}
	}
	return &APIError{StatusCode: code, Message: msg}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed on retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
