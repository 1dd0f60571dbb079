// Package github is the GitHub REST client for the review/merge pipeline:
// pull requests, squash merges, and issue closure.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/webedt/autodev/internal/models"
	"github.com/webedt/autodev/internal/retry"
)

const (
	defaultAPIEndpoint  = "https://api.github.com"
	maxResponseSize     = 8 << 20
	defaultMergeRetries = 2
)

// HTTPClient is the subset of http.Client the REST client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	Owner       string
	Repo        string
	Token       string
	APIEndpoint string
	HTTPClient  HTTPClient
}

// Client talks to the GitHub REST API for one repository.
type Client struct {
	owner       string
	repo        string
	token       string
	apiEndpoint string
	client      HTTPClient
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	owner := strings.TrimSpace(cfg.Owner)
	if owner == "" {
		return nil, errors.New("github owner is required")
	}
	repo := strings.TrimSpace(cfg.Repo)
	if repo == "" {
		return nil, errors.New("github repository is required")
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("github auth token is required")
	}
	endpoint := strings.TrimSpace(cfg.APIEndpoint)
	if endpoint == "" {
		endpoint = defaultAPIEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	return &Client{
		owner:       owner,
		repo:        repo,
		token:       token,
		apiEndpoint: endpoint,
		client:      client,
	}, nil
}

// GetIssue fetches an issue's title and body.
func (c *Client) GetIssue(ctx context.Context, number int) (*models.IssueRef, error) {
	respBody, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue #%d: %w", number, err)
	}

	var payload struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, fmt.Errorf("cannot decode issue response: %w", err)
	}
	return &models.IssueRef{
		Number: payload.Number,
		Title:  payload.Title,
		Body:   payload.Body,
		Owner:  c.owner,
		Repo:   c.repo,
	}, nil
}

// CreatePullRequest opens a pull request from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, title, body, head, base string) (*models.PullRequestRef, error) {
	payload := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}

	respBody, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}

	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, fmt.Errorf("cannot decode pull request response: %w", err)
	}
	return &models.PullRequestRef{Number: pr.Number, URL: pr.HTMLURL}, nil
}

// CloseIssue closes an issue, optionally leaving a comment first. A failed
// comment does not block the close.
func (c *Client) CloseIssue(ctx context.Context, number int, comment string) error {
	if comment != "" {
		commentPath := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, number)
		if _, err := c.do(ctx, http.MethodPost, commentPath, map[string]string{"body": comment}); err != nil {
			return fmt.Errorf("failed to comment on issue #%d: %w", number, err)
		}
	}

	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number)
	if _, err := c.do(ctx, http.MethodPatch, path, map[string]string{"state": "closed"}); err != nil {
		return fmt.Errorf("failed to close issue #%d: %w", number, err)
	}
	return nil
}

// MergeResult is the outcome of an auto-merge attempt.
type MergeResult struct {
	Merged   bool
	SHA      string
	Attempts int
	Err      error
}

// AttemptMerge squash-merges a pull request. A 405 (not mergeable) or 409
// (head moved / conflict) is a clean "not merged" outcome, not an error;
// transient failures are retried a couple of times before giving up.
func (c *Client) AttemptMerge(ctx context.Context, branch string, prNumber int) MergeResult {
	result := MergeResult{}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", c.owner, c.repo, prNumber)
	payload := map[string]string{
		"merge_method":   "squash",
		"commit_message": fmt.Sprintf("Merge branch %s", branch),
	}

	for attempt := 0; attempt <= defaultMergeRetries; attempt++ {
		result.Attempts++

		respBody, err := c.do(ctx, http.MethodPut, path, payload)
		if err == nil {
			var merge struct {
				SHA    string `json:"sha"`
				Merged bool   `json:"merged"`
			}
			if decodeErr := json.Unmarshal(respBody, &merge); decodeErr != nil {
				result.Err = fmt.Errorf("cannot decode merge response: %w", decodeErr)
				return result
			}
			result.Merged = merge.Merged
			result.SHA = merge.SHA
			result.Err = nil
			return result
		}

		var httpErr *retry.HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.StatusCode {
			case http.StatusMethodNotAllowed, http.StatusConflict:
				result.Err = fmt.Errorf("pull request #%d not mergeable: %s", prNumber, httpErr.Body)
				return result
			}
		}

		result.Err = err
		if !retry.Classify(err).Retryable {
			return result
		}
	}
	return result
}

// do executes one REST call. Non-2xx responses return *retry.HTTPError
// carrying the status and any rate-limit hints.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("cannot encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiEndpoint+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("cannot build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("cannot read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.NewHTTPError(resp, body)
	}
	return body, nil
}
