package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/webedt/autodev/internal/retry"
)

// RemoteClient runs the agent through a hosted-session backend. The
// backend streams the same stream-json events as the local CLI, so the
// caller cannot tell the two apart.
type RemoteClient struct {
	// BaseURL is the hosted-session API root.
	BaseURL string

	// Tokens supplies the bearer token for each request.
	Tokens *CredentialManager

	// HTTPClient defaults to http.DefaultClient. It must not set a
	// client-wide timeout: sessions stream for the life of the run and
	// are bounded by ctx instead.
	HTTPClient *http.Client
}

// NewRemoteClient creates a RemoteClient against baseURL.
func NewRemoteClient(baseURL string, tokens *CredentialManager) *RemoteClient {
	return &RemoteClient{BaseURL: baseURL, Tokens: tokens}
}

type sessionRequest struct {
	Prompt       string   `json:"prompt"`
	WorkDir      string   `json:"work_dir,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	MaxTurns     int      `json:"max_turns,omitempty"`
}

// Execute opens a hosted session and decodes its event stream. Non-2xx
// responses surface as *retry.HTTPError so the classifier sees the status
// and any rate-limit hints.
func (c *RemoteClient) Execute(ctx context.Context, req Request, onEvent func(Event)) (*Result, error) {
	payload, err := json.Marshal(sessionRequest{
		Prompt:       req.Prompt,
		WorkDir:      req.WorkDir,
		AllowedTools: req.AllowedTools,
		MaxTurns:     req.MaxTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if c.Tokens != nil {
		httpReq.Header.Set("Authorization", "Bearer "+c.Tokens.AccessToken())
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, retry.NewHTTPError(resp, body)
	}

	result, err := decodeStream(resp.Body, onEvent)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return result, err
}
