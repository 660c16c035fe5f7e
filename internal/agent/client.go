// Package agent is the thin client for the LLM agent pipeline. Invocations
// are fire-and-forget: the pipeline reports completion through the internal
// callback route, never through this call's return value.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

// Invoke starts an agent run under the given session identifier with an
// opaque payload.
func (c *Client) Invoke(ctx context.Context, sessionID string, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"payload":   payload,
	})
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build invocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("x-agent-token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke agent: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("agent rejected invocation: status %d", resp.StatusCode)
	}
	return nil
}
