// Package runpod is a thin client for the serverless GPU fleet's
// HTTP/JSON control plane: submit, status, cancel. The wire format
// beyond those three calls is the executor's business; outputs pass
// through as raw JSON.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fairyhunter13/media-orchestrator/internal/domain"
)

// Client talks to one serverless endpoint.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// New returns a Client with the given request timeout.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	Operation string          `json:"operation"`
	Input     json.RawMessage `json:"input"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit sends one sub-job and returns the executor-assigned handle.
func (c *Client) Submit(ctx context.Context, operation string, payload json.RawMessage) (string, error) {
	body, err := json.Marshal(submitRequest{Operation: operation, Input: payload})
	if err != nil {
		return "", fmt.Errorf("op=runpod.Submit: %w", err)
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/run", body, &resp); err != nil {
		return "", fmt.Errorf("op=runpod.Submit: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("op=runpod.Submit: executor returned empty job id")
	}
	return resp.ID, nil
}

// Status polls one sub-job. A 404 maps to domain.ErrNotFound, which
// the monitor reads as an orphaned remote job.
func (c *Client) Status(ctx context.Context, id string) (domain.RemoteJobState, error) {
	var state domain.RemoteJobState
	if err := c.do(ctx, http.MethodGet, "/status/"+id, nil, &state); err != nil {
		return domain.RemoteJobState{}, fmt.Errorf("op=runpod.Status: %w", err)
	}
	state.ID = id
	return state, nil
}

// Cancel asks the executor to stop one sub-job. Callers treat it as
// best-effort.
func (c *Client) Cancel(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/cancel/"+id, nil, nil); err != nil {
		return fmt.Errorf("op=runpod.Cancel: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: job does not exist", domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("executor returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
