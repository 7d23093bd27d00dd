// Package client is an HTTP client for the recipe pipeline API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// ErrNotFound is returned by Status for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Client is an HTTP client for requesting recipes
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client. Synchronous requests wait for GPU work,
// so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// WorkflowInfo is the DBOS view of an async run.
type WorkflowInfo struct {
	WorkflowUUID string `json:"workflow_uuid"`
	Status       string `json:"status"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// RunStatus is returned by GET /v1/requests/{id}.
type RunStatus struct {
	RunID      string                   `json:"run_id"`
	State      string                   `json:"state"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
	Pipeline   *pipeline.StatusResponse `json:"pipeline,omitempty"`
	Workflow   *WorkflowInfo            `json:"workflow,omitempty"`
}

// Done reports whether the run reached a terminal state.
func (s *RunStatus) Done() bool {
	if s.Pipeline != nil && s.Pipeline.State.Terminal() {
		return true
	}
	if s.Workflow != nil {
		switch s.Workflow.Status {
		case "SUCCESS", "ERROR", "CANCELLED", "RETRIES_EXCEEDED":
			return true
		}
	}
	return false
}

// Generate runs a recipe request synchronously. Pipeline failures are
// returned in RecipeResponse.Failure with a nil error.
func (c *Client) Generate(ctx context.Context, req pipeline.RecipeRequest) (*pipeline.RecipeResponse, error) {
	resp, err := c.postJSON(ctx, "/v1/recipes", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out pipeline.RecipeResponse
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &out); err != nil || out.State == "" {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return &out, nil
}

// Enqueue submits a recipe request for async execution and returns its run ID.
func (c *Client) Enqueue(ctx context.Context, req pipeline.RecipeRequest) (string, error) {
	resp, err := c.postJSON(ctx, "/v1/recipes/async", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out pipeline.AsyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.RunID, nil
}

// Status fetches the status of a run.
func (c *Client) Status(ctx context.Context, runID string) (*RunStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/requests/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var status RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

// Wait polls Status every interval until the run is done or ctx ends.
func (c *Client) Wait(ctx context.Context, runID string, interval time.Duration) (*RunStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, runID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if status != nil && status.Done() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// UploadImage stores an image on a standalone server and returns its content ID.
func (c *Client) UploadImage(ctx context.Context, userID, fileName string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("user_id", userID); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("image", fileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/images", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	var out struct {
		ContentID string `json:"content_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return out.ContentID, nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}
