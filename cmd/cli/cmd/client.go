package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"workerhub/pkg/api"
)

// HubClient handles API calls to the workerhub controller.
type HubClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewHubClient creates a new client with the given base URL and token.
// The timeout is generous because rpc-mode submissions block until a worker answers.
func NewHubClient(baseURL, token string) *HubClient {
	return &HubClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 11 * time.Minute,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// SubmitResult is either a queued tracking id or, in rpc mode, the worker's report.
type SubmitResult struct {
	Queued *api.SubmitTaskResponse
	Report *api.TaskReport
}

// SubmitTask sends POST /api/tasks.
func (c *HubClient) SubmitTask(req api.SubmitTaskRequest) (*SubmitResult, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	status, respBody, err := c.do(http.MethodPost, "/api/tasks", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusAccepted:
		var queued api.SubmitTaskResponse
		if err := json.Unmarshal(respBody, &queued); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return &SubmitResult{Queued: &queued}, nil
	case http.StatusOK:
		var report api.TaskReport
		if err := json.Unmarshal(respBody, &report); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return &SubmitResult{Report: &report}, nil
	default:
		return nil, apiError(status, respBody)
	}
}

// GetTask sends GET /api/tasks/{id}.
func (c *HubClient) GetTask(id string) (*api.JobResponse, error) {
	var job api.JobResponse
	if err := c.getJSON("/api/tasks/"+id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Stats sends GET /api/stats.
func (c *HubClient) Stats() (*api.StatsResponse, error) {
	var stats api.StatsResponse
	if err := c.getJSON("/api/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Nodes sends GET /api/nodes.
func (c *HubClient) Nodes() ([]api.NodeResponse, error) {
	var nodes []api.NodeResponse
	if err := c.getJSON("/api/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *HubClient) getJSON(path string, out interface{}) error {
	status, respBody, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *HubClient) do(method, path string, body io.Reader) (int, []byte, error) {
	httpReq, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// apiError prefers the server's error message over the raw body.
func apiError(status int, body []byte) *APIError {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return &APIError{StatusCode: status, Message: e.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
