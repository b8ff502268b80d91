package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felixgeelhaar/canvas/internal/orchestrate"
)

// HTTPClient talks to a REST image job API:
//
//	POST /v1/generate   -> {id, status, result?, error?}
//	POST /v1/edit       -> {id, status, result?, error?}
//	GET  /v1/jobs/{id}  -> {status, result?, error?}
type HTTPClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the API at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("image API base URL is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Name identifies the backend.
func (c *HTTPClient) Name() string {
	return "http"
}

type jobResponse struct {
	ID     string              `json:"id"`
	Status orchestrate.Status  `json:"status"`
	Result *orchestrate.Output `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

func (c *HTTPClient) SubmitGenerate(ctx context.Context, req orchestrate.GenerateRequest) (orchestrate.Submission, error) {
	var resp jobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/generate", req, &resp); err != nil {
		return orchestrate.Submission{}, err
	}
	return orchestrate.Submission{ID: resp.ID, Status: resp.Status, Result: resp.Result, Error: resp.Error}, nil
}

func (c *HTTPClient) SubmitEdit(ctx context.Context, req orchestrate.EditRequest) (orchestrate.Submission, error) {
	var resp jobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/edit", req, &resp); err != nil {
		return orchestrate.Submission{}, err
	}
	return orchestrate.Submission{ID: resp.ID, Status: resp.Status, Result: resp.Result, Error: resp.Error}, nil
}

func (c *HTTPClient) PollStatus(ctx context.Context, id string) (orchestrate.StatusReport, error) {
	var resp jobResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return orchestrate.StatusReport{}, err
	}
	return orchestrate.StatusReport{Status: resp.Status, Result: resp.Result, Error: resp.Error}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("image api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
