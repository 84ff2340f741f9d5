package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// apiClient is the JSON-over-HTTP plumbing shared by the adapters
type apiClient struct {
	name       string
	httpClient *http.Client
	baseURL    string
	authHeader string
	authValue  string
	logger     logr.Logger
}

func newAPIClient(name, baseURL, authHeader, authValue string, logger logr.Logger) *apiClient {
	return &apiClient{
		name: name,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:    baseURL,
		authHeader: authHeader,
		authValue:  authValue,
		logger:     logger,
	}
}

// post sends a POST request with JSON body
func (c *apiClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *apiClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *apiClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	if c.authValue != "" {
		req.Header.Set(c.authHeader, c.authValue)
	}

	c.logger.V(1).Info("→", "method", req.Method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(err, "✗ request failed", "method", req.Method, "url", req.URL.String())
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error(err, "✗ failed to read response", "method", req.Method, "url", req.URL.String())
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.V(1).Info("←", "status", resp.StatusCode, "method", req.Method, "url", req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Provider: c.name, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		c.logger.Error(err, "✗ unmarshal error", "method", req.Method, "url", req.URL.String(), "body", string(respBody))
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
