package rtdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("database returned status code: %d, response: %s", e.Code, e.Body)
}

type baseClient struct {
	baseURL string
	auth    string
	client  *http.Client
	stream  *http.Client
	headers map[string]string
}

func newBaseClient(baseURL, auth string, timeout time.Duration) *baseClient {
	return &baseClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		auth:    auth,
		client: &http.Client{
			Timeout: timeout,
		},
		// event streams stay open; their lifetime is bounded by the context
		stream:  &http.Client{},
		headers: make(map[string]string),
	}
}

func (c *baseClient) setHeader(key, value string) {
	c.headers[key] = value
}

// endpoint maps a store path to {base}/{path}.json.
func (c *baseClient) endpoint(path string) string {
	u := c.baseURL + "/" + strings.TrimSuffix(path, "/") + ".json"
	if c.auth != "" {
		u += "?auth=" + url.QueryEscape(c.auth)
	}
	return u
}

func (c *baseClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *baseClient) makeRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(responseBody)}
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return responseBody, nil
}

// openStream starts a server-sent event stream on path.
func (c *baseClient) openStream(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(responseBody)}
	}
	return resp.Body, nil
}
