package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tildaslashalef/caresync/internal/conflict"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/queue"
)

// TokenSource returns the current session token, "" when signed out
type TokenSource func() string

// StaticToken returns a TokenSource that always yields token
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// Client sends requests to the care-management API
type Client struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	logger     *loggy.Logger
}

// NewClient creates a client for baseURL. Requests are bounded by their
// context; timeout is a backstop for callers that pass none.
func NewClient(baseURL string, token TokenSource, timeout time.Duration, logger *loggy.Logger) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if token == nil {
		token = StaticToken("")
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		logger:     logger,
	}
}

// APIError represents an error response from the API
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// ParseAPIError builds an APIError from a non-2xx body. The message comes
// from a "message" or "error" field when the body is JSON, otherwise the
// status text.
func ParseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg, ok := payload["message"].(string); ok {
			apiErr.Message = msg
		}
		if code, ok := payload["error"].(string); ok {
			apiErr.ErrorCode = code
			if apiErr.Message == "" {
				apiErr.Message = code
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// Response is a raw HTTP result. Non-2xx statuses are not errors here.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ResolveURL prefixes relative paths with the base URL
func (c *Client) ResolveURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return c.baseURL + "/" + strings.TrimLeft(u, "/")
}

// Do sends one request. Only transport failures are returned as errors.
func (c *Client) Do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.ResolveURL(rawURL), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("API request", "method", method, "url", req.URL.String(), "status", resp.StatusCode)
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Execute replays a queued operation
func (c *Client) Execute(ctx context.Context, op *queue.Operation) (*Response, error) {
	return c.Do(ctx, op.Method, op.URL, op.Headers, op.Body)
}

// ForceWrite re-issues a conflicting write with the force flag set
func (c *Client) ForceWrite(ctx context.Context, w conflict.ForcedWrite) error {
	body, err := json.Marshal(w.Payload)
	if err != nil {
		return fmt.Errorf("marshaling forced payload: %w", err)
	}

	resp, err := c.Do(ctx, w.Method, w.URL, w.Headers, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return ParseAPIError(resp.StatusCode, resp.Body)
	}
	return nil
}

// ClassifyError buckets a failure for the sync log
func ClassifyError(err error) SyncErrorType {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return SyncErrorTypeAuth
		case apiErr.StatusCode >= 500:
			return SyncErrorTypeServer
		case apiErr.StatusCode >= 400:
			return SyncErrorTypeClient
		}
		return SyncErrorTypeUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return SyncErrorTypeNetwork
	}
	if err != nil && strings.Contains(err.Error(), "executing request") {
		return SyncErrorTypeNetwork
	}
	return SyncErrorTypeUnknown
}
