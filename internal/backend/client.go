// Package backend is the HTTP client for the remote inference service.
//
// Endpoints:
//   - GET  /health         any 2xx is healthy
//   - POST /process_frame  {frame, mode} → {success, results, error?}
//
// The client applies no deadlines of its own: callers bound every call with
// a context (probe timeout, frame race timeout).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/e7canasta/expression-client/internal/types"
)

const (
	healthPath  = "/health"
	processPath = "/process_frame"

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 4 << 20
)

// FrameRequest is the body of POST /process_frame.
type FrameRequest struct {
	// Frame is the base64 JPEG payload without a data-URI prefix.
	Frame string     `json:"frame"`
	Mode  types.Mode `json:"mode"`
}

// FrameResponse is the envelope returned by POST /process_frame.
// Results keeps its raw form: its shape depends on the mode.
type FrameResponse struct {
	Success bool            `json:"success"`
	Results json.RawMessage `json:"results"`
	Error   string          `json:"error,omitempty"`
}

// Client talks to the inference service.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for baseURL (e.g. "http://localhost:5000").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base URL %q must use http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend: base URL %q has no host", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health performs GET /health. Any 2xx status is success.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("backend: build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend: health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// ProcessFrame submits one encoded frame.
//
// Returns *types.BackendError when the response is non-2xx or carries
// success=false. Transport failures are returned wrapped as-is.
func (c *Client) ProcessFrame(ctx context.Context, frame FrameRequest) (*FrameResponse, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("backend: encode frame request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: build frame request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: process_frame request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("backend: read process_frame response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.BackendError{
			Status:  resp.StatusCode,
			Message: serverMessage(raw),
		}
	}

	var out FrameResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &types.BackendError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: response is not JSON: %v", types.ErrMalformedPayload, err),
		}
	}

	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = serverMessage(raw)
		}
		if msg == "" {
			msg = "Processing failed"
		}
		return nil, &types.BackendError{Status: resp.StatusCode, Message: msg}
	}

	slog.Debug("backend: frame processed",
		"mode", frame.Mode,
		"status", resp.StatusCode,
		"response_bytes", len(raw),
	)

	return &out, nil
}

// serverMessage extracts a human-readable error from an error body.
// Services report it either at the top level or nested under results; a
// results field that is not an object carries no message.
func serverMessage(raw []byte) string {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if msg := jsonString(body["error"]); msg != "" {
		return msg
	}

	var nested map[string]json.RawMessage
	if err := json.Unmarshal(body["results"], &nested); err != nil {
		return ""
	}
	return jsonString(nested["error"])
}

// jsonString returns raw decoded as a string, or "" for any other JSON value.
func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
