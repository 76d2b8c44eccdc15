package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/hostswitch/internal/logger"
)

// Paths served by the supervisor control server.
const (
	MessagePath = "/v1/message"
	HealthPath  = "/v1/healthz"
)

// maxResponseBytes bounds a response body.
const maxResponseBytes = 64 << 10

// HTTPTransport posts requests to the supervisor control server.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPTransport creates a transport for baseURL such as
// "http://127.0.0.1:7878". Per-attempt timeouts come from the client.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the supervisor URL.
func (t *HTTPTransport) BaseURL() string {
	return t.baseURL
}

// wireResponse distinguishes a missing success field from false.
type wireResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

// RoundTrip sends req. Any status with a well-formed body is an answer;
// everything else is an error the client may retry.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+MessagePath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("Failed to close response body: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, fmt.Errorf("malformed response (status %d): %w", resp.StatusCode, err)
	}
	if wire.Success == nil {
		return Response{}, fmt.Errorf("malformed response (status %d): missing success field", resp.StatusCode)
	}
	return Response{Success: *wire.Success, Error: wire.Error}, nil
}

// Ping checks that the supervisor answers its health endpoint.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

// Waker pokes the shared store and the supervisor before a send so a
// sleeping peer has a chance to come up. Both steps are best effort.
func Waker(touch func(ctx context.Context) error, t *HTTPTransport) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		if touch != nil {
			if err := touch(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if t != nil {
			if err := t.Ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
