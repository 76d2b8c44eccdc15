package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/hostswitch/internal/supervisor"
)

// Client reads diagnostics from a running supervisor.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the control server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Status fetches /v1/status.
func (c *Client) Status(ctx context.Context) (*supervisor.Status, error) {
	var st supervisor.Status
	if err := c.getJSON(ctx, "/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Resolve asks the supervisor which route host would take.
func (c *Client) Resolve(ctx context.Context, rawURL, host string) (ResolveResult, error) {
	q := url.Values{"host": {host}}
	if rawURL != "" {
		q.Set("url", rawURL)
	}
	var res ResolveResult
	err := c.getJSON(ctx, "/v1/resolve?"+q.Encode(), &res)
	return res, err
}

// PAC fetches the policy script currently served.
func (c *Client) PAC(ctx context.Context) (string, error) {
	body, err := c.get(ctx, PACPath)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control server unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", path, e.Error)
		}
		return nil, fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return body, nil
}
