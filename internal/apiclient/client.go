// Package apiclient is the per-account client for a remote server's HTTP API.
package apiclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ServerStatus is the status document every server exposes
type ServerStatus struct {
	Installed      bool   `json:"installed"`
	Maintenance    bool   `json:"maintenance"`
	NeedsDBUpgrade bool   `json:"needsDbUpgrade"`
	Version        string `json:"version"`
	VersionString  string `json:"versionstring"`
	Edition        string `json:"edition"`
	ProductName    string `json:"productname"`
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
}

// Client talks to one server on behalf of one account. It owns its
// transport; Close releases idle connections.
type Client struct {
	baseURL    *url.URL
	username   string
	password   string
	userAgent  string
	statusPath string
	http       *http.Client
	transport  *http.Transport
}

// BaseURL returns the server root this client talks to
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Do sends req after applying the account's credentials and user agent.
// Relative request URLs are resolved against the base URL.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() {
		req.URL = c.baseURL.ResolveReference(req.URL)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	// credentials never follow an absolute URL off the account's origin
	if c.username != "" && sameOrigin(c.baseURL, req.URL) {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("OCS-APIRequest", "true")

	return c.http.Do(req)
}

// GetJSON fetches path and decodes the JSON body into out
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return fmt.Errorf("invalid path %q: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL, err)
	}

	return nil
}

// Status fetches the server status document
func (c *Client) Status(ctx context.Context) (*ServerStatus, error) {
	status := &ServerStatus{}
	if err := c.GetJSON(ctx, c.statusPath, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Close drops idle connections held by the client
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Timeout returns the per-request timeout
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}
