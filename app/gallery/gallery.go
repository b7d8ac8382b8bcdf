// Package gallery is a typed client for the Gallerist maintenance API, the
// non-UI surface the harness uses for health checks, stale data cleanup and
// the destructive account deletion at the end of a run.
package gallery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
)

// Client talks to the Gallerist app at BaseURL. All calls are bounded by the
// http client timeout, Health additionally retries with a fixed delay as it
// doubles as the readiness gate for the whole run.
type Client struct {
	BaseURL     string
	Client      *http.Client
	PingRetries int           // health probe attempts
	PingDelay   time.Duration // delay between health probes
}

// New makes a gallery client with the given per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		Client:      &http.Client{Timeout: timeout},
		PingRetries: 30,
		PingDelay:   time.Second,
	}
}

// Health polls GET /api/health until the app answers 200 or retries run out.
func (c *Client) Health(ctx context.Context) error {
	attempts, delay := c.PingRetries, c.PingDelay
	if attempts <= 0 {
		attempts = 1
	}
	if delay <= 0 {
		delay = time.Second
	}

	err := repeater.New(&strategy.FixedDelay{Repeats: attempts, Delay: delay}).Do(ctx, func() error {
		resp, err := c.call(ctx, http.MethodGet, c.BaseURL+"/api/health", nil)
		if err != nil {
			return err
		}
		defer drain(resp)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected health status %s", resp.Status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gallerist at %s not healthy after %d attempts: %w", c.BaseURL, attempts, err)
	}
	return nil
}

// DeleteUser removes the account server-side. A missing account is a success,
// the call is used to clear leftovers and runs before anything guarantees the
// account exists.
func (c *Client) DeleteUser(ctx context.Context, email string) error {
	body, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return fmt.Errorf("can't marshal delete-user request: %w", err)
	}

	resp, err := c.call(ctx, http.MethodDelete, c.BaseURL+"/api/e2e/delete-user", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delete-user call for %s failed: %w", email, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		log.Printf("[DEBUG] user %s not found, nothing to delete", email)
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Printf("[INFO] deleted user %s", email)
		return nil
	}
	return fmt.Errorf("delete-user for %s returned %s: %s", email, resp.Status, errBody(resp))
}

// Cleanup removes seeded galleries and images. With all set it hits the
// cleanup-all endpoint, with deleteUser set the app drops the account too.
func (c *Client) Cleanup(ctx context.Context, all, deleteUser bool) error {
	path := "/api/e2e/cleanup"
	if all {
		path = "/api/e2e/cleanup-all"
	}
	url := c.BaseURL + path
	if deleteUser {
		url += "?deleteUser=true"
	}

	resp, err := c.call(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("cleanup call failed: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cleanup returned %s: %s", resp.Status, errBody(resp))
	}
	log.Printf("[INFO] gallery cleanup done, all=%v deleteUser=%v", all, deleteUser)
	return nil
}

// Optimize asks the app to precompute thumbnails and warm its caches so
// timings in the run are not dominated by first-hit costs.
func (c *Client) Optimize(ctx context.Context) error {
	resp, err := c.call(ctx, http.MethodPost, c.BaseURL+"/api/e2e/optimize", nil)
	if err != nil {
		return fmt.Errorf("optimize call failed: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("optimize returned %s: %s", resp.Status, errBody(resp))
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("can't make request %s %s: %w", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, url, err)
	}
	return resp, nil
}

// drain reads the remaining body and closes it to keep connections reusable.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// errBody returns a short piece of the response body for error messages.
func errBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil || len(data) == 0 {
		return "<no body>"
	}
	return strings.TrimSpace(string(data))
}
