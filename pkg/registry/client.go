package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coriolis-labs/peerlink/pkg/peer"
)

// Client talks to the signaling registry over HTTP. All operations are
// idempotent at the registry level. Transient HTTP errors are surfaced,
// not retried here; the keep-alive loop and join/leave operations decide
// retry policy.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a registry client against baseURL (e.g.
// "http://registry.example.com:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Insert registers peer via POST; 2xx is success.
func (c *Client) Insert(ctx context.Context, e peer.Entry) error {
	return c.do(ctx, http.MethodPost, "/nodes", e)
}

// Update upserts peer's public pair via PUT; 2xx is success.
func (c *Client) Update(ctx context.Context, e peer.Entry) error {
	return c.do(ctx, http.MethodPut, "/nodes", e)
}

// Delete removes e via DELETE with the identity in query parameters.
func (c *Client) Delete(ctx context.Context, e peer.Entry) error {
	q := url.Values{}
	q.Set("public_ip", e.PublicIP)
	q.Set("public_port", strconv.Itoa(e.PublicPort))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/nodes?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", peer.ErrRegistryUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", peer.ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: delete returned %s", peer.ErrRegistryUnavailable, resp.Status)
	}
	return nil
}

// List returns every registered peer entry. Callers filter out their own
// record by public-pair equality.
func (c *Client) List(ctx context.Context) ([]peer.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nodes", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", peer.ErrRegistryUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", peer.ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list returned %s", peer.ErrRegistryUnavailable, resp.Status)
	}
	var entries []peer.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: decode list: %v", peer.ErrRegistryUnavailable, err)
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, e peer.Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal entry: %v", peer.ErrRegistryUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", peer.ErrRegistryUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", peer.ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %s", peer.ErrRegistryUnavailable, method, path, resp.Status)
	}
	return nil
}

// UpdateWithRetry wraps Update in an exponential backoff, for callers
// (the keep-alive loop) that want to absorb a transient registry hiccup
// instead of surfacing it immediately. Join does not retry (it surfaces
// errors synchronously), so this helper is only used from the keep-alive
// path.
func (c *Client) UpdateWithRetry(ctx context.Context, e peer.Entry, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		return c.Update(ctx, e)
	}, backoff.WithContext(bo, ctx))
}
