package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dhcgn/imap-xlsx-ingest/model"
)

const maxResponseBytes = 1 << 20

// Client notifies the downstream service that the storage root changed.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

type request struct {
	Path string `json:"path"`
}

type response struct {
	Existed *int `json:"existed"`
	Created *int `json:"created"`
}

// New returns a Client posting to endpoint. A non-positive timeout leaves the
// request bounded only by ctx.
func New(endpoint string, timeout time.Duration) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse trigger url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("trigger url must be http or https: %q", endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("trigger url has no host: %q", endpoint)
	}

	client := &http.Client{}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &Client{endpoint: endpoint, httpClient: client}, nil
}

// Endpoint returns the configured URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Notify sends {"path": root} and returns the counters from the reply.
func (c *Client) Notify(ctx context.Context, root string) (model.TriggerResult, error) {
	payload, err := json.Marshal(request{Path: root})
	if err != nil {
		return model.TriggerResult{}, fmt.Errorf("%w: encode trigger request: %w", model.ErrProtocol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return model.TriggerResult{}, fmt.Errorf("%w: build trigger request: %w", model.ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.TriggerResult{}, fmt.Errorf("%w: post %s: %w", model.ErrNetwork, c.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.TriggerResult{}, fmt.Errorf("%w: read trigger response: %w", model.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.TriggerResult{}, fmt.Errorf("%w: trigger returned status %d: %s", model.ErrProtocol, resp.StatusCode, snippet(body))
	}

	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return model.TriggerResult{}, fmt.Errorf("%w: decode trigger response: %w", model.ErrProtocol, err)
	}
	if decoded.Existed == nil || decoded.Created == nil {
		return model.TriggerResult{}, fmt.Errorf("%w: trigger response missing existed/created: %s", model.ErrProtocol, snippet(body))
	}

	return model.TriggerResult{Existed: *decoded.Existed, Created: *decoded.Created}, nil
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
