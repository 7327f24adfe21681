// Package memory is the HTTP client for the decision-memory service the
// router consults on the first turn of a session.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/gopherbridge/internal/types"
)

// Client talks to the memory service.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

var _ types.MemorySource = (*Client)(nil)

// NewClient creates a client for the service at baseURL. apiKey may be
// empty.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Results []types.SearchResult `json:"results"`
}

type decisionsResponse struct {
	Decisions []types.Decision `json:"decisions"`
}

// Search returns decisions similar to query, best match first.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]types.SearchResult, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal search: %w", err)
	}
	var out searchResponse
	if _, err := c.do(ctx, http.MethodPost, "/search", bytes.NewReader(body), &out); err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	return out.Results, nil
}

// LoadCheckpoint returns the latest checkpoint, or nil when none exists.
func (c *Client) LoadCheckpoint(ctx context.Context) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	found, err := c.do(ctx, http.MethodGet, "/checkpoint", nil, &cp)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &cp, nil
}

// ListDecisions returns the most recent decisions.
func (c *Client) ListDecisions(ctx context.Context, limit int) ([]types.Decision, error) {
	u, err := url.Parse(c.baseURL + "/decisions")
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	var out decisionsResponse
	if _, err := c.doURL(ctx, http.MethodGet, u.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return out.Decisions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) (bool, error) {
	return c.doURL(ctx, method, c.baseURL+path, body, out)
}

// doURL performs the request and decodes a 200 body into out. A 404 is
// reported as found=false with no error.
func (c *Client) doURL(ctx context.Context, method, target string, body io.Reader, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
