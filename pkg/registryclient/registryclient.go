// Package registryclient is a thin HTTP client for the Registry's (C8)
// discovery and access-check endpoints, kept in the teacher's
// method-per-RPC client shape but speaking REST/JSON since the Gateway
// (C9) exposes a chi router rather than a gRPC service.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/toolrunner/pkg/types"
)

// Client talks to a Registry over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client pointed at baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// GetTool fetches the manifest for name@version. version == "" means
// "latest published".
func (c *Client) GetTool(ctx context.Context, name, version string) (*types.Manifest, error) {
	ref := name
	if version != "" {
		ref = name + "@" + version
	}
	var m types.Manifest
	if err := c.get(ctx, "/api/v1/tools/"+url.PathEscape(ref), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type accessCheckResponse struct {
	Allowed bool `json:"allowed"`
}

// CheckAccess asks the Registry whether agentID may invoke toolVersionID
// during phase/role.
func (c *Client) CheckAccess(ctx context.Context, toolVersionID, agentID, phase, role string) (bool, error) {
	q := url.Values{}
	q.Set("tool_version_id", toolVersionID)
	q.Set("agent_id", agentID)
	q.Set("phase", phase)
	q.Set("role", role)

	var resp accessCheckResponse
	if err := c.get(ctx, "/api/v1/access/check?"+q.Encode(), &resp); err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

// Search lists published tools matching query and/or capabilities.
func (c *Client) Search(ctx context.Context, query string, capabilities []string, limit, offset int) ([]*types.Manifest, error) {
	q := url.Values{}
	q.Set("q", query)
	for _, cap := range capabilities {
		q.Add("capability", cap)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}

	var out []*types.Manifest
	if err := c.get(ctx, "/api/v1/tools/search?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", path)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry returned %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry returned %d for %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
