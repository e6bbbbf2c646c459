package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/me/pbsched/pkg/model"
)

// AgentKeyHeader carries the shared secret checked by the server's
// host-agent routes.
const AgentKeyHeader = "X-Agent-Key"

// Client talks to the pbsched server on behalf of one execution host.
type Client struct {
	baseURL    string
	httpClient *http.Client
	agentKey   string
}

// NewClient creates a host-agent API client with connection pooling.
// If tlsCfg is nil, the default system TLS configuration is used.
func NewClient(baseURL string, tlsCfg *tls.Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// SetAgentKey sets the shared secret sent with every request.
func (c *Client) SetAgentKey(key string) {
	c.agentKey = key
}

// HostVnodes lists the vnodes the server has for host.
func (c *Client) HostVnodes(ctx context.Context, host string) ([]model.NodeView, error) {
	q := url.Values{"host": {host}, "limit": {"500"}}
	var nodes []model.NodeView
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes?"+q.Encode(), nil, &nodes); err != nil {
		return nil, fmt.Errorf("list vnodes: %w", err)
	}
	return nodes, nil
}

// CreateVnodes registers count vnodes on host with attrs applied to each.
func (c *Client) CreateVnodes(ctx context.Context, host string, count int, attrs map[string]string) ([]model.NodeView, error) {
	body := map[string]any{"host": host, "count": count, "attrs": attrs}
	var nodes []model.NodeView
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes", body, &nodes); err != nil {
		return nil, fmt.Errorf("create vnodes: %w", err)
	}
	return nodes, nil
}

// HeartbeatResult is the server's answer to a heartbeat.
type HeartbeatResult struct {
	Host     string `json:"host"`
	Startup  bool   `json:"startup"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// Heartbeat reports host as alive. instance identifies this run of the
// agent; the server fires exechost_startup once per instance.
func (c *Client) Heartbeat(ctx context.Context, host, instance string) (*HeartbeatResult, error) {
	var res HeartbeatResult
	path := "/api/v1/hosts/" + url.PathEscape(host) + "/heartbeat"
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"instance": instance}, &res); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &res, nil
}

// do executes a request and decodes the envelope's data into dest.
// Server rejections come back as *model.APIError.
func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agentKey != "" {
		req.Header.Set(AgentKeyHeader, c.agentKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *model.APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}
