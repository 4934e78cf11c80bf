// Package client wraps the control-plane HTTP API for CLI usage.
package client

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

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/resilience"
	"github.com/cuemby/quorum/pkg/types"
)

// Client talks to one control-plane instance. Deadlines propagate to the
// server through the request header the ingress understands.
type Client struct {
	base string
	http *http.Client
}

// New builds a client for the control plane at baseURL.
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: resilience.NewDeadlineRoundTripper(http.DefaultTransport),
		},
	}
}

type apiError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// do issues one request and decodes the response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "request_failed", "control plane unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr != nil {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Detail, apiErr.Code)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendHeartbeat submits one heartbeat.
func (c *Client) SendHeartbeat(ctx context.Context, payload *types.HeartbeatPayload) error {
	return c.do(ctx, http.MethodPost, "/api/heartbeat", payload, nil)
}

// ListFleet returns fleet entries, optionally filtered by service name.
func (c *Client) ListFleet(ctx context.Context, serviceName string) ([]*types.FleetEntry, error) {
	path := "/api/fleet"
	if serviceName != "" {
		path += "?service=" + url.QueryEscape(serviceName)
	}
	var entries []*types.FleetEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetFleetEntry returns one instance's liveness entry.
func (c *Client) GetFleetEntry(ctx context.Context, instanceID string) (*types.FleetEntry, error) {
	entry := new(types.FleetEntry)
	if err := c.do(ctx, http.MethodGet, "/api/fleet/"+url.PathEscape(instanceID), nil, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ListServices returns the catalog; orphansOnly narrows it to claimable
// services.
func (c *Client) ListServices(ctx context.Context, orphansOnly bool) ([]*types.ApplicationService, error) {
	path := "/api/application-services"
	if orphansOnly {
		path += "?orphans=true"
	}
	var services []*types.ApplicationService
	if err := c.do(ctx, http.MethodGet, path, nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// GetService returns one catalog entry.
func (c *Client) GetService(ctx context.Context, serviceID string) (*types.ApplicationService, error) {
	svc := new(types.ApplicationService)
	if err := c.do(ctx, http.MethodGet, "/api/application-services/"+url.PathEscape(serviceID), nil, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// GetApprovalRequest returns one approval request with its gate counts.
func (c *Client) GetApprovalRequest(ctx context.Context, requestID string) (*types.ApprovalRequest, error) {
	req := new(types.ApprovalRequest)
	if err := c.do(ctx, http.MethodGet, "/api/approval-requests/"+url.PathEscape(requestID), nil, req); err != nil {
		return nil, err
	}
	return req, nil
}

// CacheStatus reports the active cache provider.
func (c *Client) CacheStatus(ctx context.Context) (map[string]interface{}, error) {
	status := make(map[string]interface{})
	if err := c.do(ctx, http.MethodGet, "/status/cache", nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}
