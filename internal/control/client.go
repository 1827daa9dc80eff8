// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/samber/oops"

	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/plugin"
)

// Client talks to a Server over its Unix socket.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the socket at path.
func NewClient(path string) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// Status returns the host status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Shutdown asks the host to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// Plugins lists loaded plugins.
func (c *Client) Plugins(ctx context.Context) ([]plugin.Descriptor, error) {
	var out []plugin.Descriptor
	err := c.do(ctx, http.MethodGet, "/plugins", nil, &out)
	return out, err
}

// Load loads the plugin at path on the host.
func (c *Client) Load(ctx context.Context, path string) (plugin.Descriptor, error) {
	var out plugin.Descriptor
	err := c.do(ctx, http.MethodPost, "/plugins", LoadRequest{Path: path}, &out)
	return out, err
}

// Execute runs one plugin.
func (c *Client) Execute(ctx context.Context, id string, props map[string]string) (ExecutionResult, error) {
	var out ExecutionResult
	err := c.do(ctx, http.MethodPost, "/plugins/"+url.PathEscape(id)+"/execute", ExecuteRequest{Properties: props}, &out)
	return out, err
}

// ExecuteByTags runs every plugin sharing a tag.
func (c *Client) ExecuteByTags(ctx context.Context, tags []string) ([]ExecutionResult, error) {
	var out []ExecutionResult
	err := c.do(ctx, http.MethodPost, "/execute/by-tags", TagsRequest{Tags: tags}, &out)
	return out, err
}

// Reload reloads a plugin.
func (c *Client) Reload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/plugins/"+url.PathEscape(id)+"/reload", nil, nil)
}

// Unload removes a plugin.
func (c *Client) Unload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/plugins/"+url.PathEscape(id), nil, nil)
}

// Trigger publishes a manual trigger.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) error {
	return c.do(ctx, http.MethodPost, "/triggers", req, nil)
}

// Logs returns recent execution records, newest first.
func (c *Client) Logs(ctx context.Context, limit int) ([]execlog.Record, error) {
	var out []execlog.Record
	path := "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return oops.In("control").Wrap(err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://plugrun"+path, rd)
	if err != nil {
		return oops.In("control").Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return oops.In("control").Code("CONTROL_UNAVAILABLE").Hint("is plugrun running?").Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return oops.In("control").With("status", resp.StatusCode).Errorf("request failed: %s", resp.Status)
		}
		b := oops.In("control").With("status", resp.StatusCode)
		if e.Code != "" {
			b = b.Code(e.Code)
		}
		return b.Errorf("%s", e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return oops.In("control").Wrapf(err, "decode response")
	}
	return nil
}
