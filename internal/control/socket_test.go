// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/trigger"
	"github.com/plugrun/plugrun/pkg/errutil"
	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

func serve(t *testing.T, s *Server, method, target, body string) *http.Response {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	resp := w.Result()
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandleHealth_ReturnsCorrectJSON(t *testing.T) {
	plugins := &mockPlugins{}
	s := NewServer(NewService(plugins, &mockExecutor{}, trigger.NewBus()), nil)

	resp := serve(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	health := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	_, err := time.Parse(time.RFC3339, health.Timestamp)
	assert.NoError(t, err)
}

func TestHandleStatus(t *testing.T) {
	plugins := &mockPlugins{}
	plugins.On("Descriptors").Return([]plugin.Descriptor{{ID: "A@1.0.0"}, {ID: "B@1.0.0"}})
	s := NewServer(NewService(plugins, &mockExecutor{}, trigger.NewBus()), nil)

	status := decodeBody[StatusResponse](t, serve(t, s, http.MethodGet, "/status", ""))
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, 2, status.Plugins)
}

func TestHandleExecute(t *testing.T) {
	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, "Echo@1.0.0", mock.MatchedBy(func(req pluginsdk.Request) bool {
		v, _ := req.Property("k")
		return v == "v"
	})).Return(plugin.Result{Succeeded: true, PluginID: "Echo@1.0.0", Duration: 1500 * time.Millisecond, Payload: "out"}, nil)
	exec.On("Execute", mock.Anything, "Missing@1.0.0", mock.Anything).
		Return(plugin.Result{}, errNotLoaded())
	exec.On("Execute", mock.Anything, "Bare@1.0.0", mock.Anything).
		Return(plugin.Result{Succeeded: false, PluginID: "Bare@1.0.0", Err: assert.AnError}, nil)
	s := NewServer(NewService(&mockPlugins{}, exec, trigger.NewBus()), nil)

	resp := serve(t, s, http.MethodPost, "/plugins/Echo@1.0.0/execute", `{"properties":{"k":"v"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[ExecutionResult](t, resp)
	assert.Equal(t, ExecutionResult{Succeeded: true, PluginID: "Echo@1.0.0", DurationMS: 1500, Payload: "out"}, res)

	resp = serve(t, s, http.MethodPost, "/plugins/Missing@1.0.0/execute", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "PLUGIN_NOT_LOADED", decodeBody[ErrorResponse](t, resp).Code)

	resp = serve(t, s, http.MethodPost, "/plugins/Bare@1.0.0/execute", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = decodeBody[ExecutionResult](t, resp)
	assert.False(t, res.Succeeded)
	assert.Equal(t, assert.AnError.Error(), res.Error)
}

func TestHandleBadRequests(t *testing.T) {
	s := NewServer(NewService(&mockPlugins{}, &mockExecutor{}, trigger.NewBus()), nil)

	tests := []struct {
		name, method, target, body string
	}{
		{"execute body", http.MethodPost, "/plugins/A/execute", "{"},
		{"by tags body", http.MethodPost, "/execute/by-tags", "nope"},
		{"load body", http.MethodPost, "/plugins", ""},
		{"trigger body", http.MethodPost, "/triggers", "[1]"},
		{"logs limit", http.MethodGet, "/logs?limit=ten", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(t, s, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHandleTriggerAndLogs(t *testing.T) {
	bus := trigger.NewBus()
	sink := execlog.NewMemorySink(10)
	require.NoError(t, sink.Insert(context.Background(), execlog.NewRecord("Echo", "1.0.0", "c1", nil, time.Now())))
	s := NewServer(NewService(&mockPlugins{}, &mockExecutor{}, bus, WithLogSink(sink)), nil)

	resp := serve(t, s, http.MethodPost, "/triggers", `{"plugin_id":"Echo@1.0.0","payload":"hi"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, bus.Len())

	records := decodeBody[[]execlog.Record](t, serve(t, s, http.MethodGet, "/logs?limit=5", ""))
	require.Len(t, records, 1)
	assert.Equal(t, "c1", records[0].CorrelationID)

	bus.Close()
	resp = serve(t, s, http.MethodPost, "/triggers", `{"payload":"late"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleLogs_CapsLimit(t *testing.T) {
	sink := &limitRecorder{}
	s := NewServer(NewService(&mockPlugins{}, &mockExecutor{}, trigger.NewBus(), WithLogSink(sink)), nil)

	resp := serve(t, s, http.MethodGet, "/logs?limit=1125899906842624", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, execlog.MaxRecentLimit, sink.limit)
}

func TestServer_ClientRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "plugrun")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, SocketName)

	plugins := &mockPlugins{}
	plugins.On("Descriptors").Return([]plugin.Descriptor{{
		ID:       "Echo@1.0.0",
		Metadata: pluginsdk.Metadata{Name: "Echo", Version: "1.0.0", Tags: []string{"demo"}},
		State:    plugin.StateCompleted,
	}})
	plugins.On("Load", mock.Anything, "/plugins/new").Return(&plugin.Descriptor{ID: "New@1.0.0"}, nil)
	plugins.On("Load", mock.Anything, "/plugins/none").Return(nil, nil)
	plugins.On("Reload", mock.Anything, "Echo@1.0.0").Return(nil)
	plugins.On("Unload", mock.Anything, "Echo@1.0.0").Return(nil)

	exec := &mockExecutor{}
	exec.On("Execute", mock.Anything, "Echo@1.0.0", mock.Anything).Return(plugin.Result{Succeeded: true, PluginID: "Echo@1.0.0"}, nil)
	exec.On("ExecuteFilter", mock.Anything, mock.Anything, mock.Anything).Return([]plugin.Result{{Succeeded: true, PluginID: "Echo@1.0.0"}})

	bus := trigger.NewBus()
	shutdown := make(chan struct{})
	s := NewServer(NewService(plugins, exec, bus), func() { close(shutdown) }, WithSocketPath(socket))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	ctx := context.Background()
	c := NewClient(socket)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Plugins)

	list, err := c.Plugins(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, plugin.StateCompleted, list[0].State)
	assert.Equal(t, []string{"demo"}, list[0].Metadata.Tags)

	d, err := c.Load(ctx, "/plugins/new")
	require.NoError(t, err)
	assert.Equal(t, "New@1.0.0", d.ID)

	_, err = c.Load(ctx, "/plugins/none")
	errutil.AssertErrorCode(t, err, "PLUGIN_LOAD_FAILED")

	res, err := c.Execute(ctx, "Echo@1.0.0", nil)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)

	results, err := c.ExecuteByTags(ctx, []string{"demo"})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, c.Reload(ctx, "Echo@1.0.0"))
	require.NoError(t, c.Unload(ctx, "Echo@1.0.0"))
	require.NoError(t, c.Trigger(ctx, TriggerRequest{Tags: []string{"demo"}}))
	assert.Equal(t, 1, bus.Len())

	records, err := c.Logs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, c.Shutdown(ctx))
	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not called")
	}

	require.NoError(t, s.Stop(ctx))
	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err))

	_, err = c.Status(ctx)
	errutil.AssertErrorCode(t, err, "CONTROL_UNAVAILABLE")
}

func TestServer_StartRemovesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "plugrun")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, SocketName)
	require.NoError(t, os.WriteFile(socket, []byte("stale"), 0o600))

	s := NewServer(NewService(&mockPlugins{}, &mockExecutor{}, trigger.NewBus()), nil, WithSocketPath(socket))
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))
}

func TestSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	assert.Equal(t, "/run/user/1000/plugrun/plugrun.sock", SocketPath())
}

func errNotLoaded() error {
	return oopsNotLoaded("Missing@1.0.0")
}
