// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/trigger"
	"github.com/plugrun/plugrun/internal/xdg"
	"github.com/plugrun/plugrun/pkg/errutil"
)

// SocketName is the control socket file name inside the runtime directory.
const SocketName = "plugrun.sock"

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by the /status endpoint.
type StatusResponse struct {
	Running       bool  `json:"running"`
	PID           int   `json:"pid"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	Plugins       int   `json:"plugins"`
}

// MessageResponse acknowledges commands without a payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse carries a failed request's error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ExecutionResult is the wire form of plugin.Result.
type ExecutionResult struct {
	Succeeded  bool   `json:"succeeded"`
	PluginName string `json:"plugin_name"`
	PluginID   string `json:"plugin_id"`
	DurationMS int64  `json:"duration_ms"`
	Payload    string `json:"payload,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewExecutionResult converts a plugin.Result.
func NewExecutionResult(r plugin.Result) ExecutionResult {
	return ExecutionResult{
		Succeeded:  r.Succeeded,
		PluginName: r.PluginName,
		PluginID:   r.PluginID,
		DurationMS: r.Duration.Milliseconds(),
		Payload:    r.Payload,
		Error:      r.Error(),
	}
}

// ExecuteRequest is the body of POST /plugins/{id}/execute.
type ExecuteRequest struct {
	Properties map[string]string `json:"properties,omitempty"`
}

// TagsRequest is the body of POST /execute/by-tags.
type TagsRequest struct {
	Tags []string `json:"tags"`
}

// LoadRequest is the body of POST /plugins.
type LoadRequest struct {
	Path string `json:"path"`
}

// TriggerRequest is the body of POST /triggers.
type TriggerRequest struct {
	PluginID string   `json:"plugin_id,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Payload  string   `json:"payload,omitempty"`
}

// ShutdownFunc is called when shutdown is requested.
type ShutdownFunc func()

// Server runs HTTP over a Unix socket for plugin management.
type Server struct {
	svc          *Service
	startTime    time.Time
	listener     net.Listener
	httpServer   *http.Server
	socketPath   string
	shutdownFunc ShutdownFunc
	running      atomic.Bool
	logger       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSocketPath overrides SocketPath().
func WithSocketPath(path string) ServerOption {
	return func(s *Server) {
		if path != "" {
			s.socketPath = path
		}
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a control socket server for svc.
func NewServer(svc *Service, shutdownFunc ShutdownFunc, opts ...ServerOption) *Server {
	s := &Server{
		svc:          svc,
		startTime:    time.Now(),
		socketPath:   SocketPath(),
		shutdownFunc: shutdownFunc,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.running.Store(true)
	return s
}

// SocketPath returns the default control socket path.
func SocketPath() string {
	return filepath.Join(xdg.RuntimeDir(), SocketName)
}

// Path returns the socket the server listens on.
func (s *Server) Path() string { return s.socketPath }

// Handler returns the HTTP routes. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /plugins", s.handlePlugins)
	mux.HandleFunc("POST /plugins", s.handleLoad)
	mux.HandleFunc("POST /plugins/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /plugins/{id}/reload", s.handleReload)
	mux.HandleFunc("DELETE /plugins/{id}", s.handleUnload)
	mux.HandleFunc("POST /execute/by-tags", s.handleExecuteByTags)
	mux.HandleFunc("POST /triggers", s.handleTrigger)
	mux.HandleFunc("GET /logs", s.handleLogs)
	return mux
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	if err := xdg.EnsureDir(filepath.Dir(s.socketPath)); err != nil {
		return oops.Code("CONTROL_SOCKET_FAILED").Wrap(err)
	}

	// Remove a stale socket left by a previous process.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return oops.Code("CONTROL_SOCKET_FAILED").With("path", s.socketPath).Wrapf(err, "remove existing socket")
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return oops.Code("CONTROL_SOCKET_FAILED").With("path", s.socketPath).Wrapf(err, "listen")
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return oops.Code("CONTROL_SOCKET_FAILED").With("path", s.socketPath).Wrapf(err, "set socket permissions")
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control socket server error", "error", err)
		}
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop gracefully shuts down the control socket server.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return oops.Code("CONTROL_SOCKET_FAILED").Wrapf(err, "shutdown http server")
		}
	}

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("failed to close control socket listener", "error", err)
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove control socket file", "path", s.socketPath, "error", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, http.StatusOK, StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Plugins:       len(s.svc.Plugins()),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, http.StatusOK, MessageResponse{Message: "shutdown initiated"})
	if s.shutdownFunc != nil {
		go s.shutdownFunc()
	}
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	s.reply(w, r, http.StatusOK, s.svc.Plugins())
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.svc.Load(r.Context(), req.Path)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusOK, d)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Execute(r.Context(), r.PathValue("id"), req.Properties)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusOK, NewExecutionResult(res))
}

func (s *Server) handleExecuteByTags(w http.ResponseWriter, r *http.Request) {
	var req TagsRequest
	if !s.decode(w, r, &req) {
		return
	}
	results := s.svc.ExecuteByTags(r.Context(), req.Tags)
	out := make([]ExecutionResult, 0, len(results))
	for _, res := range results {
		out = append(out, NewExecutionResult(res))
	}
	s.reply(w, r, http.StatusOK, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reload(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusOK, MessageResponse{Message: "reloaded"})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unload(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusOK, MessageResponse{Message: "unloaded"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.PublishTrigger(r.Context(), req.PluginID, req.Tags, req.Payload); err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusAccepted, MessageResponse{Message: "trigger published"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.reply(w, r, http.StatusBadRequest, ErrorResponse{Error: "limit must be an integer"})
			return
		}
		limit = n
	}
	records, err := s.svc.Logs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.reply(w, r, http.StatusOK, records)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.reply(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, plugin.ErrPluginNotLoaded):
		status = http.StatusNotFound
	case errors.Is(err, plugin.ErrNoModule):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, trigger.ErrBusClosed):
		status = http.StatusServiceUnavailable
	}
	errutil.Log(r.Context(), s.logger, slog.LevelWarn, "control request failed", err,
		"method", r.Method,
		"path", r.URL.Path)

	s.reply(w, r, status, ErrorResponse{Error: err.Error(), Code: errutil.Code(err)})
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to write control response",
			"path", r.URL.Path,
			"error", err)
	}
}
