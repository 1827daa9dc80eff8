// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package pluginsdk

import (
	"log/slog"
	"maps"
	"sync"
)

// Context is the per-execution bundle handed to a module. It carries only
// what a plugin may use: a logger, its metadata, the request, its own
// configuration and the host resources it is allowed to resolve.
type Context struct {
	logger    *slog.Logger
	metadata  Metadata
	request   Request
	config    map[string]string
	resources map[string]string

	mu     sync.Mutex
	output string
}

// ContextConfig holds the inputs of NewContext.
type ContextConfig struct {
	Logger    *slog.Logger
	Metadata  Metadata
	Request   Request
	Config    map[string]string
	Resources map[string]string
}

// NewContext creates an execution context. Maps are copied.
func NewContext(cfg ContextConfig) *Context {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		logger:    logger,
		metadata:  cfg.Metadata,
		request:   cfg.Request,
		config:    maps.Clone(cfg.Config),
		resources: maps.Clone(cfg.Resources),
	}
}

// Logger returns a logger tagged with the plugin name.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Metadata returns the metadata of the executing plugin.
func (c *Context) Metadata() Metadata { return c.metadata }

// Request returns the execution request.
func (c *Context) Request() Request { return c.request }

// Config returns a configuration value scoped to this plugin.
func (c *Context) Config(key string) (string, bool) {
	v, ok := c.config[key]
	return v, ok
}

// Resource resolves a host resource. Resources outside the host's shared
// allow-list are never present.
func (c *Context) Resource(name string) (string, bool) {
	v, ok := c.resources[name]
	return v, ok
}

// SetOutput records the execution payload reported back to the host.
func (c *Context) SetOutput(s string) {
	c.mu.Lock()
	c.output = s
	c.mu.Unlock()
}

// Output returns the payload recorded with SetOutput.
func (c *Context) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// Settings returns a copy of the plugin configuration.
func (c *Context) Settings() map[string]string { return maps.Clone(c.config) }

// Resources returns a copy of the resolved host resources.
func (c *Context) Resources() map[string]string { return maps.Clone(c.resources) }
